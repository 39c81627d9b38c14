package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-gateway/internal/auth"
	"go-chat-gateway/internal/backpressure"
	"go-chat-gateway/internal/delivery"
	"go-chat-gateway/internal/message"
	"go-chat-gateway/internal/outbox"
	"go-chat-gateway/internal/outbox/sqlite"
	"go-chat-gateway/internal/session"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
	dead   bool
	// failChatOut makes that many ChatOut sends fail.
	failChatOut atomic.Int32
}

func (c *fakeConn) Send(data []byte) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if m, err := message.Decode(data); err == nil && m.Type == message.ChatOut && c.failChatOut.Add(-1) >= 0 {
		return errors.New("send buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Alive() bool { return !c.dead && !c.closed.Load() }

func (c *fakeConn) received(t message.Type) []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, f := range c.frames {
		m, err := message.Decode(f)
		if err == nil && m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type countingMetrics struct {
	nopMetrics
	creditRejected atomic.Int64
	heavy          atomic.Int64
	purged         atomic.Int64
}

func (m *countingMetrics) IncCreditRejected()  { m.creditRejected.Add(1) }
func (m *countingMetrics) IncHeavyDisconnect() { m.heavy.Add(1) }
func (m *countingMetrics) AddPurged(n int64)   { m.purged.Add(n) }

type harness struct {
	t       *testing.T
	gw      *Gateway
	clk     *clock.Mock
	store   *sqlite.Store
	metrics *countingMetrics
}

func newHarness(t *testing.T, tweak func(*Config), seed ...outbox.Entry) *harness {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, e := range seed {
		require.NoError(t, store.Insert(context.Background(), e))
	}

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	cfg := Config{
		Node:     "node-a",
		Incoming: backpressure.Config{Capacity: 256},
		Outgoing: backpressure.Config{Capacity: 256},
		Delivery: delivery.Config{GracePeriod: time.Minute},
		// Loops are driven by hand; the mock clock must not trigger them.
		DispatchInterval: time.Hour,
		PurgeInterval:    time.Hour,
		CleanupInterval:  time.Hour,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m := &countingMetrics{}
	gw, err := New(cfg, Deps{Store: store, Metrics: m, Clock: clk})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	require.Eventually(t, gw.ready, 2*time.Second, 5*time.Millisecond)

	return &harness{t: t, gw: gw, clk: clk, store: store, metrics: m}
}

func (h *harness) connect(clientID string) (*session.Session, *fakeConn) {
	h.t.Helper()
	conn := &fakeConn{}
	s, err := h.gw.Connect(context.Background(), auth.Identity{ClientID: clientID, ClientName: clientID}, conn)
	require.NoError(h.t, err)
	return s, conn
}

func (h *harness) send(s *session.Session, msg message.Message) {
	h.t.Helper()
	data, err := message.Encode(msg)
	require.NoError(h.t, err)
	h.gw.Receive(s, data)
}

func (h *harness) await(conn *fakeConn, t message.Type, n int) []message.Message {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(conn.received(t)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, t)
	return conn.received(t)
}

func chat(to, correlation, body string) message.Message {
	return message.Message{
		Type:          message.ChatIn,
		RecipientID:   to,
		CorrelationID: correlation,
		Payload:       message.Payload{Kind: "text", Body: body},
	}
}

func TestChatRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.connect("alice")
	_, bobConn := h.connect("bob")

	h.send(alice, chat("bob", "c1", "hi bob"))

	got := h.await(bobConn, message.ChatOut, 1)[0]
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "bob", got.RecipientID)
	assert.Equal(t, "hi bob", got.Payload.Body)
	assert.Positive(t, got.ID)
	assert.Equal(t, alice.ID, got.SessionID)
	assert.Equal(t, uint64(1), got.Sequence)

	ack := h.await(aliceConn, message.ChatAck, 1)[0]
	assert.Equal(t, "c1", ack.CorrelationID)
	assert.Equal(t, got.ID, ack.ID)
	assert.InDelta(t, 49, ack.CreditsAvailable, 0.01)
}

func TestSenderCannotBeSpoofed(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect("alice")
	_, bobConn := h.connect("bob")

	msg := chat("bob", "c1", "trust me")
	msg.SenderID = "mallory"
	h.send(alice, msg)

	assert.Equal(t, "alice", h.await(bobConn, message.ChatOut, 1)[0].SenderID)
}

func TestDuplicateCorrelationIsAckedButNotRerouted(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.connect("alice")
	_, bobConn := h.connect("bob")

	h.send(alice, chat("bob", "c1", "once"))
	h.send(alice, chat("bob", "c1", "once"))

	acks := h.await(aliceConn, message.ChatAck, 2)
	assert.Equal(t, "c1", acks[1].CorrelationID)
	assert.Len(t, bobConn.received(message.ChatOut), 1)
}

func TestCreditExhaustionDropsMessages(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CreditCapacity = 2
		c.CreditRefill = 0.001
	})
	alice, aliceConn := h.connect("alice")
	_, bobConn := h.connect("bob")

	for i := 0; i < 3; i++ {
		h.send(alice, chat("bob", fmt.Sprintf("c%d", i), "spam"))
	}

	require.Eventually(t, func() bool { return h.metrics.creditRejected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	acks := h.await(aliceConn, message.ChatAck, 2)
	assert.Less(t, acks[1].CreditsAvailable, 1.0)
	assert.Len(t, h.await(bobConn, message.ChatOut, 2), 2)

	// Acks are exempt even with an empty bucket.
	bob := h.gw.registry.SessionsFor("bob")[0]
	h.send(bob, chat("alice", "b1", "hi alice"))
	toAlice := h.await(aliceConn, message.ChatOut, 1)[0]
	require.True(t, h.gw.tracker.Pending("alice", toAlice.ID))
	h.send(alice, message.Message{Type: message.ChatAck, ID: toAlice.ID})
	require.Eventually(t, func() bool {
		return !h.gw.tracker.Pending("alice", toAlice.ID)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.metrics.creditRejected.Load())
}

func TestOfflineChatIsRedeliveredAndReleasedOnAck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, aliceConn := h.connect("alice")

	h.send(alice, chat("carol", "c1", "are you there"))
	ack := h.await(aliceConn, message.ChatAck, 1)[0]

	rows, err := h.store.ListByNode(ctx, "node-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "carol", rows[0].RecipientID)

	// The row is leased to the first attempt; nothing is redelivered before it runs out.
	n, err := h.gw.dispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	carol, carolConn := h.connect("carol")
	h.clk.Add(outbox.DefaultLeaseDuration + time.Second)
	n, err = h.gw.dispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.await(carolConn, message.ChatOut, 1)[0]
	assert.Equal(t, ack.ID, got.ID)
	assert.Equal(t, "true", got.Meta["redelivered"])

	h.send(carol, message.Message{Type: message.ChatAck, ID: got.ID})
	require.Eventually(t, func() bool {
		rows, err := h.store.ListByNode(ctx, "node-a", 0, 10)
		return err == nil && len(rows) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLaterAckDoesNotReleaseAnEarlierUndeliveredMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, aliceConn := h.connect("alice")
	bob, bobConn := h.connect("bob")
	bobConn.failChatOut.Store(1)

	h.send(alice, chat("bob", "c1", "first"))
	h.send(alice, chat("bob", "c2", "second"))
	h.await(aliceConn, message.ChatAck, 2)
	got := h.await(bobConn, message.ChatOut, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Payload.Body)

	h.send(bob, message.Message{Type: message.ChatAck, ID: got[0].ID})
	require.Eventually(t, func() bool {
		return !h.gw.tracker.Pending("bob", got[0].ID)
	}, 2*time.Second, 5*time.Millisecond)

	rows, err := h.store.ListByNode(ctx, "node-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the acked message is released")
	first := rows[0].MessageID
	assert.Less(t, first, got[0].ID)
	assert.True(t, h.gw.tracker.Pending("bob", first))

	n, err := h.gw.purgeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.Add(outbox.DefaultLeaseDuration + time.Second)
	dispatched, err := h.gw.dispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	again := h.await(bobConn, message.ChatOut, 2)[1]
	assert.Equal(t, first, again.ID)
	assert.Equal(t, "first", again.Payload.Body)
	assert.Equal(t, "true", again.Meta["redelivered"])
}

func TestPurgeWaitsForEveryRecipient(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, aliceConn := h.connect("alice")
	bob, bobConn := h.connect("bob")

	h.send(alice, chat("dave", "c1", "offline"))
	h.await(aliceConn, message.ChatAck, 1)
	h.send(alice, chat("bob", "c2", "online"))
	toBob := h.await(bobConn, message.ChatOut, 1)[0]

	h.send(bob, message.Message{Type: message.ChatAck, ID: toBob.ID})
	require.Eventually(t, func() bool {
		acked, ok := h.gw.tracker.Acked("bob")
		return ok && acked == toBob.ID
	}, 2*time.Second, 5*time.Millisecond)

	// dave never acked and is still inside the grace period.
	n, err := h.gw.purgeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.Add(2 * time.Minute)
	n, err = h.gw.purgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), h.metrics.purged.Load())

	rows, err := h.store.ListByNode(ctx, "node-a", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPurgeSparesAnAllocatedButUntrackedRow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.connect("alice")
	bob, bobConn := h.connect("bob")

	// An id taken by a chat that persisted its row but has not sent yet.
	pending, err := h.gw.seq.Next(ctx)
	require.NoError(t, err)
	payload, err := message.Encode(message.Message{Type: message.ChatOut, SenderID: "alice", RecipientID: "bob", ID: pending})
	require.NoError(t, err)
	require.NoError(t, h.store.Insert(ctx, outbox.Entry{
		ID:          "untracked",
		MessageID:   pending,
		RecipientID: "bob",
		Node:        "node-a",
		Payload:     payload,
		CreatedAt:   h.clk.Now(),
	}))

	h.send(alice, chat("bob", "c1", "later id"))
	toBob := h.await(bobConn, message.ChatOut, 1)[0]
	require.Greater(t, toBob.ID, pending)
	h.send(bob, message.Message{Type: message.ChatAck, ID: toBob.ID})
	require.Eventually(t, func() bool {
		rows, err := h.store.ListByNode(ctx, "node-a", 0, 10)
		return err == nil && len(rows) == 1 && !h.gw.tracker.Pending("bob", toBob.ID)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, toBob.ID, h.gw.tracker.SafeDeleteID(ctx))

	n, err := h.gw.purgeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.gw.seq.Done(pending)
	n, err = h.gw.purgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSignalsNeedAnOnlineRecipient(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.connect("alice")
	bob, bobConn := h.connect("bob")

	h.send(alice, message.Message{Type: message.SignalIn, RecipientID: "eve", CorrelationID: "s1"})
	h.send(alice, message.Message{Type: message.SignalIn, RecipientID: "bob", CorrelationID: "s2"})

	sig := h.await(bobConn, message.SignalOut, 1)[0]
	acks := h.await(aliceConn, message.SignalAck, 1)
	require.Len(t, acks, 1)
	assert.Equal(t, "s2", acks[0].CorrelationID)
	// The undelivered signal to eve stays cached until its TTL runs out.
	assert.Equal(t, 2, h.gw.pending.Len())

	h.send(bob, message.Message{Type: message.SignalAck, ID: sig.ID})
	require.Eventually(t, func() bool { return h.gw.pending.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPresence(t *testing.T) {
	h := newHarness(t, nil)
	_, aliceConn := h.connect("alice")
	bob, bobConn := h.connect("bob")

	join := h.await(aliceConn, message.PresenceJoin, 1)[0]
	assert.Equal(t, "bob", join.Payload.Body)

	init := h.await(bobConn, message.PresenceInit, 1)[0]
	var online []string
	require.NoError(t, json.Unmarshal([]byte(init.Payload.Body), &online))
	assert.Equal(t, []string{"alice", "bob"}, online)

	h.gw.Disconnect(bob)
	leave := h.await(aliceConn, message.PresenceLeave, 1)[0]
	assert.Equal(t, "bob", leave.Payload.Body)
	assert.True(t, bobConn.closed.Load())
}

func TestSecondSessionDoesNotAnnounceAgain(t *testing.T) {
	h := newHarness(t, nil)
	_, aliceConn := h.connect("alice")
	first, _ := h.connect("bob")
	_, _ = h.connect("bob")

	h.await(aliceConn, message.PresenceJoin, 1)
	h.gw.Disconnect(first)
	// The outgoing queue is FIFO, so a leave would arrive before this notice.
	require.NoError(t, h.gw.Notify(context.Background(), "alice", "sync"))
	h.await(aliceConn, message.ServiceOut, 1)
	assert.Len(t, aliceConn.received(message.PresenceJoin), 1)
	assert.Empty(t, aliceConn.received(message.PresenceLeave))
	assert.True(t, h.gw.registry.Online("bob"))
}

func TestNotify(t *testing.T) {
	h := newHarness(t, nil)
	_, bobConn := h.connect("bob")

	require.NoError(t, h.gw.Notify(context.Background(), "bob", "maintenance at noon"))
	got := h.await(bobConn, message.ServiceOut, 1)[0]
	assert.Equal(t, "maintenance at noon", got.Payload.Body)

	assert.ErrorIs(t, h.gw.Notify(context.Background(), "nobody", "hello"), ErrNotConnected)
}

func TestHeavyClientsAreDisconnected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeavyThreshold = 2 })
	alice, _ := h.connect("alice")
	_, bobConn := h.connect("bob")

	for i := 0; i < 3; i++ {
		h.send(alice, chat("bob", fmt.Sprintf("c%d", i), "ack me"))
	}
	require.Eventually(t, func() bool { return h.gw.tracker.Outstanding("bob") == 3 }, 2*time.Second, 5*time.Millisecond)

	h.gw.cleanupOnce(context.Background())
	assert.False(t, h.gw.registry.Online("bob"))
	assert.True(t, bobConn.closed.Load())
	assert.True(t, h.gw.registry.Online("alice"))
	assert.Equal(t, int64(1), h.metrics.heavy.Load())
}

func TestFractionalCleanupEvictsOnlyDeadSessions(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CleanupFraction = 1
	})
	h.gw.openConns = func() int { return 0 }

	var alive []*session.Session
	for i := 0; i < 5; i++ {
		s, _ := h.connect(fmt.Sprintf("live-%d", i))
		alive = append(alive, s)
	}
	for i := 0; i < 30; i++ {
		conn := &fakeConn{dead: true}
		_, err := h.gw.Connect(context.Background(), auth.Identity{ClientID: fmt.Sprintf("dead-%d", i)}, conn)
		require.NoError(t, err)
	}

	h.gw.cleanupOnce(context.Background())
	assert.Less(t, h.gw.registry.Len(), 35)
	for _, s := range alive {
		_, ok := h.gw.registry.Get(s.ID)
		assert.True(t, ok, "live session %s evicted", s.ClientID)
	}
}

func TestCleanupSkipsSmallDrift(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		conn := &fakeConn{dead: true}
		_, err := h.gw.Connect(context.Background(), auth.Identity{ClientID: fmt.Sprintf("dead-%d", i)}, conn)
		require.NoError(t, err)
	}
	h.gw.openConns = func() int { return 0 }

	h.gw.cleanupOnce(context.Background())
	assert.Equal(t, 10, h.gw.registry.Len())
}

func TestRestartRecoversTrackerAndIDs(t *testing.T) {
	payload, err := message.Encode(message.Message{Type: message.ChatOut, SenderID: "alice", RecipientID: "bob", ID: 7})
	require.NoError(t, err)
	h := newHarness(t, nil, outbox.Entry{
		ID:          "seed",
		MessageID:   7,
		RecipientID: "bob",
		Node:        "node-a",
		Payload:     payload,
		CreatedAt:   time.Unix(1_700_000_000, 0),
	})

	assert.Equal(t, 1, h.gw.tracker.Outstanding("bob"))
	assert.Equal(t, int64(7), h.gw.tracker.MaxSent())

	alice, aliceConn := h.connect("alice")
	h.send(alice, chat("bob", "c1", "after restart"))
	assert.Equal(t, int64(8), h.await(aliceConn, message.ChatAck, 1)[0].ID)

	n, err := h.gw.purgeOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "bob has not acked the recovered row")
}

func TestMalformedAndServerOnlyFramesFail(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect("alice")

	h.gw.Receive(alice, []byte("not json"))
	h.send(alice, message.Message{Type: message.PresenceInit, RecipientID: "bob"})
	h.send(alice, message.Message{Type: message.ChatIn})

	require.Eventually(t, func() bool { return h.gw.incoming.Stats().Failed == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("alice")
	h.connect("alice")

	st := h.gw.Stats(context.Background())
	assert.Equal(t, "node-a", st.Node)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.OnlineClients)
	assert.Zero(t, st.InFlight)
}

func TestConnectRequiresClientID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.gw.Connect(context.Background(), auth.Identity{}, &fakeConn{})
	assert.ErrorIs(t, err, ErrNoClientID)
}
