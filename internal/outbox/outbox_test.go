package outbox_test

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-gateway/internal/outbox"
	"go-chat-gateway/internal/outbox/sqlite"
)

func newTestOutbox(t *testing.T, lease time.Duration) (*outbox.Outbox, *clock.Mock) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	guard := outbox.NewMemoryIdempotency(time.Hour, clk)
	ob := outbox.New(store, guard, clk, outbox.Config{LeaseDuration: lease, BatchSize: 10}, nil)
	return ob, clk
}

func save(t *testing.T, ob *outbox.Outbox, msgID int64, recipient string) outbox.Entry {
	t.Helper()
	e, err := ob.SaveToOutbox(context.Background(), outbox.Entry{
		MessageID:   msgID,
		RecipientID: recipient,
		Payload:     []byte(fmt.Sprintf(`{"message_id":%d}`, msgID)),
	})
	require.NoError(t, err)
	return e
}

func TestSaveAssignsIdentity(t *testing.T) {
	ob, clk := newTestOutbox(t, time.Minute)

	e := save(t, ob, 1, "bob")
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.CreatedAt.Equal(clk.Now()))

	_, err := ob.SaveToOutbox(context.Background(), outbox.Entry{MessageID: 2})
	assert.Error(t, err)
}

func TestRedeliveryAfterLeaseExpiryRunsOnce(t *testing.T) {
	ob, clk := newTestOutbox(t, 30*time.Second)
	ctx := context.Background()
	save(t, ob, 1, "bob")

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context, e outbox.Entry) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstDone int
	go func() {
		defer wg.Done()
		n, err := ob.Dispatch(ctx, slow)
		assert.NoError(t, err)
		firstDone = n
	}()
	<-started

	// The first worker is still busy when its lease runs out.
	clk.Add(31 * time.Second)
	n, err := ob.Dispatch(ctx, func(ctx context.Context, e outbox.Entry) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	wg.Wait()
	assert.Equal(t, 1, firstDone)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSuccessfulDispatchKeepsLease(t *testing.T) {
	ob, clk := newTestOutbox(t, 30*time.Second)
	ctx := context.Background()
	save(t, ob, 1, "bob")

	var calls int
	handler := func(ctx context.Context, e outbox.Entry) error {
		calls++
		return nil
	}

	n, err := ob.Dispatch(ctx, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ob.Dispatch(ctx, handler)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)

	// Unacknowledged entries come back once the lease lapses.
	clk.Add(time.Minute)
	n, err = ob.Dispatch(ctx, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestFailedDispatchReleasesLease(t *testing.T) {
	ob, _ := newTestOutbox(t, time.Hour)
	ctx := context.Background()
	save(t, ob, 1, "bob")

	fail := true
	var calls int
	handler := func(ctx context.Context, e outbox.Entry) error {
		calls++
		if fail {
			return errors.New("recipient offline")
		}
		return nil
	}

	n, err := ob.Dispatch(ctx, handler)
	require.NoError(t, err)
	assert.Zero(t, n)

	fail = false
	n, err = ob.Dispatch(ctx, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestPermanentFailureRemovesEntry(t *testing.T) {
	ob, clk := newTestOutbox(t, time.Second)
	ctx := context.Background()
	save(t, ob, 4, "bob")

	_, err := ob.Dispatch(ctx, func(ctx context.Context, e outbox.Entry) error {
		return fmt.Errorf("bad payload: %w", outbox.ErrPermanent)
	})
	require.NoError(t, err)

	clk.Add(time.Minute)
	batch, err := ob.GetFromOutboxBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestAcknowledgeAndPurge(t *testing.T) {
	ob, _ := newTestOutbox(t, time.Minute)
	ctx := context.Background()
	save(t, ob, 1, "bob")
	save(t, ob, 2, "bob")
	save(t, ob, 3, "bob")
	save(t, ob, 2, "alice")
	save(t, ob, 4, "alice")

	// An ack covers its own message only; 1 may never have reached bob.
	n, err := ob.Acknowledge(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ob.Acknowledge(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ob.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ob.Purge(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	highest, err := ob.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), highest)
}

func TestRemoveFromOutboxIgnoresMissing(t *testing.T) {
	ob, _ := newTestOutbox(t, time.Minute)
	ctx := context.Background()
	e := save(t, ob, 1, "bob")

	require.NoError(t, ob.RemoveFromOutbox(ctx, e))
	require.NoError(t, ob.RemoveFromOutbox(ctx, e))
}

func TestRecoverVisitsEveryEntryInOrder(t *testing.T) {
	ob, _ := newTestOutbox(t, time.Minute)
	for i := int64(1); i <= 25; i++ {
		save(t, ob, i, "bob")
	}

	var seen []int64
	n, err := ob.Recover(context.Background(), func(e outbox.Entry) {
		seen = append(seen, e.MessageID)
	})
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	require.Len(t, seen, 25)
	for i, id := range seen {
		assert.Equal(t, int64(i+1), id)
	}
}
