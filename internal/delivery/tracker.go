// Package delivery tracks which recipients still owe an acknowledgement for
// which durable messages, and derives from that the highest message id that
// may be purged from storage.
package delivery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"go-chat-gateway/internal/watermark"
)

const (
	DefaultGracePeriod = 5 * time.Minute
	defaultShards      = 64
)

// Record is one (recipient, message) pair still waiting for an ack.
type Record struct {
	RecipientID    string
	MessageID      int64
	SentSeq        int64
	AckedSeq       *int64
	DisconnectedAt *time.Time
}

type Config struct {
	GracePeriod time.Duration
	Shards      int
}

type recipient struct {
	// acked is the highest id acknowledged so far. Lower ids may still be open.
	acked          int64
	hasAcked       bool
	disconnectedAt *time.Time
	open           map[int64]*Record
}

type shard struct {
	mu         sync.Mutex
	recipients map[string]*recipient
}

type Tracker struct {
	shards  []*shard
	marks   watermark.Store
	clock   clock.Clock
	grace   time.Duration
	logger  *zap.Logger
	maxSent atomic.Int64
}

func NewTracker(cfg Config, marks watermark.Store, clk clock.Clock, logger *zap.Logger) *Tracker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		shards: make([]*shard, cfg.Shards),
		marks:  marks,
		clock:  clk,
		grace:  cfg.GracePeriod,
		logger: logger.Named("tracker"),
	}
	for i := range t.shards {
		t.shards[i] = &shard{recipients: make(map[string]*recipient)}
	}
	return t
}

func (t *Tracker) shardFor(clientID string) *shard {
	return t.shards[xxhash.Sum64String(clientID)%uint64(len(t.shards))]
}

// lookup returns the recipient entry, creating it when missing. Caller holds s.mu.
func (s *shard) lookup(clientID string) *recipient {
	r, ok := s.recipients[clientID]
	if !ok {
		r = &recipient{open: make(map[int64]*Record)}
		s.recipients[clientID] = r
	}
	return r
}

// OnSend opens a record for messageID, or refreshes the one already open. A
// recipient that is offline at send time is treated as disconnected from now,
// so its grace period starts ticking.
func (t *Tracker) OnSend(ctx context.Context, recipientID string, messageID int64, online bool) {
	now := t.clock.Now()
	s := t.shardFor(recipientID)

	s.mu.Lock()
	r := s.lookup(recipientID)
	rec, ok := r.open[messageID]
	if !ok {
		rec = &Record{RecipientID: recipientID, MessageID: messageID, SentSeq: messageID}
		r.open[messageID] = rec
	}
	stamp := false
	if !online && r.disconnectedAt == nil {
		r.disconnectedAt = &now
		stamp = true
	}
	rec.DisconnectedAt = r.disconnectedAt
	s.mu.Unlock()

	for {
		cur := t.maxSent.Load()
		if messageID <= cur || t.maxSent.CompareAndSwap(cur, messageID) {
			break
		}
	}

	if stamp && t.marks != nil {
		if _, found, err := t.marks.Get(ctx, recipientID); err == nil && !found {
			t.putMark(ctx, recipientID, now)
		}
	}
}

// OnAck closes the record of one message. Delivery order is not id order, so
// an ack says nothing about lower ids. Reports whether a record was open.
func (t *Tracker) OnAck(recipientID string, messageID int64) bool {
	s := t.shardFor(recipientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[recipientID]
	if !ok {
		return false
	}
	if _, open := r.open[messageID]; !open {
		return false
	}
	delete(r.open, messageID)
	if !r.hasAcked || messageID > r.acked {
		r.acked = messageID
		r.hasAcked = true
	}
	return true
}

// Pending reports whether the record of messageID is still waiting for its ack.
func (t *Tracker) Pending(recipientID string, messageID int64) bool {
	s := t.shardFor(recipientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	if !ok {
		return false
	}
	_, open := r.open[messageID]
	return open
}

// OnDisconnect stamps every open record of clientID and writes its leave stamp.
func (t *Tracker) OnDisconnect(ctx context.Context, clientID string) {
	now := t.clock.Now()
	s := t.shardFor(clientID)

	s.mu.Lock()
	r := s.lookup(clientID)
	r.disconnectedAt = &now
	for _, rec := range r.open {
		rec.DisconnectedAt = r.disconnectedAt
	}
	s.mu.Unlock()

	t.putMark(ctx, clientID, now)
}

// OnConnect clears the disconnect stamps of a returning client.
func (t *Tracker) OnConnect(ctx context.Context, clientID string) {
	s := t.shardFor(clientID)
	s.mu.Lock()
	if r, ok := s.recipients[clientID]; ok {
		r.disconnectedAt = nil
		for _, rec := range r.open {
			rec.DisconnectedAt = nil
		}
	}
	s.mu.Unlock()

	if t.marks != nil {
		if err := t.marks.Remove(ctx, clientID); err != nil {
			t.logger.Warn("remove watermark", zap.String("client", clientID), zap.Error(err))
		}
	}
}

func (t *Tracker) putMark(ctx context.Context, clientID string, ts time.Time) {
	if t.marks == nil {
		return
	}
	if err := t.marks.Put(ctx, watermark.Watermark{ClientID: clientID, Timestamp: ts}); err != nil {
		t.logger.Warn("put watermark", zap.String("client", clientID), zap.Error(err))
	}
}

type candidate struct {
	clientID       string
	floor          int64
	disconnectedAt *time.Time
}

// SafeDeleteID returns the highest message id every interested recipient has
// either acknowledged or abandoned. A recipient holds the bound just below its
// lowest open record. Recipients disconnected for longer than the grace period
// are dropped on the way. The result may be stale by the time it is used, but
// never too high: acks only close records.
func (t *Tracker) SafeDeleteID(ctx context.Context) int64 {
	safe := t.maxSent.Load()
	now := t.clock.Now()

	var candidates []candidate
	for _, s := range t.shards {
		s.mu.Lock()
		for id, r := range s.recipients {
			if len(r.open) == 0 {
				continue
			}
			candidates = append(candidates, candidate{clientID: id, floor: lowest(r.open) - 1, disconnectedAt: r.disconnectedAt})
		}
		s.mu.Unlock()
	}

	for _, c := range candidates {
		if c.disconnectedAt != nil && t.pastGrace(ctx, c, now) && t.drop(c) {
			continue
		}
		if c.floor < safe {
			safe = c.floor
		}
	}
	return safe
}

func lowest(open map[int64]*Record) int64 {
	first := true
	var low int64
	for id := range open {
		if first || id < low {
			low, first = id, false
		}
	}
	return low
}

func (t *Tracker) pastGrace(ctx context.Context, c candidate, now time.Time) bool {
	left := *c.disconnectedAt
	if t.marks != nil {
		ts, found, err := t.marks.Get(ctx, c.clientID)
		if err != nil {
			// Without the stamp we cannot prove the client is gone.
			t.logger.Warn("read watermark", zap.String("client", c.clientID), zap.Error(err))
			return false
		}
		if found {
			left = ts
		}
	}
	return now.Sub(left) > t.grace
}

// drop forgets a recipient that stayed away past its grace period. It re-checks
// under the lock so a client that reconnected meanwhile keeps constraining.
func (t *Tracker) drop(c candidate) bool {
	s := t.shardFor(c.clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[c.clientID]
	if !ok {
		return true
	}
	if r.disconnectedAt == nil || !r.disconnectedAt.Equal(*c.disconnectedAt) {
		return false
	}
	delete(s.recipients, c.clientID)
	t.logger.Info("recipient past grace period, dropping pending records",
		zap.String("client", c.clientID),
		zap.Int("records", len(r.open)))
	return true
}

// FindHeavyClients returns up to limit clients with more than threshold
// unacknowledged records, largest backlog first.
func (t *Tracker) FindHeavyClients(threshold, limit int) []string {
	type heavy struct {
		id    string
		count int
	}
	var found []heavy
	for _, s := range t.shards {
		s.mu.Lock()
		for id, r := range s.recipients {
			if len(r.open) > threshold {
				found = append(found, heavy{id: id, count: len(r.open)})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].count != found[j].count {
			return found[i].count > found[j].count
		}
		return found[i].id < found[j].id
	})
	if limit >= 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, h := range found {
		ids[i] = h.id
	}
	return ids
}

// Outstanding is the number of unacknowledged records held for clientID.
func (t *Tracker) Outstanding(clientID string) int {
	s := t.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[clientID]; ok {
		return len(r.open)
	}
	return 0
}

// Acked reports the highest message id clientID has acknowledged.
func (t *Tracker) Acked(clientID string) (int64, bool) {
	s := t.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[clientID]; ok && r.hasAcked {
		return r.acked, true
	}
	return 0, false
}

// Records returns a snapshot of the open records of clientID ordered by id.
func (t *Tracker) Records(clientID string) []Record {
	s := t.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[clientID]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(r.open))
	for _, rec := range r.open {
		cp := *rec
		if r.hasAcked {
			acked := r.acked
			cp.AckedSeq = &acked
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// MaxSent is the highest message id ever handed to OnSend.
func (t *Tracker) MaxSent() int64 {
	return t.maxSent.Load()
}
