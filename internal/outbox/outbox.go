// Package outbox stages durable outbound messages until their recipients
// acknowledge them. Dispatch workers claim leased batches; a worker that dies
// mid-batch simply lets its lease expire and another worker picks the rows up.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultBatchSize     = 100
)

type Config struct {
	// Node names this gateway instance; Purge only touches its own entries.
	Node          string
	LeaseDuration time.Duration
	BatchSize     int
}

// Handler performs the side effect for one claimed entry. Returning nil keeps
// the entry leased until it is acknowledged or purged; ErrPermanent removes it;
// any other error releases the lease so the next cycle retries.
type Handler func(ctx context.Context, e Entry) error

type Outbox struct {
	store  Store
	guard  Idempotency
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

func New(store Store, guard Idempotency, clk clock.Clock, cfg Config, logger *zap.Logger) *Outbox {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if clk == nil {
		clk = clock.New()
	}
	if guard == nil {
		guard = NewMemoryIdempotency(DefaultIdempotencyTTL, clk)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{store: store, guard: guard, clock: clk, cfg: cfg, logger: logger.Named("outbox")}
}

// SaveToOutbox persists e, assigning an id and creation time when missing.
func (o *Outbox) SaveToOutbox(ctx context.Context, e Entry) (Entry, error) {
	if e.RecipientID == "" {
		return Entry{}, errors.New("outbox entry without recipient")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Node == "" {
		e.Node = o.cfg.Node
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = o.clock.Now().UTC()
	}
	err := retryOp(ctx, defaultRetryConfig, func() error { return o.store.Insert(ctx, e) })
	if err != nil {
		return Entry{}, fmt.Errorf("save to outbox: %w", err)
	}
	return e, nil
}

func (o *Outbox) RemoveFromOutbox(ctx context.Context, e Entry) error {
	err := retryOp(ctx, defaultRetryConfig, func() error { return o.store.Delete(ctx, e.ID) })
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("remove from outbox: %w", err)
	}
	return nil
}

// GetFromOutboxBatch claims up to limit entries whose lease is free or expired.
func (o *Outbox) GetFromOutboxBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = o.cfg.BatchSize
	}
	var entries []Entry
	err := retryOp(ctx, defaultRetryConfig, func() error {
		var err error
		entries, err = o.store.ClaimBatch(ctx, limit, o.clock.Now().UTC(), o.cfg.LeaseDuration)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return entries, nil
}

// Acknowledge removes the entry a recipient confirmed. Lower ids are left
// alone: they may not have reached the recipient yet.
func (o *Outbox) Acknowledge(ctx context.Context, recipientID string, messageID int64) (int64, error) {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		var err error
		n, err = o.store.DeleteAcked(ctx, recipientID, messageID)
		return err
	})
	return n, err
}

// Purge removes every entry this node persisted at or below the safe-delete id.
func (o *Outbox) Purge(ctx context.Context, upTo int64) (int64, error) {
	if upTo <= 0 {
		return 0, nil
	}
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		var err error
		n, err = o.store.DeleteUpTo(ctx, o.cfg.Node, upTo)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	if n > 0 {
		o.logger.Info("purged acknowledged entries", zap.Int64("up_to", upTo), zap.Int64("rows", n))
	}
	return n, nil
}

// Recover walks every entry this node persisted, oldest first, so callers can
// rebuild in-memory delivery state after a restart.
func (o *Outbox) Recover(ctx context.Context, visit func(Entry)) (int, error) {
	var (
		after int64
		seen  int
	)
	for {
		var batch []Entry
		err := retryOp(ctx, defaultRetryConfig, func() error {
			var err error
			batch, err = o.store.ListByNode(ctx, o.cfg.Node, after, o.cfg.BatchSize)
			return err
		})
		if err != nil {
			return seen, fmt.Errorf("recover outbox: %w", err)
		}
		for _, e := range batch {
			visit(e)
			after = e.MessageID
		}
		seen += len(batch)
		if len(batch) < o.cfg.BatchSize {
			return seen, nil
		}
	}
}

func (o *Outbox) Node() string { return o.cfg.Node }

func (o *Outbox) MaxMessageID(ctx context.Context) (int64, error) {
	return o.store.MaxMessageID(ctx)
}

// Dispatch claims one batch and hands each entry to handler. It reports how
// many entries the handler completed.
func (o *Outbox) Dispatch(ctx context.Context, handler Handler) (int, error) {
	entries, err := o.GetFromOutboxBatch(ctx, o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if o.dispatchOne(ctx, e, handler) {
			done++
		}
	}
	return done, nil
}

func (o *Outbox) dispatchOne(ctx context.Context, e Entry, handler Handler) bool {
	log := o.logger.With(zap.String("entry", e.ID), zap.Int64("message_id", e.MessageID))

	busy, err := o.guard.InProgress(ctx, e.ID)
	if err != nil {
		log.Warn("idempotency check failed, skipping entry", zap.Error(err))
		return false
	}
	if busy {
		log.Debug("entry already in progress, skipping redelivery")
		return false
	}
	added, err := o.guard.AddMessage(ctx, e.ID)
	if err != nil || !added {
		log.Debug("lost idempotency race", zap.Error(err))
		return false
	}
	defer func() {
		if err := o.guard.RemoveMessage(context.WithoutCancel(ctx), e.ID); err != nil {
			log.Warn("release idempotency mark", zap.Error(err))
		}
	}()

	err = handler(ctx, e)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPermanent):
		log.Error("dropping undeliverable entry", zap.Error(err))
		if rmErr := o.RemoveFromOutbox(ctx, e); rmErr != nil {
			log.Warn("remove failed entry", zap.Error(rmErr))
		}
	default:
		log.Warn("dispatch failed, releasing lease", zap.Error(err))
		if relErr := o.store.ExtendOrReleaseLease(ctx, e.ID, nil); relErr != nil {
			log.Warn("release lease", zap.Error(relErr))
		}
	}
	return false
}
