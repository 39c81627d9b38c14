package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-gateway/internal/backpressure"
	"go-chat-gateway/internal/message"
	"go-chat-gateway/internal/outbox"
	"go-chat-gateway/internal/session"
)

// Run drives both channels, the relay subscription and the background
// loops until ctx is cancelled or one of them fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seedIDs(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.incoming.Run(ctx) })
	eg.Go(func() error { return g.outgoing.Run(ctx) })
	eg.Go(func() error {
		if err := g.recoverTracker(ctx); err != nil {
			return err
		}
		return g.every(ctx, g.cfg.PurgeInterval, func(ctx context.Context) {
			if _, err := g.purgeOnce(ctx); err != nil {
				g.logger.Error("purge", zap.Error(err))
			}
		})
	})
	eg.Go(func() error {
		return g.every(ctx, g.cfg.DispatchInterval, func(ctx context.Context) {
			if _, err := g.dispatchOnce(ctx); err != nil {
				g.logger.Warn("dispatch", zap.Error(err))
			}
		})
	})
	eg.Go(func() error {
		return g.every(ctx, g.cfg.CleanupInterval, g.cleanupOnce)
	})
	if g.relay != nil {
		eg.Go(func() error { return g.relay.Subscribe(ctx, g.onRelay) })
	}

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops admitting frames and closes every session. Queued items
// still drain while Run is alive.
func (g *Gateway) Close() error {
	g.incoming.Close()
	g.outgoing.Close()

	var err error
	g.registry.Range(func(s *session.Session) bool {
		err = multierr.Append(err, s.Conn.Close())
		return true
	})
	return err
}

func (g *Gateway) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := g.clock.Ticker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

// seedIDs keeps new ids above everything already in the outbox.
func (g *Gateway) seedIDs(ctx context.Context) error {
	highest, err := g.outbox.MaxMessageID(ctx)
	if err != nil {
		return fmt.Errorf("read highest message id: %w", err)
	}
	if g.relay != nil {
		if err := g.relay.SeedID(ctx, highest); err != nil {
			return fmt.Errorf("seed shared message id: %w", err)
		}
	} else {
		g.localIDs.Seed(highest)
	}
	g.logger.Info("message ids seeded", zap.Int64("above", highest))
	return nil
}

// recoverTracker replays this node's outbox rows into the tracker. Purging
// stays off until it finishes, since an empty tracker would report every
// recovered row as safe to delete.
func (g *Gateway) recoverTracker(ctx context.Context) error {
	n, err := g.outbox.Recover(ctx, func(e outbox.Entry) {
		g.tracker.OnSend(ctx, e.RecipientID, e.MessageID, g.isOnline(ctx, e.RecipientID))
	})
	if err != nil {
		return err
	}
	close(g.recovered)
	g.logger.Info("delivery state recovered", zap.Int("entries", n))
	return nil
}

func (g *Gateway) isOnline(ctx context.Context, clientID string) bool {
	if g.registry.Online(clientID) {
		return true
	}
	if g.relay == nil {
		return false
	}
	online, err := g.relay.Online(ctx, clientID)
	return err == nil && online
}

func (g *Gateway) ready() bool {
	select {
	case <-g.recovered:
		return true
	default:
		return false
	}
}

// purgeOnce deletes this node's outbox rows at or below the safe-delete id,
// never reaching an id that is still between allocation and its tracked send.
func (g *Gateway) purgeOnce(ctx context.Context) (int64, error) {
	if !g.ready() {
		return 0, nil
	}
	safe := g.tracker.SafeDeleteID(ctx)
	g.metrics.SetSafeDeleteID(safe)

	upTo := min(safe, g.seq.Floor())
	n, err := g.outbox.Purge(ctx, upTo)
	if err != nil {
		return 0, err
	}
	g.metrics.AddPurged(n)
	return n, nil
}

func (g *Gateway) dispatchOnce(ctx context.Context) (int, error) {
	return g.outbox.Dispatch(ctx, g.redeliver)
}

// redeliver is the outbox handler for rows whose lease ran out. An offline
// recipient is not an error: the row stays leased until the next expiry.
func (g *Gateway) redeliver(ctx context.Context, e outbox.Entry) error {
	// Once recovered, this node's tracker holds a record for every row it
	// persisted that still waits for its ack.
	if e.Node == g.cfg.Node && g.ready() && !g.tracker.Pending(e.RecipientID, e.MessageID) {
		return g.outbox.RemoveFromOutbox(ctx, e)
	}
	msg, err := message.Decode(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: entry %s: %v", outbox.ErrPermanent, e.ID, err)
	}
	delivered, err := g.deliver(ctx, msg.WithMeta("redelivered", "true"))
	if err != nil {
		return err
	}
	if delivered {
		g.logger.Debug("redelivered", zap.Int64("message_id", e.MessageID), zap.String("recipient", e.RecipientID))
	}
	return nil
}

// cleanupOnce runs fractional cleanup and then disconnects clients whose
// unacknowledged backlog is past the heavy threshold.
func (g *Gateway) cleanupOnce(context.Context) {
	now := g.clock.Now()
	observed := g.registry.Len()
	if g.openConns != nil {
		observed = g.openConns()
	}
	g.cleanup.Run(g.registry, observed, func(s *session.Session) bool {
		if !s.Conn.Alive() {
			return false
		}
		return g.cfg.IdleTimeout <= 0 || s.IdleFor(now) < g.cfg.IdleTimeout
	})

	for _, clientID := range g.tracker.FindHeavyClients(g.cfg.HeavyThreshold, g.cfg.HeavyLimit) {
		for _, s := range g.registry.SessionsFor(clientID) {
			g.logger.Warn("disconnecting heavy client",
				zap.String("client", clientID),
				zap.Int("outstanding", g.tracker.Outstanding(clientID)))
			g.metrics.IncHeavyDisconnect()
			g.remove(s)
		}
	}
}

type Stats struct {
	Node          string             `json:"node"`
	Sessions      int                `json:"sessions"`
	OnlineClients int                `json:"online_clients"`
	Incoming      backpressure.Stats `json:"incoming"`
	Outgoing      backpressure.Stats `json:"outgoing"`
	SafeDeleteID  int64              `json:"safe_delete_id"`
	MaxSent       int64              `json:"max_sent"`
	InFlight      int                `json:"in_flight"`
	PendingAcks   int                `json:"pending_acks"`
	HeavyClients  []string           `json:"heavy_clients"`
}

func (g *Gateway) Stats(ctx context.Context) Stats {
	return Stats{
		Node:          g.cfg.Node,
		Sessions:      g.registry.Len(),
		OnlineClients: len(g.registry.OnlineClients()),
		Incoming:      g.incoming.Stats(),
		Outgoing:      g.outgoing.Stats(),
		SafeDeleteID:  g.tracker.SafeDeleteID(ctx),
		MaxSent:       g.tracker.MaxSent(),
		InFlight:      g.seq.InFlight(),
		PendingAcks:   g.pending.Len(),
		HeavyClients:  g.tracker.FindHeavyClients(g.cfg.HeavyThreshold, g.cfg.HeavyLimit),
	}
}
