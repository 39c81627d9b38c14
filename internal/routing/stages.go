package routing

import (
	"context"
	"errors"
	"fmt"

	"go-chat-gateway/internal/message"
)

// Persister stores a durable message until its recipient acknowledges it.
type Persister interface {
	Persist(ctx context.Context, msg message.Message) error
}

// Deliverer hands a message to the recipient's connections. It reports false
// when the recipient has no reachable connection.
type Deliverer interface {
	Deliver(ctx context.Context, msg message.Message) (bool, error)
}

// Tracker records durable sends and per-message acknowledgements.
type Tracker interface {
	OnSend(ctx context.Context, recipientID string, messageID int64, online bool)
	OnAck(recipientID string, messageID int64) bool
}

// Releaser drops an acknowledged entry from durable storage.
type Releaser interface {
	Acknowledge(ctx context.Context, recipientID string, messageID int64) (int64, error)
}

// Cache keeps non-durable messages until they are acknowledged.
type Cache interface {
	Put(msg message.Message)
	Lookup(recipientID string, messageID int64) (message.Message, bool)
	Evict(recipientID string, messageID int64) bool
}

var (
	ErrNoRecipient = errors.New("message has no recipient")
	ErrNoID        = errors.New("message has no id")
)

// StageFunc is one step of a route. It may flip the booleans on rc but must
// report payload changes through Update.
type StageFunc func(ctx context.Context, rc *RouteContext) StageResult

func persistStage(p Persister) StageFunc {
	return func(ctx context.Context, rc *RouteContext) StageResult {
		msg := rc.Message
		if msg.RecipientID == "" {
			return Fail(ErrNoRecipient)
		}
		if msg.ID <= 0 {
			return Fail(ErrNoID)
		}
		if err := p.Persist(ctx, msg); err != nil {
			return Fail(fmt.Errorf("persist %s: %w", msg, err))
		}
		rc.Persisted = true
		return Pass()
	}
}

func cacheStage(c Cache) StageFunc {
	return func(_ context.Context, rc *RouteContext) StageResult {
		if rc.Message.RecipientID == "" {
			return Fail(ErrNoRecipient)
		}
		c.Put(rc.Message)
		rc.Cached = true
		return Pass()
	}
}

// deliverStage pushes the message out. A durable message for an offline
// recipient still passes: it waits in the outbox for the dispatcher.
func deliverStage(d Deliverer, t Tracker) StageFunc {
	return func(ctx context.Context, rc *RouteContext) StageResult {
		msg := rc.Message
		if msg.RecipientID == "" {
			return Fail(ErrNoRecipient)
		}
		online, err := d.Deliver(ctx, msg)
		if err != nil {
			return Fail(fmt.Errorf("deliver %s: %w", msg, err))
		}
		rc.Delivered = online
		if rc.Persisted && msg.ID > 0 {
			t.OnSend(ctx, msg.RecipientID, msg.ID, online)
		}
		switch {
		case online:
			return Pass()
		case rc.Persisted:
			return Pass()
		default:
			return Skip()
		}
	}
}

// recordAckStage applies an acknowledgement sent by a recipient. The acker is
// the ack's sender; the acknowledged id is the ack's message id.
func recordAckStage(t Tracker, c Cache) StageFunc {
	return func(_ context.Context, rc *RouteContext) StageResult {
		ack := rc.Message
		if ack.SenderID == "" || ack.ID <= 0 {
			return Fail(fmt.Errorf("malformed ack %s", ack))
		}
		if ack.Type.Durable() {
			if !t.OnAck(ack.SenderID, ack.ID) {
				return Skip()
			}
			return Pass()
		}
		if _, ok := c.Lookup(ack.SenderID, ack.ID); !ok {
			return Skip()
		}
		return Pass()
	}
}

func releaseOutboxStage(r Releaser) StageFunc {
	return func(ctx context.Context, rc *RouteContext) StageResult {
		ack := rc.Message
		if _, err := r.Acknowledge(ctx, ack.SenderID, ack.ID); err != nil {
			return Fail(fmt.Errorf("release outbox entry %d for %s: %w", ack.ID, ack.SenderID, err))
		}
		return Pass()
	}
}

func evictCacheStage(c Cache) StageFunc {
	return func(_ context.Context, rc *RouteContext) StageResult {
		if !c.Evict(rc.Message.SenderID, rc.Message.ID) {
			return Skip()
		}
		rc.Cached = false
		return Pass()
	}
}
