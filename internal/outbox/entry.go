package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("outbox entry not found")
	// ErrPermanent marks a dispatch failure that retrying cannot fix; the entry is removed.
	ErrPermanent = errors.New("permanent dispatch failure")
	// ErrTransient is wrapped by stores around errors worth retrying (lock contention, serialization).
	ErrTransient = errors.New("transient store error")
)

// Entry is one durable outbound message for one recipient.
type Entry struct {
	ID          string
	MessageID   int64
	RecipientID string
	// Node is the gateway instance that persisted the entry; only it purges it.
	Node       string
	Payload    []byte
	Meta       map[string]string
	LeaseUntil *time.Time
	CreatedAt  time.Time
}

// Store is the persistence contract the outbox needs. ClaimBatch is the only
// cross-worker exclusion: an entry is returned to at most one caller until its
// lease expires.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	// DeleteAcked removes the entry of recipientID for exactly messageID.
	DeleteAcked(ctx context.Context, recipientID string, messageID int64) (int64, error)
	// DeleteUpTo removes every entry of node with message id <= messageID.
	DeleteUpTo(ctx context.Context, node string, messageID int64) (int64, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]Entry, error)
	// ListByNode pages through node's entries with message id > afterID
	// without leasing them.
	ListByNode(ctx context.Context, node string, afterID int64, limit int) ([]Entry, error)
	// ExtendOrReleaseLease sets lease_until to until, or clears it when until is nil.
	ExtendOrReleaseLease(ctx context.Context, id string, until *time.Time) error
	MaxMessageID(ctx context.Context) (int64, error)
	Close() error
}
