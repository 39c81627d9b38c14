// Package watermark keeps leave stamps: the last time each client was seen disconnecting.
package watermark

import (
	"context"
	"time"
)

const DefaultMaxEntries = 10000

type Watermark struct {
	ClientID  string
	Timestamp time.Time
}

// Store is a bounded registry of leave stamps. When full, the entry with the
// oldest timestamp is evicted first.
type Store interface {
	Put(ctx context.Context, wm Watermark) error
	Get(ctx context.Context, clientID string) (time.Time, bool, error)
	Remove(ctx context.Context, clientID string) error
	Len(ctx context.Context) (int, error)
}
