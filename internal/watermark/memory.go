package watermark

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory keeps stamps in an LRU ordered by write. Stamps are always written
// with the current time, so write order is timestamp order and the LRU victim
// is the oldest stamp. Reads use Peek and never reorder.
type Memory struct {
	cache *lru.Cache[string, time.Time]
}

func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cache, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache}, nil
}

func (m *Memory) Put(_ context.Context, wm Watermark) error {
	m.cache.Add(wm.ClientID, wm.Timestamp)
	return nil
}

func (m *Memory) Get(_ context.Context, clientID string) (time.Time, bool, error) {
	ts, ok := m.cache.Peek(clientID)
	return ts, ok, nil
}

func (m *Memory) Remove(_ context.Context, clientID string) error {
	m.cache.Remove(clientID)
	return nil
}

func (m *Memory) Len(context.Context) (int, error) {
	return m.cache.Len(), nil
}
