package watermark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEvictsOldestStamp(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemory(3)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(ctx, Watermark{ClientID: fmt.Sprintf("c%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	// c0 disconnects again and becomes the newest stamp.
	require.NoError(t, store.Put(ctx, Watermark{ClientID: "c0", Timestamp: base.Add(10 * time.Second)}))
	require.NoError(t, store.Put(ctx, Watermark{ClientID: "c3", Timestamp: base.Add(11 * time.Second)}))

	_, ok, _ := store.Get(ctx, "c1")
	assert.False(t, ok, "c1 had the oldest stamp")

	ts, ok, _ := store.Get(ctx, "c0")
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), ts)

	n, _ := store.Len(ctx)
	assert.Equal(t, 3, n)
}

func TestMemoryReadsDoNotRefresh(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemory(2)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, Watermark{ClientID: "a", Timestamp: time.Unix(1, 0)}))
	require.NoError(t, store.Put(ctx, Watermark{ClientID: "b", Timestamp: time.Unix(2, 0)}))
	_, _, _ = store.Get(ctx, "a")
	require.NoError(t, store.Put(ctx, Watermark{ClientID: "c", Timestamp: time.Unix(3, 0)}))

	_, ok, _ := store.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryRemove(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemory(0)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, Watermark{ClientID: "a", Timestamp: time.Unix(1, 0)}))
	require.NoError(t, store.Remove(ctx, "a"))
	_, ok, _ := store.Get(ctx, "a")
	assert.False(t, ok)
}
