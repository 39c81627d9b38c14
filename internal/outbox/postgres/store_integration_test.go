//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"go-chat-gateway/internal/db"
	"go-chat-gateway/internal/outbox"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "gateway",
				"POSTGRES_PASSWORD": "gateway",
				"POSTGRES_DB":       "outbox",
			},
			// The server restarts once after the init scripts run.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://gateway:gateway@%s:%s/outbox?sslmode=disable", host, port.Port())
	database, err := db.NewDatabase(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.AutoMigrate(ctx))
	return NewStore(database.Conn)
}

func insert(t *testing.T, s *Store, id string, msgID int64, recipient string) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), outbox.Entry{
		ID:          id,
		MessageID:   msgID,
		RecipientID: recipient,
		Payload:     []byte(`{"type":"chat-out"}`),
		CreatedAt:   time.Unix(100, 0),
	}))
}

// UPDATE ... RETURNING does not promise an order.
func byMessageID(entries []outbox.Entry) []outbox.Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].MessageID < entries[j].MessageID })
	return entries
}

func TestClaimBatchLeasesEachRowOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, "c", 3, "bob")
	insert(t, s, "a", 1, "bob")
	insert(t, s, "b", 2, "alice")

	now := time.Unix(1000, 0)
	first, err := s.ClaimBatch(ctx, 2, now, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 2)
	first = byMessageID(first)
	assert.Equal(t, int64(1), first[0].MessageID)
	assert.Equal(t, int64(2), first[1].MessageID)
	require.NotNil(t, first[0].LeaseUntil)
	assert.True(t, first[0].LeaseUntil.Equal(now.Add(30*time.Second)))

	second, err := s.ClaimBatch(ctx, 10, now, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c", second[0].ID)

	none, err := s.ClaimBatch(ctx, 10, now.Add(10*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExpiredLeaseIsClaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, "a", 1, "bob")

	now := time.Unix(1000, 0)
	_, err := s.ClaimBatch(ctx, 10, now, time.Minute)
	require.NoError(t, err)

	again, err := s.ClaimBatch(ctx, 10, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "a", again[0].ID)
}

func TestReleaseLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, "a", 1, "bob")

	now := time.Unix(1000, 0)
	_, err := s.ClaimBatch(ctx, 10, now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.ExtendOrReleaseLease(ctx, "a", nil))

	again, err := s.ClaimBatch(ctx, 10, now, time.Hour)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	assert.ErrorIs(t, s.ExtendOrReleaseLease(ctx, "missing", nil), outbox.ErrNotFound)
}

func TestMetaSurvivesStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, outbox.Entry{
		ID:          "a",
		MessageID:   7,
		RecipientID: "bob",
		Payload:     []byte("x"),
		Meta:        map[string]string{"trace": "abc"},
		CreatedAt:   time.Unix(100, 0),
	}))

	got, err := s.ClaimBatch(ctx, 1, time.Unix(200, 0), time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Meta["trace"])
	assert.Equal(t, []byte("x"), got[0].Payload)
	assert.True(t, got[0].CreatedAt.Equal(time.Unix(100, 0)))
}

func TestDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, "b1", 1, "bob")
	insert(t, s, "b2", 2, "bob")
	insert(t, s, "b3", 3, "bob")
	insert(t, s, "a2", 2, "alice")
	insert(t, s, "a5", 5, "alice")

	n, err := s.DeleteAcked(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteUpTo(ctx, "other-node", 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteUpTo(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	highest, err := s.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), highest)

	require.NoError(t, s.Delete(ctx, "a5"))
	assert.ErrorIs(t, s.Delete(ctx, "a5"), outbox.ErrNotFound)

	highest, err = s.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Zero(t, highest)
}

func TestListByNodePagesWithoutLeasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		insert(t, s, id, int64(i+1), "bob")
	}

	page, err := s.ListByNode(ctx, "", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].MessageID)
	assert.Equal(t, int64(3), page[1].MessageID)
	assert.Nil(t, page[0].LeaseUntil)

	page, err = s.ListByNode(ctx, "other-node", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	claimed, err := s.ClaimBatch(ctx, 10, time.Unix(200, 0), time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}
