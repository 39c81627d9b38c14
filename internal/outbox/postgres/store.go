// Package postgres is the production outbox store. Claims use
// FOR UPDATE SKIP LOCKED so dispatch workers on different gateway instances
// never lease the same row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"

	"go-chat-gateway/internal/outbox"
)

type Store struct {
	db *sql.DB
}

var _ outbox.Store = (*Store)(nil)

// NewStore expects the schema from db.AutoMigrate to be in place.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return nil }

func (s *Store) Insert(ctx context.Context, e outbox.Entry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	query := `INSERT INTO outbox (id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query, e.ID, e.MessageID, e.RecipientID, e.Node, e.Payload, meta, e.LeaseUntil, e.CreatedAt)
	return classify(err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = $1", id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAcked(ctx context.Context, recipientID string, messageID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE recipient_id = $1 AND message_id = $2", recipientID, messageID)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteUpTo(ctx context.Context, node string, messageID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE node_id = $1 AND message_id <= $2", node, messageID)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Entry, error) {
	query := `
		UPDATE outbox SET lease_until = $1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE lease_until IS NULL OR lease_until <= $2
			ORDER BY message_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at
	`
	rows, err := s.db.QueryContext(ctx, query, now.Add(lease), now, limit)
	if err != nil {
		return nil, classify(err)
	}
	return scanEntries(rows)
}

func (s *Store) ListByNode(ctx context.Context, node string, afterID int64, limit int) ([]outbox.Entry, error) {
	query := `
		SELECT id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at
		FROM outbox WHERE node_id = $1 AND message_id > $2
		ORDER BY message_id LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, node, afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]outbox.Entry, error) {
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e     outbox.Entry
			meta  []byte
			lease sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RecipientID, &e.Node, &e.Payload, &meta, &lease, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta: %w", err)
			}
		}
		if lease.Valid {
			t := lease.Time
			e.LeaseUntil = &t
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

func (s *Store) ExtendOrReleaseLease(ctx context.Context, id string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE outbox SET lease_until = $1 WHERE id = $2", until, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func (s *Store) MaxMessageID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(message_id) FROM outbox").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Serialization failures, deadlocks and lock timeouts are worth another try.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientCodes[pgErr.Code] {
		return fmt.Errorf("%w: %v", outbox.ErrTransient, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", outbox.ErrTransient, err)
	}
	return err
}
