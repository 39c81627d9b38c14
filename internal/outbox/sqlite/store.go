// Package sqlite is a single-node outbox store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"go-chat-gateway/internal/outbox"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	message_id   INTEGER NOT NULL,
	recipient_id TEXT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	payload      BLOB NOT NULL,
	meta         TEXT NOT NULL DEFAULT '{}',
	lease_until  INTEGER,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_lease ON outbox(lease_until, message_id);
CREATE INDEX IF NOT EXISTS idx_outbox_recipient ON outbox(recipient_id, message_id);
CREATE INDEX IF NOT EXISTS idx_outbox_node ON outbox(node_id, message_id);
`

type Store struct {
	db *sql.DB
}

var _ outbox.Store = (*Store)(nil)

// New opens (or creates) the database at path in WAL mode and applies the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Insert(ctx context.Context, e outbox.Entry) error {
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MessageID, e.RecipientID, e.Node, e.Payload, meta, nanosOrNil(e.LeaseUntil), e.CreatedAt.UnixNano(),
	)
	return classify(err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
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
		`DELETE FROM outbox WHERE recipient_id = ? AND message_id = ?`, recipientID, messageID)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteUpTo(ctx context.Context, node string, messageID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE node_id = ? AND message_id <= ?`, node, messageID)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// ClaimBatch leases up to limit free or expired rows in one statement, so two
// concurrent claimers never receive the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Entry, error) {
	until := now.Add(lease)
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox SET lease_until = ?
		 WHERE id IN (
			SELECT id FROM outbox
			WHERE lease_until IS NULL OR lease_until <= ?
			ORDER BY message_id
			LIMIT ?)
		 RETURNING id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at`,
		until.UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MessageID < entries[j].MessageID })
	return entries, nil
}

func (s *Store) ListByNode(ctx context.Context, node string, afterID int64, limit int) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, recipient_id, node_id, payload, meta, lease_until, created_at
		 FROM outbox WHERE node_id = ? AND message_id > ?
		 ORDER BY message_id LIMIT ?`,
		node, afterID, limit,
	)
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
			e         outbox.Entry
			meta      string
			leaseNano sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RecipientID, &e.Node, &e.Payload, &meta, &leaseNano, &created); err != nil {
			return nil, err
		}
		var err error
		if e.Meta, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		if leaseNano.Valid {
			t := time.Unix(0, leaseNano.Int64).UTC()
			e.LeaseUntil = &t
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (s *Store) ExtendOrReleaseLease(ctx context.Context, id string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET lease_until = ? WHERE id = ?`, nanosOrNil(until), id)
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
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(message_id) FROM outbox`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func encodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(data), nil
}

func decodeMeta(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

// classify wraps lock contention errors so the outbox retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return fmt.Errorf("%w: %v", outbox.ErrTransient, err)
		}
	}
	return err
}
