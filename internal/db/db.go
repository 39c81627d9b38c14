package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
            id TEXT PRIMARY KEY,
            message_id BIGINT NOT NULL,
            recipient_id VARCHAR(128) NOT NULL,
            node_id VARCHAR(64) NOT NULL DEFAULT '',
            payload BYTEA NOT NULL,
            meta JSONB NOT NULL DEFAULT '{}'::jsonb,
            lease_until TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_lease
            ON outbox (lease_until, message_id)`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_recipient
            ON outbox (recipient_id, message_id)`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_node
            ON outbox (node_id, message_id)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
