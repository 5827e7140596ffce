// Package store is the durable job store: analyses and their notifications
// live in Postgres, and every state transition goes through it. The single
// multi-writer safety mechanism is the compare-and-set on MarkProcessing.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Open connects to Postgres and verifies connectivity.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	image_path TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('EM_ABERTO', 'PROCESSANDO', 'ANALISADO', 'FALHOU')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result JSONB,
	processing_logs TEXT,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_analyses_status_created ON analyses (status, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_code ON analyses (code);

CREATE TABLE IF NOT EXISTS notifications (
	id UUID PRIMARY KEY,
	analysis_id UUID NOT NULL REFERENCES analyses (id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	link TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications (is_read, created_at DESC);
`

// EnsureSchema bootstraps both tables. Idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
