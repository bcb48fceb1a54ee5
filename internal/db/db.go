package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("count", len(migrations)).Msg("database migrations applied")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            customer_id TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'active',
            assigned_agent_id TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS conversations_status_idx ON conversations (status, updated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS conversation_sequences (
            conversation_id BIGINT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
            last_sequence BIGINT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            sender_role TEXT NOT NULL,
            body_type TEXT NOT NULL,
            body_text TEXT NOT NULL DEFAULT '',
            body_url TEXT NOT NULL DEFAULT '',
            body_file_name TEXT NOT NULL DEFAULT '',
            body_product_id TEXT NOT NULL DEFAULT '',
            sequence BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            edited_at TIMESTAMPTZ,
            edited BOOLEAN NOT NULL DEFAULT FALSE,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            intent TEXT,
            intent_confidence DOUBLE PRECISION,
            reply_to TEXT,
            UNIQUE (conversation_id, sequence)
        );`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS reply_to TEXT;`,
	`CREATE TABLE IF NOT EXISTS read_cursors (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            principal_id TEXT NOT NULL,
            last_sequence BIGINT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (conversation_id, principal_id)
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
