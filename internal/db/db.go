package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Connect opens the database and runs migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("connect db: empty dsn")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrations is the ordered schema of the documents table. Every statement
// is idempotent.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
            collection TEXT NOT NULL,
            id TEXT NOT NULL,
            doc JSONB NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (collection, id)
        );`,
	`CREATE INDEX IF NOT EXISTS documents_doc_idx ON documents USING GIN (doc jsonb_path_ops);`,
	`CREATE INDEX IF NOT EXISTS documents_chats_conversation_idx
            ON documents ((doc->>'conversationId'), (doc->>'createdAt'))
            WHERE collection = 'chats';`,
	`CREATE UNIQUE INDEX IF NOT EXISTS documents_users_username_idx
            ON documents ((doc->>'username'))
            WHERE collection = 'users';`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for i, m := range Migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(Migrations)).Msg("database migrations applied")
	return nil
}
