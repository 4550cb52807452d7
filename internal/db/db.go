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

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
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

// AutoMigrate creates the schema. The pair and slug constraints on chats are
// what enforce one chat per (listing, unordered pair) under concurrent writers;
// their names are matched by the repositories.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_key ON users (LOWER(username))`,

		`CREATE TABLE IF NOT EXISTS listings (
            id UUID PRIMARY KEY,
            owner_id UUID,
            title TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS chats (
            id UUID PRIMARY KEY,
            listing_id UUID NOT NULL,
            party_a_id UUID NOT NULL,
            party_b_id UUID NOT NULL,
            slug VARCHAR(64) NOT NULL,
            category VARCHAR(16) NOT NULL DEFAULT 'other'
                CHECK (category IN ('seeker', 'hiring', 'vehicle', 'other')),
            last_message VARCHAR(512),
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            CONSTRAINT chats_slug_key UNIQUE (slug),
            CONSTRAINT chats_distinct_parties CHECK (party_a_id <> party_b_id)
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS chats_pair_key
            ON chats (listing_id, LEAST(party_a_id, party_b_id), GREATEST(party_a_id, party_b_id))`,
		`CREATE INDEX IF NOT EXISTS chats_party_a_idx ON chats (party_a_id)`,
		`CREATE INDEX IF NOT EXISTS chats_party_b_idx ON chats (party_b_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL,
            content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
            sent_at TIMESTAMPTZ NOT NULL,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS messages_chat_sent_idx ON messages (chat_id, sent_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_unread_idx ON messages (chat_id, is_read)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
