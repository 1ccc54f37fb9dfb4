package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for the synchronous rejection cases.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrCharacterNotFound = errors.New("character not found")
)

// DBTX is the subset of *sql.DB and *sql.Tx the repositories need, so the
// same repository code runs standalone or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Migrate creates the relational schema if it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			room_name TEXT NOT NULL DEFAULT '',
			owner_id BIGINT NOT NULL,
			owner_name TEXT NOT NULL,
			character_name TEXT NOT NULL,
			character_version TEXT NOT NULL DEFAULT '',
			branch_kind TEXT NOT NULL DEFAULT 'root',
			room_type TEXT NOT NULL DEFAULT 'chat',
			is_public BOOLEAN NOT NULL DEFAULT TRUE,
			title TEXT NOT NULL DEFAULT '',
			describe_text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS character_cards (
			id BIGSERIAL PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(room_id),
			owner_id BIGINT NOT NULL,
			owner_name TEXT NOT NULL,
			character_name TEXT NOT NULL,
			character_data TEXT NOT NULL,
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_character_cards_room ON character_cards(room_id)`,
		`CREATE TABLE IF NOT EXISTS presets (
			room_id TEXT PRIMARY KEY REFERENCES rooms(room_id),
			model TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL DEFAULT 1.15,
			top_p DOUBLE PRECISION NOT NULL DEFAULT 0.98,
			top_k INT NOT NULL DEFAULT 40,
			max_output_tokens INT NOT NULL DEFAULT 65535,
			max_context INT NOT NULL DEFAULT 0,
			prompt_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS fork_relations (
			id BIGSERIAL PRIMARY KEY,
			from_user_id BIGINT NOT NULL,
			from_user_name TEXT NOT NULL DEFAULT '',
			target_id BIGINT NOT NULL,
			source_room_id TEXT NOT NULL,
			cut_floor INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fork_relations_target ON fork_relations(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fork_relations_from ON fork_relations(from_user_id)`,
		`CREATE TABLE IF NOT EXISTS fork_traces (
			id BIGSERIAL PRIMARY KEY,
			source_room_id TEXT NOT NULL,
			source_owner_id BIGINT NOT NULL,
			prev_room_id TEXT NOT NULL,
			prev_owner_id BIGINT NOT NULL,
			current_room_id TEXT NOT NULL UNIQUE,
			current_owner_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
