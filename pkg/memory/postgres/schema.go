// Package postgres provides a PostgreSQL-backed [memory.HistoryStore].
//
// Every entry is one row in the chat_turns table. [Migrate] creates the table
// and its indexes idempotently, so it is safe to call on every startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, turn)
//	recent, _ := store.Recent(ctx, "anonymous", 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChatTurns = `
CREATE TABLE IF NOT EXISTS chat_turns (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    session_id  TEXT         NOT NULL DEFAULT '',
    turn_id     TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    model       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_turns_user_id
    ON chat_turns (user_id, id);

CREATE INDEX IF NOT EXISTS idx_chat_turns_turn_id
    ON chat_turns (turn_id);
`

// Migrate creates the history schema if it does not already exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatTurns); err != nil {
		return fmt.Errorf("migrate: chat_turns: %w", err)
	}
	return nil
}
