package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxstream/pkg/memory"
	"github.com/MrWong99/voxstream/pkg/types"
)

// Compile-time interface checks.
var (
	_ memory.HistoryStore = (*Store)(nil)
	_ memory.Pinger       = (*Store)(nil)
)

// Store is a PostgreSQL-backed conversation history. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies connectivity, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Append implements [memory.HistoryStore].
func (s *Store) Append(ctx context.Context, t types.Turn) error {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	const q = `
		INSERT INTO chat_turns (user_id, session_id, turn_id, role, content, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		t.UserID, t.SessionID, t.TurnID, string(t.Role), t.Content, t.Model, ts)
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Recent implements [memory.HistoryStore]. Rows are selected newest first and
// reversed so the result is chronological.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	q := `
		SELECT user_id, session_id, turn_id, role, content, model, created_at
		FROM   chat_turns
		WHERE  user_id = $1
		ORDER  BY id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}

	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear implements [memory.HistoryStore].
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func scanTurn(row pgx.CollectableRow) (types.Turn, error) {
	var (
		t    types.Turn
		role string
	)
	if err := row.Scan(&t.UserID, &t.SessionID, &t.TurnID, &role, &t.Content, &t.Model, &t.Timestamp); err != nil {
		return types.Turn{}, err
	}
	t.Role = types.Role(role)
	return t, nil
}
