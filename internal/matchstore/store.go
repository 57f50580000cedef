// Package matchstore persists match history in PostgreSQL: one record
// per match, its per-turn timings and the output message stream.
package matchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playforge/arena/internal/protocol"
)

// Store wraps a pgx connection pool for match history operations.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateMatch inserts a new match record and returns its id.
func (s *Store) CreateMatch(ctx context.Context, options []string) (string, error) {
	if options == nil {
		options = []string{}
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, options) VALUES ($1, $2)`,
		id, options,
	)
	if err != nil {
		return "", fmt.Errorf("creating match record: %w", err)
	}
	slog.Info("match record created", "match", id)
	return id, nil
}

// FinishMatch stamps the match as finished. Already-finished matches are
// left untouched, so the call is safe to repeat.
func (s *Store) FinishMatch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE matches SET finished_at = now() WHERE id = $1 AND finished_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing match %s: %w", id, err)
	}
	return nil
}

// RecordTurn upserts one turn's working duration.
func (s *Store) RecordTurn(ctx context.Context, id string, turn int, took time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_turns (match_id, turn, took_ms) VALUES ($1, $2, $3)
		 ON CONFLICT (match_id, turn) DO UPDATE SET took_ms = EXCLUDED.took_ms`,
		id, turn, took.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording turn %d of match %s: %w", turn, id, err)
	}
	return nil
}

// RecordMessages appends a batch of output messages to the match's
// stream in one transaction.
func (s *Store) RecordMessages(ctx context.Context, id string, msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && err.Error() != "tx is closed" {
			slog.Error("rollback failed", "match", id, "error", err)
		}
	}()

	rows := make([][]any, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling message %q: %w", msg.Name, err)
		}
		rows = append(rows, []any{id, msg.Name, payload})
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"match_messages"},
		[]string{"match_id", "name", "payload"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("inserting %d messages for match %s: %w", len(rows), id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
