package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/pkg/types"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by a [pgxpool.Pool]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
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

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, cs types.CallSession) error {
	if cs.ID == "" {
		return errors.New("postgres store: save: session id is empty")
	}
	if !cs.Closed() {
		return history.ErrNotClosed
	}
	transcript := cs.Transcript
	if transcript == nil {
		transcript = []types.TranscriptTurn{}
	}
	tj, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("postgres store: marshal transcript: %w", err)
	}
	rj, err := json.Marshal(cs.FinalRisk)
	if err != nil {
		return fmt.Errorf("postgres store: marshal risk: %w", err)
	}

	const q = `
		INSERT INTO call_sessions (id, start_time, end_time, transcript, final_risk, user_feedback)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, cs.ID, cs.StartTime, *cs.EndTime, tj, rj, cs.UserFeedback)
	if err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrAlreadyExists
	}
	return nil
}

const selectColumns = `id, start_time, end_time, transcript, final_risk, user_feedback`

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit, offset int) ([]types.CallSession, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + selectColumns + `
		FROM   call_sessions
		ORDER  BY start_time DESC, seq DESC
		LIMIT  $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	if out == nil {
		out = []types.CallSession{}
	}
	return out, nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (types.CallSession, error) {
	q := `SELECT ` + selectColumns + ` FROM call_sessions WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return types.CallSession{}, fmt.Errorf("postgres store: get: %w", err)
	}
	cs, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CallSession{}, history.ErrNotFound
	}
	if err != nil {
		return types.CallSession{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return cs, nil
}

// SetFeedback implements [history.Store]. The conditional update makes the
// first writer win when two clients race.
func (s *Store) SetFeedback(ctx context.Context, id string, isScam bool) error {
	const q = `UPDATE call_sessions SET user_feedback = $2 WHERE id = $1 AND user_feedback IS NULL`
	tag, err := s.pool.Exec(ctx, q, id, isScam)
	if err != nil {
		return fmt.Errorf("postgres store: set feedback: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: set feedback: %w", err)
	}
	if !exists {
		return history.ErrNotFound
	}
	return history.ErrFeedbackAlreadySet
}

func scanSession(row pgx.CollectableRow) (types.CallSession, error) {
	var (
		cs         types.CallSession
		end        time.Time
		transcript []byte
		risk       []byte
	)
	if err := row.Scan(&cs.ID, &cs.StartTime, &end, &transcript, &risk, &cs.UserFeedback); err != nil {
		return types.CallSession{}, err
	}
	if err := json.Unmarshal(transcript, &cs.Transcript); err != nil {
		return types.CallSession{}, fmt.Errorf("decode transcript: %w", err)
	}
	var r types.RiskResult
	if err := json.Unmarshal(risk, &r); err != nil {
		return types.CallSession{}, fmt.Errorf("decode final risk: %w", err)
	}
	r = r.Clone()
	cs.FinalRisk = &r
	end = end.UTC()
	cs.EndTime = &end
	cs.StartTime = cs.StartTime.UTC()
	if cs.Transcript == nil {
		cs.Transcript = []types.TranscriptTurn{}
	}
	return cs, nil
}
