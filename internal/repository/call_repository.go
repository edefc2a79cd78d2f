package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// CallMutator derives the record to store from the current one. current is
// nil when the call does not exist yet.
type CallMutator func(current *domain.CallSession) (domain.CallSession, error)

// CallRepository defines persistence access for call records.
type CallRepository interface {
	GetByID(ctx context.Context, id string) (*domain.CallSession, error)
	ListRecent(ctx context.Context, limit int) ([]domain.CallSession, error)
	Upsert(ctx context.Context, call *domain.CallSession) error
	Mutate(ctx context.Context, id string, fn CallMutator) (*domain.CallSession, bool, error)
}

type callRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository returns a Postgres-backed implementation.
func NewCallRepository(pool *pgxpool.Pool) CallRepository {
	return &callRepository{pool: pool}
}

const upsertCallQuery = `
        INSERT INTO calls (id, status, direction, agent_id, room_id, start_time, updated_at, record)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            status=EXCLUDED.status,
            direction=EXCLUDED.direction,
            agent_id=EXCLUDED.agent_id,
            room_id=EXCLUDED.room_id,
            start_time=EXCLUDED.start_time,
            updated_at=EXCLUDED.updated_at,
            record=EXCLUDED.record`

func (r *callRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	const query = `SELECT record FROM calls WHERE id=$1`
	return scanCall(r.pool.QueryRow(ctx, query, id))
}

func (r *callRepository) ListRecent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	const query = `
        SELECT record FROM calls
        ORDER BY start_time DESC, id
        LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

func (r *callRepository) Upsert(ctx context.Context, call *domain.CallSession) error {
	return execUpsertCall(ctx, r.pool, call)
}

// Mutate reads the call under a row lock, applies fn and writes the result in
// the same transaction. The returned flag reports whether the row was new.
func (r *callRepository) Mutate(ctx context.Context, id string, fn CallMutator) (*domain.CallSession, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanCall(tx.QueryRow(ctx, `SELECT record FROM calls WHERE id=$1 FOR UPDATE`, id))
	created := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !created {
		return nil, false, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	next.ID = id
	if err := execUpsertCall(ctx, tx, &next); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &next, created, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execUpsertCall(ctx context.Context, db execer, call *domain.CallSession) error {
	record, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	_, err = db.Exec(ctx, upsertCallQuery,
		call.ID,
		call.Status,
		call.Direction,
		nullable(call.AgentID),
		nullable(call.RoomID),
		call.StartTime,
		call.UpdatedAt,
		record,
	)
	return err
}

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		return nil, err
	}
	var call domain.CallSession
	if err := json.Unmarshal(record, &call); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &call, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
