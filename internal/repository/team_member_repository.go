package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// MemberMutator derives the entry to store from the current one. current is
// nil when no entry with the id exists.
type MemberMutator func(current *domain.TeamMember) (domain.TeamMember, error)

// TeamMemberRepository defines persistence access for the team directory.
type TeamMemberRepository interface {
	List(ctx context.Context) ([]domain.TeamMember, error)
	GetByID(ctx context.Context, id string) (*domain.TeamMember, error)
	GetByEmail(ctx context.Context, email string) (*domain.TeamMember, error)
	Upsert(ctx context.Context, member *domain.TeamMember) error
	Mutate(ctx context.Context, id string, fn MemberMutator) (*domain.TeamMember, error)
	SetPresence(ctx context.Context, id string, presence domain.Presence) error
}

type teamMemberRepository struct {
	pool *pgxpool.Pool
}

// NewTeamMemberRepository returns a Postgres-backed implementation.
func NewTeamMemberRepository(pool *pgxpool.Pool) TeamMemberRepository {
	return &teamMemberRepository{pool: pool}
}

const memberColumns = `id, email, name, role, presence, extension, recording_access, active, updated_at`

const upsertMemberQuery = `
        INSERT INTO team_members (id, email, name, role, presence, extension, recording_access, active, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        ON CONFLICT (id) DO UPDATE SET
            email=EXCLUDED.email,
            name=EXCLUDED.name,
            role=EXCLUDED.role,
            presence=EXCLUDED.presence,
            extension=EXCLUDED.extension,
            recording_access=EXCLUDED.recording_access,
            active=EXCLUDED.active,
            updated_at=NOW()
        RETURNING updated_at`

func (r *teamMemberRepository) List(ctx context.Context) ([]domain.TeamMember, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+memberColumns+` FROM team_members ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.TeamMember
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *member)
	}
	return members, rows.Err()
}

func (r *teamMemberRepository) GetByID(ctx context.Context, id string) (*domain.TeamMember, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM team_members WHERE id=$1`, id))
}

func (r *teamMemberRepository) GetByEmail(ctx context.Context, email string) (*domain.TeamMember, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM team_members WHERE LOWER(email)=LOWER($1) LIMIT 1`, email))
}

func (r *teamMemberRepository) Upsert(ctx context.Context, member *domain.TeamMember) error {
	return upsertMember(ctx, r.pool, member)
}

// Mutate applies fn to the entry under a row lock and stores the result.
func (r *teamMemberRepository) Mutate(ctx context.Context, id string, fn MemberMutator) (*domain.TeamMember, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanMember(tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM team_members WHERE id=$1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next.ID == "" {
		next.ID = id
	}
	if err := upsertMember(ctx, tx, &next); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *teamMemberRepository) SetPresence(ctx context.Context, id string, presence domain.Presence) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE team_members SET presence=$1, updated_at=NOW() WHERE id=$2`, presence, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertMember(ctx context.Context, db queryRower, member *domain.TeamMember) error {
	return db.QueryRow(ctx, upsertMemberQuery,
		member.ID,
		nullable(member.Email),
		member.Name,
		member.Role,
		nullable(string(member.Presence)),
		nullable(member.Extension),
		member.RecordingAccess,
		member.Active,
	).Scan(&member.UpdatedAt)
}

func scanMember(row pgx.Row) (*domain.TeamMember, error) {
	var (
		member    domain.TeamMember
		email     *string
		presence  *string
		extension *string
	)
	if err := row.Scan(
		&member.ID,
		&email,
		&member.Name,
		&member.Role,
		&presence,
		&extension,
		&member.RecordingAccess,
		&member.Active,
		&member.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if email != nil {
		member.Email = *email
	}
	if presence != nil {
		member.Presence = domain.Presence(*presence)
	}
	if extension != nil {
		member.Extension = *extension
	}
	return &member, nil
}
