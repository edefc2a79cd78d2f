package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// MemoryCallRepository keeps call records in process. It reports missing rows
// with pgx.ErrNoRows like the Postgres implementation.
type MemoryCallRepository struct {
	mu    sync.Mutex
	calls map[string]domain.CallSession
}

// NewMemoryCallRepository returns an empty in-process call store.
func NewMemoryCallRepository() *MemoryCallRepository {
	return &MemoryCallRepository{calls: make(map[string]domain.CallSession)}
}

func (r *MemoryCallRepository) GetByID(_ context.Context, id string) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := call.Clone()
	return &out, nil
}

func (r *MemoryCallRepository) ListRecent(_ context.Context, limit int) ([]domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]domain.CallSession, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c.Clone())
	}
	sort.Slice(calls, func(i, j int) bool {
		if !calls[i].StartTime.Equal(calls[j].StartTime) {
			return calls[i].StartTime.After(calls[j].StartTime)
		}
		return calls[i].ID < calls[j].ID
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (r *MemoryCallRepository) Upsert(_ context.Context, call *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *MemoryCallRepository) Mutate(_ context.Context, id string, fn CallMutator) (*domain.CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var current *domain.CallSession
	if c, ok := r.calls[id]; ok {
		cp := c.Clone()
		current = &cp
	}
	next, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	next.ID = id
	r.calls[id] = next.Clone()
	return &next, current == nil, nil
}

// MemoryTeamMemberRepository keeps the directory in process.
type MemoryTeamMemberRepository struct {
	mu      sync.Mutex
	members map[string]domain.TeamMember
	now     func() time.Time
}

// NewMemoryTeamMemberRepository returns a directory seeded with members.
func NewMemoryTeamMemberRepository(members ...domain.TeamMember) *MemoryTeamMemberRepository {
	r := &MemoryTeamMemberRepository{members: make(map[string]domain.TeamMember), now: time.Now}
	for _, m := range members {
		r.members[m.ID] = m
	}
	return r
}

func (r *MemoryTeamMemberRepository) List(_ context.Context) ([]domain.TeamMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TeamMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryTeamMemberRepository) GetByID(_ context.Context, id string) (*domain.TeamMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &m, nil
}

func (r *MemoryTeamMemberRepository) GetByEmail(_ context.Context, email string) (*domain.TeamMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Email != "" && strings.EqualFold(m.Email, email) {
			return &m, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *MemoryTeamMemberRepository) Upsert(_ context.Context, member *domain.TeamMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	member.UpdatedAt = r.now()
	r.members[member.ID] = *member
	return nil
}

func (r *MemoryTeamMemberRepository) Mutate(_ context.Context, id string, fn MemberMutator) (*domain.TeamMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var current *domain.TeamMember
	if m, ok := r.members[id]; ok {
		current = &m
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next.ID == "" {
		next.ID = id
	}
	next.UpdatedAt = r.now()
	r.members[next.ID] = next
	return &next, nil
}

func (r *MemoryTeamMemberRepository) SetPresence(_ context.Context, id string, presence domain.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return pgx.ErrNoRows
	}
	m.Presence = presence
	m.UpdatedAt = r.now()
	r.members[id] = m
	return nil
}

var (
	_ CallRepository       = (*MemoryCallRepository)(nil)
	_ TeamMemberRepository = (*MemoryTeamMemberRepository)(nil)
)
