package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/events"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/repository"
)

// ErrInvalidPresence is returned for presence values outside the known set.
var ErrInvalidPresence = errors.New("invalid presence value")

// DirectoryService manages the team directory.
type DirectoryService struct {
	members    repository.TeamMemberRepository
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// DirectoryDependencies bundles collaborators for the directory service.
type DirectoryDependencies struct {
	MemberRepo repository.TeamMemberRepository
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewDirectoryService builds the service.
func NewDirectoryService(deps DirectoryDependencies) *DirectoryService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryService{
		members:    deps.MemberRepo,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// List returns the deduplicated directory.
func (s *DirectoryService) List(ctx context.Context) ([]domain.TeamMember, error) {
	members, err := s.members.List(ctx)
	if err != nil {
		return nil, err
	}
	out := identity.Dedupe(members)
	if out == nil {
		out = identity.Directory{}
	}
	return out, nil
}

// Get returns one member or domain.ErrMemberNotFound.
func (s *DirectoryService) Get(ctx context.Context, id string) (domain.TeamMember, error) {
	member, err := s.members.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TeamMember{}, domain.ErrMemberNotFound
		}
		return domain.TeamMember{}, err
	}
	return *member, nil
}

// Merge folds an entry into the directory. Only supervisors and admins may
// edit entries other than their own. An email already held by a different
// member is rejected with domain.ErrDuplicateEmail.
func (s *DirectoryService) Merge(ctx context.Context, actor domain.Viewer, incoming domain.TeamMember) (domain.TeamMember, error) {
	incoming.ID = strings.TrimSpace(incoming.ID)
	incoming.Email = identity.NormalizeEmail(incoming.Email)
	if incoming.Email != "" {
		existing, err := s.members.GetByEmail(ctx, incoming.Email)
		switch {
		case err == nil && incoming.ID == "":
			incoming.ID = existing.ID
		case err == nil && existing.ID != incoming.ID:
			s.logger.Info("directory merge rejected, email already taken",
				zap.String("member_id", incoming.ID),
				zap.String("owner_id", existing.ID))
			return domain.TeamMember{}, domain.ErrDuplicateEmail
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return domain.TeamMember{}, err
		}
	}
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}
	if !canEdit(actor, incoming.ID) {
		return domain.TeamMember{}, domain.ErrForbidden
	}
	if incoming.Presence != "" && !incoming.Presence.Valid() {
		return domain.TeamMember{}, ErrInvalidPresence
	}

	stored, err := s.members.Mutate(ctx, incoming.ID, func(current *domain.TeamMember) (domain.TeamMember, error) {
		var dir identity.Directory
		if current != nil {
			dir = identity.Directory{*current}
		}
		merged := identity.MergeDirectoryEntry(dir, incoming)
		if len(merged) == 0 {
			return incoming, nil
		}
		return merged[len(merged)-1], nil
	})
	if err != nil {
		return domain.TeamMember{}, err
	}
	return *stored, nil
}

// SetPresence changes a member's presence. Members may set their own presence;
// supervisors and admins may set anyone's.
func (s *DirectoryService) SetPresence(ctx context.Context, actor domain.Viewer, id string, p domain.Presence) (domain.TeamMember, error) {
	if !p.Valid() {
		return domain.TeamMember{}, ErrInvalidPresence
	}
	if !canEdit(actor, id) {
		return domain.TeamMember{}, domain.ErrForbidden
	}
	changed, _, err := s.updatePresence(ctx, id, func(domain.Presence) bool { return true }, p)
	if err != nil {
		return domain.TeamMember{}, err
	}
	return changed, nil
}

// FetchDirectory implements the engine directory store.
func (s *DirectoryService) FetchDirectory(ctx context.Context) ([]domain.TeamMember, error) {
	return s.List(ctx)
}

// SavePresence applies engine presence updates. Each one is checked against
// the stored entry under its row lock and skipped when the member went
// OFFLINE or no longer holds the presence the update replaced.
func (s *DirectoryService) SavePresence(ctx context.Context, updates []domain.PresenceUpdate) error {
	var errs []error
	for _, u := range updates {
		if u.MemberID == "" || !u.To.Valid() {
			continue
		}
		from := u.From
		_, applied, err := s.updatePresence(ctx, u.MemberID, func(current domain.Presence) bool {
			return current != domain.PresenceOffline && current == from
		}, u.To)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !applied {
			s.logger.Debug("presence update skipped, entry moved on",
				zap.String("member_id", u.MemberID),
				zap.String("from", string(u.From)),
				zap.String("to", string(u.To)))
		}
	}
	return errors.Join(errs...)
}

var errPresenceMoved = errors.New("presence changed since read")

// updatePresence sets presence when allow accepts the stored value. The bool
// result reports whether the write happened.
func (s *DirectoryService) updatePresence(ctx context.Context, id string, allow func(domain.Presence) bool, p domain.Presence) (domain.TeamMember, bool, error) {
	var previous domain.Presence
	stored, err := s.members.Mutate(ctx, id, func(current *domain.TeamMember) (domain.TeamMember, error) {
		if current == nil {
			return domain.TeamMember{}, domain.ErrMemberNotFound
		}
		if !allow(current.Presence) {
			return domain.TeamMember{}, errPresenceMoved
		}
		previous = current.Presence
		next := *current
		next.Presence = p
		return next, nil
	})
	if errors.Is(err, errPresenceMoved) {
		return domain.TeamMember{}, false, nil
	}
	if err != nil {
		return domain.TeamMember{}, false, err
	}
	if previous != p {
		s.publishPresence(ctx, *stored, previous)
	}
	return *stored, true, nil
}

func (s *DirectoryService) publishPresence(ctx context.Context, member domain.TeamMember, previous domain.Presence) {
	if s.dispatcher == nil {
		return
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventPresenceChanged,
		Timestamp: s.now(),
		Payload: events.PresenceChangedPayload{
			MemberID:    member.ID,
			Email:       member.Email,
			OldPresence: previous,
			NewPresence: member.Presence,
		},
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("presence handlers failed", zap.String("member_id", member.ID), zap.Error(err))
	}
}

func canEdit(actor domain.Viewer, memberID string) bool {
	return actor.ID == memberID || actor.Role.Rank() >= domain.RoleSupervisor.Rank()
}
