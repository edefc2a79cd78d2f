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
	"github.com/spec-kit/call-session-service/internal/repository"
	"github.com/spec-kit/call-session-service/internal/session"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// CallPublisher fans persisted calls out to the push feed.
type CallPublisher interface {
	Publish(ctx context.Context, call domain.CallSession) (domain.ChangeType, error)
}

// CallLogService is the backing store of the REST call log. Writes are merged
// into the stored record under a row lock so status never moves backwards.
type CallLogService struct {
	calls      repository.CallRepository
	feed       CallPublisher
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// CallLogDependencies bundles collaborators for the call log service.
type CallLogDependencies struct {
	CallRepo   repository.CallRepository
	Feed       CallPublisher
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewCallLogService builds the service.
func NewCallLogService(deps CallLogDependencies) *CallLogService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallLogService{
		calls:      deps.CallRepo,
		feed:       deps.Feed,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Recent lists the newest calls. limit is clamped to [1, 200].
func (s *CallLogService) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	calls, err := s.calls.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []domain.CallSession{}
	}
	return calls, nil
}

// Get returns one call or domain.ErrCallNotFound.
func (s *CallLogService) Get(ctx context.Context, id string) (domain.CallSession, error) {
	call, err := s.calls.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallSession{}, domain.ErrCallNotFound
		}
		return domain.CallSession{}, err
	}
	return *call, nil
}

// Persist merges call into the stored record and publishes the result.
func (s *CallLogService) Persist(ctx context.Context, call domain.CallSession) (domain.CallSession, error) {
	call.ID = strings.TrimSpace(call.ID)
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if !call.Status.Valid() {
		return domain.CallSession{}, domain.ErrInvalidTransition
	}
	if call.UpdatedAt.IsZero() {
		call.UpdatedAt = s.now()
	}
	if call.StartTime.IsZero() {
		call.StartTime = call.UpdatedAt
	}

	stored, created, err := s.calls.Mutate(ctx, call.ID, func(current *domain.CallSession) (domain.CallSession, error) {
		if current == nil {
			return call.Clone(), nil
		}
		merged, accepted := session.MergeStored(*current, call)
		if !accepted {
			s.logger.Debug("status regression ignored",
				zap.String("call_id", call.ID),
				zap.String("stored", string(current.Status)),
				zap.String("incoming", string(call.Status)))
		}
		return merged, nil
	})
	if err != nil {
		return domain.CallSession{}, err
	}

	change := domain.ChangeModified
	if created {
		change = domain.ChangeAdded
	}
	s.publish(ctx, *stored, change)
	return *stored, nil
}

// UpdateWaitingRoom applies a lobby change under the call's row lock, so
// concurrent requests and host decisions never overwrite one another.
func (s *CallLogService) UpdateWaitingRoom(ctx context.Context, callID string, change domain.LobbyChange) (domain.CallSession, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	stored, _, err := s.calls.Mutate(ctx, callID, func(current *domain.CallSession) (domain.CallSession, error) {
		if current == nil {
			return domain.CallSession{}, domain.ErrCallNotFound
		}
		next := current.Clone()
		if err := session.ApplyLobby(&next, change); err != nil {
			return domain.CallSession{}, err
		}
		next.UpdatedAt = s.now()
		return next, nil
	})
	if err != nil {
		return domain.CallSession{}, err
	}
	s.logger.Debug("waiting room updated",
		zap.String("call_id", callID),
		zap.String("action", string(change.Action)),
		zap.String("member_id", change.MemberID),
		zap.Int("waiting", len(stored.WaitingRoom)))
	s.publish(ctx, *stored, domain.ChangeModified)
	return *stored, nil
}

func (s *CallLogService) publish(ctx context.Context, call domain.CallSession, change domain.ChangeType) {
	if s.feed != nil {
		published, err := s.feed.Publish(ctx, call)
		if err != nil {
			s.logger.Warn("push feed publish failed", zap.String("call_id", call.ID), zap.Error(err))
		} else if published != "" {
			change = published
		}
	}
	s.publishEvent(ctx, call, change)
}

func (s *CallLogService) publishEvent(ctx context.Context, call domain.CallSession, change domain.ChangeType) {
	if s.dispatcher == nil {
		return
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventCallPersisted,
		CallID:    call.ID,
		Timestamp: s.now(),
		Payload: events.CallPersistedPayload{
			Change:    change,
			Status:    call.Status,
			Direction: call.Direction,
		},
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("call persisted handlers failed", zap.String("call_id", call.ID), zap.Error(err))
	}
}

// FetchCall implements the engine call log for in-process sessions.
func (s *CallLogService) FetchCall(ctx context.Context, id string) (domain.CallSession, error) {
	return s.Get(ctx, id)
}

// FetchRecentCalls implements the engine call log for in-process sessions.
func (s *CallLogService) FetchRecentCalls(ctx context.Context, limit int) ([]domain.CallSession, error) {
	return s.Recent(ctx, limit)
}

// PersistCall implements the engine call log for in-process sessions.
func (s *CallLogService) PersistCall(ctx context.Context, call domain.CallSession) error {
	_, err := s.Persist(ctx, call)
	return err
}
