package engine

import (
	"context"
	"time"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// CallLog is the request/response store of persisted calls. PersistCall
// leaves the stored waiting room alone; lobby membership only moves through
// UpdateWaitingRoom, which returns the record as stored.
type CallLog interface {
	FetchCall(ctx context.Context, id string) (domain.CallSession, error)
	FetchRecentCalls(ctx context.Context, limit int) ([]domain.CallSession, error)
	PersistCall(ctx context.Context, call domain.CallSession) error
	UpdateWaitingRoom(ctx context.Context, callID string, change domain.LobbyChange) (domain.CallSession, error)
}

// Feed is the real-time push store. onError reports a degraded or denied
// transport; the returned channel is closed when the subscription ends.
type Feed interface {
	SubscribeActiveCalls(ctx context.Context, statuses []domain.CallStatus, onError func(error)) (<-chan domain.CallChange, error)
}

// DirectoryStore reads the team directory and writes presence back. Each
// update is re-checked against the stored entry, so a member who went OFFLINE
// or changed presence after FetchDirectory is left alone.
type DirectoryStore interface {
	FetchDirectory(ctx context.Context) ([]domain.TeamMember, error)
	SavePresence(ctx context.Context, updates []domain.PresenceUpdate) error
}

// Notifier is the user-facing notification sink.
type Notifier interface {
	Notify(ctx context.Context, typ domain.NotificationType, message string) (domain.Notification, bool)
}

// LocalState is client-local storage scoped by viewer id.
type LocalState interface {
	ActiveCall(ctx context.Context, viewerID string) (string, error)
	SetActiveCall(ctx context.Context, viewerID, callID string) error
	DismissedBanners(ctx context.Context, viewerID string) ([]string, error)
	DismissBanner(ctx context.Context, viewerID, callID string) error
	Cooldowns(ctx context.Context, viewerID string) (map[string]time.Time, error)
	SetCooldown(ctx context.Context, viewerID, group string, until time.Time) error
}

type nopLocalState struct{}

func (nopLocalState) ActiveCall(context.Context, string) (string, error)              { return "", nil }
func (nopLocalState) SetActiveCall(context.Context, string, string) error             { return nil }
func (nopLocalState) DismissedBanners(context.Context, string) ([]string, error)      { return nil, nil }
func (nopLocalState) DismissBanner(context.Context, string, string) error             { return nil }
func (nopLocalState) Cooldowns(context.Context, string) (map[string]time.Time, error) { return nil, nil }
func (nopLocalState) SetCooldown(context.Context, string, string, time.Time) error    { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.NotificationType, string) (domain.Notification, bool) {
	return domain.Notification{}, false
}
