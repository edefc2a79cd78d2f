package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// ReadGroup names the cooldown shared by every poll-based read of the call log.
const ReadGroup = "calllog.read"

// GuardOptions configures a GuardedLog.
type GuardOptions struct {
	Base     time.Duration
	Max      time.Duration
	ViewerID string
	Local    LocalState
	Notifier Notifier
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// GuardedLog wraps a CallLog with an exponential cooldown entered on rate
// limiting. While cooling down reads are answered from the last good results
// without touching the network.
type GuardedLog struct {
	inner    CallLog
	base     time.Duration
	max      time.Duration
	viewerID string
	local    LocalState
	notifier Notifier
	clock    clockwork.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	until   time.Time
	streak  int
	noticed bool
	recent  []domain.CallSession
	byID    map[string]domain.CallSession
}

// NewGuardedLog wraps inner.
func NewGuardedLog(inner CallLog, opts GuardOptions) *GuardedLog {
	if opts.Base <= 0 {
		opts.Base = 2 * time.Second
	}
	if opts.Max < opts.Base {
		opts.Max = 2 * time.Minute
	}
	if opts.Local == nil {
		opts.Local = nopLocalState{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GuardedLog{
		inner:    inner,
		base:     opts.Base,
		max:      opts.Max,
		viewerID: opts.ViewerID,
		local:    opts.Local,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger,
		byID:     make(map[string]domain.CallSession),
	}
}

// Restore loads a cooldown deadline persisted by an earlier session.
func (g *GuardedLog) Restore(ctx context.Context) error {
	deadlines, err := g.local.Cooldowns(ctx, g.viewerID)
	if err != nil {
		return err
	}
	until, ok := deadlines[ReadGroup]
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.clock.Now()) {
		g.until = until
	}
	return nil
}

// CoolingDown reports the current cooldown deadline, if any.
func (g *GuardedLog) CoolingDown() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clock.Now().Before(g.until) {
		return g.until, true
	}
	return time.Time{}, false
}

// FetchRecentCalls returns recent calls, or the cached list while cooling down.
func (g *GuardedLog) FetchRecentCalls(ctx context.Context, limit int) ([]domain.CallSession, error) {
	if cached, cooling := g.cachedRecent(limit); cooling {
		if cached == nil {
			return nil, domain.ErrCoolingDown
		}
		return cached, nil
	}

	calls, err := g.inner.FetchRecentCalls(ctx, limit)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			g.enterCooldown(ctx)
			if cached, _ := g.cachedRecent(limit); cached != nil {
				return cached, nil
			}
		}
		return nil, err
	}

	g.mu.Lock()
	g.recent = cloneCalls(calls)
	for _, c := range calls {
		g.byID[c.ID] = c.Clone()
	}
	g.mu.Unlock()
	g.resetCooldown(ctx)
	return calls, nil
}

// FetchCall returns one call, or its cached copy while cooling down.
func (g *GuardedLog) FetchCall(ctx context.Context, id string) (domain.CallSession, error) {
	if cached, ok, cooling := g.cachedCall(id); cooling {
		if !ok {
			return domain.CallSession{}, domain.ErrCoolingDown
		}
		return cached, nil
	}

	call, err := g.inner.FetchCall(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			g.enterCooldown(ctx)
			if cached, ok, _ := g.cachedCall(id); ok {
				return cached, nil
			}
		}
		return domain.CallSession{}, err
	}

	g.mu.Lock()
	g.byID[call.ID] = call.Clone()
	g.mu.Unlock()
	g.resetCooldown(ctx)
	return call, nil
}

// PersistCall writes through to the wrapped log. Writes are never gated.
func (g *GuardedLog) PersistCall(ctx context.Context, call domain.CallSession) error {
	if err := g.inner.PersistCall(ctx, call); err != nil {
		return err
	}
	g.mu.Lock()
	g.byID[call.ID] = call.Clone()
	g.mu.Unlock()
	return nil
}

// UpdateWaitingRoom writes through to the wrapped log and caches the stored
// record it returns.
func (g *GuardedLog) UpdateWaitingRoom(ctx context.Context, callID string, change domain.LobbyChange) (domain.CallSession, error) {
	call, err := g.inner.UpdateWaitingRoom(ctx, callID, change)
	if err != nil {
		return domain.CallSession{}, err
	}
	g.mu.Lock()
	g.byID[call.ID] = call.Clone()
	g.mu.Unlock()
	return call, nil
}

func (g *GuardedLog) cachedRecent(limit int) ([]domain.CallSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cooling := g.clock.Now().Before(g.until)
	if g.recent == nil {
		return nil, cooling
	}
	out := cloneCalls(g.recent)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, cooling
}

func (g *GuardedLog) cachedCall(id string) (domain.CallSession, bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cooling := g.clock.Now().Before(g.until)
	c, ok := g.byID[id]
	if !ok {
		return domain.CallSession{}, false, cooling
	}
	return c.Clone(), true, cooling
}

func (g *GuardedLog) enterCooldown(ctx context.Context) {
	g.mu.Lock()
	g.streak++
	delay := g.base
	for i := 1; i < g.streak && delay < g.max; i++ {
		delay *= 2
	}
	if delay > g.max {
		delay = g.max
	}
	g.until = g.clock.Now().Add(delay)
	until := g.until
	notice := !g.noticed
	g.noticed = true
	streak := g.streak
	g.mu.Unlock()

	g.logger.Warn("call log rate limited",
		zap.String("viewer_id", g.viewerID),
		zap.Int("streak", streak),
		zap.Duration("cooldown", delay))
	if err := g.local.SetCooldown(ctx, g.viewerID, ReadGroup, until); err != nil {
		g.logger.Warn("persist cooldown failed", zap.Error(err))
	}
	if notice {
		g.notifier.Notify(ctx, domain.NotificationWarning, "Call history is busy; showing recent results")
	}
}

func (g *GuardedLog) resetCooldown(ctx context.Context) {
	g.mu.Lock()
	if g.streak == 0 {
		g.mu.Unlock()
		return
	}
	g.streak = 0
	g.noticed = false
	g.until = time.Time{}
	g.mu.Unlock()
	if err := g.local.SetCooldown(ctx, g.viewerID, ReadGroup, time.Time{}); err != nil {
		g.logger.Warn("clear cooldown failed", zap.Error(err))
	}
}

func cloneCalls(calls []domain.CallSession) []domain.CallSession {
	out := make([]domain.CallSession, len(calls))
	for i, c := range calls {
		out[i] = c.Clone()
	}
	return out
}
