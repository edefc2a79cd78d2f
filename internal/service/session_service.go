package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/config"
	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/engine"
	"github.com/spec-kit/call-session-service/internal/events"
	"github.com/spec-kit/call-session-service/internal/notify"
	"github.com/spec-kit/call-session-service/internal/observability"
	"github.com/spec-kit/call-session-service/internal/restlog"
)

const maxDrain = 100

// CallLogFactory returns the call log a viewer's session reads and writes.
type CallLogFactory func(viewer domain.Viewer) (engine.CallLog, error)

// SessionService owns one engine session per viewer.
type SessionService struct {
	mu       sync.Mutex
	sessions map[string]*engine.Session

	logs       CallLogFactory
	feed       engine.Feed
	directory  engine.DirectoryStore
	local      engine.LocalState
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	engineCfg  config.EngineConfig
	notifyCfg  config.NotificationConfig
	clock      clockwork.Clock
	logger     *zap.Logger
}

// SessionDependencies bundles collaborators for the session service.
type SessionDependencies struct {
	CallLogs     CallLogFactory
	Feed         engine.Feed
	Directory    engine.DirectoryStore
	LocalState   engine.LocalState
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
	Engine       config.EngineConfig
	Notification config.NotificationConfig
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// NewSessionService builds the service.
func NewSessionService(deps SessionDependencies) *SessionService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &SessionService{
		sessions:   make(map[string]*engine.Session),
		logs:       deps.CallLogs,
		feed:       deps.Feed,
		directory:  deps.Directory,
		local:      deps.LocalState,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		engineCfg:  deps.Engine,
		notifyCfg:  deps.Notification,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("sessions"),
	}
}

// EngineConfig converts service configuration into session timing.
func EngineConfig(cfg config.EngineConfig) engine.Config {
	return engine.Config{
		StalenessWindow:   cfg.StalenessWindow,
		RingTimeout:       cfg.RingTimeout,
		PollInterval:      cfg.PollInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		LobbyInterval:     cfg.LobbyInterval,
		DirectoryInterval: cfg.DirectoryInterval,
		RecentLimit:       cfg.RecentLimit,
		NotFoundLimit:     cfg.NotFoundLimit,
		NotFoundCooldown:  cfg.NotFoundCooldown,
		IOTimeout:         cfg.IOTimeout,
		EventBuffer:       cfg.EventBuffer,
	}
}

// Open returns the viewer's session, starting one if none is running. The
// bool reports whether a new session was started.
func (s *SessionService) Open(ctx context.Context, viewer domain.Viewer) (*engine.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[viewer.ID]; ok {
		return sess, false, nil
	}

	callLog, err := s.logs(viewer)
	if err != nil {
		return nil, false, err
	}
	logger := s.logger.With(zap.String("viewer_id", viewer.ID))
	sinks := notify.MultiSink{notify.NewLogSink(logger)}
	if s.dispatcher != nil {
		sinks = append(sinks, notify.NewDispatcherSink(s.dispatcher))
	}
	notifier := notify.NewDeduplicator(sinks, notify.Options{
		Window:   s.notifyCfg.DedupWindow,
		Clock:    s.clock,
		ViewerID: viewer.ID,
		Logger:   logger,
	})

	sess := engine.New(engine.Dependencies{
		Viewer:    viewer,
		Log:       callLog,
		Feed:      s.feed,
		Directory: s.directory,
		Notifier:  notifier,
		Local:     s.local,
		Clock:     s.clock,
		Logger:    s.logger,
		Config:    EngineConfig(s.engineCfg),
		Cooldown: engine.GuardOptions{
			Base: s.engineCfg.CooldownBase,
			Max:  s.engineCfg.CooldownMax,
		},
	})
	if err := sess.Start(ctx); err != nil {
		return nil, false, err
	}
	s.sessions[viewer.ID] = sess
	s.metrics.SessionOpened(1)
	logger.Info("viewer session opened")
	return sess, true, nil
}

// Get returns the running session of a viewer.
func (s *SessionService) Get(viewerID string) (*engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[viewerID]
	if !ok {
		return nil, domain.ErrSessionClosed
	}
	return sess, nil
}

// Close stops and forgets a viewer's session.
func (s *SessionService) Close(viewerID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[viewerID]
	delete(s.sessions, viewerID)
	s.mu.Unlock()
	if !ok {
		return domain.ErrSessionClosed
	}
	sess.Stop()
	s.metrics.SessionOpened(-1)
	return nil
}

// CloseAll stops every session; used on shutdown.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*engine.Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *engine.Session) {
			defer wg.Done()
			sess.Stop()
		}(sess)
	}
	wg.Wait()
	s.metrics.SessionOpened(-int64(len(sessions)))
	s.logger.Info("viewer sessions closed", zap.Int("count", len(sessions)))
}

// DrainEvents long-polls a session's event stream. It waits up to wait for
// the first event, then returns whatever else is already queued, up to limit.
func (s *SessionService) DrainEvents(ctx context.Context, viewerID string, limit int, wait time.Duration) ([]engine.SessionEvent, error) {
	sess, err := s.Get(viewerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxDrain {
		limit = maxDrain
	}

	out := make([]engine.SessionEvent, 0, limit)
	stream := sess.Events()

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	if timeout != nil {
		select {
		case ev, ok := <-stream:
			if !ok {
				return nil, domain.ErrSessionClosed
			}
			out = append(out, ev)
		case <-timeout:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}

	for len(out) < limit {
		select {
		case ev, ok := <-stream:
			if !ok {
				s.recordEvents(out)
				return out, nil
			}
			out = append(out, ev)
		default:
			s.recordEvents(out)
			return out, nil
		}
	}
	s.recordEvents(out)
	return out, nil
}

func (s *SessionService) recordEvents(evs []engine.SessionEvent) {
	for _, ev := range evs {
		s.metrics.RecordSessionEvent(string(ev.Kind))
	}
}

// NewCallLogFactory picks how sessions reach the call log. With no base URL
// every session shares the in-process log; otherwise each viewer gets a REST
// client authenticated as that viewer.
func NewCallLogFactory(cfg config.CallLogConfig, direct engine.CallLog, tokens *auth.TokenManager) CallLogFactory {
	if cfg.BaseURL == "" {
		return func(domain.Viewer) (engine.CallLog, error) { return direct, nil }
	}
	return func(viewer domain.Viewer) (engine.CallLog, error) {
		source := func() (string, error) {
			tok, _, err := tokens.GenerateToken(viewer)
			return tok, err
		}
		return restlog.New(cfg.BaseURL, source, cfg.Timeout), nil
	}
}
