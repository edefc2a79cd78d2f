// Package engine keeps one authoritative view of call state per viewer. A
// Session merges the push feed with a polling fallback, runs the
// unanswered-call watchdog and the lobby controller, and derives presence.
// All state is owned by a single goroutine fed by one inbox; network I/O runs
// elsewhere and reports back through that inbox.
package engine

import (
	"context"
	"maps"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/presence"
	"github.com/spec-kit/call-session-service/internal/session"
)

// Dependencies wires a Session. Log and Viewer are required.
type Dependencies struct {
	Viewer    domain.Viewer
	Log       CallLog
	Feed      Feed
	Directory DirectoryStore
	Notifier  Notifier
	Local     LocalState
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Config    Config
	Cooldown  GuardOptions
}

type trackedCall struct {
	call           domain.CallSession
	ringingWritten bool
	incoming       bool
	notFound       int
	finalized      bool
	endedAt        time.Time
}

// Session is the per-viewer reconciliation actor.
type Session struct {
	viewer    domain.Viewer
	cfg       Config
	guard     *GuardedLog
	log       CallLog
	feed      Feed
	directory DirectoryStore
	notifier  Notifier
	local     LocalState
	clock     clockwork.Clock
	logger    *zap.Logger

	inbox     chan message
	events    chan SessionEvent
	persistCh chan persistJob
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	pollTick  clockwork.Ticker
	lobbyTick clockwork.Ticker

	// Owned by the run goroutine.
	dir             identity.Directory
	calls           map[string]*trackedCall
	history         map[string]domain.CallSession
	activeID        string
	recoverID       string
	dismissed       map[string]bool
	pending         *LobbyPending
	lobbyGen        uint64
	lobbyInFlight   bool
	lobbyPersisting bool
	push            <-chan domain.CallChange
	pushHealthy     bool
	degradeNotified bool
	watchdog        *watchdog
	checks          map[string]bool
	fetching        map[string]bool
	suspended       map[string]time.Time
	pollInFlight    bool
	lastPoll        time.Time
	dirInFlight     bool
	lastDirectory   time.Time
	persistQueue    []persistJob
	propagator      *presence.Propagator
	presenceSnap    domain.PresenceSnapshot
}

// New builds a Session. Call Start before using it.
func New(deps Dependencies) *Session {
	cfg := deps.Config.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Local == nil {
		deps.Local = nopLocalState{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	logger := deps.Logger.With(zap.String("viewer_id", deps.Viewer.ID))

	guardOpts := deps.Cooldown
	guardOpts.ViewerID = deps.Viewer.ID
	guardOpts.Local = deps.Local
	guardOpts.Notifier = deps.Notifier
	guardOpts.Clock = deps.Clock
	guardOpts.Logger = logger
	guard := NewGuardedLog(deps.Log, guardOpts)

	s := &Session{
		viewer:     deps.Viewer,
		cfg:        cfg,
		guard:      guard,
		log:        guard,
		feed:       deps.Feed,
		directory:  deps.Directory,
		notifier:   deps.Notifier,
		local:      deps.Local,
		clock:      deps.Clock,
		logger:     logger,
		inbox:      make(chan message, 256),
		events:     make(chan SessionEvent, cfg.EventBuffer),
		persistCh:  make(chan persistJob),
		done:       make(chan struct{}),
		calls:      make(map[string]*trackedCall),
		history:    make(map[string]domain.CallSession),
		dismissed:  make(map[string]bool),
		checks:     make(map[string]bool),
		fetching:   make(map[string]bool),
		suspended:  make(map[string]time.Time),
		propagator: presence.NewPropagator(),
	}
	s.watchdog = newWatchdog(s.clock, cfg.RingTimeout, func(m message) { s.post(m) })
	return s
}

// Viewer returns the identity the session runs as.
func (s *Session) Viewer() domain.Viewer { return s.viewer }

// Events returns the session event stream. It is closed by Stop.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Start loads client-local state and the directory, subscribes to the push
// feed and launches the session goroutines. ctx bounds the initial loads
// only; the session runs until Stop.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.guard.Restore(ctx); err != nil {
		s.logger.Warn("restore cooldowns failed", zap.Error(err))
	}
	if id, err := s.local.ActiveCall(ctx, s.viewer.ID); err != nil {
		s.logger.Warn("load active call failed", zap.Error(err))
	} else {
		s.recoverID = id
	}
	if ids, err := s.local.DismissedBanners(ctx, s.viewer.ID); err != nil {
		s.logger.Warn("load dismissed banners failed", zap.Error(err))
	} else {
		for _, id := range ids {
			s.dismissed[id] = true
		}
	}
	if s.directory != nil {
		members, err := s.directory.FetchDirectory(ctx)
		if err != nil {
			s.logger.Warn("initial directory load failed", zap.Error(err))
		} else {
			s.dir = identity.Dedupe(members)
		}
		s.lastDirectory = s.clock.Now()
	}
	if s.feed != nil {
		ch, err := s.feed.SubscribeActiveCalls(s.ctx, domain.LiveStatuses, func(err error) {
			s.post(pushError{err: err})
		})
		if err != nil {
			s.logger.Warn("push subscription failed", zap.Error(err))
			s.inbox <- pushError{err: err}
		} else {
			s.push = ch
			s.pushHealthy = true
		}
	}

	s.pollTick = s.clock.NewTicker(s.cfg.PollInterval)
	s.lobbyTick = s.clock.NewTicker(s.cfg.LobbyInterval)
	s.wg.Add(2)
	go s.run()
	go s.writer()
	s.logger.Info("viewer session started", zap.Bool("push_healthy", s.pushHealthy))
	return nil
}

// Stop ends the session, flushing queued writes. Safe to call more than once.
func (s *Session) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		close(s.events)
		s.logger.Info("viewer session stopped")
	})
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	if !s.started.Load() {
		return Snapshot{}, domain.ErrSessionClosed
	}
	reply := make(chan Snapshot, 1)
	if !s.post(snapshotRequest{reply: reply}) {
		return Snapshot{}, domain.ErrSessionClosed
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return Snapshot{}, domain.ErrSessionClosed
	}
}

func (s *Session) post(m message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the session goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if !s.started.Load() {
		return domain.ErrSessionClosed
	}
	reply := make(chan error, 1)
	if !s.post(userAction{run: fn, reply: reply}) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrSessionClosed
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	defer s.pollTick.Stop()
	defer s.lobbyTick.Stop()

	s.requestPoll()
	if s.recoverID != "" {
		s.requestFetch(s.recoverID, fetchRecover, 0)
	}

	for {
		var (
			out  chan persistJob
			next persistJob
		)
		if len(s.persistQueue) > 0 {
			out = s.persistCh
			next = s.persistQueue[0]
		}

		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case msg := <-s.inbox:
			s.handle(msg)
		case change, ok := <-s.push:
			if !ok {
				s.push = nil
				s.degrade(domain.ErrTransportClosed)
				continue
			}
			s.onPushChange(change)
		case <-s.pollTick.Chan():
			s.onPollTick()
		case <-s.lobbyTick.Chan():
			s.onLobbyTick()
		case out <- next:
			s.persistQueue = s.persistQueue[1:]
		}
	}
}

func (s *Session) shutdown() {
	s.watchdog.stopAll()
	for _, job := range s.persistQueue {
		s.persistCh <- job
	}
	s.persistQueue = nil
	close(s.persistCh)
}

// writer performs queued writes one at a time, in order.
func (s *Session) writer() {
	defer s.wg.Done()
	for job := range s.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
		switch {
		case job.presence != nil:
			s.writePresence(ctx, job.presence)
		case job.local != nil:
			s.writeLocal(ctx, *job.local)
		case job.lobby != nil:
			stored, err := s.log.UpdateWaitingRoom(ctx, job.call.ID, *job.lobby)
			s.post(persistDone{job: job, stored: stored, err: err})
		default:
			err := s.log.PersistCall(ctx, job.call)
			s.post(persistDone{job: job, err: err})
		}
		cancel()
	}
}

func (s *Session) handle(msg message) {
	switch m := msg.(type) {
	case pushError:
		s.degrade(m.err)
	case pollResult:
		s.onPollResult(m)
	case fetchResult:
		s.onFetchResult(m)
	case timerFired:
		s.onTimerFired(m)
	case userAction:
		m.reply <- m.run()
	case directoryLoaded:
		s.onDirectoryLoaded(m)
	case persistDone:
		s.onPersistDone(m)
	case snapshotRequest:
		m.reply <- s.snapshot()
	}
}

func (s *Session) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.IOTimeout)
}

func (s *Session) degrade(err error) {
	s.pushHealthy = false
	if s.degradeNotified {
		return
	}
	s.degradeNotified = true
	s.logger.Warn("push feed degraded, falling back to polling", zap.Error(err))
	s.notify(domain.NotificationWarning, "Live call updates are unavailable; refreshing periodically")
	s.emit(SessionEvent{Kind: EventTransportDegraded})
	s.requestPoll()
}

func (s *Session) onPushChange(change domain.CallChange) {
	if change.Type == domain.ChangeRemoved {
		s.onRemoved(change.Call.ID)
		return
	}
	s.observe(change.Call, false)
	s.recomputePresence()
}

func (s *Session) onRemoved(id string) {
	delete(s.history, id)
	tc, ok := s.calls[id]
	if !ok || tc.finalized {
		s.recomputePresence()
		return
	}
	now := s.clock.Now()
	tc.call.Status = domain.CallStatusEnded
	tc.call.EndedAt = &now
	s.finalize(tc)
}

func (s *Session) onPollTick() {
	now := s.clock.Now()
	s.prune(now)
	if s.directory != nil && now.Sub(s.lastDirectory) >= s.cfg.DirectoryInterval {
		s.requestDirectory()
	}
	if s.pushHealthy && now.Sub(s.lastPoll) < s.cfg.ReconcileInterval {
		return
	}
	s.requestPoll()
}

func (s *Session) requestPoll() {
	if s.pollInFlight {
		return
	}
	s.pollInFlight = true
	s.lastPoll = s.clock.Now()
	go func() {
		ctx, cancel := s.ioContext()
		defer cancel()
		calls, err := s.log.FetchRecentCalls(ctx, s.cfg.RecentLimit)
		s.post(pollResult{calls: calls, err: err})
	}()
}

func (s *Session) requestFetch(id string, purpose fetchPurpose, gen uint64) {
	go func() {
		ctx, cancel := s.ioContext()
		defer cancel()
		call, err := s.log.FetchCall(ctx, id)
		s.post(fetchResult{callID: id, purpose: purpose, gen: gen, call: call, err: err})
	}()
}

func (s *Session) requestDirectory() {
	if s.dirInFlight {
		return
	}
	s.dirInFlight = true
	s.lastDirectory = s.clock.Now()
	go func() {
		ctx, cancel := s.ioContext()
		defer cancel()
		members, err := s.directory.FetchDirectory(ctx)
		s.post(directoryLoaded{members: members, err: err})
	}()
}

func (s *Session) onPollResult(m pollResult) {
	s.pollInFlight = false
	if m.err != nil {
		s.logger.Debug("poll failed, keeping prior state", zap.Error(m.err))
		return
	}
	seen := make(map[string]bool, len(m.calls))
	s.history = make(map[string]domain.CallSession, len(m.calls))
	for _, raw := range m.calls {
		seen[raw.ID] = true
		s.observe(raw, false)
	}
	now := s.clock.Now()
	for id, tc := range s.calls {
		if tc.finalized || seen[id] || s.fetching[id] {
			continue
		}
		if until, ok := s.suspended[id]; ok && now.Before(until) {
			continue
		}
		s.fetching[id] = true
		s.requestFetch(id, fetchReconcile, 0)
	}
	s.recomputePresence()
}

func (s *Session) onFetchResult(m fetchResult) {
	switch m.purpose {
	case fetchReconcile:
		delete(s.fetching, m.callID)
		s.onReconcileFetch(m)
	case fetchWatchdog:
		s.onWatchdogFetch(m)
	case fetchLobby:
		s.onLobbyFetch(m)
	case fetchRecover:
		s.onRecoverFetch(m)
	}
}

func (s *Session) onReconcileFetch(m fetchResult) {
	tc, ok := s.calls[m.callID]
	if !ok || tc.finalized {
		return
	}
	switch {
	case m.err == nil:
		s.observe(m.call, false)
		s.recomputePresence()
	case isNotFound(m.err):
		tc.notFound++
		if tc.notFound < s.cfg.NotFoundLimit {
			return
		}
		now := s.clock.Now()
		s.suspended[m.callID] = now.Add(s.cfg.NotFoundCooldown)
		s.logger.Info("call repeatedly not found, ending locally",
			zap.String("call_id", m.callID),
			zap.Int("attempts", tc.notFound))
		tc.call.Status = domain.CallStatusEnded
		tc.call.EndedAt = &now
		s.finalize(tc)
	default:
		s.logger.Debug("reconcile fetch failed", zap.String("call_id", m.callID), zap.Error(m.err))
	}
}

func (s *Session) onRecoverFetch(m fetchResult) {
	if m.err != nil || !m.call.Status.Live() {
		if m.err != nil && !isNotFound(m.err) {
			s.logger.Warn("recover active call failed", zap.String("call_id", m.callID), zap.Error(m.err))
			return
		}
		s.storeActive("")
		return
	}
	tc := s.observe(m.call, true)
	if tc == nil {
		s.storeActive("")
		return
	}
	s.setActive(tc.call.ID)
	s.recomputePresence()
}

func (s *Session) onDirectoryLoaded(m directoryLoaded) {
	s.dirInFlight = false
	if m.err != nil {
		s.logger.Warn("directory refresh failed, keeping prior directory", zap.Error(m.err))
		return
	}
	s.dir = identity.Dedupe(m.members)
	s.recomputePresence()
}

func (s *Session) onPersistDone(m persistDone) {
	if m.job.lobby != nil {
		s.onLobbyWritten(m)
		return
	}
	if m.err != nil {
		s.logger.Warn("persist call failed",
			zap.String("call_id", m.job.call.ID),
			zap.String("status", string(m.job.call.Status)),
			zap.Error(m.err))
	}
}

// observe normalizes a raw record and folds it into the call table. Untracked
// records are only picked up when they are live, fresh and concern the
// viewer; force skips the freshness check. It returns the tracked entry, if any.
func (s *Session) observe(raw domain.CallSession, force bool) *trackedCall {
	if raw.ID == "" {
		return nil
	}
	call := session.Normalize(raw, s.viewer, s.dir)
	if call.Status.Live() {
		s.history[call.ID] = call
	} else {
		delete(s.history, call.ID)
	}

	tc, ok := s.calls[call.ID]
	if !ok {
		if !call.Status.Live() || (!force && s.stale(call)) || !session.IsParticipant(call, s.viewer) {
			return nil
		}
		tc = &trackedCall{}
		s.calls[call.ID] = tc
	}
	s.merge(tc, call)
	return tc
}

// merge reconciles a normalized record into a tracked call and runs the
// side effects of its status.
func (s *Session) merge(tc *trackedCall, call domain.CallSession) {
	if tc.finalized {
		return
	}
	before := tc.call
	merged, accepted := session.Reconcile(tc.call, call)
	if !accepted {
		s.logger.Debug("ignoring status regression",
			zap.String("call_id", call.ID),
			zap.String("have", string(before.Status)),
			zap.String("got", string(call.Status)))
	}
	tc.call = merged
	tc.notFound = 0
	s.applyStatus(tc)
	if !tc.finalized && !reflect.DeepEqual(before, tc.call) {
		s.emitCall(EventCallUpdated, tc.call)
	}
}

func (s *Session) applyStatus(tc *trackedCall) {
	c := &tc.call
	switch {
	case c.Status.Ringing():
		if !s.watchdog.armed(c.ID) && !s.checks[c.ID] {
			s.watchdog.arm(c.ID)
		}
		incoming := session.IsIncomingFor(*c, s.viewer)
		if c.Status == domain.CallStatusRinging {
			tc.ringingWritten = true
		}
		if incoming && !tc.ringingWritten {
			tc.ringingWritten = true
			c.Status = domain.CallStatusRinging
			c.UpdatedAt = s.clock.Now()
			s.enqueuePersist(*c)
		}
		if incoming && !tc.incoming && !s.dismissed[c.ID] && !s.stale(*c) {
			tc.incoming = true
			s.emitCall(EventIncomingCall, *c)
		}
	case c.Status == domain.CallStatusActive || c.Status == domain.CallStatusHold:
		s.watchdog.cancel(c.ID)
		s.clearIncoming(tc)
	case c.Status == domain.CallStatusEnded:
		s.finalize(tc)
	}
}

// finalize settles a call at ENDED and tears down everything referencing it.
func (s *Session) finalize(tc *trackedCall) {
	if tc.finalized {
		return
	}
	tc.finalized = true
	tc.endedAt = s.clock.Now()
	id := tc.call.ID
	s.watchdog.cancel(id)
	s.clearIncoming(tc)
	delete(s.history, id)
	if s.activeID == id {
		s.setActive("")
	}
	if s.pending != nil && s.pending.CallID == id {
		s.cancelLobby(EventLobbyDenied)
	}
	s.emitCall(EventCallEnded, tc.call)
	s.recomputePresence()
}

func (s *Session) clearIncoming(tc *trackedCall) {
	if !tc.incoming {
		return
	}
	tc.incoming = false
	s.emitCall(EventIncomingCleared, tc.call)
}

func (s *Session) setActive(id string) {
	if s.activeID == id {
		return
	}
	s.activeID = id
	if id != "" && s.pending != nil && s.pending.CallID != id {
		s.cancelLobby(EventLobbyLeft)
	}
	s.emit(SessionEvent{Kind: EventActiveChanged, CallID: id})
	s.storeActive(id)
}

func (s *Session) storeActive(id string) {
	s.enqueueLocal(localActive, id)
}

func (s *Session) enqueuePersist(call domain.CallSession) {
	s.persistQueue = append(s.persistQueue, persistJob{call: call.Clone()})
}

func (s *Session) enqueueLobby(call domain.CallSession, change domain.LobbyChange) {
	s.persistQueue = append(s.persistQueue, persistJob{call: call.Clone(), lobby: &change})
}

func (s *Session) enqueueLocal(kind localKind, callID string) {
	s.persistQueue = append(s.persistQueue, persistJob{local: &localWrite{kind: kind, callID: callID}})
}

func (s *Session) writeLocal(ctx context.Context, w localWrite) {
	var err error
	switch w.kind {
	case localActive:
		err = s.local.SetActiveCall(ctx, s.viewer.ID, w.callID)
	case localDismiss:
		err = s.local.DismissBanner(ctx, s.viewer.ID, w.callID)
	}
	if err != nil {
		s.logger.Warn("store client-local state failed", zap.String("call_id", w.callID), zap.Error(err))
	}
}

func (s *Session) recomputePresence() {
	calls := make([]domain.CallSession, 0, len(s.history)+len(s.calls))
	for id, c := range s.history {
		if _, tracked := s.calls[id]; tracked {
			continue
		}
		if c.Status.Ringing() && s.stale(c) {
			continue
		}
		calls = append(calls, c)
	}
	for _, tc := range s.calls {
		calls = append(calls, tc.call)
	}

	dir, changes, snap := s.propagator.Recompute(s.dir, calls)
	s.dir = dir
	if !maps.Equal(snap, s.presenceSnap) {
		s.presenceSnap = snap
		s.emit(SessionEvent{Kind: EventPresenceChanged, Presence: maps.Clone(snap)})
	}
	if len(changes) > 0 && s.directory != nil {
		s.persistQueue = append(s.persistQueue, persistJob{presence: changes})
	}
}

// writePresence replays presence flips onto the latest stored directory.
// Runs on the writer goroutine so flips land in the order they were made.
func (s *Session) writePresence(ctx context.Context, changes []presence.Change) {
	latest, err := s.directory.FetchDirectory(ctx)
	if err != nil {
		s.logger.Warn("presence write skipped, directory unavailable", zap.Error(err))
		return
	}
	_, updates := presence.Apply(latest, changes)
	if len(updates) == 0 {
		return
	}
	if err := s.directory.SavePresence(ctx, updates); err != nil {
		s.logger.Warn("presence write failed", zap.Int("members", len(updates)), zap.Error(err))
	}
}

func (s *Session) prune(now time.Time) {
	for id, until := range s.suspended {
		if !now.Before(until) {
			delete(s.suspended, id)
		}
	}
	for id, tc := range s.calls {
		if tc.finalized && now.Sub(tc.endedAt) > s.cfg.StalenessWindow {
			delete(s.calls, id)
		}
	}
}

func (s *Session) stale(call domain.CallSession) bool {
	return !call.StartTime.IsZero() && s.clock.Now().Sub(call.StartTime) > s.cfg.StalenessWindow
}

func (s *Session) notify(typ domain.NotificationType, message string) {
	ctx, cancel := s.ioContext()
	defer cancel()
	s.notifier.Notify(ctx, typ, message)
}

func (s *Session) emit(ev SessionEvent) {
	ev.At = s.clock.Now()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event dropped", zap.String("kind", string(ev.Kind)), zap.String("call_id", ev.CallID))
	}
}

func (s *Session) emitCall(kind EventKind, call domain.CallSession) {
	c := call.Clone()
	s.emit(SessionEvent{Kind: kind, CallID: c.ID, Call: &c})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Viewer:       s.viewer,
		ActiveCallID: s.activeID,
		Calls:        make([]domain.CallSession, 0, len(s.calls)),
		Incoming:     []string{},
		PushHealthy:  s.pushHealthy,
		Presence:     maps.Clone(s.presenceSnap),
	}
	for _, tc := range s.calls {
		snap.Calls = append(snap.Calls, tc.call.Clone())
		if tc.incoming {
			snap.Incoming = append(snap.Incoming, tc.call.ID)
		}
	}
	sort.Slice(snap.Calls, func(i, j int) bool {
		if !snap.Calls[i].StartTime.Equal(snap.Calls[j].StartTime) {
			return snap.Calls[i].StartTime.Before(snap.Calls[j].StartTime)
		}
		return snap.Calls[i].ID < snap.Calls[j].ID
	})
	sort.Strings(snap.Incoming)
	if s.pending != nil {
		p := *s.pending
		snap.Lobby = &p
	}
	_, snap.CoolingDown = s.guard.CoolingDown()
	return snap
}
