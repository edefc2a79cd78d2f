package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/session"
)

var testMembers = []domain.TeamMember{
	{ID: "u1", Email: "a@x", Name: "Ada", Role: domain.RoleAgent, Presence: domain.PresenceAvailable},
	{ID: "u2", Email: "b@x", Name: "Ben", Role: domain.RoleAgent, Presence: domain.PresenceAvailable},
	{ID: "u3", Email: "c@x", Name: "Cy", Role: domain.RoleSupervisor, Presence: domain.PresenceAvailable},
}

type fakeLog struct {
	mu        sync.Mutex
	calls     map[string]domain.CallSession
	persisted []domain.CallSession
	fetches   map[string]int
	recentErr error

	lobbyWrites int
	fetchGate   chan struct{}
	lobbyGate   chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{calls: make(map[string]domain.CallSession), fetches: make(map[string]int)}
}

func (f *fakeLog) FetchCall(_ context.Context, id string) (domain.CallSession, error) {
	f.mu.Lock()
	f.fetches[id]++
	c, ok := f.calls[id]
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	return c.Clone(), nil
}

// holdFetches makes the next FetchCall reads answer with the record as it was
// when they were issued, once release is called.
func (f *fakeLog) holdFetches() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.fetchGate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fetchGate = nil
		f.mu.Unlock()
		close(gate)
	}
}

// holdLobbyWrites blocks UpdateWaitingRoom until release is called.
func (f *fakeLog) holdLobbyWrites() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.lobbyGate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.lobbyGate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeLog) FetchRecentCalls(_ context.Context, limit int) ([]domain.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := make([]domain.CallSession, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Clone())
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLog) PersistCall(_ context.Context, call domain.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := call.Clone()
	if current, ok := f.calls[call.ID]; ok {
		stored, _ = session.MergeStored(current, call)
	}
	f.calls[call.ID] = stored
	f.persisted = append(f.persisted, call.Clone())
	return nil
}

func (f *fakeLog) UpdateWaitingRoom(_ context.Context, id string, change domain.LobbyChange) (domain.CallSession, error) {
	f.mu.Lock()
	gate := f.lobbyGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lobbyWrites++
	current, ok := f.calls[id]
	if !ok {
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	next := current.Clone()
	if err := session.ApplyLobby(&next, change); err != nil {
		return domain.CallSession{}, err
	}
	f.calls[id] = next.Clone()
	return next, nil
}

func (f *fakeLog) put(call domain.CallSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call.ID] = call.Clone()
}

func (f *fakeLog) get(id string) (domain.CallSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	return c.Clone(), ok
}

func (f *fakeLog) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeLog) persistedWith(id string, status domain.CallStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.persisted {
		if c.ID == id && c.Status == status {
			n++
		}
	}
	return n
}

func (f *fakeLog) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persisted)
}

type fakeFeed struct {
	ch      chan domain.CallChange
	mu      sync.Mutex
	onError func(error)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan domain.CallChange, 16)}
}

func (f *fakeFeed) SubscribeActiveCalls(_ context.Context, _ []domain.CallStatus, onError func(error)) (<-chan domain.CallChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = onError
	return f.ch, nil
}

func (f *fakeFeed) send(typ domain.ChangeType, call domain.CallSession) {
	f.ch <- domain.CallChange{Type: typ, Call: call.Clone()}
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()
	onError(err)
}

type fakeDirectory struct {
	mu      sync.Mutex
	members []domain.TeamMember
	saved   []domain.PresenceUpdate
}

func (d *fakeDirectory) FetchDirectory(context.Context) ([]domain.TeamMember, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return identity.Directory(d.members).Clone(), nil
}

func (d *fakeDirectory) SavePresence(_ context.Context, updates []domain.PresenceUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, updates...)
	for _, u := range updates {
		for i := range d.members {
			if d.members[i].ID == u.MemberID && d.members[i].Presence == u.From {
				d.members[i].Presence = u.To
			}
		}
	}
	return nil
}

func (d *fakeDirectory) presenceOf(id string) domain.Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.members {
		if m.ID == id {
			return m.Presence
		}
	}
	return ""
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, typ domain.NotificationType, message string) (domain.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return domain.Notification{Seq: uint64(len(n.messages)), Type: typ, Message: message}, true
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.messages)
}

type harness struct {
	s     *Session
	log   *fakeLog
	feed  *fakeFeed
	dir   *fakeDirectory
	notes *recordingNotifier
	clock *clockwork.FakeClock
}

func testConfig() Config {
	return Config{
		StalenessWindow:   5 * time.Minute,
		RingTimeout:       30 * time.Second,
		PollInterval:      5 * time.Second,
		ReconcileInterval: 5 * time.Second,
		LobbyInterval:     3 * time.Second,
		DirectoryInterval: time.Hour,
	}
}

func newHarness(t *testing.T, viewerID string) *harness {
	t.Helper()
	return newHarnessOn(t, viewerID, newFakeLog())
}

// newHarnessOn runs a session against a call log other viewers may share.
func newHarnessOn(t *testing.T, viewerID string, log *fakeLog) *harness {
	t.Helper()
	return newHarnessWith(t, viewerID, log, nil)
}

func newHarnessWith(t *testing.T, viewerID string, log *fakeLog, local LocalState) *harness {
	t.Helper()
	h := &harness{
		log:   log,
		feed:  newFakeFeed(),
		dir:   &fakeDirectory{members: identity.Directory(testMembers).Clone()},
		notes: &recordingNotifier{},
		clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}
	member, ok := identity.Directory(testMembers).ByID(viewerID)
	if !ok {
		t.Fatalf("no member %s", viewerID)
	}
	h.s = New(Dependencies{
		Viewer:    identity.NewViewer(member),
		Log:       h.log,
		Feed:      h.feed,
		Directory: h.dir,
		Notifier:  h.notes,
		Local:     local,
		Clock:     h.clock,
		Config:    testConfig(),
	})
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) status(t *testing.T, id string) domain.CallStatus {
	t.Helper()
	c, ok := h.snapshot(t).Call(id)
	if !ok {
		return ""
	}
	return c.Status
}

// settle lets in-flight I/O goroutines report back.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	h.snapshot(t)
}

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !waitUntil(2*time.Second, cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func drainEvents(s *Session) []SessionEvent {
	var out []SessionEvent
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestWatchdogEndsUnansweredCallOnce(t *testing.T) {
	h := newHarness(t, "u1")
	call, err := h.s.Dial(context.Background(), DialRequest{TargetID: "u2"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if call.Status != domain.CallStatusDialing || call.CalleeID != "u2" {
		t.Fatalf("unexpected dialed call: %+v", call)
	}
	eventually(t, "dial persisted", func() bool { return h.log.persistedWith(call.ID, domain.CallStatusDialing) == 1 })

	h.clock.Advance(29 * time.Second)
	h.settle(t)
	if got := h.status(t, call.ID); got != domain.CallStatusDialing {
		t.Fatalf("ended early: got %s", got)
	}

	h.clock.Advance(time.Second)
	eventually(t, "watchdog end", func() bool { return h.status(t, call.ID) == domain.CallStatusEnded })
	eventually(t, "ended persisted", func() bool { return h.log.persistedWith(call.ID, domain.CallStatusEnded) == 1 })

	h.clock.Advance(time.Minute)
	h.settle(t)
	notes := h.notes.all()
	if len(notes) != 1 || notes[0] != "No answer from Ben" {
		t.Fatalf("notifications mismatch: got %v", notes)
	}
	if n := h.log.persistedWith(call.ID, domain.CallStatusEnded); n != 1 {
		t.Errorf("ENDED written %d times, want 1", n)
	}
	if snap := h.snapshot(t); snap.ActiveCallID != "" {
		t.Errorf("active call not cleared: %s", snap.ActiveCallID)
	}
}

func TestWatchdogCancelledWhenAnswered(t *testing.T) {
	h := newHarness(t, "u1")
	call, err := h.s.Dial(context.Background(), DialRequest{TargetEmail: "B@X"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eventually(t, "dial persisted", func() bool { return h.log.persistCount() > 0 })

	h.clock.Advance(10 * time.Second)
	answered, _ := h.log.get(call.ID)
	answered.Status = domain.CallStatusActive
	h.log.put(answered)
	h.feed.send(domain.ChangeModified, answered)
	eventually(t, "call active", func() bool { return h.status(t, call.ID) == domain.CallStatusActive })

	h.clock.Advance(40 * time.Second)
	h.settle(t)
	if got := h.status(t, call.ID); got != domain.CallStatusActive {
		t.Errorf("status mismatch: got %s, want ACTIVE", got)
	}
	if notes := h.notes.all(); len(notes) != 0 {
		t.Errorf("unexpected notifications: %v", notes)
	}
}

func TestIncomingDialingWrittenRingingOnce(t *testing.T) {
	h := newHarness(t, "u2")
	raw := domain.CallSession{
		ID:            "c1",
		Direction:     domain.DirectionInternal,
		Status:        domain.CallStatusDialing,
		AgentID:       "u1",
		TargetAgentID: "u2",
		Participants:  []string{"u2", "u1"},
		StartTime:     h.clock.Now(),
	}
	h.log.put(raw)
	h.feed.send(domain.ChangeAdded, raw)
	h.feed.send(domain.ChangeModified, raw)

	eventually(t, "ringing persisted", func() bool { return h.log.persistedWith("c1", domain.CallStatusRinging) == 1 })
	h.settle(t)
	if n := h.log.persistedWith("c1", domain.CallStatusRinging); n != 1 {
		t.Errorf("RINGING written %d times, want 1", n)
	}
	snap := h.snapshot(t)
	if !slices.Equal(snap.Incoming, []string{"c1"}) {
		t.Errorf("incoming mismatch: got %v", snap.Incoming)
	}
	var incoming int
	for _, ev := range drainEvents(h.s) {
		if ev.Kind == EventIncomingCall {
			incoming++
		}
	}
	if incoming != 1 {
		t.Errorf("incoming events: got %d, want 1", incoming)
	}

	accepted, err := h.s.Accept(context.Background(), "c1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.CallStatusActive || accepted.AnsweredAt == nil {
		t.Errorf("accept mismatch: %+v", accepted)
	}
	snap = h.snapshot(t)
	if snap.ActiveCallID != "c1" || len(snap.Incoming) != 0 {
		t.Errorf("after accept: active=%s incoming=%v", snap.ActiveCallID, snap.Incoming)
	}
}

func TestStaleSignalIgnored(t *testing.T) {
	h := newHarness(t, "u2")
	raw := domain.CallSession{
		ID:            "old",
		Direction:     domain.DirectionInternal,
		Status:        domain.CallStatusDialing,
		AgentID:       "u1",
		TargetAgentID: "u2",
		StartTime:     h.clock.Now().Add(-10 * time.Minute),
	}
	h.feed.send(domain.ChangeAdded, raw)
	h.settle(t)

	snap := h.snapshot(t)
	if len(snap.Calls) != 0 || len(snap.Incoming) != 0 {
		t.Errorf("stale call tracked: %+v", snap)
	}
	if n := h.log.persistCount(); n != 0 {
		t.Errorf("stale call written %d times", n)
	}
}

func TestSelfCallRejected(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.s.Dial(context.Background(), DialRequest{TargetEmail: " A@X "})
	if !errors.Is(err, domain.ErrSelfCall) {
		t.Fatalf("error mismatch: got %v, want ErrSelfCall", err)
	}
	_, err = h.s.Dial(context.Background(), DialRequest{TargetID: "u1"})
	if !errors.Is(err, domain.ErrSelfCall) {
		t.Fatalf("error mismatch: got %v, want ErrSelfCall", err)
	}
	h.settle(t)
	if snap := h.snapshot(t); len(snap.Calls) != 0 {
		t.Errorf("self call created a session: %+v", snap.Calls)
	}
	if n := h.log.persistCount(); n != 0 {
		t.Errorf("self call persisted %d times", n)
	}
}

func TestNotFoundThreeTimesEndsLocally(t *testing.T) {
	h := newHarness(t, "u1")
	raw := domain.CallSession{
		ID:           "gone",
		Direction:    domain.DirectionOutbound,
		Status:       domain.CallStatusActive,
		AgentID:      "u1",
		StartTime:    h.clock.Now(),
		Participants: []string{"u1"},
	}
	h.feed.send(domain.ChangeAdded, raw)
	eventually(t, "call tracked", func() bool { return h.status(t, "gone") == domain.CallStatusActive })

	for i := 0; i < 30 && h.status(t, "gone") != domain.CallStatusEnded; i++ {
		before := h.log.fetchCount("gone")
		h.clock.Advance(5 * time.Second)
		waitUntil(200*time.Millisecond, func() bool { return h.log.fetchCount("gone") > before })
		h.settle(t)
	}
	if got := h.status(t, "gone"); got != domain.CallStatusEnded {
		t.Fatalf("status mismatch: got %s, want ENDED", got)
	}
	if n := h.log.fetchCount("gone"); n != 3 {
		t.Errorf("fetches: got %d, want 3", n)
	}

	h.clock.Advance(5 * time.Second)
	h.settle(t)
	h.clock.Advance(5 * time.Second)
	h.settle(t)
	if n := h.log.fetchCount("gone"); n != 3 {
		t.Errorf("polling continued after local end: %d fetches", n)
	}
	if n := h.log.persistCount(); n != 0 {
		t.Errorf("local end must not write: %d writes", n)
	}
}

func TestLobbyGating(t *testing.T) {
	h := newHarness(t, "u2")
	meeting := domain.CallSession{
		ID:           "m1",
		Direction:    domain.DirectionInternal,
		Status:       domain.CallStatusActive,
		AgentID:      "u1",
		AgentEmail:   "a@x",
		HostID:       "u1",
		LobbyEnabled: true,
		RoomID:       "room-7",
		Participants: []string{"u1"},
		StartTime:    h.clock.Now(),
	}
	h.log.put(meeting)

	res, err := h.s.Join(context.Background(), "room-7")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Outcome != JoinLobby {
		t.Fatalf("outcome mismatch: got %s, want lobby", res.Outcome)
	}
	snap := h.snapshot(t)
	if snap.ActiveCallID != "" {
		t.Fatalf("lobby join activated a session: %s", snap.ActiveCallID)
	}
	if snap.Lobby == nil || snap.Lobby.CallID != "m1" || snap.Lobby.HostID != "u1" {
		t.Fatalf("lobby mismatch: %+v", snap.Lobby)
	}
	eventually(t, "waiting room persisted", func() bool {
		c, _ := h.log.get("m1")
		return c.InWaitingRoom("u2")
	})

	admitted, _ := h.log.get("m1")
	admitted.Participants = []string{"u1", "u2"}
	h.log.put(admitted)
	h.clock.Advance(3 * time.Second)

	eventually(t, "promotion", func() bool { return h.snapshot(t).ActiveCallID == "m1" })
	if snap := h.snapshot(t); snap.Lobby != nil {
		t.Errorf("lobby not cleared: %+v", snap.Lobby)
	}
	eventually(t, "waiting room cleared", func() bool {
		c, _ := h.log.get("m1")
		return !c.InWaitingRoom("u2") && c.HasParticipant("u2")
	})
}

func gatedMeeting(start time.Time) domain.CallSession {
	return domain.CallSession{
		ID:           "m1",
		Direction:    domain.DirectionInternal,
		Status:       domain.CallStatusActive,
		AgentID:      "u1",
		AgentEmail:   "a@x",
		HostID:       "u1",
		LobbyEnabled: true,
		RoomID:       "room-7",
		Participants: []string{"u1"},
		StartTime:    start,
	}
}

func TestConcurrentLobbyJoinsKeepBothRequests(t *testing.T) {
	log := newFakeLog()
	ben := newHarnessOn(t, "u2", log)
	cy := newHarnessOn(t, "u3", log)
	log.put(gatedMeeting(ben.clock.Now()))

	var wg sync.WaitGroup
	for _, h := range []*harness{ben, cy} {
		wg.Add(1)
		go func(h *harness) {
			defer wg.Done()
			res, err := h.s.Join(context.Background(), "room-7")
			if err != nil || res.Outcome != JoinLobby {
				t.Errorf("join: %+v, %v", res, err)
			}
		}(h)
	}
	wg.Wait()

	eventually(t, "both requests stored", func() bool {
		c, _ := log.get("m1")
		return c.InWaitingRoom("u2") && c.InWaitingRoom("u3")
	})
	for i := 0; i < 3; i++ {
		ben.clock.Advance(3 * time.Second)
		cy.clock.Advance(3 * time.Second)
		ben.settle(t)
		cy.settle(t)
	}
	for name, h := range map[string]*harness{"u2": ben, "u3": cy} {
		if snap := h.snapshot(t); snap.Lobby == nil || !snap.Lobby.Persisted {
			t.Errorf("%s lost its lobby entry: %+v", name, snap.Lobby)
		}
		if notes := h.notes.all(); len(notes) != 0 {
			t.Errorf("%s notified: %v", name, notes)
		}
	}
	if c, _ := log.get("m1"); len(c.WaitingRoom) != 2 {
		t.Errorf("waiting room mismatch: got %v, want [u2 u3]", c.WaitingRoom)
	}
}

func TestLobbyCheckOlderThanRequestIgnored(t *testing.T) {
	h := newHarness(t, "u2")
	h.log.put(gatedMeeting(h.clock.Now()))

	releaseWrite := h.log.holdLobbyWrites()
	if _, err := h.s.Join(context.Background(), "room-7"); err != nil {
		t.Fatalf("join: %v", err)
	}
	releaseFetch := h.log.holdFetches()
	h.clock.Advance(3 * time.Second)
	eventually(t, "lobby check issued", func() bool { return h.log.fetchCount("m1") >= 1 })

	releaseWrite()
	eventually(t, "request stored", func() bool {
		snap := h.snapshot(t)
		return snap.Lobby != nil && snap.Lobby.Persisted
	})
	releaseFetch()
	h.settle(t)

	if snap := h.snapshot(t); snap.Lobby == nil {
		t.Fatalf("stale lobby check cancelled the request")
	}
	if notes := h.notes.all(); len(notes) != 0 {
		t.Fatalf("stale lobby check notified: %v", notes)
	}

	h.clock.Advance(3 * time.Second)
	h.settle(t)
	if snap := h.snapshot(t); snap.Lobby == nil || !snap.Lobby.Persisted {
		t.Errorf("lobby mismatch after fresh check: %+v", snap.Lobby)
	}
}

func TestJoinCreatesAdHocMeeting(t *testing.T) {
	h := newHarness(t, "u3")
	res, err := h.s.Join(context.Background(), "standup")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Outcome != JoinCreated || res.Call.HostID != "u3" || res.Call.RoomID != "standup" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if snap := h.snapshot(t); snap.ActiveCallID != res.Call.ID {
		t.Errorf("active mismatch: got %s, want %s", snap.ActiveCallID, res.Call.ID)
	}
	eventually(t, "meeting persisted", func() bool {
		return h.log.persistedWith(res.Call.ID, domain.CallStatusActive) >= 1
	})
}

func TestHostAdmitsWaitingMember(t *testing.T) {
	h := newHarness(t, "u1")
	res, err := h.s.Join(context.Background(), "room-9")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "meeting persisted", func() bool { _, ok := h.log.get(res.Call.ID); return ok })

	waiting := res.Call.Clone()
	waiting.LobbyEnabled = true
	waiting.WaitingRoom = []string{"u3"}
	h.log.put(waiting)
	h.feed.send(domain.ChangeModified, waiting)
	eventually(t, "waiting room seen", func() bool {
		c, _ := h.snapshot(t).Call(res.Call.ID)
		return c.InWaitingRoom("u3")
	})

	if _, err := h.s.Admit(context.Background(), res.Call.ID, "u2"); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Errorf("admit of non-waiting member: got %v", err)
	}
	call, err := h.s.Admit(context.Background(), res.Call.ID, "u3")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if call.InWaitingRoom("u3") || !call.HasParticipant("u3") {
		t.Errorf("admit mismatch: %+v", call)
	}
	eventually(t, "admission stored", func() bool {
		c, _ := h.log.get(res.Call.ID)
		return !c.InWaitingRoom("u3") && c.HasParticipant("u3")
	})
}

func TestPushDegradationNotifiesOnce(t *testing.T) {
	h := newHarness(t, "u1")
	h.feed.fail(domain.ErrTransportDenied)
	h.feed.fail(domain.ErrTransportDenied)
	eventually(t, "degraded", func() bool { return !h.snapshot(t).PushHealthy })
	h.settle(t)
	if notes := h.notes.all(); len(notes) != 1 {
		t.Errorf("notifications mismatch: got %v", notes)
	}
}

func TestRemovedChangeFinalizes(t *testing.T) {
	h := newHarness(t, "u1")
	call, err := h.s.Dial(context.Background(), DialRequest{CustomerNumber: "+15550100"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.feed.send(domain.ChangeRemoved, call)
	eventually(t, "ended", func() bool { return h.status(t, call.ID) == domain.CallStatusEnded })
	if snap := h.snapshot(t); snap.ActiveCallID != "" {
		t.Errorf("active call not cleared")
	}
	if _, err := h.s.Hold(context.Background(), call.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("hold on ended call: got %v", err)
	}
}

func TestAcceptHoldsPriorActiveCall(t *testing.T) {
	h := newHarness(t, "u2")
	first, err := h.s.Dial(context.Background(), DialRequest{TargetID: "u3"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	answered := first.Clone()
	answered.Status = domain.CallStatusActive
	h.feed.send(domain.ChangeModified, answered)
	eventually(t, "first active", func() bool { return h.status(t, first.ID) == domain.CallStatusActive })

	incoming := domain.CallSession{
		ID:            "c2",
		Direction:     domain.DirectionInternal,
		Status:        domain.CallStatusRinging,
		AgentID:       "u1",
		TargetAgentID: "u2",
		StartTime:     h.clock.Now(),
	}
	h.feed.send(domain.ChangeAdded, incoming)
	eventually(t, "incoming", func() bool { return slices.Contains(h.snapshot(t).Incoming, "c2") })

	if _, err := h.s.Accept(context.Background(), "c2"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	snap := h.snapshot(t)
	prior, _ := snap.Call(first.ID)
	if prior.Status != domain.CallStatusHold || snap.ActiveCallID != "c2" {
		t.Errorf("prior=%s active=%s", prior.Status, snap.ActiveCallID)
	}
	if _, err := h.s.Accept(context.Background(), first.ID); !errors.Is(err, domain.ErrNotIncoming) {
		t.Errorf("accepting an outgoing call: got %v", err)
	}
}

func TestPresenceWrittenForActiveCall(t *testing.T) {
	h := newHarness(t, "u1")
	raw := domain.CallSession{
		ID:         "p1",
		Direction:  domain.DirectionOutbound,
		Status:     domain.CallStatusActive,
		AgentID:    "u1",
		AgentEmail: "a@x",
		StartTime:  h.clock.Now(),
	}
	h.feed.send(domain.ChangeAdded, raw)
	eventually(t, "a@x busy", func() bool { return h.dir.presenceOf("u1") == domain.PresenceBusy })
	if snap := h.snapshot(t); snap.Presence["a@x"] != domain.PresenceBusy {
		t.Errorf("snapshot presence mismatch: %v", snap.Presence)
	}

	ended := raw.Clone()
	ended.Status = domain.CallStatusEnded
	h.feed.send(domain.ChangeModified, ended)
	eventually(t, "a@x available", func() bool { return h.dir.presenceOf("u1") == domain.PresenceAvailable })
}

// slowLocal holds every client-local write until release is closed.
type slowLocal struct {
	nopLocalState
	release chan struct{}
	mu      sync.Mutex
	active  []string
	banners []string
}

func (l *slowLocal) SetActiveCall(_ context.Context, _ string, callID string) error {
	<-l.release
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = append(l.active, callID)
	return nil
}

func (l *slowLocal) DismissBanner(_ context.Context, _ string, callID string) error {
	<-l.release
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banners = append(l.banners, callID)
	return nil
}

func (l *slowLocal) writes() (active, banners []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.active), slices.Clone(l.banners)
}

func TestSlowLocalStoreDoesNotBlockSession(t *testing.T) {
	local := &slowLocal{release: make(chan struct{})}
	h := newHarnessWith(t, "u1", newFakeLog(), local)
	release := sync.OnceFunc(func() { close(local.release) })
	t.Cleanup(release)

	call, err := h.s.Dial(context.Background(), DialRequest{CustomerNumber: "+15550100"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := h.s.DismissBanner(context.Background(), "c9"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	snap, err := h.s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot while local store is stuck: %v", err)
	}
	if snap.ActiveCallID != call.ID {
		t.Errorf("active mismatch: got %s, want %s", snap.ActiveCallID, call.ID)
	}

	release()
	eventually(t, "local writes", func() bool {
		active, banners := local.writes()
		return len(active) == 1 && active[0] == call.ID && len(banners) == 1 && banners[0] == "c9"
	})
}
