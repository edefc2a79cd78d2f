package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/events"
	"github.com/spec-kit/call-session-service/internal/repository"
)

type recordingFeed struct {
	mu    sync.Mutex
	calls []domain.CallSession
	err   error
}

func (f *recordingFeed) Publish(_ context.Context, call domain.CallSession) (domain.ChangeType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, call)
	if !call.Status.Live() {
		return domain.ChangeRemoved, nil
	}
	return "", nil
}

func collectEvents(d events.Dispatcher, typ events.EventType) *[]events.Event {
	var out []events.Event
	d.Subscribe(typ, func(_ context.Context, ev events.Event) error {
		out = append(out, ev)
		return nil
	})
	return &out
}

func newTestCallLog(feed CallPublisher) (*CallLogService, events.Dispatcher) {
	dispatcher := events.NewInMemoryDispatcher()
	svc := NewCallLogService(CallLogDependencies{
		CallRepo:   repository.NewMemoryCallRepository(),
		Feed:       feed,
		Dispatcher: dispatcher,
	})
	return svc, dispatcher
}

func TestPersistNeverMovesStatusBackwards(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := svc.Persist(ctx, domain.CallSession{ID: "c1", Status: domain.CallStatusActive, StartTime: start}); err != nil {
		t.Fatalf("persist active: %v", err)
	}
	stored, err := svc.Persist(ctx, domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, StartTime: start})
	if err != nil {
		t.Fatalf("persist ringing: %v", err)
	}
	if stored.Status != domain.CallStatusActive {
		t.Errorf("status mismatch: got %s, want %s", stored.Status, domain.CallStatusActive)
	}

	if _, err := svc.Persist(ctx, domain.CallSession{ID: "c1", Status: domain.CallStatusEnded}); err != nil {
		t.Fatalf("persist ended: %v", err)
	}
	stored, err = svc.Persist(ctx, domain.CallSession{ID: "c1", Status: domain.CallStatusActive, AgentID: "u9"})
	if err != nil {
		t.Fatalf("persist after end: %v", err)
	}
	if stored.Status != domain.CallStatusEnded || stored.AgentID == "u9" {
		t.Errorf("ended record changed: %+v", stored)
	}
	if !stored.StartTime.Equal(start) {
		t.Errorf("start time mismatch: got %s, want %s", stored.StartTime, start)
	}
}

func TestPersistRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestCallLog(nil)
	_, err := svc.Persist(context.Background(), domain.CallSession{ID: "c1", Status: "QUEUED"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPersistPublishesChanges(t *testing.T) {
	ctx := context.Background()
	feed := &recordingFeed{}
	svc, dispatcher := newTestCallLog(feed)
	persisted := collectEvents(dispatcher, events.EventCallPersisted)

	for _, st := range []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive, domain.CallStatusEnded} {
		if _, err := svc.Persist(ctx, domain.CallSession{ID: "c1", Status: st}); err != nil {
			t.Fatalf("persist %s: %v", st, err)
		}
	}

	if len(feed.calls) != 3 {
		t.Fatalf("feed publish count mismatch: got %d, want 3", len(feed.calls))
	}
	want := []domain.ChangeType{domain.ChangeAdded, domain.ChangeModified, domain.ChangeRemoved}
	if len(*persisted) != len(want) {
		t.Fatalf("event count mismatch: got %d, want %d", len(*persisted), len(want))
	}
	for i, ev := range *persisted {
		payload := ev.Payload.(events.CallPersistedPayload)
		if payload.Change != want[i] {
			t.Errorf("event %d change mismatch: got %s, want %s", i, payload.Change, want[i])
		}
		if ev.CallID != "c1" {
			t.Errorf("event %d call id mismatch: got %s", i, ev.CallID)
		}
	}
}

func TestPersistSurvivesFeedFailure(t *testing.T) {
	svc, _ := newTestCallLog(&recordingFeed{err: errors.New("redis down")})
	stored, err := svc.Persist(context.Background(), domain.CallSession{ID: "c1", Status: domain.CallStatusDialing})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got, err := svc.Get(context.Background(), stored.ID); err != nil || got.Status != domain.CallStatusDialing {
		t.Fatalf("stored record mismatch: %+v, %v", got, err)
	}
}

func TestRecentAndGet(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)

	calls, err := svc.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if calls == nil || len(calls) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", calls)
	}

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		call := domain.CallSession{ID: id, Status: domain.CallStatusActive, StartTime: base.Add(time.Duration(i) * time.Minute)}
		if _, err := svc.Persist(ctx, call); err != nil {
			t.Fatalf("persist %s: %v", id, err)
		}
	}
	calls, err = svc.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(calls) != 2 || calls[0].ID != "new" || calls[1].ID != "mid" {
		t.Errorf("recent order mismatch: %+v", calls)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, domain.ErrCallNotFound) {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
}

func gatedMeeting() domain.CallSession {
	return domain.CallSession{
		ID:           "m1",
		Direction:    domain.DirectionInternal,
		Status:       domain.CallStatusActive,
		HostID:       "u1",
		LobbyEnabled: true,
		RoomID:       "room-7",
		Participants: []string{"u1"},
	}
}

func TestConcurrentLobbyRequestsBothLand(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)
	if _, err := svc.Persist(ctx, gatedMeeting()); err != nil {
		t.Fatalf("persist meeting: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"u2", "u3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			change := domain.LobbyChange{Action: domain.LobbyRequest, MemberID: id, ActorID: id}
			if _, err := svc.UpdateWaitingRoom(ctx, "m1", change); err != nil {
				t.Errorf("request %s: %v", id, err)
			}
		}(id)
	}
	// the host keeps writing the record it read before either request
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.Persist(ctx, gatedMeeting()); err != nil {
			t.Errorf("host persist: %v", err)
		}
	}()
	wg.Wait()

	stored, err := svc.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.InWaitingRoom("u2") || !stored.InWaitingRoom("u3") || len(stored.WaitingRoom) != 2 {
		t.Fatalf("waiting room mismatch: got %v, want u2 and u3", stored.WaitingRoom)
	}
}

func TestLobbyDecisionsRequireHost(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)
	if _, err := svc.Persist(ctx, gatedMeeting()); err != nil {
		t.Fatalf("persist meeting: %v", err)
	}
	for _, id := range []string{"u2", "u3"} {
		if _, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyRequest, MemberID: id}); err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
	}
	stale, _ := svc.Get(ctx, "m1")

	if _, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyAdmit, MemberID: "u2", ActorID: "u3"}); !errors.Is(err, domain.ErrNotHost) {
		t.Errorf("non-host admit: got %v, want %v", err, domain.ErrNotHost)
	}
	if _, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyAdmit, MemberID: "u9", ActorID: "u1"}); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Errorf("admit of non-waiting member: got %v, want %v", err, domain.ErrMemberNotFound)
	}
	if _, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: "kick", MemberID: "u2", ActorID: "u1"}); !errors.Is(err, domain.ErrInvalidLobbyAction) {
		t.Errorf("unknown action: got %v, want %v", err, domain.ErrInvalidLobbyAction)
	}

	if _, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyAdmit, MemberID: "u2", ActorID: "u1"}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	stored, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyDeny, MemberID: "u3", ActorID: "u1"})
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if len(stored.WaitingRoom) != 0 || !stored.HasParticipant("u2") || stored.HasParticipant("u3") {
		t.Fatalf("decision mismatch: waiting=%v participants=%v", stored.WaitingRoom, stored.Participants)
	}

	// a write built from a read taken before the decisions changes neither
	stale.Status = domain.CallStatusHold
	stored, err = svc.Persist(ctx, stale)
	if err != nil {
		t.Fatalf("stale persist: %v", err)
	}
	if stored.Status != domain.CallStatusHold || len(stored.WaitingRoom) != 0 || !stored.HasParticipant("u2") {
		t.Errorf("stale write undid lobby decisions: %+v", stored)
	}
}

func TestLobbyRequestOnEndedMeeting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)
	ended := gatedMeeting()
	ended.Status = domain.CallStatusEnded
	if _, err := svc.Persist(ctx, ended); err != nil {
		t.Fatalf("persist meeting: %v", err)
	}
	_, err := svc.UpdateWaitingRoom(ctx, "m1", domain.LobbyChange{Action: domain.LobbyRequest, MemberID: "u2"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("ended meeting: got %v, want %v", err, domain.ErrInvalidTransition)
	}
	if _, err := svc.UpdateWaitingRoom(ctx, "missing", domain.LobbyChange{Action: domain.LobbyRequest, MemberID: "u2"}); !errors.Is(err, domain.ErrCallNotFound) {
		t.Errorf("missing meeting: got %v, want %v", err, domain.ErrCallNotFound)
	}
}

func TestPersistDropsTransferredCallee(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCallLog(nil)
	call := domain.CallSession{ID: "c1", Status: domain.CallStatusActive, AgentID: "u1", CalleeID: "u2", Participants: []string{"u2", "u1"}}
	if _, err := svc.Persist(ctx, call); err != nil {
		t.Fatalf("persist: %v", err)
	}
	transferred := call.Clone()
	transferred.CalleeID = "u3"
	transferred.Participants = []string{"u3", "u1"}
	stored, err := svc.Persist(ctx, transferred)
	if err != nil {
		t.Fatalf("persist transfer: %v", err)
	}
	if stored.HasParticipant("u2") || !stored.HasParticipant("u3") || !stored.HasParticipant("u1") {
		t.Errorf("participants mismatch: %v", stored.Participants)
	}
}
