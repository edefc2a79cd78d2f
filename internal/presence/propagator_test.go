package presence

import (
	"testing"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
)

func TestRecomputeBusyThenAvailable(t *testing.T) {
	p := NewPropagator()
	dir := identity.Directory{
		{ID: "u1", Email: "a@x", Presence: domain.PresenceAvailable},
		{ID: "u2", Email: "b@x", Presence: domain.PresenceAvailable},
	}
	active := []domain.CallSession{{ID: "c1", AgentEmail: "a@x", Status: domain.CallStatusActive}}

	dir, changes, snap := p.Recompute(dir, active)
	if dir[0].Presence != domain.PresenceBusy {
		t.Fatalf("a@x presence mismatch: got %s, want BUSY", dir[0].Presence)
	}
	if snap["a@x"] != domain.PresenceBusy || snap["b@x"] != domain.PresenceAvailable {
		t.Errorf("snapshot mismatch: %v", snap)
	}
	if len(changes) != 1 || changes[0].MemberID != "u1" {
		t.Errorf("changes mismatch: %+v", changes)
	}

	ended := []domain.CallSession{{ID: "c1", AgentEmail: "a@x", Status: domain.CallStatusEnded}}
	dir, changes, _ = p.Recompute(dir, ended)
	if dir[0].Presence != domain.PresenceAvailable {
		t.Errorf("a@x should revert to AVAILABLE, got %s", dir[0].Presence)
	}
	if len(changes) != 1 || changes[0].To != domain.PresenceAvailable {
		t.Errorf("changes mismatch: %+v", changes)
	}
}

func TestRecomputeLeavesOfflineAlone(t *testing.T) {
	p := NewPropagator()
	dir := identity.Directory{{ID: "u1", Email: "a@x", Presence: domain.PresenceOffline}}
	active := []domain.CallSession{{ID: "c1", AgentEmail: "A@X", Status: domain.CallStatusActive}}

	dir, changes, snap := p.Recompute(dir, active)
	if dir[0].Presence != domain.PresenceOffline || len(changes) != 0 {
		t.Fatalf("offline member flipped: %+v %+v", dir[0], changes)
	}
	if snap["a@x"] != domain.PresenceOffline {
		t.Errorf("snapshot mismatch: got %s", snap["a@x"])
	}
	dir, changes, _ = p.Recompute(dir, nil)
	if dir[0].Presence != domain.PresenceOffline || len(changes) != 0 {
		t.Errorf("offline member flipped after call ended: %+v", dir[0])
	}
}

func TestRecomputeKeepsManualBusy(t *testing.T) {
	p := NewPropagator()
	dir := identity.Directory{{ID: "u1", Email: "a@x", Presence: domain.PresenceBusy}}
	dir, changes, _ := p.Recompute(dir, nil)
	if dir[0].Presence != domain.PresenceBusy || len(changes) != 0 {
		t.Errorf("manually busy member must not be reverted: %+v", dir[0])
	}
}

func TestRecomputeInternalTarget(t *testing.T) {
	p := NewPropagator()
	dir := identity.Directory{{ID: "u2", Email: "b@x", Presence: domain.PresenceAvailable}}
	calls := []domain.CallSession{
		{ID: "c1", Direction: domain.DirectionInbound, AgentEmail: "cust@ext", TargetAgentEmail: "b@x", Status: domain.CallStatusRinging},
	}
	if out, _, _ := p.Recompute(dir, calls); out[0].Presence != domain.PresenceAvailable {
		t.Errorf("non-internal target must not be marked busy")
	}
	calls[0].Direction = domain.DirectionInternal
	if out, _, _ := p.Recompute(dir, calls); out[0].Presence != domain.PresenceBusy {
		t.Errorf("internal target should be busy")
	}
}

func TestApplySkipsConcurrentOffline(t *testing.T) {
	latest := []domain.TeamMember{
		{ID: "u1", Email: "a@x", Presence: domain.PresenceOffline},
		{ID: "u2", Email: "b@x", Presence: domain.PresenceAvailable},
	}
	changes := []Change{
		{MemberID: "u1", Email: "a@x", From: domain.PresenceAvailable, To: domain.PresenceBusy},
		{MemberID: "u2", Email: "b@x", From: domain.PresenceAvailable, To: domain.PresenceBusy},
	}
	out, updates := Apply(latest, changes)
	if out[0].Presence != domain.PresenceOffline {
		t.Errorf("offline member clobbered")
	}
	want := domain.PresenceUpdate{MemberID: "u2", From: domain.PresenceAvailable, To: domain.PresenceBusy}
	if out[1].Presence != domain.PresenceBusy || len(updates) != 1 || updates[0] != want {
		t.Errorf("apply mismatch: out=%+v updates=%+v", out, updates)
	}
	if latest[1].Presence != domain.PresenceAvailable {
		t.Error("input mutated")
	}
}
