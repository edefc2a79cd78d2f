// Package presence derives directory presence from the set of live calls.
package presence

import (
	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
)

// Change records one presence flip made by the propagator.
type Change struct {
	MemberID string          `json:"member_id"`
	Email    string          `json:"email"`
	From     domain.Presence `json:"from"`
	To       domain.Presence `json:"to"`
}

// Propagator marks members on live calls BUSY and reverts the members it
// marked once they leave every live call. It is not safe for concurrent use.
type Propagator struct {
	forced map[string]bool
}

// NewPropagator constructs an empty propagator.
func NewPropagator() *Propagator {
	return &Propagator{forced: make(map[string]bool)}
}

// BusyEmails collects the normalized emails of agents, and of targets on
// internal calls, across live calls.
func BusyEmails(calls []domain.CallSession) map[string]bool {
	busy := make(map[string]bool)
	for _, c := range calls {
		if !c.Status.Live() {
			continue
		}
		if e := identity.NormalizeEmail(c.AgentEmail); e != "" {
			busy[e] = true
		}
		if c.Direction == domain.DirectionInternal {
			if e := identity.NormalizeEmail(c.TargetAgentEmail); e != "" {
				busy[e] = true
			}
		}
	}
	return busy
}

// Recompute returns the directory with derived presence applied, the flips
// it made and the resulting snapshot. The input directory is not modified.
func (p *Propagator) Recompute(dir identity.Directory, calls []domain.CallSession) (identity.Directory, []Change, domain.PresenceSnapshot) {
	busy := BusyEmails(calls)
	out := dir.Clone()
	var changes []Change
	snapshot := make(domain.PresenceSnapshot, len(busy))

	for i := range out {
		m := &out[i]
		email := identity.NormalizeEmail(m.Email)
		if email == "" {
			continue
		}
		switch {
		case m.Presence == domain.PresenceOffline:
			delete(p.forced, email)
		case busy[email]:
			if m.Presence != domain.PresenceBusy {
				changes = append(changes, Change{MemberID: m.ID, Email: email, From: m.Presence, To: domain.PresenceBusy})
				m.Presence = domain.PresenceBusy
				p.forced[email] = true
			}
		case p.forced[email]:
			if m.Presence == domain.PresenceBusy {
				changes = append(changes, Change{MemberID: m.ID, Email: email, From: m.Presence, To: domain.PresenceAvailable})
				m.Presence = domain.PresenceAvailable
			}
			delete(p.forced, email)
		}
		snapshot[email] = derived(m.Presence, busy[email])
	}
	for email := range busy {
		if _, ok := snapshot[email]; !ok {
			snapshot[email] = domain.PresenceBusy
		}
	}
	return out, changes, snapshot
}

// Forced reports whether the propagator currently holds email BUSY.
func (p *Propagator) Forced(email string) bool {
	return p.forced[identity.NormalizeEmail(email)]
}

func derived(current domain.Presence, busy bool) domain.Presence {
	if current == domain.PresenceOffline {
		return domain.PresenceOffline
	}
	if busy {
		return domain.PresenceBusy
	}
	return domain.PresenceAvailable
}

// Apply replays changes onto the latest directory, matching members by id and
// then by email. Members that went OFFLINE in the meantime are left alone, as
// are members whose presence no longer matches the value the change replaced.
// The returned updates carry the presence read from latest as From.
func Apply(latest []domain.TeamMember, changes []Change) ([]domain.TeamMember, []domain.PresenceUpdate) {
	out := identity.Directory(latest).Clone()
	var updates []domain.PresenceUpdate
	for _, ch := range changes {
		idx := -1
		for i := range out {
			if ch.MemberID != "" && out[i].ID == ch.MemberID {
				idx = i
				break
			}
		}
		if idx < 0 {
			for i := range out {
				if identity.NormalizeEmail(out[i].Email) == ch.Email {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			continue
		}
		m := &out[idx]
		if m.Presence == domain.PresenceOffline || m.Presence == ch.To {
			continue
		}
		if m.Presence != ch.From && m.Presence != "" {
			continue
		}
		updates = append(updates, domain.PresenceUpdate{MemberID: m.ID, From: m.Presence, To: ch.To})
		m.Presence = ch.To
	}
	return out, updates
}
