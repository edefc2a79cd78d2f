package domain

import "time"

// Role enumerates directory roles, ordered by privilege.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

// Rank orders roles; unknown roles rank below AGENT.
func (r Role) Rank() int {
	switch r {
	case RoleAgent:
		return 1
	case RoleSupervisor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// HigherRole returns the more privileged of two roles.
func HigherRole(a, b Role) Role {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Presence is the availability a directory member advertises.
type Presence string

const (
	PresenceAvailable Presence = "AVAILABLE"
	PresenceBusy      Presence = "BUSY"
	PresenceWrapUp    Presence = "WRAP_UP"
	PresenceOffline   Presence = "OFFLINE"
	PresenceAway      Presence = "AWAY"
)

// Valid reports whether p is a known presence value.
func (p Presence) Valid() bool {
	switch p {
	case PresenceAvailable, PresenceBusy, PresenceWrapUp, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// PresenceUpdate is a compare-and-set presence write. It only lands while the
// stored presence still equals From.
type PresenceUpdate struct {
	MemberID string   `json:"member_id"`
	From     Presence `json:"from"`
	To       Presence `json:"to"`
}

// TeamMember is one entry of the team directory.
type TeamMember struct {
	ID              string    `json:"id"`
	Email           string    `json:"email,omitempty"`
	Name            string    `json:"name"`
	Role            Role      `json:"role"`
	Presence        Presence  `json:"presence,omitempty"`
	Extension       string    `json:"extension,omitempty"`
	RecordingAccess *bool     `json:"recording_access,omitempty"`
	Active          *bool     `json:"active,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PresenceSnapshot maps normalized email to derived presence.
type PresenceSnapshot map[string]Presence
