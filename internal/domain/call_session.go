package domain

import (
	"slices"
	"time"
)

// CallDirection describes who initiated a call relative to the contact center.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
	DirectionInternal CallDirection = "internal"
)

// CallStatus enumerates lifecycle states for a call session.
type CallStatus string

const (
	CallStatusDialing CallStatus = "DIALING"
	CallStatusRinging CallStatus = "RINGING"
	CallStatusActive  CallStatus = "ACTIVE"
	CallStatusHold    CallStatus = "HOLD"
	CallStatusEnded   CallStatus = "ENDED"
)

// LiveStatuses are the statuses of a call that still occupies its participants.
var LiveStatuses = []CallStatus{CallStatusDialing, CallStatusRinging, CallStatusActive, CallStatusHold}

func (s CallStatus) rank() int {
	switch s {
	case CallStatusDialing:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusActive, CallStatusHold:
		return 3
	case CallStatusEnded:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool { return s.rank() > 0 }

// Live reports whether the call is in DIALING, RINGING, ACTIVE or HOLD.
func (s CallStatus) Live() bool { return s.Valid() && s != CallStatusEnded }

// Ringing reports whether the call is still waiting to be answered.
func (s CallStatus) Ringing() bool {
	return s == CallStatusDialing || s == CallStatusRinging
}

// CanTransition reports whether moving from one status to another is allowed.
// Status only moves forward, ACTIVE and HOLD may alternate, ENDED is terminal.
func CanTransition(from, to CallStatus) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if !from.Valid() {
		return true
	}
	if from == CallStatusEnded {
		return false
	}
	if to == CallStatusHold {
		return from == CallStatusActive
	}
	if from == CallStatusHold && to == CallStatusActive {
		return true
	}
	return to.rank() > from.rank()
}

// CallSession is the canonical record of a call or meeting.
type CallSession struct {
	ID        string        `json:"id"`
	Direction CallDirection `json:"direction"`
	Status    CallStatus    `json:"status"`

	AgentID          string      `json:"agent_id,omitempty"`
	AgentEmail       string      `json:"agent_email,omitempty"`
	AgentName        string      `json:"agent_name,omitempty"`
	AgentIdentityKey IdentityKey `json:"agent_identity_key"`

	TargetAgentID     string      `json:"target_agent_id,omitempty"`
	TargetAgentEmail  string      `json:"target_agent_email,omitempty"`
	TargetName        string      `json:"target_name,omitempty"`
	TargetIdentityKey IdentityKey `json:"target_identity_key"`
	CalleeID          string      `json:"callee_id,omitempty"`

	CustomerEmail  string `json:"customer_email,omitempty"`
	CustomerNumber string `json:"customer_number,omitempty"`

	Participants            []string      `json:"participants"`
	ParticipantIdentityKeys []IdentityKey `json:"participant_identity_keys"`
	WaitingRoom             []string      `json:"waiting_room"`

	HostID        string `json:"host_id,omitempty"`
	LobbyEnabled  bool   `json:"lobby_enabled"`
	MeetingLocked bool   `json:"meeting_locked"`
	RoomID        string `json:"room_id,omitempty"`

	StartTime       time.Time  `json:"start_time"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Gated reports whether joining requires host approval.
func (c *CallSession) Gated() bool {
	return c.LobbyEnabled || c.MeetingLocked
}

// HasParticipant reports whether id is in the participant set.
func (c *CallSession) HasParticipant(id string) bool {
	return id != "" && slices.Contains(c.Participants, id)
}

// InWaitingRoom reports whether id is waiting for admission.
func (c *CallSession) InWaitingRoom(id string) bool {
	return id != "" && slices.Contains(c.WaitingRoom, id)
}

// Clone returns a deep copy.
func (c CallSession) Clone() CallSession {
	out := c
	out.Participants = slices.Clone(c.Participants)
	out.ParticipantIdentityKeys = slices.Clone(c.ParticipantIdentityKeys)
	out.WaitingRoom = slices.Clone(c.WaitingRoom)
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return out
}

// ChangeType tags a push feed change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// CallChange is one event of the push feed.
type CallChange struct {
	Type ChangeType  `json:"type"`
	Call CallSession `json:"call"`
}

// LobbyAction names a waiting-room change.
type LobbyAction string

const (
	LobbyRequest LobbyAction = "request"
	LobbyAdmit   LobbyAction = "admit"
	LobbyDeny    LobbyAction = "deny"
)

// LobbyChange asks the call log to move one member in or out of a meeting's
// waiting room. ActorID must be the host for admit and deny.
type LobbyChange struct {
	Action   LobbyAction `json:"action"`
	MemberID string      `json:"member_id"`
	ActorID  string      `json:"actor_id,omitempty"`
}
