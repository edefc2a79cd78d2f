package engine

import (
	"time"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// EventKind tags a SessionEvent.
type EventKind string

const (
	EventCallUpdated       EventKind = "call_updated"
	EventIncomingCall      EventKind = "incoming_call"
	EventIncomingCleared   EventKind = "incoming_cleared"
	EventCallEnded         EventKind = "call_ended"
	EventActiveChanged     EventKind = "active_changed"
	EventLobbyPending      EventKind = "lobby_pending"
	EventLobbyAdmitted     EventKind = "lobby_admitted"
	EventLobbyDenied       EventKind = "lobby_denied"
	EventLobbyLeft         EventKind = "lobby_left"
	EventPresenceChanged   EventKind = "presence_changed"
	EventTransportDegraded EventKind = "transport_degraded"
)

// SessionEvent is one entry of a viewer session's event stream.
type SessionEvent struct {
	Kind     EventKind               `json:"kind"`
	CallID   string                  `json:"call_id,omitempty"`
	Call     *domain.CallSession     `json:"call,omitempty"`
	Lobby    *LobbyPending           `json:"lobby,omitempty"`
	Presence domain.PresenceSnapshot `json:"presence,omitempty"`
	At       time.Time               `json:"at"`
}

// LobbyPending is the holding state of a join request awaiting the host.
type LobbyPending struct {
	RoomID    string    `json:"room_id"`
	CallID    string    `json:"call_id"`
	HostID    string    `json:"host_id"`
	Persisted bool      `json:"persisted"`
	Since     time.Time `json:"since"`
}

// JoinOutcome reports how a join request was resolved.
type JoinOutcome string

const (
	JoinAdmitted JoinOutcome = "admitted"
	JoinLobby    JoinOutcome = "lobby"
	JoinCreated  JoinOutcome = "created"
)

// JoinResult is returned by Session.Join.
type JoinResult struct {
	Outcome JoinOutcome        `json:"outcome"`
	Call    domain.CallSession `json:"call"`
}

// DialRequest starts an outbound or internal call.
type DialRequest struct {
	TargetID       string `json:"target_id,omitempty"`
	TargetEmail    string `json:"target_email,omitempty"`
	CustomerNumber string `json:"customer_number,omitempty"`
	CustomerEmail  string `json:"customer_email,omitempty"`
}

// TransferRequest names the new callee of a live call.
type TransferRequest struct {
	TargetID    string `json:"target_id,omitempty"`
	TargetEmail string `json:"target_email,omitempty"`
}

// Snapshot is a point-in-time copy of a viewer session's state.
type Snapshot struct {
	Viewer       domain.Viewer           `json:"viewer"`
	ActiveCallID string                  `json:"active_call_id,omitempty"`
	Calls        []domain.CallSession    `json:"calls"`
	Incoming     []string                `json:"incoming"`
	Lobby        *LobbyPending           `json:"lobby,omitempty"`
	PushHealthy  bool                    `json:"push_healthy"`
	Presence     domain.PresenceSnapshot `json:"presence,omitempty"`
	CoolingDown  bool                    `json:"cooling_down"`
}

// Call returns the tracked call with the given id.
func (s Snapshot) Call(id string) (domain.CallSession, bool) {
	for _, c := range s.Calls {
		if c.ID == id {
			return c, true
		}
	}
	return domain.CallSession{}, false
}
