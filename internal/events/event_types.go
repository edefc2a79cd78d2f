package events

import (
	"time"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventNotificationRaised EventType = "notification_raised"
	EventCallPersisted      EventType = "call_persisted"
	EventPresenceChanged    EventType = "presence_changed"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	ViewerID  string      `json:"viewer_id,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NotificationRaisedPayload payload.
type NotificationRaisedPayload struct {
	Seq     uint64                  `json:"seq"`
	Level   domain.NotificationType `json:"level"`
	Message string                  `json:"message"`
}

// CallPersistedPayload payload.
type CallPersistedPayload struct {
	Change    domain.ChangeType    `json:"change"`
	Status    domain.CallStatus    `json:"status"`
	Direction domain.CallDirection `json:"direction"`
}

// PresenceChangedPayload payload.
type PresenceChangedPayload struct {
	MemberID    string          `json:"member_id"`
	Email       string          `json:"email"`
	OldPresence domain.Presence `json:"old_presence"`
	NewPresence domain.Presence `json:"new_presence"`
}
