package dto

import (
	"time"

	"github.com/spec-kit/call-session-service/internal/engine"
)

// EventsResponse wraps a batch of drained session events.
type EventsResponse struct {
	Events []engine.SessionEvent `json:"events"`
	Count  int                   `json:"count"`
}

// AuthResponse returns an issued token.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
