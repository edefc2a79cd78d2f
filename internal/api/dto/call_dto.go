package dto

import (
	"strings"

	"github.com/spec-kit/call-session-service/internal/engine"
)

// DialRequest payload. Either a directory target or a customer is required.
type DialRequest struct {
	TargetID       string `json:"target_id"`
	TargetEmail    string `json:"target_email"`
	CustomerNumber string `json:"customer_number"`
	CustomerEmail  string `json:"customer_email"`
}

// Engine converts the payload.
func (r DialRequest) Engine() engine.DialRequest {
	return engine.DialRequest{
		TargetID:       strings.TrimSpace(r.TargetID),
		TargetEmail:    strings.TrimSpace(r.TargetEmail),
		CustomerNumber: strings.TrimSpace(r.CustomerNumber),
		CustomerEmail:  strings.TrimSpace(r.CustomerEmail),
	}
}

// TransferRequest payload.
type TransferRequest struct {
	TargetID    string `json:"target_id"`
	TargetEmail string `json:"target_email"`
}

// Engine converts the payload.
func (r TransferRequest) Engine() engine.TransferRequest {
	return engine.TransferRequest{
		TargetID:    strings.TrimSpace(r.TargetID),
		TargetEmail: strings.TrimSpace(r.TargetEmail),
	}
}

// JoinRequest payload for a shared meeting link.
type JoinRequest struct {
	RoomID string `json:"room_id"`
}
