package dto

import "github.com/spec-kit/call-session-service/internal/domain"

// MemberRequest payload for merging a directory entry.
type MemberRequest struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	Name            string          `json:"name"`
	Role            domain.Role     `json:"role"`
	Presence        domain.Presence `json:"presence"`
	Extension       string          `json:"extension"`
	RecordingAccess *bool           `json:"recording_access"`
	Active          *bool           `json:"active"`
}

// PresenceRequest payload.
type PresenceRequest struct {
	Presence domain.Presence `json:"presence"`
}

// Member converts the payload into a directory entry.
func (r MemberRequest) Member() domain.TeamMember {
	return domain.TeamMember{
		ID:              r.ID,
		Email:           r.Email,
		Name:            r.Name,
		Role:            r.Role,
		Presence:        r.Presence,
		Extension:       r.Extension,
		RecordingAccess: r.RecordingAccess,
		Active:          r.Active,
	}
}
