package session

import (
	"slices"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
)

// IsOriginator reports whether the viewer placed the call.
func IsOriginator(call domain.CallSession, viewer domain.Viewer) bool {
	if viewer.ID != "" && call.AgentID == viewer.ID {
		return true
	}
	if viewer.Email != "" && identity.NormalizeEmail(call.AgentEmail) == viewer.Email {
		return true
	}
	return call.AgentIdentityKey.Equal(viewer.IdentityKey)
}

// IsIncomingFor reports whether the viewer is the callee. A call the viewer
// originated is never incoming, even when the target fields also match.
func IsIncomingFor(call domain.CallSession, viewer domain.Viewer) bool {
	if IsOriginator(call, viewer) {
		return false
	}
	if viewer.ID != "" && call.TargetAgentID == viewer.ID {
		return true
	}
	if viewer.Email != "" && identity.NormalizeEmail(call.TargetAgentEmail) == viewer.Email {
		return true
	}
	if call.TargetIdentityKey.Equal(viewer.IdentityKey) {
		return true
	}
	if viewer.ID != "" && call.CalleeID == viewer.ID {
		return true
	}
	return call.CalleeID == "" && len(call.Participants) > 0 && viewer.ID != "" && call.Participants[0] == viewer.ID
}

// IsParticipant reports whether the viewer takes part in the call in any role.
func IsParticipant(call domain.CallSession, viewer domain.Viewer) bool {
	if IsOriginator(call, viewer) || IsIncomingFor(call, viewer) {
		return true
	}
	if call.HasParticipant(viewer.ID) {
		return true
	}
	if viewer.IdentityKey.IsUnknown() {
		return false
	}
	return slices.ContainsFunc(call.ParticipantIdentityKeys, viewer.IdentityKey.Equal)
}
