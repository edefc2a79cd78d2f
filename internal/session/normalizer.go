// Package session turns raw call records into the canonical CallSession and
// answers who a call concerns.
package session

import (
	"slices"
	"strings"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
)

// Normalize completes and canonicalizes the identity and participant fields of
// a raw call record for the given viewer. Applying it twice yields the same
// result as applying it once for a stable directory and viewer.
func Normalize(raw domain.CallSession, viewer domain.Viewer, dir identity.Directory) domain.CallSession {
	call := raw.Clone()
	call.AgentEmail = identity.NormalizeEmail(call.AgentEmail)
	call.TargetAgentEmail = identity.NormalizeEmail(call.TargetAgentEmail)
	call.CustomerEmail = identity.NormalizeEmail(call.CustomerEmail)

	resolveAgent(&call, viewer, dir)
	call.AgentIdentityKey = identity.ResolveIdentity(call.AgentID, call.AgentEmail, call.AgentName)

	resolveTarget(&call, viewer, dir)
	call.TargetIdentityKey = targetKey(call)
	if call.Direction == domain.DirectionInternal && call.CalleeID == "" {
		call.CalleeID = call.TargetAgentID
	}

	allowed := allowFunc(call, viewer, dir)
	call.Participants = participants(call, viewer, allowed)
	call.WaitingRoom = filterIDs(call.WaitingRoom, allowed)
	call.ParticipantIdentityKeys = participantKeys(call, viewer, dir)

	if call.Direction == domain.DirectionInternal && call.RoomID == "" && call.ID != "" {
		call.RoomID = "room_" + call.ID
	}
	return call
}

func resolveAgent(call *domain.CallSession, viewer domain.Viewer, dir identity.Directory) {
	var (
		match domain.TeamMember
		ok    bool
	)
	if call.AgentEmail != "" {
		match, ok = identity.LookupMember(dir, &viewer, identity.Query{Email: call.AgentEmail})
	}
	if !ok && call.AgentID != "" {
		match, ok = identity.LookupMember(dir, &viewer, identity.Query{ID: call.AgentID})
	}
	if !ok && identity.IsViewer(viewer, identity.Ref{ID: call.AgentID, Email: call.AgentEmail, Name: call.AgentName}) {
		match, ok = viewer.Member(), true
	}
	if !ok {
		return
	}
	if call.AgentID == "" {
		call.AgentID = match.ID
	}
	if call.AgentEmail == "" {
		call.AgentEmail = identity.NormalizeEmail(match.Email)
	}
	if call.AgentName == "" {
		call.AgentName = match.Name
	}
}

func resolveTarget(call *domain.CallSession, viewer domain.Viewer, dir identity.Directory) {
	var (
		match domain.TeamMember
		ok    bool
	)
	for _, email := range []string{call.TargetAgentEmail, call.CustomerEmail} {
		if email == "" {
			continue
		}
		if match, ok = identity.LookupMember(dir, &viewer, identity.Query{Email: email}); ok {
			break
		}
	}
	if !ok && call.TargetAgentID != "" {
		match, ok = identity.LookupMember(dir, &viewer, identity.Query{ID: call.TargetAgentID})
	}
	if ok {
		if call.TargetAgentID == "" {
			call.TargetAgentID = match.ID
		}
		if call.TargetAgentEmail == "" {
			call.TargetAgentEmail = identity.NormalizeEmail(match.Email)
		}
		if call.TargetName == "" {
			call.TargetName = match.Name
		}
	}
	if viewer.Email != "" && call.TargetAgentEmail == viewer.Email {
		call.TargetAgentID = viewer.ID
		call.TargetAgentEmail = viewer.Email
		call.TargetName = viewer.Name
	}
}

func targetKey(call domain.CallSession) domain.IdentityKey {
	if call.TargetAgentID == "" && call.TargetAgentEmail == "" && call.TargetName == "" {
		return domain.UnknownIdentity
	}
	return identity.ResolveIdentity(call.TargetAgentID, call.TargetAgentEmail, call.TargetName)
}

func allowFunc(call domain.CallSession, viewer domain.Viewer, dir identity.Directory) func(string) bool {
	return func(id string) bool {
		switch id {
		case "":
			return false
		case viewer.ID, call.AgentID, call.TargetAgentID, call.HostID:
			return true
		}
		return dir.HasID(id)
	}
}

// participants unions existing ids with agent and target, keeping the callee
// first when the list is built from scratch.
func participants(call domain.CallSession, viewer domain.Viewer, allowed func(string) bool) []string {
	candidates := slices.Clone(call.Participants)
	if len(candidates) == 0 {
		candidates = append(candidates, call.TargetAgentID, call.AgentID)
	} else {
		candidates = append(candidates, call.AgentID, call.TargetAgentID)
	}
	out := filterIDs(candidates, allowed)
	if len(out) > 0 {
		return out
	}
	return uniqueIDs([]string{viewer.ID, call.TargetAgentID, call.AgentID})
}

func filterIDs(ids []string, allowed func(string) bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !allowed(id) || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func uniqueIDs(ids []string) []string {
	return filterIDs(ids, func(id string) bool { return id != "" })
}

func participantKeys(call domain.CallSession, viewer domain.Viewer, dir identity.Directory) []domain.IdentityKey {
	candidates := slices.Clone(call.ParticipantIdentityKeys)
	candidates = append(candidates, call.AgentIdentityKey, call.TargetIdentityKey)
	for _, id := range call.Participants {
		candidates = append(candidates, keyForParticipant(id, viewer, dir))
	}

	out := make([]domain.IdentityKey, 0, len(candidates))
	for _, k := range candidates {
		if k.IsUnknown() || slices.Contains(out, k) {
			continue
		}
		if k.Kind == domain.IdentityEmail && k.Value != viewer.Email && !dir.HasEmail(k.Value) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func keyForParticipant(id string, viewer domain.Viewer, dir identity.Directory) domain.IdentityKey {
	if id == viewer.ID {
		return viewer.IdentityKey
	}
	if m, ok := dir.ByID(id); ok {
		return identity.MemberKey(m)
	}
	return identity.ResolveIdentity(id, "", "")
}
