package session

import (
	"slices"
	"strings"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// ApplyLobby applies one waiting-room change to call. A request from a member
// already waiting or already in the call leaves the record untouched.
func ApplyLobby(call *domain.CallSession, change domain.LobbyChange) error {
	if !call.Status.Live() {
		return domain.ErrInvalidTransition
	}
	member := strings.TrimSpace(change.MemberID)
	if member == "" {
		return domain.ErrMemberNotFound
	}

	switch change.Action {
	case domain.LobbyRequest:
		if call.HasParticipant(member) || call.InWaitingRoom(member) {
			return nil
		}
		call.WaitingRoom = append(call.WaitingRoom, member)
	case domain.LobbyAdmit, domain.LobbyDeny:
		if call.HostID == "" || call.HostID != change.ActorID {
			return domain.ErrNotHost
		}
		if !call.InWaitingRoom(member) {
			return domain.ErrMemberNotFound
		}
		call.WaitingRoom = slices.DeleteFunc(slices.Clone(call.WaitingRoom), func(id string) bool { return id == member })
		if change.Action == domain.LobbyAdmit && !call.HasParticipant(member) {
			call.Participants = append(call.Participants, member)
		}
	default:
		return domain.ErrInvalidLobbyAction
	}
	return nil
}

// MergeStored folds a full-record write into the stored row. Status and
// scalar fields follow Reconcile. The waiting room belongs to the stored row
// because it only changes through ApplyLobby, and participants are the union
// of both sides so a write based on an older read cannot drop a member who
// joined meanwhile. A callee replaced by a transfer is the one exception.
func MergeStored(stored, incoming domain.CallSession) (domain.CallSession, bool) {
	merged, accepted := Reconcile(stored, incoming)
	if stored.Status == domain.CallStatusEnded {
		return merged, accepted
	}

	var replaced string
	transferred := stored.CalleeID != "" && incoming.CalleeID != "" && stored.CalleeID != incoming.CalleeID
	if transferred && !incoming.HasParticipant(stored.CalleeID) {
		replaced = stored.CalleeID
	}
	for _, id := range stored.Participants {
		if id != replaced && !merged.HasParticipant(id) {
			merged.Participants = append(merged.Participants, id)
		}
	}
	for _, key := range stored.ParticipantIdentityKeys {
		if key.IsUnknown() {
			continue
		}
		if transferred && key.Equal(stored.TargetIdentityKey) && !incoming.TargetIdentityKey.Equal(key) {
			continue
		}
		if !slices.ContainsFunc(merged.ParticipantIdentityKeys, key.Equal) {
			merged.ParticipantIdentityKeys = append(merged.ParticipantIdentityKeys, key)
		}
	}
	merged.WaitingRoom = slices.DeleteFunc(slices.Clone(stored.WaitingRoom), merged.HasParticipant)
	return merged, accepted
}
