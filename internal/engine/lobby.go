package engine

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/session"
)

// Join resolves a shared-link join against recent calls. The viewer is
// admitted directly, placed in the lobby of a gated meeting, or becomes the
// host of a new ad-hoc meeting when no live call uses the room.
func (s *Session) Join(ctx context.Context, roomID string) (JoinResult, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return JoinResult{}, domain.ErrInvalidJoin
	}
	recent, err := s.log.FetchRecentCalls(ctx, s.cfg.RecentLimit)
	if err != nil {
		s.logger.Warn("join lookup failed, using tracked calls", zap.String("room_id", roomID), zap.Error(err))
		recent = nil
	}

	var out JoinResult
	err = s.do(ctx, func() error {
		out = s.join(roomID, recent)
		return nil
	})
	return out, err
}

func (s *Session) join(roomID string, recent []domain.CallSession) JoinResult {
	call, found := s.findRoom(roomID, recent)
	if !found {
		return JoinResult{Outcome: JoinCreated, Call: s.createMeeting(roomID)}
	}
	if !call.Gated() || call.HostID == s.viewer.ID || session.IsParticipant(call, s.viewer) {
		return JoinResult{Outcome: JoinAdmitted, Call: s.admitSelf(call)}
	}

	s.pending = &LobbyPending{
		RoomID: roomID,
		CallID: call.ID,
		HostID: call.HostID,
		Since:  s.clock.Now(),
	}
	s.bumpLobby()
	s.requestAdmission(call)
	if !call.InWaitingRoom(s.viewer.ID) {
		call.WaitingRoom = append(call.WaitingRoom, s.viewer.ID)
	}
	s.logger.Info("waiting for host admission", zap.String("call_id", call.ID), zap.String("host_id", call.HostID))
	p := *s.pending
	s.emit(SessionEvent{Kind: EventLobbyPending, CallID: call.ID, Lobby: &p})
	return JoinResult{Outcome: JoinLobby, Call: call}
}

// findRoom picks the most recently started live call using roomID.
func (s *Session) findRoom(roomID string, recent []domain.CallSession) (domain.CallSession, bool) {
	candidates := make([]domain.CallSession, 0, len(recent)+len(s.calls))
	for _, raw := range recent {
		candidates = append(candidates, session.Normalize(raw, s.viewer, s.dir))
	}
	for _, tc := range s.calls {
		if !tc.finalized {
			candidates = append(candidates, tc.call)
		}
	}

	var (
		best  domain.CallSession
		found bool
	)
	for _, c := range candidates {
		if !c.Status.Live() || (c.RoomID != roomID && c.ID != roomID) {
			continue
		}
		if !found || c.StartTime.After(best.StartTime) {
			best, found = c, true
		}
	}
	if tc, ok := s.calls[best.ID]; found && ok && !tc.finalized {
		best, _ = session.Reconcile(tc.call, best)
	}
	return best, found
}

func (s *Session) admitSelf(call domain.CallSession) domain.CallSession {
	now := s.clock.Now()
	if !call.HasParticipant(s.viewer.ID) {
		call.Participants = append(call.Participants, s.viewer.ID)
	}
	call.WaitingRoom = removeID(call.WaitingRoom, s.viewer.ID)
	if call.Status.Ringing() {
		call.Status = domain.CallStatusActive
		call.AnsweredAt = &now
	}
	call.UpdatedAt = now
	return s.activate(call)
}

func (s *Session) createMeeting(roomID string) domain.CallSession {
	now := s.clock.Now()
	call := domain.CallSession{
		ID:           uuid.NewString(),
		Direction:    domain.DirectionInternal,
		Status:       domain.CallStatusActive,
		AgentID:      s.viewer.ID,
		AgentEmail:   s.viewer.Email,
		AgentName:    s.viewer.Name,
		Participants: []string{s.viewer.ID},
		HostID:       s.viewer.ID,
		RoomID:       roomID,
		StartTime:    now,
		AnsweredAt:   &now,
		UpdatedAt:    now,
	}
	s.logger.Info("created ad-hoc meeting", zap.String("call_id", call.ID), zap.String("room_id", roomID))
	return s.activate(call)
}

// activate tracks call as the viewer's active call and persists it.
func (s *Session) activate(call domain.CallSession) domain.CallSession {
	call = session.Normalize(call, s.viewer, s.dir)
	tc, ok := s.calls[call.ID]
	if !ok {
		tc = &trackedCall{ringingWritten: true}
		s.calls[call.ID] = tc
	}
	s.merge(tc, call)
	s.holdActive(call.ID)
	s.setActive(call.ID)
	s.enqueuePersist(tc.call)
	s.recomputePresence()
	return tc.call.Clone()
}

// LeaveLobby abandons a pending join. The shared call record is not touched.
func (s *Session) LeaveLobby(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.cancelLobby(EventLobbyLeft)
		return nil
	})
}

// Admit moves a waiting member into the participants of a call the viewer hosts.
func (s *Session) Admit(ctx context.Context, callID, memberID string) (domain.CallSession, error) {
	return s.manageLobby(ctx, callID, memberID, true)
}

// Deny removes a waiting member from a call the viewer hosts.
func (s *Session) Deny(ctx context.Context, callID, memberID string) (domain.CallSession, error) {
	return s.manageLobby(ctx, callID, memberID, false)
}

func (s *Session) manageLobby(ctx context.Context, callID, memberID string, admit bool) (domain.CallSession, error) {
	var out domain.CallSession
	err := s.do(ctx, func() error {
		tc, err := s.liveCall(callID)
		if err != nil {
			return err
		}
		change := domain.LobbyChange{Action: domain.LobbyDeny, MemberID: memberID, ActorID: s.viewer.ID}
		if admit {
			change.Action = domain.LobbyAdmit
		}
		if err := session.ApplyLobby(&tc.call, change); err != nil {
			return err
		}
		tc.call.UpdatedAt = s.clock.Now()
		tc.call = session.Normalize(tc.call, s.viewer, s.dir)
		s.enqueueLobby(tc.call, change)
		s.emitCall(EventCallUpdated, tc.call)
		out = tc.call.Clone()
		return nil
	})
	return out, err
}

func (s *Session) onLobbyTick() {
	if s.pending == nil || s.lobbyInFlight {
		return
	}
	s.lobbyInFlight = true
	s.requestFetch(s.pending.CallID, fetchLobby, s.lobbyGen)
}

func (s *Session) onLobbyFetch(m fetchResult) {
	p := s.pending
	if p == nil || m.gen != s.lobbyGen || m.callID != p.CallID {
		return
	}
	s.lobbyInFlight = false
	if m.err != nil {
		s.logger.Debug("lobby check failed, retrying next tick", zap.String("call_id", m.callID), zap.Error(m.err))
		return
	}
	s.settleLobby(p, m.call)
}

// settleLobby acts on the latest stored record of the meeting the viewer is
// waiting for. Losing the waiting-room entry after it was stored means the
// host declined.
func (s *Session) settleLobby(p *LobbyPending, raw domain.CallSession) {
	call := session.Normalize(raw, s.viewer, s.dir)
	switch {
	case !call.Status.Live():
		s.cancelLobby(EventLobbyDenied)
		s.notify(domain.NotificationInfo, "The meeting has ended")
	case call.HasParticipant(s.viewer.ID):
		s.pending = nil
		s.bumpLobby()
		call.WaitingRoom = removeID(call.WaitingRoom, s.viewer.ID)
		call.UpdatedAt = s.clock.Now()
		admitted := s.activate(call)
		s.emit(SessionEvent{Kind: EventLobbyAdmitted, CallID: admitted.ID, Call: &admitted, Lobby: p})
		s.notify(domain.NotificationSuccess, "You have been admitted to the meeting")
	case call.InWaitingRoom(s.viewer.ID):
		p.Persisted = true
	case p.Persisted:
		s.cancelLobby(EventLobbyDenied)
		s.notify(domain.NotificationWarning, "The host declined your request to join")
	case !s.lobbyPersisting:
		s.requestAdmission(call)
	}
}

// requestAdmission queues the viewer's waiting-room entry. The call log adds
// it under the row lock, so other pending members are never overwritten.
func (s *Session) requestAdmission(call domain.CallSession) {
	s.lobbyPersisting = true
	s.enqueueLobby(call, domain.LobbyChange{
		Action:   domain.LobbyRequest,
		MemberID: s.viewer.ID,
		ActorID:  s.viewer.ID,
	})
}

// onLobbyWritten settles a waiting-room write. The record returned for the
// viewer's own request is newer than any lobby check still in flight, so
// those checks are discarded before it is applied.
func (s *Session) onLobbyWritten(m persistDone) {
	change := *m.job.lobby
	if change.Action != domain.LobbyRequest {
		s.onHostDecision(m, change)
		return
	}
	s.lobbyPersisting = false
	p := s.pending
	if p == nil || p.CallID != m.job.call.ID {
		return
	}
	s.bumpLobby()
	switch {
	case errors.Is(m.err, domain.ErrInvalidTransition) || isNotFound(m.err):
		s.cancelLobby(EventLobbyDenied)
		s.notify(domain.NotificationInfo, "The meeting has ended")
	case m.err != nil:
		s.logger.Warn("waiting room request failed, retrying next tick", zap.String("call_id", p.CallID), zap.Error(m.err))
	default:
		p.Persisted = true
		s.settleLobby(p, m.stored)
	}
}

func (s *Session) onHostDecision(m persistDone, change domain.LobbyChange) {
	id := m.job.call.ID
	if m.err != nil {
		s.logger.Warn("waiting room update failed",
			zap.String("call_id", id),
			zap.String("action", string(change.Action)),
			zap.String("member_id", change.MemberID),
			zap.Error(m.err))
		s.notify(domain.NotificationError, "Could not update the waiting room")
		if tc, ok := s.calls[id]; ok && !tc.finalized && !s.fetching[id] {
			s.fetching[id] = true
			s.requestFetch(id, fetchReconcile, 0)
		}
		return
	}
	if tc, ok := s.calls[id]; ok {
		s.merge(tc, session.Normalize(m.stored, s.viewer, s.dir))
	}
}

// bumpLobby invalidates every lobby check issued so far.
func (s *Session) bumpLobby() {
	s.lobbyGen++
	s.lobbyInFlight = false
}

// cancelLobby drops the pending join and invalidates in-flight lobby checks.
func (s *Session) cancelLobby(kind EventKind) {
	if s.pending == nil {
		return
	}
	p := *s.pending
	s.pending = nil
	s.bumpLobby()
	s.emit(SessionEvent{Kind: kind, CallID: p.CallID, Lobby: &p})
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(v string) bool { return v == id })
}
