package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/session"
)

// Dial starts a call from the viewer. A request whose target resolves to the
// viewer is rejected before any call is created.
func (s *Session) Dial(ctx context.Context, req DialRequest) (domain.CallSession, error) {
	var out domain.CallSession
	err := s.do(ctx, func() error {
		call, err := s.dial(req)
		out = call
		return err
	})
	return out, err
}

func (s *Session) dial(req DialRequest) (domain.CallSession, error) {
	internal := req.TargetID != "" || req.TargetEmail != ""
	if !internal && req.CustomerNumber == "" && req.CustomerEmail == "" {
		return domain.CallSession{}, domain.ErrInvalidDial
	}

	now := s.clock.Now()
	call := domain.CallSession{
		ID:         uuid.NewString(),
		Direction:  domain.DirectionOutbound,
		Status:     domain.CallStatusDialing,
		AgentID:    s.viewer.ID,
		AgentEmail: s.viewer.Email,
		AgentName:  s.viewer.Name,
		StartTime:  now,
		UpdatedAt:  now,
	}
	if internal {
		target, err := s.resolveTarget(req.TargetID, req.TargetEmail)
		if err != nil {
			return domain.CallSession{}, err
		}
		call.Direction = domain.DirectionInternal
		call.TargetAgentID = target.ID
		call.TargetAgentEmail = identity.NormalizeEmail(target.Email)
		call.TargetName = target.Name
		call.CalleeID = target.ID
		call.Participants = []string{target.ID, s.viewer.ID}
	} else {
		call.CustomerNumber = req.CustomerNumber
		call.CustomerEmail = identity.NormalizeEmail(req.CustomerEmail)
		call.Participants = []string{s.viewer.ID}
	}

	call = session.Normalize(call, s.viewer, s.dir)
	tc := &trackedCall{ringingWritten: true}
	s.calls[call.ID] = tc
	s.merge(tc, call)
	s.holdActive(call.ID)
	s.setActive(call.ID)
	s.enqueuePersist(tc.call)
	s.recomputePresence()
	return tc.call.Clone(), nil
}

// resolveTarget finds the callee in the directory, refusing the viewer.
func (s *Session) resolveTarget(id, email string) (domain.TeamMember, error) {
	email = identity.NormalizeEmail(email)
	if (email != "" && email == s.viewer.Email) || (id != "" && id == s.viewer.ID) {
		return domain.TeamMember{}, domain.ErrSelfCall
	}
	target, ok := identity.LookupMember(s.dir, &s.viewer, identity.Query{ID: id, Email: email})
	if !ok {
		if email == "" {
			return domain.TeamMember{}, domain.ErrMemberNotFound
		}
		target = domain.TeamMember{ID: id, Email: email}
	}
	if identity.IsViewer(s.viewer, identity.Ref{ID: target.ID, Email: target.Email}) {
		return domain.TeamMember{}, domain.ErrSelfCall
	}
	return target, nil
}

// Accept answers an incoming call, putting the previously active call on hold.
func (s *Session) Accept(ctx context.Context, callID string) (domain.CallSession, error) {
	var out domain.CallSession
	err := s.do(ctx, func() error {
		tc, err := s.incomingCall(callID)
		if err != nil {
			return err
		}
		s.holdActive(callID)
		now := s.clock.Now()
		tc.call.Status = domain.CallStatusActive
		tc.call.AnsweredAt = &now
		tc.call.UpdatedAt = now
		s.watchdog.cancel(callID)
		s.clearIncoming(tc)
		s.setActive(callID)
		s.enqueuePersist(tc.call)
		s.emitCall(EventCallUpdated, tc.call)
		s.recomputePresence()
		out = tc.call.Clone()
		return nil
	})
	return out, err
}

// Decline rejects an incoming call.
func (s *Session) Decline(ctx context.Context, callID string) error {
	return s.do(ctx, func() error {
		tc, err := s.incomingCall(callID)
		if err != nil {
			return err
		}
		s.end(tc, false)
		return nil
	})
}

// Hangup ends a live call the viewer takes part in.
func (s *Session) Hangup(ctx context.Context, callID string) error {
	return s.do(ctx, func() error {
		tc, err := s.liveCall(callID)
		if err != nil {
			return err
		}
		s.end(tc, true)
		return nil
	})
}

// Hold puts an active call on hold.
func (s *Session) Hold(ctx context.Context, callID string) (domain.CallSession, error) {
	return s.transition(ctx, callID, domain.CallStatusHold)
}

// Resume takes a held call off hold and makes it the active call.
func (s *Session) Resume(ctx context.Context, callID string) (domain.CallSession, error) {
	return s.transition(ctx, callID, domain.CallStatusActive)
}

func (s *Session) transition(ctx context.Context, callID string, to domain.CallStatus) (domain.CallSession, error) {
	var out domain.CallSession
	err := s.do(ctx, func() error {
		tc, err := s.liveCall(callID)
		if err != nil {
			return err
		}
		if tc.call.Status.Ringing() {
			return domain.ErrInvalidTransition
		}
		if err := session.Transition(&tc.call, to); err != nil {
			return err
		}
		tc.call.UpdatedAt = s.clock.Now()
		if to == domain.CallStatusActive {
			s.holdActive(callID)
			s.setActive(callID)
		}
		s.enqueuePersist(tc.call)
		s.emitCall(EventCallUpdated, tc.call)
		out = tc.call.Clone()
		return nil
	})
	return out, err
}

// Transfer hands a live call to a new callee. The call stays ACTIVE and the
// previous callee leaves the participant set.
func (s *Session) Transfer(ctx context.Context, callID string, req TransferRequest) (domain.CallSession, error) {
	var out domain.CallSession
	err := s.do(ctx, func() error {
		tc, err := s.liveCall(callID)
		if err != nil {
			return err
		}
		if tc.call.Status.Ringing() {
			return domain.ErrInvalidTransition
		}
		target, err := s.resolveTarget(req.TargetID, req.TargetEmail)
		if err != nil {
			return err
		}

		call := tc.call.Clone()
		oldID, oldKey := call.TargetAgentID, call.TargetIdentityKey
		call.Participants = slices.DeleteFunc(call.Participants, func(id string) bool {
			return id != "" && id == oldID && id != s.viewer.ID
		})
		call.ParticipantIdentityKeys = slices.DeleteFunc(call.ParticipantIdentityKeys, oldKey.Equal)
		call.TargetAgentID = target.ID
		call.TargetAgentEmail = identity.NormalizeEmail(target.Email)
		call.TargetName = target.Name
		call.CalleeID = target.ID
		call.Participants = append([]string{target.ID}, call.Participants...)
		call.Status = domain.CallStatusActive
		call.UpdatedAt = s.clock.Now()

		tc.call = session.Normalize(call, s.viewer, s.dir)
		s.enqueuePersist(tc.call)
		s.emitCall(EventCallUpdated, tc.call)
		s.recomputePresence()
		out = tc.call.Clone()
		return nil
	})
	return out, err
}

// DismissBanner hides the incoming-call banner for a call.
func (s *Session) DismissBanner(ctx context.Context, callID string) error {
	return s.do(ctx, func() error {
		s.dismissed[callID] = true
		if tc, ok := s.calls[callID]; ok {
			s.clearIncoming(tc)
		}
		s.enqueueLocal(localDismiss, callID)
		return nil
	})
}

// holdActive puts the current active call on hold unless it is except.
func (s *Session) holdActive(except string) {
	if s.activeID == "" || s.activeID == except {
		return
	}
	tc, ok := s.calls[s.activeID]
	if !ok || tc.call.Status != domain.CallStatusActive {
		return
	}
	tc.call.Status = domain.CallStatusHold
	tc.call.UpdatedAt = s.clock.Now()
	s.enqueuePersist(tc.call)
	s.emitCall(EventCallUpdated, tc.call)
}

// end writes ENDED for a call and finalizes it locally.
func (s *Session) end(tc *trackedCall, answered bool) {
	now := s.clock.Now()
	tc.call.Status = domain.CallStatusEnded
	tc.call.EndedAt = &now
	tc.call.UpdatedAt = now
	tc.call.DurationSeconds = 0
	if answered && tc.call.AnsweredAt != nil {
		tc.call.DurationSeconds = int(now.Sub(*tc.call.AnsweredAt).Seconds())
	}
	s.enqueuePersist(tc.call)
	s.finalize(tc)
}

func (s *Session) incomingCall(callID string) (*trackedCall, error) {
	tc, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if !tc.call.Status.Ringing() || !session.IsIncomingFor(tc.call, s.viewer) {
		return nil, domain.ErrNotIncoming
	}
	return tc, nil
}

func (s *Session) liveCall(callID string) (*trackedCall, error) {
	tc, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if tc.finalized {
		return nil, domain.ErrInvalidTransition
	}
	return tc, nil
}

func (s *Session) onTimerFired(m timerFired) {
	if !s.watchdog.fired(m.callID, m.gen) {
		return
	}
	tc, ok := s.calls[m.callID]
	if !ok || tc.finalized || !tc.call.Status.Ringing() {
		return
	}
	s.checks[m.callID] = true
	s.requestFetch(m.callID, fetchWatchdog, 0)
}

// onWatchdogFetch ends a call that is still unanswered after the re-fetch.
func (s *Session) onWatchdogFetch(m fetchResult) {
	defer delete(s.checks, m.callID)
	tc, ok := s.calls[m.callID]
	if !ok || tc.finalized {
		return
	}
	if m.err == nil {
		s.observe(m.call, true)
	}
	if tc.finalized || !tc.call.Status.Ringing() {
		return
	}

	now := s.clock.Now()
	tc.call.Status = domain.CallStatusEnded
	tc.call.EndedAt = &now
	tc.call.UpdatedAt = now
	if m.err != nil {
		tc.call.DurationSeconds = 0
	}
	s.enqueuePersist(tc.call)
	outgoing := session.IsOriginator(tc.call, s.viewer)
	s.finalize(tc)

	if outgoing {
		s.notify(domain.NotificationWarning, unansweredMessage("No answer", counterpart(tc.call, true)))
	} else {
		s.notify(domain.NotificationInfo, unansweredMessage("Missed call", counterpart(tc.call, false)))
	}
}

func counterpart(call domain.CallSession, outgoing bool) string {
	if outgoing {
		for _, v := range []string{call.TargetName, call.TargetAgentEmail, call.CustomerNumber, call.CustomerEmail} {
			if v != "" {
				return v
			}
		}
		return ""
	}
	if call.AgentName != "" {
		return call.AgentName
	}
	return call.AgentEmail
}

func unansweredMessage(prefix, who string) string {
	if who == "" {
		return prefix
	}
	return fmt.Sprintf("%s from %s", prefix, who)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrCallNotFound)
}
