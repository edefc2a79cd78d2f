package session

import "github.com/spec-kit/call-session-service/internal/domain"

// Reconcile merges a newer observation of a call into the known state. An
// ENDED call never changes again, and a status regression keeps the previous
// status while the remaining fields still take the newer values. The bool
// result reports whether the status was accepted.
func Reconcile(prev, next domain.CallSession) (domain.CallSession, bool) {
	if prev.Status == domain.CallStatusEnded {
		return prev.Clone(), prev.Status == next.Status
	}
	merged := next.Clone()
	if merged.ID == "" {
		merged.ID = prev.ID
	}
	if merged.StartTime.IsZero() {
		merged.StartTime = prev.StartTime
	}
	if merged.AnsweredAt == nil && prev.AnsweredAt != nil {
		t := *prev.AnsweredAt
		merged.AnsweredAt = &t
	}
	if !domain.CanTransition(prev.Status, next.Status) {
		merged.Status = prev.Status
		return merged, false
	}
	return merged, true
}

// Transition moves a call to a new status, refusing disallowed moves.
func Transition(call *domain.CallSession, to domain.CallStatus) error {
	if !domain.CanTransition(call.Status, to) {
		return domain.ErrInvalidTransition
	}
	call.Status = to
	return nil
}
