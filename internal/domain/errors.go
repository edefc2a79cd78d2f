package domain

import "errors"

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrMemberNotFound    = errors.New("team member not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrCoolingDown       = errors.New("request cooling down")
	ErrTransportDenied   = errors.New("push transport denied")
	ErrTransportClosed   = errors.New("push transport closed")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrNotIncoming       = errors.New("call is not incoming for viewer")
	ErrNotHost           = errors.New("only the host can manage the lobby")
	ErrSessionClosed     = errors.New("viewer session closed")
)

var (
	ErrInvalidDial        = errors.New("dial request has no target")
	ErrInvalidJoin        = errors.New("join reference has no room")
	ErrInvalidLobbyAction = errors.New("unknown waiting room action")
	ErrForbidden          = errors.New("not allowed for this viewer")
	ErrDuplicateEmail     = errors.New("email belongs to another team member")
)
