package engine

import (
	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/presence"
)

// message is an entry of the session inbox. Every state change of a session
// happens while its goroutine handles one message.
type message interface {
	sessionMessage()
}

type fetchPurpose int

const (
	fetchReconcile fetchPurpose = iota
	fetchWatchdog
	fetchLobby
	fetchRecover
)

type pushError struct {
	err error
}

type pollResult struct {
	calls []domain.CallSession
	err   error
}

type fetchResult struct {
	callID  string
	purpose fetchPurpose
	gen     uint64
	call    domain.CallSession
	err     error
}

type timerFired struct {
	callID string
	gen    uint64
}

type userAction struct {
	run   func() error
	reply chan error
}

type directoryLoaded struct {
	members []domain.TeamMember
	err     error
}

// persistJob is a queued write. It carries a call record unless lobby,
// presence or local is set, in which case call only names the call.
type persistJob struct {
	call     domain.CallSession
	lobby    *domain.LobbyChange
	presence []presence.Change
	local    *localWrite
}

type localKind int

const (
	localActive localKind = iota
	localDismiss
)

// localWrite is a client-local update. It rides the writer queue so the
// session goroutine never blocks on the local store.
type localWrite struct {
	kind   localKind
	callID string
}

type persistDone struct {
	job    persistJob
	stored domain.CallSession
	err    error
}

type snapshotRequest struct {
	reply chan Snapshot
}

func (pushError) sessionMessage()       {}
func (pollResult) sessionMessage()      {}
func (fetchResult) sessionMessage()     {}
func (timerFired) sessionMessage()      {}
func (userAction) sessionMessage()      {}
func (directoryLoaded) sessionMessage() {}
func (persistDone) sessionMessage()     {}
func (snapshotRequest) sessionMessage() {}
