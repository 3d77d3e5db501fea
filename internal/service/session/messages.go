package session

import "github.com/flexa/flexa-android-sub000/internal/domain"

// message is the mailbox variant consumed by Reconciler.handle.
type message interface {
	isMessage()
}

type watchStart struct{}

type watchStop struct{}

type pollResult struct {
	epoch   uint64
	watch   uint64
	session *domain.CommerceSession
	err     error
}

type createRequest struct {
	input domain.CreateSessionInput
}

type createResult struct {
	epoch   uint64
	session *domain.CommerceSession
	err     error
}

type streamEvent struct {
	watch uint64
	event domain.StreamEvent
}

type approveResult struct {
	epoch     uint64
	sessionID string
	session   *domain.CommerceSession
	err       error
}

type patchResult struct {
	PatchResult
}

type selectAsset struct {
	asset string
}

type balanceUpdate struct {
	balance *domain.AccountBalance
}

type closeRequest struct {
	op string
	// done, when set, is closed once the remote close settled.
	done chan struct{}
}

type timerFired struct {
	gen uint64
}

type keepWaiting struct{}

type barrier struct {
	done chan struct{}
}

func (watchStart) isMessage()    {}
func (watchStop) isMessage()     {}
func (pollResult) isMessage()    {}
func (createRequest) isMessage() {}
func (createResult) isMessage()  {}
func (streamEvent) isMessage()   {}
func (approveResult) isMessage() {}
func (patchResult) isMessage()   {}
func (selectAsset) isMessage()   {}
func (balanceUpdate) isMessage() {}
func (closeRequest) isMessage()  {}
func (timerFired) isMessage()    {}
func (keepWaiting) isMessage()   {}
func (barrier) isMessage()       {}
