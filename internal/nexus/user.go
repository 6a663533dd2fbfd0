package nexus

import "time"

// user is the record for one observed remote session. All fields are
// guarded by the Nexus stateMu. A record is "detached" once neither index
// points at it anymore; the drain discards detached records together with
// their surrogates.
type user struct {
	// platform is the side the session was observed on.
	platform Platform

	// aID and bID are the session ids on each platform; at least the one
	// matching platform is set.
	aID string
	bID string

	// nick is the latest known display name.
	nick string

	// ignore marks sessions that must never get a surrogate and whose
	// messages are dropped: the bridge's own connections and each
	// surrogate's own session. This is what keeps a mirrored message from
	// reflecting back forever.
	ignore bool

	// delay is the earliest instant surrogate activation may happen; the
	// zero value means no restriction. Set on joins so that a join
	// immediately followed by a part never dials a connection.
	delay time.Time

	// group is the partition key (euphoria only).
	group Group

	// actions queues the user's pending operations in FIFO order. Only the
	// scheduler goroutine pops.
	actions []action
}

// sessionID returns the user's id on its own platform.
func (u *user) sessionID() string {
	if u.platform == Euphoria {
		return u.aID
	}
	return u.bID
}

// identity is the pool key for the user's surrogate.
func (u *user) identity() string {
	return u.platform.identityPrefix() + "/" + u.sessionID()
}

// action is one queued per-user operation.
type action interface {
	isAction()
}

// nickAction renames the user's surrogate.
type nickAction struct {
	nick string
}

// postAction speaks one message as the user on the opposite platform.
type postAction struct {
	origin Platform
	msgID  string
	parent string
	text   string
}

// removeAction disconnects and forgets the surrogate.
type removeAction struct{}

func (nickAction) isAction() {}

func (postAction) isAction() {}

func (removeAction) isAction() {}
