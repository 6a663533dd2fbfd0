package nexus

import "log/slog"

// bot is one pool entry: a surrogate connection impersonating a remote user
// on the opposite platform. conn and ready are guarded by botMu; nick is
// touched only on the scheduler goroutine; identity and platform are set
// once at creation.
type bot struct {
	identity string
	platform Platform
	conn     Surrogate
	ready    bool
	nick     string
}

// acquireSurrogate returns the user's bot, dialing one when absent. The
// second return is false while the connection is still logging in; the
// on-ready callback resubmits the drain, so the caller just gives up its
// turn. Runs on the scheduler goroutine with no locks held.
func (n *Nexus) acquireSurrogate(u *user, nick string) (*bot, bool) {
	identity := u.identity()
	target := u.platform.Opposite()

	n.botMu.Lock()
	if b, ok := n.bots[identity]; ok {
		ready := b.ready
		n.botMu.Unlock()
		return b, ready
	}

	factory := n.factories[target]
	if factory == nil {
		n.botMu.Unlock()
		n.logger.Error("no surrogate factory wired",
			slog.String("platform", target.String()))
		return nil, false
	}

	b := &bot{identity: identity, platform: target, nick: nick}
	n.bots[identity] = b
	n.botMu.Unlock()

	// Dial without botMu: a synchronous factory may call onReady inline,
	// and onReady takes stateMu for the ignore registration.
	conn, err := factory.Dial(nick,
		func(sessionID string) { n.surrogateReady(identity, target, sessionID, u) },
		func() { n.surrogateClosed(identity) },
	)
	if err != nil {
		n.botMu.Lock()
		delete(n.bots, identity)
		n.botMu.Unlock()
		n.logger.Warn("surrogate dial failed",
			slog.String("identity", identity),
			slog.String("platform", target.String()),
			slog.String("error", err.Error()))
		return nil, false
	}

	n.botMu.Lock()
	b.conn = conn
	ready := b.ready
	n.botMu.Unlock()

	n.metrics.SurrogateSpawned(target.String())
	n.logger.Debug("surrogate dialing",
		slog.String("identity", identity),
		slog.String("platform", target.String()),
		slog.String("nick", nick))

	return b, ready
}

// surrogateReady records a successful login. The surrogate's own session is
// registered as ignored before anything can be sent through it, so that its
// echoes are never relayed back, then the drain that was waiting on the
// connection gets resubmitted.
func (n *Nexus) surrogateReady(identity string, platform Platform, sessionID string, u *user) {
	n.IgnoreUsers([]UserRef{{Platform: platform, SessionID: sessionID}})

	n.botMu.Lock()
	b, ok := n.bots[identity]
	if ok {
		b.ready = true
	}
	n.botMu.Unlock()

	if !ok {
		return // removed while logging in
	}

	n.logger.Debug("surrogate ready",
		slog.String("identity", identity),
		slog.String("session_id", sessionID))

	n.sched.AddNow(func() { n.drainUser(u) })
}

// surrogateClosed handles an unexpected connection loss: the pool entry is
// dropped so the user's next action dials a fresh connection.
func (n *Nexus) surrogateClosed(identity string) {
	n.botMu.Lock()
	b, ok := n.bots[identity]
	delete(n.bots, identity)
	n.botMu.Unlock()

	if !ok {
		return // already torn down deliberately
	}

	n.logger.Debug("surrogate connection lost", slog.String("identity", identity))
	n.metrics.SurrogateClosed(b.platform.String())
}

// dropSurrogate closes and forgets the user's surrogate, if any.
func (n *Nexus) dropSurrogate(u *user) {
	identity := u.identity()

	n.botMu.Lock()
	b, ok := n.bots[identity]
	delete(n.bots, identity)
	var conn Surrogate
	if ok {
		conn = b.conn
	}
	n.botMu.Unlock()

	if !ok {
		return
	}
	if conn != nil {
		conn.Close()
	}
	n.metrics.SurrogateClosed(b.platform.String())
}
