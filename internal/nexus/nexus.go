// Package nexus is the platform-independent heart of the bridge: it tracks
// remote sessions on both platforms, owns the pool of surrogate connections
// that impersonate them, sequences every surrogate-affecting operation
// through a single-goroutine scheduler, and maintains the cross-platform
// message-id map used for reply threading and history translation.
//
// Bridge endpoints call the public methods from their connection goroutines;
// all methods are safe for concurrent use. Surrogate work itself runs only
// on the scheduler goroutine, which is what gives per-user FIFO without
// per-user locks. Lock order is stateMu, then the store's internal mutex,
// then botMu; no lock is held across a platform call.
package nexus

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/instabridge/instabridge/internal/scheduler"
	"github.com/instabridge/instabridge/internal/store"
	"github.com/instabridge/instabridge/internal/transcode"
)

// defaultSurrogateDelay is how long a fresh join must survive before its
// surrogate may dial. Joins that part again within the window (ghost joins,
// crawlers, reconnect flaps) never produce a connection.
const defaultSurrogateDelay = 2 * time.Second

// -------------------------------------------------------------------------
// Nexus Options — functional options pattern
// -------------------------------------------------------------------------

// NexusOption configures optional Nexus parameters.
type NexusOption func(*Nexus)

// WithMetrics attaches a MetricsReporter to the nexus. If mr is nil, the
// default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) NexusOption {
	return func(n *Nexus) {
		if mr != nil {
			n.metrics = mr
		}
	}
}

// WithBridgeNick sets the display name of the bridge's own connections,
// used to recognize addressed commands.
func WithBridgeNick(nick string) NexusOption {
	return func(n *Nexus) {
		if nick != "" {
			n.bridgeNick = nick
		}
	}
}

// WithRooms records the two room names for the help text.
func WithRooms(euphoriaRoom, instantRoom string) NexusOption {
	return func(n *Nexus) {
		n.euphoriaRoom = euphoriaRoom
		n.instantRoom = instantRoom
	}
}

// WithSurrogateDelay overrides the join-to-activation delay.
func WithSurrogateDelay(d time.Duration) NexusOption {
	return func(n *Nexus) {
		if d >= 0 {
			n.surrogateDelay = d
		}
	}
}

// -------------------------------------------------------------------------
// Nexus
// -------------------------------------------------------------------------

// Nexus coordinates the two bridge endpoints.
type Nexus struct {
	logger  *slog.Logger
	metrics MetricsReporter
	store   *store.Store
	sched   *scheduler.Scheduler

	bridgeNick     string
	euphoriaRoom   string
	instantRoom    string
	surrogateDelay time.Duration

	// stateMu guards the user indexes and every user record.
	stateMu sync.Mutex
	byA     map[string]*user
	byB     map[string]*user

	// botMu guards the surrogate pool.
	botMu sync.Mutex
	bots  map[string]*bot

	// Wiring, set before the endpoints connect and read-only afterwards.
	factories map[Platform]SurrogateFactory
	homeBots  map[Platform]HomeBot
	history   map[Platform]HistorySource

	// sendSeq numbers bridge-authored sends; pendingSends correlates their
	// two acks.
	sendSeq      atomic.Uint64
	pendingMu    sync.Mutex
	pendingSends map[string]*bridgeSend
}

// New creates a Nexus on top of an open store and a running scheduler.
// Factories, home bots, and history sources are wired afterwards with the
// Set methods, before any endpoint connects.
func New(st *store.Store, sched *scheduler.Scheduler, logger *slog.Logger, opts ...NexusOption) *Nexus {
	n := &Nexus{
		logger:         logger.With(slog.String("component", "nexus")),
		metrics:        noopMetrics{},
		store:          st,
		sched:          sched,
		bridgeNick:     "bridge",
		surrogateDelay: defaultSurrogateDelay,
		byA:            make(map[string]*user),
		byB:            make(map[string]*user),
		bots:           make(map[string]*bot),
		factories:      make(map[Platform]SurrogateFactory),
		homeBots:       make(map[Platform]HomeBot),
		history:        make(map[Platform]HistorySource),
		pendingSends:   make(map[string]*bridgeSend),
	}

	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetFactory registers the surrogate factory dialing connections on p.
func (n *Nexus) SetFactory(p Platform, f SurrogateFactory) {
	n.factories[p] = f
}

// SetHomeBot registers the bridge's own connection on p.
func (n *Nexus) SetHomeBot(p Platform, b HomeBot) {
	n.homeBots[p] = b
}

// SetHistorySource registers the server-side log access for p.
func (n *Nexus) SetHistorySource(p Platform, src HistorySource) {
	n.history[p] = src
}

// Shutdown stops the scheduler and closes every surrogate. Pending actions
// that were not yet due are discarded. The scheduler goroutine is joined
// first so that no dial is in flight while the pool is emptied.
func (n *Nexus) Shutdown() {
	n.sched.Shutdown()
	n.sched.Join()

	n.botMu.Lock()
	conns := make([]Surrogate, 0, len(n.bots))
	for _, b := range n.bots {
		if b.conn != nil {
			conns = append(conns, b.conn)
		}
	}
	n.bots = make(map[string]*bot)
	n.botMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		n.logger.Info("closed surrogates at shutdown", slog.Int("count", len(conns)))
	}
}

// Join blocks until the scheduler loop has exited. Call after Shutdown.
func (n *Nexus) Join() {
	n.sched.Join()
}

// -------------------------------------------------------------------------
// Presence
// -------------------------------------------------------------------------

// touched pairs an upserted record with its activation deadline for drain
// scheduling.
type touched struct {
	u  *user
	at time.Time
}

// AddUsers upserts the given sessions and schedules their drains. With
// isNew, surrogate activation is pushed out by the configured delay so that
// a join immediately followed by a part never dials a connection.
func (n *Nexus) AddUsers(refs []UserRef, isNew bool) {
	n.scheduleDrains(n.upsert(refs, isNew, false))
}

// IgnoreUsers upserts the sessions with the ignore mark set: no surrogate
// is ever created for them and their messages are dropped on arrival. Used
// for the bridge's own sessions and each surrogate's own session.
func (n *Nexus) IgnoreUsers(refs []UserRef) {
	n.upsert(refs, false, true)
}

// RemoveUsers detaches the given sessions from both indexes and queues
// surrogate teardown behind whatever the users still have pending.
func (n *Nexus) RemoveUsers(refs []UserRef) {
	n.stateMu.Lock()
	users := make([]*user, 0, len(refs))
	for _, ref := range refs {
		u := n.lookupLocked(ref)
		if u == nil {
			continue
		}
		n.detachLocked(u)
		u.actions = append(u.actions, removeAction{})
		users = append(users, u)
	}
	n.stateMu.Unlock()

	for _, u := range users {
		u := u
		n.sched.AddNow(func() { n.drainUser(u) })
	}
}

// RemoveGroup detaches every user carrying the partition key. A euphoria
// network partition invalidates all sessions of one server era at once.
func (n *Nexus) RemoveGroup(g Group) {
	if g == (Group{}) {
		return
	}

	n.stateMu.Lock()
	var users []*user
	for _, u := range n.byA {
		if u.group == g {
			users = append(users, u)
		}
	}
	for _, u := range users {
		n.detachLocked(u)
		u.actions = append(u.actions, removeAction{})
	}
	n.stateMu.Unlock()

	if len(users) == 0 {
		return
	}
	n.logger.Info("removing partitioned group",
		slog.String("server_id", g.ServerID),
		slog.String("era", g.Era),
		slog.Int("users", len(users)))

	for _, u := range users {
		u := u
		n.sched.AddNow(func() { n.drainUser(u) })
	}
}

// upsert creates or updates one record per ref under a single lock hold and
// returns the touched records with their activation deadlines.
func (n *Nexus) upsert(refs []UserRef, isNew, ignore bool) []touched {
	deadline := time.Now().Add(n.surrogateDelay)

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	out := make([]touched, 0, len(refs))
	for _, ref := range refs {
		if ref.SessionID == "" {
			continue
		}

		u := n.lookupLocked(ref)
		if u == nil {
			u = &user{platform: ref.Platform}
			switch ref.Platform {
			case Euphoria:
				u.aID = ref.SessionID
				n.byA[ref.SessionID] = u
			case Instant:
				u.bID = ref.SessionID
				n.byB[ref.SessionID] = u
			default:
				continue
			}
		}

		if ref.Nick != "" {
			u.nick = ref.Nick
			u.actions = append(u.actions, nickAction{nick: ref.Nick})
		}
		if ref.Group != (Group{}) {
			u.group = ref.Group
		}
		if isNew && deadline.After(u.delay) {
			u.delay = deadline
		}
		if ignore {
			u.ignore = true
		}

		out = append(out, touched{u: u, at: u.delay})
	}
	return out
}

// scheduleDrains queues one drain per touched record, deferred to the
// activation deadline when one is pending.
func (n *Nexus) scheduleDrains(ts []touched) {
	now := time.Now()
	for _, t := range ts {
		u := t.u
		if t.at.After(now) {
			n.sched.AddAt(t.at, func() { n.drainUser(u) })
		} else {
			n.sched.AddNow(func() { n.drainUser(u) })
		}
	}
}

// lookupLocked finds the record a ref names. Call with stateMu held.
func (n *Nexus) lookupLocked(ref UserRef) *user {
	switch ref.Platform {
	case Euphoria:
		return n.byA[ref.SessionID]
	case Instant:
		return n.byB[ref.SessionID]
	default:
		return nil
	}
}

// detachLocked removes the record from both indexes. Call with stateMu
// held.
func (n *Nexus) detachLocked(u *user) {
	if u.aID != "" && n.byA[u.aID] == u {
		delete(n.byA, u.aID)
	}
	if u.bID != "" && n.byB[u.bID] == u {
		delete(n.byB, u.bID)
	}
}

// detachedLocked reports whether the record is no longer indexed. Call with
// stateMu held.
func (n *Nexus) detachedLocked(u *user) bool {
	if u.aID != "" && n.byA[u.aID] == u {
		return false
	}
	if u.bID != "" && n.byB[u.bID] == u {
		return false
	}
	return true
}

// -------------------------------------------------------------------------
// Message relay
// -------------------------------------------------------------------------

// HandleMessage relays one observed message: the sender is upserted, the
// text transcoded for the opposite platform, and a post action queued
// behind the sender's earlier actions. Transcoded text starting with "!" is
// also dispatched as a bridge command. Messages from ignored senders are
// neither relayed nor dispatched; this is the loop suppression that keeps a
// mirrored message from reflecting back.
func (n *Nexus) HandleMessage(msg Message) {
	if msg.Origin != Euphoria && msg.Origin != Instant {
		return
	}

	var text string
	if msg.Origin == Euphoria {
		text = transcode.EuphoriaToInstant(msg.Text)
	} else {
		text = transcode.InstantToEuphoria(msg.Text)
	}

	ts := n.upsert([]UserRef{{
		Platform:  msg.Origin,
		SessionID: msg.SenderID,
		Nick:      msg.SenderNick,
	}}, false, false)
	if len(ts) == 0 {
		return
	}
	u := ts[0].u

	n.stateMu.Lock()
	if u.ignore {
		n.stateMu.Unlock()
		n.metrics.IncDropped("ignored_sender")
		return
	}
	u.actions = append(u.actions, postAction{
		origin: msg.Origin,
		msgID:  msg.ID,
		parent: msg.Parent,
		text:   text,
	})
	at := u.delay
	n.stateMu.Unlock()

	n.metrics.IncRelayed(msg.Origin.String())
	n.scheduleDrains([]touched{{u: u, at: at}})

	if strings.HasPrefix(text, "!") {
		n.dispatchCommand(msg.Origin, msg.ID, text)
	}
}

// dispatchCommand handles bridge commands embedded in chat.
func (n *Nexus) dispatchCommand(origin Platform, msgID, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "!help":
		// An addressed !help must name this bridge; an unaddressed one is
		// answered by every bot in the room, including us.
		if len(fields) > 1 && fields[1] != "@"+n.bridgeNick {
			return
		}
		n.SendBridgeMessage(origin, msgID, n.helpText())
	}
}

// helpText names both ends of the bridge.
func (n *Nexus) helpText() string {
	return fmt.Sprintf(
		"I relay messages between &%s on euphoria and &%s on instant. "+
			"Messages you send here are reposted on the other side under your name.",
		n.euphoriaRoom, n.instantRoom)
}

// -------------------------------------------------------------------------
// ID correlation
// -------------------------------------------------------------------------

// AddMapping records that aID and bID name the same message on the two
// platforms.
func (n *Nexus) AddMapping(aID, bID string) {
	if err := n.store.UpdateIDs(store.SideEuphoria, map[string]string{aID: bID}); err != nil {
		n.logger.Warn("recording id mapping failed",
			slog.String("euphoria_id", aID),
			slog.String("instant_id", bID),
			slog.String("error", err.Error()))
	}
}

// HandleAck correlates a send acknowledgment: landed is the platform that
// assigned msgID to the post stamped with seq. Relay stamps carry the
// origin side and the origin message id; bridge-authored posts carry an
// internal token.
func (n *Nexus) HandleAck(landed Platform, seq, msgID string) {
	prefix, rest, ok := strings.Cut(seq, ":")
	if !ok || rest == "" || msgID == "" {
		return
	}

	switch prefix {
	case "euphoria":
		if landed == Instant {
			n.AddMapping(rest, msgID)
		}
	case "instant":
		if landed == Euphoria {
			n.AddMapping(msgID, rest)
		}
	case "bridge":
		n.resolveBridgeAck(landed, rest, msgID)
	}
}

// GatherIDs warms the translation map for ids about to be referenced, such
// as the log that accompanies a room snapshot. Read-only: ids without a
// counterpart stay untranslated until their messages actually relay.
func (n *Nexus) GatherIDs(p Platform, ids []string) {
	if _, err := n.store.TranslateIDs(p.side(), ids, false); err != nil {
		n.logger.Debug("id warm-up failed", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Bridge-authored sends
// -------------------------------------------------------------------------

// bridgeSend collects the two acks of one bridge-authored message.
type bridgeSend struct {
	aID string
	bID string
}

// SendBridgeMessage posts text as the bridge itself on both platforms:
// threaded under parent on the origin side, and under parent's translation
// on the other side once it exists (the relay of the message being answered
// completes it). Both posts carry one internal token; when both acks have
// landed the two new ids are mapped to each other.
func (n *Nexus) SendBridgeMessage(origin Platform, parent, text string) {
	originBot := n.homeBots[origin]
	otherBot := n.homeBots[origin.Opposite()]
	if originBot == nil || otherBot == nil {
		n.logger.Warn("bridge message dropped: home bots not wired")
		return
	}

	num := strconv.FormatUint(n.sendSeq.Add(1), 10)
	token := "bridge:" + num

	n.pendingMu.Lock()
	n.pendingSends[num] = &bridgeSend{}
	n.pendingMu.Unlock()

	originBot.SubmitPost(parent, text, token)

	if parent == "" {
		otherBot.SubmitPost("", text, token)
		return
	}

	err := n.store.WatchID(origin.side(), parent, func(counterpart string) {
		otherBot.SubmitPost(counterpart, text, token)
	})
	if err != nil {
		n.logger.Warn("bridge message far side dropped",
			slog.String("parent", parent),
			slog.String("error", err.Error()))
	}
}

// resolveBridgeAck files one ack of a bridge-authored send and records the
// mapping once both sides are in.
func (n *Nexus) resolveBridgeAck(landed Platform, num, msgID string) {
	n.pendingMu.Lock()
	entry, ok := n.pendingSends[num]
	if !ok {
		n.pendingMu.Unlock()
		return
	}
	if landed == Euphoria {
		entry.aID = msgID
	} else {
		entry.bID = msgID
	}
	complete := entry.aID != "" && entry.bID != ""
	if complete {
		delete(n.pendingSends, num)
	}
	n.pendingMu.Unlock()

	if complete {
		n.AddMapping(entry.aID, entry.bID)
	}
}

// -------------------------------------------------------------------------
// Drain — scheduler goroutine only
// -------------------------------------------------------------------------

// drainUser works through one user's queued actions. Runs only on the
// scheduler goroutine; endpoints merely append and schedule.
func (n *Nexus) drainUser(u *user) {
	n.stateMu.Lock()

	if n.detachedLocked(u) {
		// Parted (or partitioned away) before this drain ran. A ghost join
		// lands here: by the time the delayed drain fires, the part has
		// detached the record and no connection is ever dialed.
		u.actions = nil
		n.stateMu.Unlock()
		n.dropSurrogate(u)
		return
	}
	if u.ignore {
		u.actions = nil
		n.stateMu.Unlock()
		return
	}
	if len(u.actions) == 0 {
		n.stateMu.Unlock()
		return
	}
	if !u.delay.IsZero() && time.Now().Before(u.delay) {
		// Not activatable yet; the drain scheduled for the deadline will
		// pick the queue up.
		n.stateMu.Unlock()
		return
	}
	nick := u.nick
	n.stateMu.Unlock()

	b, ready := n.acquireSurrogate(u, nick)
	if b == nil || !ready {
		return // dial failed or still logging in; a later drain resumes
	}

	for {
		n.stateMu.Lock()
		if n.detachedLocked(u) {
			u.actions = nil
			n.stateMu.Unlock()
			n.dropSurrogate(u)
			return
		}
		if len(u.actions) == 0 {
			n.stateMu.Unlock()
			return
		}
		act := u.actions[0]
		u.actions = u.actions[1:]
		n.stateMu.Unlock()

		switch act := act.(type) {
		case nickAction:
			if act.nick != b.nick {
				b.nick = act.nick
				b.conn.SetNick(act.nick)
			}

		case removeAction:
			n.dropSurrogate(u)
			return

		case postAction:
			if !n.relayPost(u, b, act) {
				return // suspended on the parent translation
			}
		}
	}
}

// relayPost translates the parent and posts one message as the user. A
// false return means the drain suspended waiting for the parent's
// translation; the action has been pushed back to the queue head and the
// watcher resubmits the drain.
func (n *Nexus) relayPost(u *user, b *bot, act postAction) bool {
	side := act.origin.side()

	// Only euphoria parents may be synthesized: an instant parent's
	// euphoria counterpart must come from a real mirrored message.
	create := act.origin == Euphoria

	var parentT string
	if act.parent != "" {
		var err error
		parentT, err = n.store.TranslateID(side, act.parent, create)
		if err != nil {
			n.logger.Warn("dropping message: parent translation failed",
				slog.String("origin", act.origin.String()),
				slog.String("msg_id", act.msgID),
				slog.String("parent", act.parent),
				slog.String("error", err.Error()))
			n.metrics.IncDropped("translate_failed")
			return true
		}
	}

	// Record the message id now; the ack fills in the counterpart.
	if err := n.store.UpdateIDs(side, map[string]string{act.msgID: ""}); err != nil {
		n.logger.Warn("recording message id failed",
			slog.String("msg_id", act.msgID),
			slog.String("error", err.Error()))
	}

	if act.parent != "" && parentT == "" {
		n.stateMu.Lock()
		u.actions = append([]action{act}, u.actions...)
		n.stateMu.Unlock()

		// WatchID re-checks under the store lock, so a translation landing
		// between our lookup and here still fires, immediately.
		err := n.store.WatchID(side, act.parent, func(string) {
			n.sched.AddNow(func() { n.drainUser(u) })
		})
		if err != nil {
			n.logger.Warn("parent watch failed",
				slog.String("parent", act.parent),
				slog.String("error", err.Error()))
		}
		return false
	}

	b.conn.SubmitPost(parentT, act.text, act.origin.String()+":"+act.msgID)
	return true
}
