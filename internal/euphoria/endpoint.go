package euphoria

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/instabridge/instabridge/internal/nexus"
)

// Reconnect backoff for the bridge's own connection. A session that held
// for a while resets the backoff.
const (
	reconnectMin   = time.Second
	reconnectMax   = 30 * time.Second
	healthySession = time.Minute
)

// ErrNotConnected is returned to callers that need the room while the
// endpoint is between sessions.
var ErrNotConnected = errors.New("euphoria: not connected")

// Endpoint is the bridge's own presence on euphoria. Its connection is the
// event source for the whole platform: presence, renames, messages, and
// partitions all flow from here into the nexus. It also serves as the
// A-side home bot and as the history source behind instant log requests.
type Endpoint struct {
	logger *slog.Logger
	nx     *nexus.Nexus
	url    string
	nick   string

	mu  sync.Mutex
	cli *Client
}

// NewEndpoint wires the A-side endpoint. Register it with
// nexus.SetHomeBot(nexus.Euphoria, e) and nexus.SetHistorySource before
// running.
func NewEndpoint(nx *nexus.Nexus, url, nick string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		logger: logger.With(slog.String("component", "euphoria")),
		nx:     nx,
		url:    url,
		nick:   nick,
	}
}

// Run dials the room and keeps it dialed until ctx ends, with exponential
// backoff between attempts.
func (e *Endpoint) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := e.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= healthySession {
			backoff = reconnectMin
		}
		e.logger.Warn("session ended, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// session runs one connection to completion.
func (e *Endpoint) session(ctx context.Context) error {
	result := make(chan error, 1)
	cli, err := Dial(ClientConfig{
		URL:     e.url,
		OnEvent: e.handleEvent,
		OnClose: func(err error) { result <- err },
		Logger:  e.logger,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cli = cli
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cli = nil
		e.mu.Unlock()
	}()

	e.logger.Info("connected", slog.String("url", e.url))

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		cli.Close()
		<-result
		return ctx.Err()
	}
}

// current returns the live connection, nil between sessions.
func (e *Endpoint) current() *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cli
}

// handleEvent translates one platform event into nexus calls. Runs on the
// connection's read goroutine.
func (e *Endpoint) handleEvent(cli *Client, p *Packet) {
	switch p.Type {
	case TypeHelloEvent:
		var ev HelloEvent
		if !e.decode(p, &ev) {
			return
		}
		// Our own session must never relay: this is what keeps the
		// bridge's posts from echoing back around the loop.
		e.nx.IgnoreUsers([]nexus.UserRef{{
			Platform:  nexus.Euphoria,
			SessionID: ev.Session.SessionID,
		}})

	case TypeSnapshotEvent:
		var ev SnapshotEvent
		if !e.decode(p, &ev) {
			return
		}
		e.handleSnapshot(cli, &ev)

	case TypeJoinEvent:
		var sv SessionView
		if !e.decode(p, &sv) {
			return
		}
		e.nx.AddUsers([]nexus.UserRef{sessionRef(sv)}, true)

	case TypePartEvent:
		var sv SessionView
		if !e.decode(p, &sv) {
			return
		}
		e.nx.RemoveUsers([]nexus.UserRef{sessionRef(sv)})

	case TypeNickEvent:
		var ev NickEvent
		if !e.decode(p, &ev) {
			return
		}
		e.nx.AddUsers([]nexus.UserRef{{
			Platform:  nexus.Euphoria,
			SessionID: ev.SessionID,
			Nick:      ev.To,
		}}, false)

	case TypeNetworkEvent:
		var ev NetworkEvent
		if !e.decode(p, &ev) {
			return
		}
		if ev.Type == "partition" {
			e.nx.RemoveGroup(nexus.Group{ServerID: ev.ServerID, Era: ev.ServerEra})
		}

	case TypeSendEvent:
		var m Message
		if !e.decode(p, &m) {
			return
		}
		e.nx.HandleMessage(nexus.Message{
			Origin:     nexus.Euphoria,
			ID:         m.ID,
			Parent:     m.Parent,
			SenderID:   m.Sender.SessionID,
			SenderNick: m.Sender.Name,
			Text:       m.Content,
		})

	default:
		e.logger.Debug("unhandled event", slog.String("type", p.Type))
	}
}

// handleSnapshot absorbs the room state delivered on join: presence
// upserts, an id-map warm-up for the scrollback, and the bridge's own
// identity claims.
func (e *Endpoint) handleSnapshot(cli *Client, ev *SnapshotEvent) {
	ids := make([]string, 0, 2*len(ev.Log))
	for _, m := range ev.Log {
		ids = append(ids, m.ID)
		if m.Parent != "" {
			ids = append(ids, m.Parent)
		}
	}
	e.nx.GatherIDs(nexus.Euphoria, ids)

	e.nx.AddUsers(sessionRefs(ev.Listing), false)

	err := cli.Send(TypeNick, NickCommand{Name: e.nick}, func(p *Packet, err error) {
		if err != nil {
			e.logger.Warn("nick rejected", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		e.logger.Warn("nick not sent", slog.String("error", err.Error()))
	}

	// Refresh the roster; snapshots have been observed to omit sessions
	// joining mid-handshake.
	err = cli.Send(TypeWho, nil, func(p *Packet, err error) {
		if err != nil {
			e.logger.Warn("who failed", slog.String("error", err.Error()))
			return
		}
		var reply WhoReply
		if !e.decode(p, &reply) {
			return
		}
		e.nx.AddUsers(sessionRefs(reply.Listing), false)
	})
	if err != nil {
		e.logger.Warn("who not sent", slog.String("error", err.Error()))
	}

	e.logger.Info("room joined",
		slog.Int("listing", len(ev.Listing)),
		slog.Int("log", len(ev.Log)))
}

// SubmitPost posts as the bridge itself and feeds the resulting id back for
// ack correlation. Implements the nexus HomeBot contract.
func (e *Endpoint) SubmitPost(parent, text, seq string) {
	cli := e.current()
	if cli == nil {
		e.logger.Warn("dropping bridge post: not connected", slog.String("seq", seq))
		return
	}

	err := cli.Send(TypeSend, SendCommand{Content: text, Parent: parent}, func(p *Packet, err error) {
		if err != nil {
			e.logger.Warn("bridge post rejected",
				slog.String("seq", seq),
				slog.String("error", err.Error()))
			return
		}
		var m Message
		if !e.decode(p, &m) {
			return
		}
		e.nx.HandleAck(nexus.Euphoria, seq, m.ID)
	})
	if err != nil {
		e.logger.Warn("bridge post not sent",
			slog.String("seq", seq),
			slog.String("error", err.Error()))
	}
}

// QueryLogs fetches up to n messages preceding before from the server-side
// room log. Implements the nexus HistorySource contract.
func (e *Endpoint) QueryLogs(before string, n int, cb func([]nexus.HistoryMessage, error)) {
	cli := e.current()
	if cli == nil {
		cb(nil, ErrNotConnected)
		return
	}

	err := cli.Send(TypeLog, LogCommand{N: n, Before: before}, func(p *Packet, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		var reply LogReply
		if err := json.Unmarshal(p.Data, &reply); err != nil {
			cb(nil, fmt.Errorf("decoding log-reply: %w", err))
			return
		}

		msgs := make([]nexus.HistoryMessage, 0, len(reply.Log))
		for _, m := range reply.Log {
			msgs = append(msgs, nexus.HistoryMessage{
				ID:          m.ID,
				Parent:      m.Parent,
				SenderNick:  m.Sender.Name,
				Text:        m.Content,
				UnixSeconds: m.Time,
			})
		}
		cb(msgs, nil)
	})
	if err != nil {
		cb(nil, err)
	}
}

// decode unmarshals packet data, logging and dropping malformed packets.
func (e *Endpoint) decode(p *Packet, into any) bool {
	if err := json.Unmarshal(p.Data, into); err != nil {
		e.logger.Warn("dropping malformed packet",
			slog.String("type", p.Type),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// sessionRef maps one session view onto the nexus user contract.
func sessionRef(sv SessionView) nexus.UserRef {
	return nexus.UserRef{
		Platform:  nexus.Euphoria,
		SessionID: sv.SessionID,
		Nick:      sv.Name,
		Group:     nexus.Group{ServerID: sv.ServerID, Era: sv.ServerEra},
	}
}

func sessionRefs(views []SessionView) []nexus.UserRef {
	refs := make([]nexus.UserRef, 0, len(views))
	for _, sv := range views {
		refs = append(refs, sessionRef(sv))
	}
	return refs
}
