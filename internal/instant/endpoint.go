package instant

import (
	"context"
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

// Endpoint is the bridge's own presence on instant. Its connection is the
// event source for the whole platform: presence, renames, and messages all
// flow from here into the nexus. It also serves as the B-side home bot and
// answers the platform's log queries out of the A-side history.
type Endpoint struct {
	logger *slog.Logger
	nx     *nexus.Nexus
	url    string
	nick   string

	mu  sync.Mutex
	cli *Client
}

// NewEndpoint wires the B-side endpoint. Register it with
// nexus.SetHomeBot(nexus.Instant, e) before running.
func NewEndpoint(nx *nexus.Nexus, url, nick string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		logger: logger.With(slog.String("component", "instant")),
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
	case TypeIdentity:
		var id IdentityData
		if !e.decode(p, &id) {
			return
		}
		// Our own session must never relay: this is what keeps the
		// bridge's posts from echoing back around the loop.
		e.nx.IgnoreUsers([]nexus.UserRef{{
			Platform:  nexus.Instant,
			SessionID: id.ID,
		}})

		err := cli.Send(TypeBroadcast, "", NickData{Type: DataNick, Nick: e.nick}, func(_ *Packet, err error) {
			if err != nil {
				e.logger.Warn("nick rejected", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			e.logger.Warn("nick not sent", slog.String("error", err.Error()))
		}
		e.logger.Info("room joined", slog.String("session", id.ID))

	case TypeJoined:
		var pd PresenceData
		if !e.decode(p, &pd) {
			return
		}
		e.nx.AddUsers([]nexus.UserRef{{
			Platform:  nexus.Instant,
			SessionID: pd.ID,
		}}, true)

	case TypeLeft:
		var pd PresenceData
		if !e.decode(p, &pd) {
			return
		}
		e.nx.RemoveUsers([]nexus.UserRef{{
			Platform:  nexus.Instant,
			SessionID: pd.ID,
		}})

	case TypeBroadcast, TypeUnicast:
		var data MessageData
		if !e.decode(p, &data) {
			return
		}
		e.handleClientMessage(cli, p, &data)

	case TypeError:
		e.logger.Warn("server error", slog.String("data", string(p.Data)))

	default:
		e.logger.Debug("unhandled envelope", slog.String("type", p.Type))
	}
}

// handleClientMessage routes one application payload. Broadcast posts
// relay; unicast posts are private traffic to the bridge itself and are
// dropped. Queries (who, log-query, log-request) are answered by unicast
// back at the asking session.
func (e *Endpoint) handleClientMessage(cli *Client, p *Packet, data *MessageData) {
	switch data.Type {
	case DataPost:
		if p.Type != TypeBroadcast {
			e.logger.Debug("ignoring private post", slog.String("from", p.From))
			return
		}
		e.nx.HandleMessage(nexus.Message{
			Origin:     nexus.Instant,
			ID:         p.ID,
			Parent:     data.Parent,
			SenderID:   p.From,
			SenderNick: data.Nick,
			Text:       data.Text,
		})

	case DataNick:
		e.nx.AddUsers([]nexus.UserRef{{
			Platform:  nexus.Instant,
			SessionID: p.From,
			Nick:      data.Nick,
		}}, false)

	case DataWho:
		e.answer(cli, p.From, DataNick, NickData{Type: DataNick, Nick: e.nick})

	case DataLogQuery:
		bounds, err := e.nx.MessageBounds(nexus.Instant)
		if err != nil {
			e.logger.Warn("log bounds unavailable", slog.String("error", err.Error()))
			return
		}
		e.answer(cli, p.From, DataLogInfo, LogInfoData{
			Type:   DataLogInfo,
			From:   bounds.Min,
			To:     bounds.Max,
			Length: bounds.Count,
		})

	case DataLogRequest:
		requester := p.From
		e.nx.RequestMessages(nexus.Instant, data.To, data.From, data.Length, func(entries []nexus.LogEntry) {
			e.answer(cli, requester, DataLog, LogData{Type: DataLog, Data: logMessages(entries)})
		})

	default:
		e.logger.Debug("unhandled client message",
			slog.String("type", data.Type),
			slog.String("from", p.From))
	}
}

// answer unicasts one payload back at a session.
func (e *Endpoint) answer(cli *Client, to, typ string, data any) {
	if err := cli.Send(TypeUnicast, to, data, nil); err != nil {
		e.logger.Warn("answer not sent",
			slog.String("type", typ),
			slog.String("to", to),
			slog.String("error", err.Error()))
	}
}

// SubmitPost posts as the bridge itself and feeds the resulting id back for
// ack correlation. Implements the nexus HomeBot contract.
func (e *Endpoint) SubmitPost(parent, text, seq string) {
	cli := e.current()
	if cli == nil {
		e.logger.Warn("dropping bridge post: not connected", slog.String("seq", seq))
		return
	}

	post := PostData{Type: DataPost, Nick: e.nick, Text: text, Parent: parent}
	err := cli.Send(TypeBroadcast, "", post, func(p *Packet, err error) {
		if err != nil {
			e.logger.Warn("bridge post rejected",
				slog.String("seq", seq),
				slog.String("error", err.Error()))
			return
		}
		var rd ReplyData
		if !e.decode(p, &rd) {
			return
		}
		e.nx.HandleAck(nexus.Instant, seq, rd.ID)
	})
	if err != nil {
		e.logger.Warn("bridge post not sent",
			slog.String("seq", seq),
			slog.String("error", err.Error()))
	}
}

// decode unmarshals envelope data, logging and dropping malformed
// envelopes.
func (e *Endpoint) decode(p *Packet, into any) bool {
	if err := json.Unmarshal(p.Data, into); err != nil {
		e.logger.Warn("dropping malformed envelope",
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

// logMessages maps translated history onto the wire format.
func logMessages(entries []nexus.LogEntry) []LogMessage {
	msgs := make([]LogMessage, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, LogMessage{
			ID:        entry.ID,
			Parent:    entry.Parent,
			Nick:      entry.Nick,
			Text:      entry.Text,
			Timestamp: entry.TimestampMS,
		})
	}
	return msgs
}
