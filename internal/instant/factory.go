package instant

import (
	"log/slog"
	"sync"

	"github.com/instabridge/instabridge/internal/nexus"
)

// Factory dials surrogate connections that impersonate euphoria users on
// instant. Implements the nexus SurrogateFactory contract.
type Factory struct {
	logger *slog.Logger
	nx     *nexus.Nexus
	url    string
}

// NewFactory wires the B-side surrogate factory. Register it with
// nexus.SetFactory(nexus.Instant, f).
func NewFactory(nx *nexus.Nexus, url string, logger *slog.Logger) *Factory {
	return &Factory{
		logger: logger.With(slog.String("component", "instant.surrogate")),
		nx:     nx,
		url:    url,
	}
}

// Dial starts a surrogate connection. The network work happens on the
// surrogate's own goroutine so the caller never blocks; onReady fires once
// the session is established and its nick announced, onClose whenever the
// connection ends.
func (f *Factory) Dial(nick string, onReady func(sessionID string), onClose func()) (nexus.Surrogate, error) {
	s := &surrogate{
		logger:  f.logger.With(slog.String("nick", nick)),
		nx:      f.nx,
		nick:    nick,
		onReady: onReady,
		onClose: onClose,
	}
	go s.connect(f.url)
	return s, nil
}

// surrogate is one impersonating connection. Unlike the endpoint it feeds
// nothing into the nexus except its own send acks: the home connection is
// the platform's single event source. It does answer who queries, since on
// instant every session speaks for itself.
type surrogate struct {
	logger  *slog.Logger
	nx      *nexus.Nexus
	onReady func(sessionID string)
	onClose func()

	// nick is guarded by mu: posts embed it and who answers read it on
	// the read goroutine, while renames arrive from the drain.
	mu     sync.Mutex
	cli    *Client
	nick   string
	closed bool

	// sessionID is written and read on the read goroutine only.
	sessionID string

	readyOnce sync.Once
}

func (s *surrogate) connect(url string) {
	cli, err := Dial(ClientConfig{
		URL:     url,
		OnEvent: s.handleEvent,
		OnClose: func(error) { s.onClose() },
		Logger:  s.logger,
	})
	if err != nil {
		s.logger.Warn("dial failed", slog.String("error", err.Error()))
		s.onClose()
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.cli = cli
	s.mu.Unlock()

	// Close raced the dial; the connection was never wanted.
	if closed {
		cli.Close()
	}
}

func (s *surrogate) handleEvent(cli *Client, p *Packet) {
	switch p.Type {
	case TypeIdentity:
		var id IdentityData
		if err := json.Unmarshal(p.Data, &id); err != nil {
			s.logger.Warn("dropping malformed identity", slog.String("error", err.Error()))
			return
		}
		s.sessionID = id.ID

		// Logged in. Announce the impersonated nick; the connection
		// serializes envelopes, so posts queued right after ready will
		// land under it.
		err := cli.Send(TypeBroadcast, "", NickData{Type: DataNick, Nick: s.currentNick()}, nil)
		if err != nil {
			s.logger.Warn("nick not sent", slog.String("error", err.Error()))
			return
		}
		s.readyOnce.Do(func() { s.onReady(s.sessionID) })

	case TypeBroadcast, TypeUnicast:
		var data MessageData
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return
		}
		if data.Type == DataWho {
			err := cli.Send(TypeUnicast, p.From, NickData{Type: DataNick, Nick: s.currentNick()}, nil)
			if err != nil {
				s.logger.Debug("who answer not sent", slog.String("error", err.Error()))
			}
		}
	}
}

// client returns the live connection, nil while dialing.
func (s *surrogate) client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cli
}

func (s *surrogate) currentNick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// SetNick renames the surrogate. Subsequent posts embed the new nick.
func (s *surrogate) SetNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	cli := s.cli
	s.mu.Unlock()

	if cli == nil {
		return
	}
	err := cli.Send(TypeBroadcast, "", NickData{Type: DataNick, Nick: nick}, nil)
	if err != nil {
		s.logger.Debug("rename not sent", slog.String("error", err.Error()))
	}
}

// SubmitPost speaks as the impersonated user and feeds the assigned id back
// for ack correlation.
func (s *surrogate) SubmitPost(parent, text, seq string) {
	s.mu.Lock()
	cli := s.cli
	nick := s.nick
	s.mu.Unlock()

	if cli == nil {
		s.logger.Warn("dropping post: not connected", slog.String("seq", seq))
		return
	}

	post := PostData{Type: DataPost, Nick: nick, Text: text, Parent: parent}
	err := cli.Send(TypeBroadcast, "", post, func(p *Packet, err error) {
		if err != nil {
			s.logger.Warn("post rejected",
				slog.String("seq", seq),
				slog.String("error", err.Error()))
			return
		}
		var rd ReplyData
		if err := json.Unmarshal(p.Data, &rd); err != nil {
			s.logger.Warn("dropping malformed reply", slog.String("error", err.Error()))
			return
		}
		s.nx.HandleAck(nexus.Instant, seq, rd.ID)
	})
	if err != nil {
		s.logger.Warn("post not sent",
			slog.String("seq", seq),
			slog.String("error", err.Error()))
	}
}

// Close disconnects the surrogate.
func (s *surrogate) Close() {
	s.mu.Lock()
	s.closed = true
	cli := s.cli
	s.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
}
