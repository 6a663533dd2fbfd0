package euphoria

import (
	"log/slog"
	"sync"

	"github.com/instabridge/instabridge/internal/nexus"
)

// Factory dials surrogate connections that impersonate instant users on
// euphoria. Implements the nexus SurrogateFactory contract.
type Factory struct {
	logger *slog.Logger
	nx     *nexus.Nexus
	url    string
}

// NewFactory wires the A-side surrogate factory. Register it with
// nexus.SetFactory(nexus.Euphoria, f).
func NewFactory(nx *nexus.Nexus, url string, logger *slog.Logger) *Factory {
	return &Factory{
		logger: logger.With(slog.String("component", "euphoria.surrogate")),
		nx:     nx,
		url:    url,
	}
}

// Dial starts a surrogate connection. The network work happens on the
// surrogate's own goroutine so the caller never blocks; onReady fires once
// the session has joined the room and claimed its nick, onClose whenever
// the connection ends.
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
// the platform's single event source.
type surrogate struct {
	logger  *slog.Logger
	nx      *nexus.Nexus
	nick    string
	onReady func(sessionID string)
	onClose func()

	mu     sync.Mutex
	cli    *Client
	closed bool

	// sessionID is written on hello-event and read on snapshot-event,
	// both on the read goroutine.
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
	case TypeHelloEvent:
		var ev HelloEvent
		if err := json.Unmarshal(p.Data, &ev); err != nil {
			s.logger.Warn("dropping malformed hello-event", slog.String("error", err.Error()))
			return
		}
		s.sessionID = ev.Session.SessionID

	case TypeSnapshotEvent:
		// Joined. Claim the impersonated nick; the connection serializes
		// commands, so posts queued right after ready will land renamed.
		err := cli.Send(TypeNick, NickCommand{Name: s.nick}, func(p *Packet, err error) {
			if err != nil {
				s.logger.Warn("nick rejected", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			s.logger.Warn("nick not sent", slog.String("error", err.Error()))
			return
		}
		s.readyOnce.Do(func() { s.onReady(s.sessionID) })
	}
}

// client returns the live connection, nil while dialing.
func (s *surrogate) client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cli
}

// SetNick renames the surrogate.
func (s *surrogate) SetNick(nick string) {
	cli := s.client()
	if cli == nil {
		return
	}
	err := cli.Send(TypeNick, NickCommand{Name: nick}, nil)
	if err != nil {
		s.logger.Debug("rename not sent", slog.String("error", err.Error()))
	}
}

// SubmitPost speaks as the impersonated user and feeds the assigned id back
// for ack correlation.
func (s *surrogate) SubmitPost(parent, text, seq string) {
	cli := s.client()
	if cli == nil {
		s.logger.Warn("dropping post: not connected", slog.String("seq", seq))
		return
	}

	err := cli.Send(TypeSend, SendCommand{Content: text, Parent: parent}, func(p *Packet, err error) {
		if err != nil {
			s.logger.Warn("post rejected",
				slog.String("seq", seq),
				slog.String("error", err.Error()))
			return
		}
		var m Message
		if err := json.Unmarshal(p.Data, &m); err != nil {
			s.logger.Warn("dropping malformed send-reply", slog.String("error", err.Error()))
			return
		}
		s.nx.HandleAck(nexus.Euphoria, seq, m.ID)
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
