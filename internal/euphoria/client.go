package euphoria

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

// Connection timing. The server also runs an application-level ping
// (ping-event); the WebSocket-level ping here keeps middleboxes from
// dropping an otherwise quiet connection.
const (
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	sendBuffer       = 64
)

// Sentinel errors returned by Client operations.
var (
	// ErrClientClosed is returned when sending on a dead connection.
	ErrClientClosed = errors.New("euphoria: client closed")
)

// ReplyFunc receives the reply to one command, or the error that made the
// reply impossible. Runs on the connection's read goroutine.
type ReplyFunc func(p *Packet, err error)

// ClientConfig wires one Heim connection.
type ClientConfig struct {
	// URL is the full room WebSocket URL.
	URL string

	// OnEvent receives every unsolicited packet, on the read goroutine.
	// Replies to commands are routed to their ReplyFunc instead. The
	// client is passed in because events start flowing before Dial
	// returns.
	OnEvent func(c *Client, p *Packet)

	// OnClose runs exactly once when the connection dies, deliberately or
	// not. err is nil for a local Close.
	OnClose func(err error)

	Logger *slog.Logger
}

// Client is one Heim WebSocket connection: a read pump dispatching events
// and replies, and a write pump serializing sends. Safe for concurrent use.
type Client struct {
	logger  *slog.Logger
	conn    *websocket.Conn
	onEvent func(c *Client, p *Packet)
	onClose func(err error)

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	seq     int
	pending map[string]ReplyFunc
	closed  bool

	teardownOnce sync.Once
}

// Dial connects and starts the pumps. Blocks for the handshake only.
func Dial(cfg ClientConfig) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		onEvent: cfg.OnEvent,
		onClose: cfg.OnClose,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]ReplyFunc),
	}

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send marshals one command packet and queues it for the write pump. When
// reply is non-nil it will be invoked with the server's answer, or with an
// error if the connection dies first.
func (c *Client) Send(typ string, data any, reply ReplyFunc) error {
	var raw jsoniter.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s data: %w", typ, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.seq++
	id := strconv.Itoa(c.seq)
	if reply != nil {
		c.pending[id] = reply
	}
	c.mu.Unlock()

	frame, err := json.Marshal(Packet{ID: id, Type: typ, Data: raw})
	if err != nil {
		return fmt.Errorf("encoding %s packet: %w", typ, err)
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Close tears the connection down. Pending replies fail with
// ErrClientClosed; OnClose fires with a nil error.
func (c *Client) Close() {
	c.teardown(nil)
}

// teardown finishes the connection exactly once: stops the write pump,
// closes the socket, fails every pending reply, and reports to OnClose.
func (c *Client) teardown(err error) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		for _, reply := range pending {
			reply(nil, ErrClientClosed)
		}
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// readPump decodes incoming packets until the connection dies.
func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection lost", slog.String("error", err.Error()))
			}
			c.teardown(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var p Packet
		if err := json.Unmarshal(frame, &p); err != nil {
			c.logger.Warn("dropping undecodable packet", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(&p)
	}
}

// dispatch routes one packet: ping-events are answered here, replies go to
// their waiting ReplyFunc, everything else to OnEvent.
func (c *Client) dispatch(p *Packet) {
	if p.Throttled {
		c.logger.Warn("server is throttling", slog.String("type", p.Type))
	}

	if p.Type == TypePingEvent {
		var ev PingEvent
		if err := json.Unmarshal(p.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed ping-event", slog.String("error", err.Error()))
			return
		}
		if err := c.Send(TypePingReply, PingReply{Time: ev.Time}, nil); err != nil {
			c.logger.Debug("ping-reply not sent", slog.String("error", err.Error()))
		}
		return
	}

	if p.ID != "" {
		c.mu.Lock()
		reply, ok := c.pending[p.ID]
		delete(c.pending, p.ID)
		c.mu.Unlock()

		if ok {
			var err error
			if p.Error != "" {
				err = fmt.Errorf("server rejected %s: %s", p.Type, p.Error)
			}
			reply(p, err)
			return
		}
	}

	if c.onEvent != nil {
		c.onEvent(c, p)
	}
}

// writePump serializes frames onto the socket and keeps the transport-level
// keepalive going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.teardown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
