//go:build integration

package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/instabridge/instabridge/internal/euphoria"
	"github.com/instabridge/instabridge/internal/instant"
	"github.com/instabridge/instabridge/internal/nexus"
	"github.com/instabridge/instabridge/internal/scheduler"
	"github.com/instabridge/instabridge/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const waitFor = 10 * time.Second

// -------------------------------------------------------------------------
// Fake Heim server
// -------------------------------------------------------------------------

// fakeRoom is a scripted Heim server. Each accepted connection is handed to
// the test for per-packet scripting; nothing fans out between connections.
type fakeRoom struct {
	srv   *httptest.Server
	conns chan *roomConn

	mu   sync.Mutex
	open []*roomConn
}

func newFakeRoom(t *testing.T) *fakeRoom {
	t.Helper()

	f := &fakeRoom{conns: make(chan *roomConn, 8)}
	var upgrader websocket.Upgrader
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rc := &roomConn{
			ws:     ws,
			in:     make(chan euphoria.Packet, 16),
			closed: make(chan struct{}),
		}
		go rc.readLoop()

		f.mu.Lock()
		f.open = append(f.open, rc)
		f.mu.Unlock()
		f.conns <- rc
	}))

	t.Cleanup(func() {
		f.mu.Lock()
		open := f.open
		f.open = nil
		f.mu.Unlock()
		for _, rc := range open {
			rc.ws.Close()
		}
		f.srv.Close()
	})
	return f
}

func (f *fakeRoom) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRoom) accept(t *testing.T) *roomConn {
	t.Helper()

	select {
	case rc := <-f.conns:
		return rc
	case <-time.After(waitFor):
		t.Fatal("no euphoria connection arrived")
		return nil
	}
}

// roomConn is the server side of one Heim client connection. The test
// goroutine is the only writer.
type roomConn struct {
	ws     *websocket.Conn
	in     chan euphoria.Packet
	closed chan struct{}
}

func (rc *roomConn) readLoop() {
	defer close(rc.closed)
	for {
		_, frame, err := rc.ws.ReadMessage()
		if err != nil {
			return
		}
		var p euphoria.Packet
		if err := json.Unmarshal(frame, &p); err != nil {
			continue
		}
		rc.in <- p
	}
}

func (rc *roomConn) expect(t *testing.T, typ string) euphoria.Packet {
	t.Helper()

	select {
	case p := <-rc.in:
		if p.Type != typ {
			t.Fatalf("got packet %q, want %q", p.Type, typ)
		}
		return p
	case <-time.After(waitFor):
		t.Fatalf("no %q packet arrived", typ)
		return euphoria.Packet{}
	}
}

func (rc *roomConn) write(t *testing.T, p euphoria.Packet) {
	t.Helper()

	frame, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("encoding %s: %v", p.Type, err)
	}
	if err := rc.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("writing %s: %v", p.Type, err)
	}
}

func (rc *roomConn) sendEvent(t *testing.T, typ string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encoding %s data: %v", typ, err)
	}
	rc.write(t, euphoria.Packet{Type: typ, Data: raw})
}

func (rc *roomConn) reply(t *testing.T, to euphoria.Packet, typ string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encoding %s data: %v", typ, err)
	}
	rc.write(t, euphoria.Packet{ID: to.ID, Type: typ, Data: raw})
}

func (rc *roomConn) waitClosed(t *testing.T) {
	t.Helper()

	select {
	case <-rc.closed:
	case <-time.After(waitFor):
		t.Fatal("euphoria connection never closed")
	}
}

// -------------------------------------------------------------------------
// Fake Instant server
// -------------------------------------------------------------------------

// fakeServer is a scripted Instant backend, one scripted conversation per
// accepted connection.
type fakeServer struct {
	srv   *httptest.Server
	conns chan *serverConn

	mu   sync.Mutex
	open []*serverConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{conns: make(chan *serverConn, 8)}
	var upgrader websocket.Upgrader
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{
			ws:     ws,
			in:     make(chan instant.Packet, 16),
			closed: make(chan struct{}),
		}
		go sc.readLoop()

		f.mu.Lock()
		f.open = append(f.open, sc)
		f.mu.Unlock()
		f.conns <- sc
	}))

	t.Cleanup(func() {
		f.mu.Lock()
		open := f.open
		f.open = nil
		f.mu.Unlock()
		for _, sc := range open {
			sc.ws.Close()
		}
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()

	select {
	case sc := <-f.conns:
		return sc
	case <-time.After(waitFor):
		t.Fatal("no instant connection arrived")
		return nil
	}
}

// serverConn is the server side of one Instant client connection.
type serverConn struct {
	ws     *websocket.Conn
	in     chan instant.Packet
	closed chan struct{}
}

func (sc *serverConn) readLoop() {
	defer close(sc.closed)
	for {
		_, frame, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		var p instant.Packet
		if err := json.Unmarshal(frame, &p); err != nil {
			continue
		}
		sc.in <- p
	}
}

func (sc *serverConn) expect(t *testing.T, typ string) instant.Packet {
	t.Helper()

	select {
	case p := <-sc.in:
		if p.Type != typ {
			t.Fatalf("got envelope %q, want %q", p.Type, typ)
		}
		return p
	case <-time.After(waitFor):
		t.Fatalf("no %q envelope arrived", typ)
		return instant.Packet{}
	}
}

func (sc *serverConn) write(t *testing.T, p instant.Packet) {
	t.Helper()

	frame, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("encoding %s: %v", p.Type, err)
	}
	if err := sc.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("writing %s: %v", p.Type, err)
	}
}

func (sc *serverConn) sendEvent(t *testing.T, typ string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encoding %s data: %v", typ, err)
	}
	sc.write(t, instant.Packet{Type: typ, Data: raw})
}

// sendMessage pushes one broadcast or unicast envelope, stamped with a
// message id and sender session.
func (sc *serverConn) sendMessage(t *testing.T, envelope, id, from string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encoding %s data: %v", envelope, err)
	}
	sc.write(t, instant.Packet{Type: envelope, ID: id, From: from, Data: raw})
}

// reply acknowledges a client envelope, assigning id to it.
func (sc *serverConn) reply(t *testing.T, to instant.Packet, id string) {
	t.Helper()

	raw, err := json.Marshal(instant.ReplyData{ID: id, Type: to.Type})
	if err != nil {
		t.Fatalf("encoding reply data: %v", err)
	}
	sc.write(t, instant.Packet{Type: instant.TypeReply, Seq: to.Seq, Data: raw})
}

func (sc *serverConn) waitClosed(t *testing.T) {
	t.Helper()

	select {
	case <-sc.closed:
	case <-time.After(waitFor):
		t.Fatal("instant connection never closed")
	}
}

func decodeInto(t *testing.T, raw jsoniter.RawMessage, into any) {
	t.Helper()

	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decoding: %v", err)
	}
}

// -------------------------------------------------------------------------
// Bridge harness — real store, scheduler, nexus, and both endpoints
// -------------------------------------------------------------------------

type bridgeHarness struct {
	heim *fakeRoom
	inst *fakeServer
	nx   *nexus.Nexus
	st   *store.Store
}

// startBridge wires a complete bridge against two scripted servers and
// starts both endpoint loops. Instant delivers no presence listing, so the
// surrogate activation delay is zeroed to keep joins relaying immediately.
func startBridge(t *testing.T) *bridgeHarness {
	t.Helper()

	heim := newFakeRoom(t)
	inst := newFakeServer(t)

	logger := slog.Default()
	st, err := store.Open("", logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	sched := scheduler.New(logger)
	nx := nexus.New(st, sched, logger,
		nexus.WithBridgeNick("bridge"),
		nexus.WithRooms("space", "bridgetest"),
		nexus.WithSurrogateDelay(0),
	)

	euphEp := euphoria.NewEndpoint(nx, heim.url(), "bridge", logger)
	instEp := instant.NewEndpoint(nx, inst.url(), "bridge", logger)
	nx.SetHomeBot(nexus.Euphoria, euphEp)
	nx.SetHomeBot(nexus.Instant, instEp)
	nx.SetHistorySource(nexus.Euphoria, euphEp)
	nx.SetFactory(nexus.Euphoria, euphoria.NewFactory(nx, heim.url(), logger))
	nx.SetFactory(nexus.Instant, instant.NewFactory(nx, inst.url(), logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- euphEp.Run(ctx) }()
	go func() { done <- instEp.Run(ctx) }()

	t.Cleanup(func() {
		nx.Shutdown()
		nx.Join()
		cancel()
		for range 2 {
			select {
			case <-done:
			case <-time.After(waitFor):
				t.Error("endpoint Run never returned")
			}
		}
		st.Close()
	})

	return &bridgeHarness{heim: heim, inst: inst, nx: nx, st: st}
}

// joinEuphoria completes the bridge's euphoria room join, presenting the
// given sessions in the room listing.
func (h *bridgeHarness) joinEuphoria(t *testing.T, listing ...euphoria.SessionView) *roomConn {
	t.Helper()

	rc := h.heim.accept(t)
	rc.sendEvent(t, euphoria.TypeHelloEvent, euphoria.HelloEvent{
		Session: euphoria.SessionView{SessionID: "bridge-session-a"},
	})
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{
		SessionID: "bridge-session-a",
		Listing:   listing,
	})

	nickCmd := rc.expect(t, euphoria.TypeNick)
	rc.reply(t, nickCmd, euphoria.TypeNickReply, map[string]string{"to": "bridge"})
	whoCmd := rc.expect(t, euphoria.TypeWho)
	rc.reply(t, whoCmd, euphoria.TypeWhoReply, euphoria.WhoReply{Listing: listing})
	return rc
}

// joinInstant completes the bridge's instant login and consumes its nick
// announcement.
func (h *bridgeHarness) joinInstant(t *testing.T) *serverConn {
	t.Helper()

	sc := h.inst.accept(t)
	sc.sendEvent(t, instant.TypeIdentity, instant.IdentityData{ID: "bridge-session-b"})

	nickEnv := sc.expect(t, instant.TypeBroadcast)
	var nd instant.NickData
	decodeInto(t, nickEnv.Data, &nd)
	if nd.Type != instant.DataNick || nd.Nick != "bridge" {
		t.Fatalf("instant join announcement = %+v, want nick %q", nd, "bridge")
	}
	return sc
}

// acceptInstantSurrogate completes a surrogate login on the instant side
// and asserts the announced nick.
func (h *bridgeHarness) acceptInstantSurrogate(t *testing.T, session, wantNick string) *serverConn {
	t.Helper()

	sc := h.inst.accept(t)
	sc.sendEvent(t, instant.TypeIdentity, instant.IdentityData{ID: session})

	nickEnv := sc.expect(t, instant.TypeBroadcast)
	var nd instant.NickData
	decodeInto(t, nickEnv.Data, &nd)
	if nd.Type != instant.DataNick || nd.Nick != wantNick {
		t.Fatalf("surrogate announced %+v, want nick %q", nd, wantNick)
	}
	return sc
}

// acceptEuphoriaSurrogate completes a surrogate room join on the euphoria
// side and asserts the claimed nick.
func (h *bridgeHarness) acceptEuphoriaSurrogate(t *testing.T, session, wantNick string) *roomConn {
	t.Helper()

	rc := h.heim.accept(t)
	rc.sendEvent(t, euphoria.TypeHelloEvent, euphoria.HelloEvent{
		Session: euphoria.SessionView{SessionID: session},
	})
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{SessionID: session})

	nickCmd := rc.expect(t, euphoria.TypeNick)
	var nc euphoria.NickCommand
	decodeInto(t, nickCmd.Data, &nc)
	if nc.Name != wantNick {
		t.Fatalf("surrogate claimed %q, want %q", nc.Name, wantNick)
	}
	rc.reply(t, nickCmd, euphoria.TypeNickReply, map[string]string{"to": wantNick})
	return rc
}

// waitMapping polls the store until the id pair lands or the deadline
// passes.
func waitMapping(t *testing.T, st *store.Store, side store.Side, id, want string) {
	t.Helper()

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		got, err := st.TranslateID(side, id, false)
		if err == nil && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("mapping for %s %q never reached %q", side, id, want)
}

// -------------------------------------------------------------------------
// TestBridgeRelaysBothWays — full loop: presence, relay, acks, threading
// -------------------------------------------------------------------------

func TestBridgeRelaysBothWays(t *testing.T) {
	h := startBridge(t)

	lyra := euphoria.SessionView{ID: "agent:lyra", Name: "lyra", ServerID: "h1", ServerEra: "e1", SessionID: "s-lyra"}
	hb := h.joinEuphoria(t, lyra)
	ib := h.joinInstant(t)

	// Listing lyra on euphoria spawns her instant surrogate.
	lyraSur := h.acceptInstantSurrogate(t, "sur-lyra", "lyra")

	// euphoria -> instant.
	hb.sendEvent(t, euphoria.TypeSendEvent, euphoria.Message{
		ID:      "01abc",
		Time:    1700000000,
		Sender:  lyra,
		Content: "hi instant",
	})

	postEnv := lyraSur.expect(t, instant.TypeBroadcast)
	var post instant.PostData
	decodeInto(t, postEnv.Data, &post)
	if post.Type != instant.DataPost || post.Nick != "lyra" || post.Text != "hi instant" {
		t.Errorf("relayed post = %+v", post)
	}
	if post.Parent != "" {
		t.Errorf("relayed parent = %q, want none", post.Parent)
	}
	lyraSur.reply(t, postEnv, "000574FBDE700001")
	waitMapping(t, h.st, store.SideEuphoria, "01abc", "000574FBDE700001")

	// The server echoes the surrogate's post at the bridge's own
	// connection. The ignored session must not bounce it back around the
	// loop; a leak would dial a euphoria surrogate for sur-lyra and show
	// up as the wrong nick below.
	ib.sendMessage(t, instant.TypeBroadcast, "000574FBDE700001", "sur-lyra", instant.PostData{
		Type: instant.DataPost, Nick: "lyra", Text: "hi instant",
	})

	// instant -> euphoria.
	ib.sendEvent(t, instant.TypeJoined, instant.PresenceData{ID: "u-xan"})
	ib.sendMessage(t, instant.TypeBroadcast, "", "u-xan", instant.NickData{
		Type: instant.DataNick, Nick: "xan",
	})

	xanSur := h.acceptEuphoriaSurrogate(t, "sur-xan", "xan")

	ib.sendMessage(t, instant.TypeBroadcast, "000574FBDE700002", "u-xan", instant.PostData{
		Type: instant.DataPost, Nick: "xan", Text: "hi euphoria",
	})

	sendCmd := xanSur.expect(t, euphoria.TypeSend)
	var send euphoria.SendCommand
	decodeInto(t, sendCmd.Data, &send)
	if send.Content != "hi euphoria" || send.Parent != "" {
		t.Errorf("relayed send = %+v", send)
	}
	xanSur.reply(t, sendCmd, euphoria.TypeSendReply, euphoria.Message{ID: "01def"})
	waitMapping(t, h.st, store.SideEuphoria, "01def", "000574FBDE700002")

	// A euphoria reply to the mirrored message threads under the instant
	// original.
	hb.sendEvent(t, euphoria.TypeSendEvent, euphoria.Message{
		ID:      "01ghi",
		Parent:  "01def",
		Time:    1700000300,
		Sender:  lyra,
		Content: "good to see you",
	})

	replyEnv := lyraSur.expect(t, instant.TypeBroadcast)
	decodeInto(t, replyEnv.Data, &post)
	if post.Parent != "000574FBDE700002" {
		t.Errorf("reply parent = %q, want %q", post.Parent, "000574FBDE700002")
	}
	if post.Text != "good to see you" {
		t.Errorf("reply text = %q", post.Text)
	}
	lyraSur.reply(t, replyEnv, "000574FBDE700003")

	// And the same thread followed from the instant side.
	ib.sendMessage(t, instant.TypeBroadcast, "000574FBDE700004", "u-xan", instant.PostData{
		Type: instant.DataPost, Nick: "xan", Text: "likewise", Parent: "000574FBDE700001",
	})

	threadCmd := xanSur.expect(t, euphoria.TypeSend)
	decodeInto(t, threadCmd.Data, &send)
	if send.Parent != "01abc" {
		t.Errorf("thread parent = %q, want %q", send.Parent, "01abc")
	}
	if send.Content != "likewise" {
		t.Errorf("thread text = %q", send.Content)
	}
	xanSur.reply(t, threadCmd, euphoria.TypeSendReply, euphoria.Message{ID: "01jkl"})
	waitMapping(t, h.st, store.SideEuphoria, "01jkl", "000574FBDE700004")
}

// -------------------------------------------------------------------------
// TestBridgePartsCloseSurrogates — departures tear down impersonation
// -------------------------------------------------------------------------

func TestBridgePartsCloseSurrogates(t *testing.T) {
	h := startBridge(t)

	lyra := euphoria.SessionView{ID: "agent:lyra", Name: "lyra", ServerID: "h1", ServerEra: "e1", SessionID: "s-lyra"}
	hb := h.joinEuphoria(t, lyra)
	ib := h.joinInstant(t)

	lyraSur := h.acceptInstantSurrogate(t, "sur-lyra", "lyra")

	ib.sendEvent(t, instant.TypeJoined, instant.PresenceData{ID: "u-xan"})
	ib.sendMessage(t, instant.TypeBroadcast, "", "u-xan", instant.NickData{
		Type: instant.DataNick, Nick: "xan",
	})
	xanSur := h.acceptEuphoriaSurrogate(t, "sur-xan", "xan")

	// lyra leaves euphoria; her instant surrogate hangs up.
	hb.sendEvent(t, euphoria.TypePartEvent, lyra)
	lyraSur.waitClosed(t)

	// xan leaves instant; his euphoria surrogate hangs up.
	ib.sendEvent(t, instant.TypeLeft, instant.PresenceData{ID: "u-xan"})
	xanSur.waitClosed(t)
}

// -------------------------------------------------------------------------
// TestBridgeHelpCommand — bridge-authored posts land on both platforms
// -------------------------------------------------------------------------

func TestBridgeHelpCommand(t *testing.T) {
	h := startBridge(t)

	lyra := euphoria.SessionView{ID: "agent:lyra", Name: "lyra", ServerID: "h1", ServerEra: "e1", SessionID: "s-lyra"}
	hb := h.joinEuphoria(t, lyra)
	ib := h.joinInstant(t)

	lyraSur := h.acceptInstantSurrogate(t, "sur-lyra", "lyra")

	hb.sendEvent(t, euphoria.TypeSendEvent, euphoria.Message{
		ID:      "01cmd",
		Time:    1700000000,
		Sender:  lyra,
		Content: "!help @bridge",
	})

	// The bridge answers on the origin side, threaded under the command.
	helpCmd := hb.expect(t, euphoria.TypeSend)
	var send euphoria.SendCommand
	decodeInto(t, helpCmd.Data, &send)
	if send.Parent != "01cmd" {
		t.Errorf("help parent = %q, want %q", send.Parent, "01cmd")
	}
	if !strings.Contains(send.Content, "space") || !strings.Contains(send.Content, "bridgetest") {
		t.Errorf("help text %q does not name both rooms", send.Content)
	}
	hb.reply(t, helpCmd, euphoria.TypeSendReply, euphoria.Message{ID: "01help"})

	// The command itself mirrors like any message; its ack gives the far
	// side a parent to thread the help answer under.
	cmdEnv := lyraSur.expect(t, instant.TypeBroadcast)
	var post instant.PostData
	decodeInto(t, cmdEnv.Data, &post)
	if post.Text != "!help @bridge" {
		t.Errorf("mirrored command = %q", post.Text)
	}
	lyraSur.reply(t, cmdEnv, "000574FBDE700010")

	helpEnv := ib.expect(t, instant.TypeBroadcast)
	decodeInto(t, helpEnv.Data, &post)
	if post.Type != instant.DataPost || post.Nick != "bridge" {
		t.Errorf("far-side help = %+v, want a bridge post", post)
	}
	if post.Parent != "000574FBDE700010" {
		t.Errorf("far-side help parent = %q, want %q", post.Parent, "000574FBDE700010")
	}
	ib.reply(t, helpEnv, "000574FBDE700011")

	// Both acks in, the two help messages map to each other.
	waitMapping(t, h.st, store.SideEuphoria, "01help", "000574FBDE700011")
}
