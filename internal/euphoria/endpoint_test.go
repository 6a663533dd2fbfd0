package euphoria_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/instabridge/instabridge/internal/euphoria"
	"github.com/instabridge/instabridge/internal/nexus"
	"github.com/instabridge/instabridge/internal/scheduler"
	"github.com/instabridge/instabridge/internal/store"
)

// chanSurrogate records relayed traffic on channels so tests can block on it.
type chanSurrogate struct {
	posts   chan relayedPost
	renames chan string

	mu     sync.Mutex
	onDrop func()
}

type relayedPost struct {
	parent, text, seq string
}

func (s *chanSurrogate) SetNick(nick string) { s.renames <- nick }

func (s *chanSurrogate) SubmitPost(parent, text, seq string) {
	s.posts <- relayedPost{parent: parent, text: text, seq: seq}
}

func (s *chanSurrogate) Close() {
	s.mu.Lock()
	drop := s.onDrop
	s.onDrop = nil
	s.mu.Unlock()
	if drop != nil {
		drop()
	}
}

// chanFactory hands out chanSurrogates, becoming ready during Dial.
type chanFactory struct {
	mu    sync.Mutex
	seq   int
	posts chan relayedPost
}

func newChanFactory() *chanFactory {
	return &chanFactory{posts: make(chan relayedPost, 16)}
}

func (f *chanFactory) Dial(nick string, onReady func(sessionID string), onClose func()) (nexus.Surrogate, error) {
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()

	s := &chanSurrogate{posts: f.posts, renames: make(chan string, 16), onDrop: onClose}
	onReady(sessionID(n))
	return s, nil
}

func sessionID(n int) string {
	return "instant-session-" + string(rune('0'+n))
}

func (f *chanFactory) waitPost(t *testing.T) relayedPost {
	t.Helper()

	select {
	case p := <-f.posts:
		return p
	case <-time.After(waitFor):
		t.Fatal("no post relayed")
		return relayedPost{}
	}
}

// testNexus wires a coordinator with an in-memory store and a channel-backed
// counterpart factory.
func testNexus(t *testing.T) (*nexus.Nexus, *store.Store, *chanFactory) {
	t.Helper()

	logger := slog.Default()
	st, err := store.Open("", logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	sched := scheduler.New(logger)
	nx := nexus.New(st, sched, logger, nexus.WithRooms("space", "bridgetest"))

	cf := newChanFactory()
	nx.SetFactory(nexus.Instant, cf)

	t.Cleanup(func() {
		nx.Shutdown()
		nx.Join()
		st.Close()
	})
	return nx, st, cf
}

// -------------------------------------------------------------------------
// TestEndpointBridgesRoom — snapshot, presence, and message relay
// -------------------------------------------------------------------------

func TestEndpointBridgesRoom(t *testing.T) {
	t.Parallel()

	f := newFakeRoom(t)
	nx, _, cf := testNexus(t)

	ep := euphoria.NewEndpoint(nx, f.url(), "bridge", slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()

	rc := f.accept(t)
	rc.sendEvent(t, euphoria.TypeHelloEvent, euphoria.HelloEvent{
		Session: euphoria.SessionView{SessionID: "own-session", Name: ""},
	})
	lyra := euphoria.SessionView{ID: "agent:lyra", Name: "lyra", ServerID: "h1", ServerEra: "e1", SessionID: "s-lyra"}
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{
		SessionID: "own-session",
		Listing:   []euphoria.SessionView{lyra},
	})

	// Room join sequence: claim the nick, then ask who is present.
	nickCmd := rc.expect(t, euphoria.TypeNick)
	var nc euphoria.NickCommand
	decodeInto(t, nickCmd.Data, &nc)
	if nc.Name != "bridge" {
		t.Errorf("nick command = %q, want %q", nc.Name, "bridge")
	}
	rc.reply(t, nickCmd, euphoria.TypeNickReply, map[string]string{"to": "bridge"})

	whoCmd := rc.expect(t, euphoria.TypeWho)
	rc.reply(t, whoCmd, euphoria.TypeWhoReply, euphoria.WhoReply{Listing: []euphoria.SessionView{lyra}})

	// A message from a listed user relays without the join delay.
	rc.sendEvent(t, euphoria.TypeSendEvent, euphoria.Message{
		ID:      "01abc",
		Time:    1700000000,
		Sender:  lyra,
		Content: "hi instant",
	})

	post := cf.waitPost(t)
	if post.text != "hi instant" {
		t.Errorf("relayed text = %q, want %q", post.text, "hi instant")
	}
	if post.parent != "" {
		t.Errorf("relayed parent = %q, want none", post.parent)
	}
	if post.seq != "euphoria:01abc" {
		t.Errorf("relayed seq = %q, want %q", post.seq, "euphoria:01abc")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run never returned")
	}
}

// -------------------------------------------------------------------------
// TestEndpointSubmitPostAcks — the home bot posts and records the mapping
// -------------------------------------------------------------------------

func TestEndpointSubmitPostAcks(t *testing.T) {
	t.Parallel()

	f := newFakeRoom(t)
	nx, st, _ := testNexus(t)

	ep := euphoria.NewEndpoint(nx, f.url(), "bridge", slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rc := f.accept(t)
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{})
	rc.expect(t, euphoria.TypeNick)
	rc.expect(t, euphoria.TypeWho)

	ep.SubmitPost("", "maintenance window at noon", "instant:000574FBDE700001")

	cmd := rc.expect(t, euphoria.TypeSend)
	var sc euphoria.SendCommand
	decodeInto(t, cmd.Data, &sc)
	if sc.Content != "maintenance window at noon" {
		t.Errorf("posted content = %q", sc.Content)
	}
	if sc.Parent != "" {
		t.Errorf("posted parent = %q, want none", sc.Parent)
	}
	rc.reply(t, cmd, euphoria.TypeSendReply, euphoria.Message{ID: "01landed"})

	waitMapping(t, st, store.SideEuphoria, "01landed", "000574FBDE700001")
}

// -------------------------------------------------------------------------
// TestEndpointQueryLogs — history requests decode into neutral messages
// -------------------------------------------------------------------------

func TestEndpointQueryLogs(t *testing.T) {
	t.Parallel()

	f := newFakeRoom(t)
	nx, _, _ := testNexus(t)

	ep := euphoria.NewEndpoint(nx, f.url(), "bridge", slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rc := f.accept(t)
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{})
	rc.expect(t, euphoria.TypeNick)
	rc.expect(t, euphoria.TypeWho)

	got := make(chan []nexus.HistoryMessage, 1)
	ep.QueryLogs("01ffff", 20, func(msgs []nexus.HistoryMessage, err error) {
		if err != nil {
			t.Errorf("QueryLogs error: %v", err)
		}
		got <- msgs
	})

	cmd := rc.expect(t, euphoria.TypeLog)
	var lc euphoria.LogCommand
	decodeInto(t, cmd.Data, &lc)
	if lc.N != 20 || lc.Before != "01ffff" {
		t.Errorf("log command = {n: %d, before: %q}, want {20, 01ffff}", lc.N, lc.Before)
	}
	rc.reply(t, cmd, euphoria.TypeLogReply, euphoria.LogReply{
		Log: []euphoria.Message{
			{ID: "01aa", Time: 1700000100, Sender: euphoria.SessionView{Name: "lyra"}, Content: "first"},
			{ID: "01bb", Parent: "01aa", Time: 1700000200, Sender: euphoria.SessionView{Name: "xan"}, Content: "second"},
		},
		Before: "01ffff",
	})

	select {
	case msgs := <-got:
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		want := nexus.HistoryMessage{ID: "01bb", Parent: "01aa", SenderNick: "xan", Text: "second", UnixSeconds: 1700000200}
		if msgs[1] != want {
			t.Errorf("message = %+v, want %+v", msgs[1], want)
		}
	case <-time.After(waitFor):
		t.Fatal("history never delivered")
	}
}

// -------------------------------------------------------------------------
// TestFactoryLifecycle — a surrogate claims its nick, posts, and acks
// -------------------------------------------------------------------------

func TestFactoryLifecycle(t *testing.T) {
	t.Parallel()

	f := newFakeRoom(t)
	nx, st, _ := testNexus(t)

	factory := euphoria.NewFactory(nx, f.url(), slog.Default())
	ready := make(chan string, 1)
	dropped := make(chan struct{}, 1)
	sur, err := factory.Dial("xan", func(sessionID string) { ready <- sessionID }, func() { dropped <- struct{}{} })
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	rc := f.accept(t)
	rc.sendEvent(t, euphoria.TypeHelloEvent, euphoria.HelloEvent{
		Session: euphoria.SessionView{SessionID: "sur-session-1"},
	})
	rc.sendEvent(t, euphoria.TypeSnapshotEvent, euphoria.SnapshotEvent{})

	nickCmd := rc.expect(t, euphoria.TypeNick)
	var nc euphoria.NickCommand
	decodeInto(t, nickCmd.Data, &nc)
	if nc.Name != "xan" {
		t.Errorf("surrogate nick = %q, want %q", nc.Name, "xan")
	}
	rc.reply(t, nickCmd, euphoria.TypeNickReply, map[string]string{"to": "xan"})

	select {
	case sid := <-ready:
		if sid != "sur-session-1" {
			t.Errorf("ready session = %q, want sur-session-1", sid)
		}
	case <-time.After(waitFor):
		t.Fatal("surrogate never became ready")
	}

	sur.SubmitPost("", "hello over there", "instant:000574FBDE700001")
	cmd := rc.expect(t, euphoria.TypeSend)
	var sc euphoria.SendCommand
	decodeInto(t, cmd.Data, &sc)
	if sc.Content != "hello over there" {
		t.Errorf("posted content = %q", sc.Content)
	}
	rc.reply(t, cmd, euphoria.TypeSendReply, euphoria.Message{ID: "01down"})

	waitMapping(t, st, store.SideEuphoria, "01down", "000574FBDE700001")

	sur.SetNick("xan2")
	nickCmd = rc.expect(t, euphoria.TypeNick)
	decodeInto(t, nickCmd.Data, &nc)
	if nc.Name != "xan2" {
		t.Errorf("rename = %q, want %q", nc.Name, "xan2")
	}

	sur.Close()
	select {
	case <-dropped:
	case <-time.After(waitFor):
		t.Fatal("close callback never fired")
	}
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
