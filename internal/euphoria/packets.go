// Package euphoria speaks the Heim chat protocol: a WebSocket carrying JSON
// packets with client-assigned ids for request/reply correlation. It
// provides the A-side bridge endpoint (the bridge's own connection, which is
// the event source for the whole platform) and the surrogate factory that
// impersonates remote users.
package euphoria

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Packet types the bridge consumes and emits. Events arrive unsolicited;
// replies carry the id of the command they answer.
const (
	TypePingEvent     = "ping-event"
	TypeHelloEvent    = "hello-event"
	TypeSnapshotEvent = "snapshot-event"
	TypeNetworkEvent  = "network-event"
	TypeNickEvent     = "nick-event"
	TypeJoinEvent     = "join-event"
	TypePartEvent     = "part-event"
	TypeSendEvent     = "send-event"

	TypeSendReply = "send-reply"
	TypeNickReply = "nick-reply"
	TypeWhoReply  = "who-reply"
	TypeLogReply  = "log-reply"

	TypePingReply = "ping-reply"
	TypeNick      = "nick"
	TypeSend      = "send"
	TypeWho       = "who"
	TypeLog       = "log"
)

// Packet is the Heim wire envelope. Data stays raw until the type is known.
type Packet struct {
	ID        string              `json:"id,omitempty"`
	Type      string              `json:"type"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
	Error     string              `json:"error,omitempty"`
	Throttled bool                `json:"throttled,omitempty"`
}

// SessionView identifies one connected session. ServerID and ServerEra form
// the partition group: a network partition invalidates every session of one
// era at once.
type SessionView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ServerID  string `json:"server_id"`
	ServerEra string `json:"server_era"`
	SessionID string `json:"session_id"`
}

// Message is one chat message. Time is seconds since the Unix epoch.
type Message struct {
	ID      string      `json:"id"`
	Parent  string      `json:"parent,omitempty"`
	Time    int64       `json:"time"`
	Sender  SessionView `json:"sender"`
	Content string      `json:"content"`
}

// PingEvent asks the client to prove liveness by echoing Time back.
type PingEvent struct {
	Time int64 `json:"time"`
	Next int64 `json:"next"`
}

// PingReply echoes a ping-event.
type PingReply struct {
	Time int64 `json:"time,omitempty"`
}

// HelloEvent announces the client's own session, before the room snapshot.
type HelloEvent struct {
	Session SessionView `json:"session"`
}

// SnapshotEvent is the room state delivered on join: who is present and the
// most recent slice of the log.
type SnapshotEvent struct {
	Identity  string        `json:"identity"`
	SessionID string        `json:"session_id"`
	Version   string        `json:"version"`
	Listing   []SessionView `json:"listing"`
	Log       []Message     `json:"log"`
}

// NetworkEvent reports server-side topology changes. Type "partition" means
// every session on (ServerID, ServerEra) is gone.
type NetworkEvent struct {
	Type      string `json:"type"`
	ServerID  string `json:"server_id"`
	ServerEra string `json:"server_era"`
}

// NickEvent reports a rename of some session.
type NickEvent struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// WhoReply lists the sessions currently joined.
type WhoReply struct {
	Listing []SessionView `json:"listing"`
}

// LogReply carries a slice of history, oldest first.
type LogReply struct {
	Log    []Message `json:"log"`
	Before string    `json:"before,omitempty"`
}

// SendCommand posts a message, optionally threaded under Parent.
type SendCommand struct {
	Content string `json:"content"`
	Parent  string `json:"parent,omitempty"`
}

// NickCommand sets the connection's display name.
type NickCommand struct {
	Name string `json:"name"`
}

// LogCommand requests the N messages preceding Before (the latest N when
// Before is empty). The result excludes Before itself.
type LogCommand struct {
	N      int    `json:"n"`
	Before string `json:"before,omitempty"`
}
