// Package instant speaks the Instant chat protocol: a WebSocket carrying
// JSON envelopes routed by type, with client-assigned sequence numbers for
// request/reply correlation. Application payloads (posts, renames, log
// exchange) travel inside broadcast and unicast envelopes. The package
// provides the B-side bridge endpoint and the surrogate factory that
// impersonates remote users.
package instant

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope types. The server assigns ids to messages and echoes the
// client's seq on replies and errors.
const (
	TypeIdentity  = "identity"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeJoined    = "joined"
	TypeLeft      = "left"
	TypeReply     = "reply"
	TypeError     = "error"
	TypeBroadcast = "broadcast"
	TypeUnicast   = "unicast"
)

// Application payload types carried in Data of broadcast and unicast
// envelopes.
const (
	DataPost       = "post"
	DataNick       = "nick"
	DataWho        = "who"
	DataLogQuery   = "log-query"
	DataLogInfo    = "log-info"
	DataLogRequest = "log-request"
	DataLog        = "log"
)

// Packet is the Instant wire envelope. On incoming broadcast and unicast
// packets ID is the server-assigned message id and From the sender's
// session; Data stays raw until the payload type is known.
type Packet struct {
	Type string              `json:"type"`
	Seq  int64               `json:"seq,omitempty"`
	ID   string              `json:"id,omitempty"`
	From string              `json:"from,omitempty"`
	To   string              `json:"to,omitempty"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// IdentityData announces the connection's own session after login.
type IdentityData struct {
	ID      string `json:"id"`
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

// PresenceData names the session a joined or left envelope is about.
type PresenceData struct {
	ID string `json:"id"`
}

// PingData carries the server's next-ping deadline. The expected answer is
// a bare pong.
type PingData struct {
	Next int64 `json:"next"`
}

// ReplyData acknowledges a client envelope, carrying the message id the
// server assigned to it.
type ReplyData struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ErrorData describes a rejected envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageData is the decoded view of an application payload. Only the
// fields of the given Type are meaningful: post carries nick, text, and
// parent; nick carries nick; log-request carries from, to, and length.
type MessageData struct {
	Type   string `json:"type"`
	Nick   string `json:"nick"`
	Text   string `json:"text"`
	Parent string `json:"parent"`
	From   string `json:"from"`
	To     string `json:"to"`
	Length int    `json:"length"`
}

// PostData publishes one chat message, optionally threaded under Parent.
// Instant attaches no server-side nick to sessions, so every post carries
// the sender's current one.
type PostData struct {
	Type   string `json:"type"`
	Nick   string `json:"nick"`
	Text   string `json:"text"`
	Parent string `json:"parent,omitempty"`
}

// NickData announces the sender's display name, either as a broadcast or
// as a unicast answer to a who query.
type NickData struct {
	Type string `json:"type"`
	Nick string `json:"nick"`
}

// LogInfoData answers a log-query with the range of history the sender can
// serve: the oldest and newest message ids and the count between them.
type LogInfoData struct {
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Length int64  `json:"length"`
}

// LogData delivers a slice of history, oldest first.
type LogData struct {
	Type string       `json:"type"`
	Data []LogMessage `json:"data"`
}

// LogMessage is one history entry. Timestamp is milliseconds since the
// Unix epoch.
type LogMessage struct {
	ID        string `json:"id"`
	Parent    string `json:"parent,omitempty"`
	Nick      string `json:"nick"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
