package nexus

import "github.com/instabridge/instabridge/internal/store"

// Platform identifies one of the two bridged chat networks.
type Platform uint8

const (
	// Euphoria is the heim-protocol side; message ids are base-36
	// snowflakes assigned by the euphoria server.
	Euphoria Platform = iota + 1

	// Instant is the instant-protocol side; message ids are 16 uppercase
	// hex digits.
	Instant
)

// String returns the lowercase platform name used in logs, metrics labels,
// and ack sequence prefixes.
func (p Platform) String() string {
	switch p {
	case Euphoria:
		return "euphoria"
	case Instant:
		return "instant"
	default:
		return "unknown"
	}
}

// Opposite returns the other platform.
func (p Platform) Opposite() Platform {
	if p == Euphoria {
		return Instant
	}
	return Euphoria
}

// side maps the platform onto the store's column selector.
func (p Platform) side() store.Side {
	if p == Euphoria {
		return store.SideEuphoria
	}
	return store.SideInstant
}

// identityPrefix distinguishes pool keys of the two platforms' users.
func (p Platform) identityPrefix() string {
	if p == Euphoria {
		return "e"
	}
	return "i"
}

// Group is the partition key euphoria sessions carry: the server instance
// and era that vouch for the session. A network partition invalidates every
// session of one (ServerID, Era) pair at once. The zero Group means none.
type Group struct {
	ServerID string
	Era      string
}

// UserRef names one remote session in Nexus calls.
type UserRef struct {
	// Platform the session lives on.
	Platform Platform

	// SessionID is the platform-scoped session identifier.
	SessionID string

	// Nick, when non-empty, updates the user's display name and queues a
	// rename for the surrogate.
	Nick string

	// Group, when non-zero, updates the user's partition key.
	Group Group
}

// Message is one chat message observed on a platform, as handed to
// HandleMessage by a bridge endpoint. Text is in the origin platform's
// encoding; the Nexus transcodes it for the other side.
type Message struct {
	Origin     Platform
	ID         string
	Parent     string
	SenderID   string
	SenderNick string
	Text       string
}

// Surrogate is one impersonator connection, as produced by a
// SurrogateFactory. Calls must not block: implementations enqueue onto the
// connection's write pump.
type Surrogate interface {
	// SetNick renames the surrogate.
	SetNick(nick string)

	// SubmitPost sends a message threaded under parent ("" for top level),
	// stamped with seq for ack correlation.
	SubmitPost(parent, text, seq string)

	// Close tears the connection down. Idempotent.
	Close()
}

// SurrogateFactory dials surrogate connections on one platform. Dial
// returns immediately and the connection proceeds in the background:
// onReady is invoked once with the surrogate's own session id after login,
// onClose once when the connection dies for any reason after Dial returned.
type SurrogateFactory interface {
	Dial(nick string, onReady func(sessionID string), onClose func()) (Surrogate, error)
}

// HomeBot is the bridge's own persistent connection on one platform, used
// for messages the bridge authors itself (command replies).
type HomeBot interface {
	SubmitPost(parent, text, seq string)
}

// HistoryMessage is one message from a platform's server-side log.
type HistoryMessage struct {
	ID          string
	Parent      string
	SenderNick  string
	Text        string
	UnixSeconds int64
}

// HistorySource serves server-side message history for one platform.
// QueryLogs fetches up to n messages ending at the given id (the latest
// messages when before is empty), delivering them oldest-first to cb.
type HistorySource interface {
	QueryLogs(before string, n int, cb func(msgs []HistoryMessage, err error))
}

// LogEntry is one history message translated into the requesting platform's
// id space and text encoding, ready for serialization by the endpoint.
type LogEntry struct {
	ID          string
	Parent      string
	Nick        string
	Text        string
	TimestampMS int64
}

// MetricsReporter receives nexus instrumentation. Implemented by the
// metrics collector; a no-op implementation is used when none is attached.
type MetricsReporter interface {
	IncRelayed(origin string)
	IncDropped(reason string)
	SurrogateSpawned(platform string)
	SurrogateClosed(platform string)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncRelayed(string) {}

func (noopMetrics) IncDropped(string) {}

func (noopMetrics) SurrogateSpawned(string) {}

func (noopMetrics) SurrogateClosed(string) {}
