// Package idcodec converts between the message-identifier formats of the two
// bridged platforms.
//
// Euphoria (Heim) message ids are base-36 snowflakes: the value shifted right
// by 22 bits is a millisecond offset from the Heim epoch (2014-11-30 00:00:00
// UTC). Instant message ids are 16-digit uppercase hex strings encoding
// (unix_millis << 10) | sequence, with a 10-bit per-millisecond sequence.
//
// The bridge synthesizes Instant counterparts for Euphoria messages by
// reusing the Euphoria timestamp and claiming a free sequence slot; the
// reverse direction is impossible (Euphoria ids are assigned server-side)
// and is rejected by the message store.
package idcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// euphoriaEpochMS is the Heim snowflake epoch (2014-11-30 00:00:00 UTC) in
// milliseconds since the Unix epoch.
const euphoriaEpochMS = 1417305600000

// SeqLimit is the number of sequence slots per millisecond in an Instant id.
// Synthesized ids scan the sequence downward from SeqLimit-1 so that they
// collide with organically assigned ids (which count upward from 0) as late
// as possible.
const SeqLimit = 1024

var (
	// ErrBadEuphoriaID indicates a string that is not a valid base-36
	// Euphoria message id.
	ErrBadEuphoriaID = errors.New("malformed euphoria id")

	// ErrBadInstantID indicates a string that is not a valid 16-digit hex
	// Instant message id.
	ErrBadInstantID = errors.New("malformed instant id")
)

// EuphoriaTime extracts the timestamp of a Euphoria message id as
// milliseconds since the Unix epoch.
func EuphoriaTime(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 36, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("parse %q: %w", id, ErrBadEuphoriaID)
	}

	return (v >> 22) + euphoriaEpochMS, nil
}

// InstantID builds an Instant message id from a millisecond Unix timestamp
// and a sequence slot. The result is always exactly 16 uppercase hex digits.
// seq values outside [0, SeqLimit) are masked into range.
func InstantID(unixMS int64, seq int) string {
	v := uint64(unixMS)<<10 | uint64(seq)&(SeqLimit-1)

	return fmt.Sprintf("%016X", v)
}

// InstantTime extracts the timestamp of an Instant message id as milliseconds
// since the Unix epoch.
func InstantTime(id string) (int64, error) {
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil || len(id) != 16 {
		return 0, fmt.Errorf("parse %q: %w", id, ErrBadInstantID)
	}

	return int64(v >> 10), nil
}

// DecrementBase36 returns the Euphoria id immediately preceding id,
// zero-padded to the width of the input. Euphoria's log API treats the upper
// bound as inclusive, so callers that need a strict "older than" query
// decrement the bound first.
//
// Decrementing the zero id underflows and returns ErrBadEuphoriaID.
func DecrementBase36(id string) (string, error) {
	v, err := strconv.ParseInt(id, 36, 64)
	if err != nil || v <= 0 {
		return "", fmt.Errorf("decrement %q: %w", id, ErrBadEuphoriaID)
	}

	s := strconv.FormatInt(v-1, 36)
	if len(s) < len(id) {
		s = strings.Repeat("0", len(id)-len(s)) + s
	}

	return s, nil
}
