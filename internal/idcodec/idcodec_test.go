package idcodec_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/instabridge/instabridge/internal/idcodec"
)

// TestEuphoriaTime verifies timestamp extraction from Euphoria snowflake ids:
// the base-36 value shifted right by 22 bits is a millisecond offset from the
// Heim epoch (2014-11-30 00:00:00 UTC, unix 1417305600).
func TestEuphoriaTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want int64
	}{
		// 36^10 >> 22 == 871696100 ms past the epoch.
		{"10000000000", 1418177296100},
		// Id for exactly unix 1500000000000 ms, sequence bits zero.
		{"2mv6g99vxyio", 1500000000000},
		// The zero id decodes to the epoch itself.
		{"0", 1417305600000},
		// Sequence bits below bit 22 do not disturb the timestamp.
		{"1", 1417305600000},
	}

	for _, tt := range tests {
		got, err := idcodec.EuphoriaTime(tt.id)
		if err != nil {
			t.Errorf("EuphoriaTime(%q): unexpected error: %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EuphoriaTime(%q) = %d, want %d", tt.id, got, tt.want)
		}
	}
}

// TestEuphoriaTimeAfterEpoch verifies the boundary property that any id with
// nonzero timestamp bits decodes strictly after the epoch.
func TestEuphoriaTimeAfterEpoch(t *testing.T) {
	t.Parallel()

	epoch, err := idcodec.EuphoriaTime("0")
	if err != nil {
		t.Fatalf("EuphoriaTime(\"0\"): %v", err)
	}

	got, err := idcodec.EuphoriaTime("10000000000")
	if err != nil {
		t.Fatalf("EuphoriaTime(\"10000000000\"): %v", err)
	}

	if got <= epoch {
		t.Errorf("EuphoriaTime(\"10000000000\") = %d, want strictly greater than epoch %d", got, epoch)
	}
	if got <= 0 {
		t.Errorf("EuphoriaTime(\"10000000000\") = %d, want positive", got)
	}
}

// TestEuphoriaTimeMalformed verifies that non-base-36 input and overflowing
// input surface ErrBadEuphoriaID instead of panicking or returning garbage.
func TestEuphoriaTimeMalformed(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "not a base36 id!", "-1ab", "zzzzzzzzzzzzzz"} {
		if _, err := idcodec.EuphoriaTime(id); !errors.Is(err, idcodec.ErrBadEuphoriaID) {
			t.Errorf("EuphoriaTime(%q): error = %v, want ErrBadEuphoriaID", id, err)
		}
	}
}

// TestInstantID verifies the synthesized id layout: 16 uppercase hex digits
// encoding (unix_millis << 10) | seq.
func TestInstantID(t *testing.T) {
	t.Parallel()

	const ts = 1500000000000

	lo := idcodec.InstantID(ts, 0)
	hi := idcodec.InstantID(ts, 1023)

	if lo != "000574FBDE600000" {
		t.Errorf("InstantID(%d, 0) = %q, want 000574FBDE600000", ts, lo)
	}
	if hi != "000574FBDE6003FF" {
		t.Errorf("InstantID(%d, 1023) = %q, want 000574FBDE6003FF", ts, hi)
	}
}

// TestInstantIDWidthAndSequenceBits verifies that ids for the same timestamp
// are always exactly 16 hex digits and differ only in the low 10 bits across
// the full sequence range.
func TestInstantIDWidthAndSequenceBits(t *testing.T) {
	t.Parallel()

	const ts = 1500000000000

	base := idcodec.InstantID(ts, 0)

	for seq := range idcodec.SeqLimit {
		id := idcodec.InstantID(ts, seq)

		if len(id) != 16 {
			t.Fatalf("InstantID(%d, %d) = %q, want length 16", ts, seq, id)
		}
		if id != strings.ToUpper(id) {
			t.Fatalf("InstantID(%d, %d) = %q, want uppercase", ts, seq, id)
		}

		// The top 54 bits carry the timestamp; they must match seq=0.
		if id[:13] != base[:13] {
			t.Fatalf("InstantID(%d, %d) = %q, timestamp bits differ from %q", ts, seq, id, base)
		}
	}
}

// TestInstantTime verifies that InstantTime inverts InstantID regardless of
// the sequence slot.
func TestInstantTime(t *testing.T) {
	t.Parallel()

	const ts = 1500000000000

	for _, seq := range []int{0, 1, 511, 1023} {
		got, err := idcodec.InstantTime(idcodec.InstantID(ts, seq))
		if err != nil {
			t.Fatalf("InstantTime(InstantID(%d, %d)): %v", ts, seq, err)
		}
		if got != ts {
			t.Errorf("InstantTime(InstantID(%d, %d)) = %d, want %d", ts, seq, got, ts)
		}
	}
}

// TestInstantTimeMalformed verifies that wrong-width or non-hex input
// surfaces ErrBadInstantID.
func TestInstantTimeMalformed(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "ABC", "000574FBDE60000", "000574FBDE600000FF", "zzzzzzzzzzzzzzzz"} {
		if _, err := idcodec.InstantTime(id); !errors.Is(err, idcodec.ErrBadInstantID) {
			t.Errorf("InstantTime(%q): error = %v, want ErrBadInstantID", id, err)
		}
	}
}

// TestDecrementBase36 verifies the inclusive-to-exclusive bound adjustment
// used for Euphoria log queries, including zero-padding to the input width
// and borrow across digits.
func TestDecrementBase36(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
	}{
		{"01ab", "01aa"},
		{"10", "0z"},
		{"z", "y"},
		{"1", "0"},
		{"0010", "000z"},
	}

	for _, tt := range tests {
		got, err := idcodec.DecrementBase36(tt.id)
		if err != nil {
			t.Errorf("DecrementBase36(%q): unexpected error: %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DecrementBase36(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

// TestDecrementBase36Underflow verifies that decrementing the zero id and
// malformed input both fail with ErrBadEuphoriaID.
func TestDecrementBase36Underflow(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"0", "000", "", "!bad"} {
		if _, err := idcodec.DecrementBase36(id); !errors.Is(err, idcodec.ErrBadEuphoriaID) {
			t.Errorf("DecrementBase36(%q): error = %v, want ErrBadEuphoriaID", id, err)
		}
	}
}
