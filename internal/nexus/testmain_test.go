package nexus_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no scheduler goroutine or surrogate outlives its
// test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
