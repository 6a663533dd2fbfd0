package scheduler_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no scheduler goroutine outlives its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
