package up7

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete; the
// harness's dispatcher goroutines must drain when the peer connection
// closes.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
