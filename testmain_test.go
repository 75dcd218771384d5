// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. The engine
// is single-threaded cooperative, so any leaked goroutine is a bug.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
