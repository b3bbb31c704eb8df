// Package testing switches the process into test mode when imported, so
// handler tests never reach the queue or the database. It must not import
// internal packages: handler tests in those packages import it.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

const (
	testModeEnv = "ODYSSEY_TEST_MODE"
	dispatchEnv = "CLOSING_DISPATCH"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
		if _, ok := os.LookupEnv(dispatchEnv); !ok {
			_ = os.Setenv(dispatchEnv, "inline")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
