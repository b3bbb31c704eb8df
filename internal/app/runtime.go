package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// TestModeEnv names the variable that turns binaries into no-ops under go test.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	testModeFlag.Store(err == nil && on)
}

// InTestMode reports whether the API and worker should skip connecting to
// Postgres and Redis. The environment is read on first use.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// SetTestMode overrides the environment. Tests use it to exercise both paths.
func SetTestMode(on bool) {
	testModeOnce.Do(func() {})
	testModeFlag.Store(on)
}
