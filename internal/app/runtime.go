package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const testModeEnv = "TRUSTCORE_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the TRUSTCORE_TEST_MODE flag once. Any value accepted
// by strconv.ParseBool enables it.
func detectTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(on)
}

// InTestMode reports whether binaries should skip connecting to Postgres,
// Redis and the job queue.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
