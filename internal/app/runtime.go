package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const testModeEnv = "EVENTSITE_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(err == nil && on)
}

// InTestMode reports whether binaries should skip connecting to Postgres, Redis and SMTP.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads EVENTSITE_TEST_MODE after the environment changed.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
