// Package testing switches binaries and handlers into test mode when imported
// for side effects.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// testEnv is applied to variables the caller has not set. The memory driver keeps
// handler tests off Postgres.
var testEnv = map[string]string{
	"EVENTSITE_TEST_MODE": "1",
	"DOCSTORE_DRIVER":     "memory",
}

var once sync.Once

func applyTestEnv() {
	once.Do(func() {
		for key, value := range testEnv {
			if _, set := os.LookupEnv(key); key == "EVENTSITE_TEST_MODE" || !set {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	applyTestEnv()
}

// TestMain runs m with the test environment applied.
func TestMain(m *stdtesting.M) {
	applyTestEnv()
	os.Exit(m.Run())
}
