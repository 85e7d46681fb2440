package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STOREFLOW_TEST_MODE", "1")
		if os.Getenv("STORE_BACKEND") == "" {
			_ = os.Setenv("STORE_BACKEND", "memory")
		}
		if _, ok := os.LookupEnv("REDIS_ADDR"); !ok {
			_ = os.Setenv("REDIS_ADDR", "")
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain forces test mode so binaries return before dialing backends.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
