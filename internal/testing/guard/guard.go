// Package guard flips the binaries into test mode when imported for side
// effects, so packages under cmd/ can be tested without dialing Postgres or
// Redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PARAHUB_TEST_MODE") == "" {
			_ = os.Setenv("PARAHUB_TEST_MODE", "1")
		}
	})
}
