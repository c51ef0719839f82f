// Package testing puts the process into test mode when imported for side
// effects from a _test.go file.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// SigningKey is the audit signing secret installed for tests that do not set one.
const SigningKey = "trustcore-test-signing-key"

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("TRUSTCORE_TEST_MODE", "1")
		if os.Getenv("AUDIT_SIGNING_KEY") == "" {
			_ = os.Setenv("AUDIT_SIGNING_KEY", SigningKey)
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
