// Package debug holds the process-wide verbose-logging flag crystald and
// crystal-relay expose via -verbose/CRYSTAL_DEBUG. Middleware and other
// packages that have no direct line to main's flags consult it instead of
// threading a bool through every constructor.
package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Picks up CRYSTAL_DEBUG/CRYSTAL_LOG_LEVEL even for packages exercised
	// directly by tests, which never go through a cmd/* main.
	InitFromEnv()
}

// Enabled reports whether verbose logging is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled sets the verbose-logging flag. main calls this from -verbose.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables verbose logging if CRYSTAL_DEBUG=true or
// CRYSTAL_LOG_LEVEL=debug is set in the environment.
func InitFromEnv() {
	if os.Getenv("CRYSTAL_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("CRYSTAL_LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel sets the flag from a logrus level string, unless an
// environment variable already decided it.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("CRYSTAL_DEBUG") == "" && os.Getenv("CRYSTAL_LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
