package logging

import (
	"os"
	"strings"
	"sync/atomic"
)

var verboseEnabled atomic.Bool

func init() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE_LOGGING"))) {
	case "1", "true", "yes", "on":
		verboseEnabled.Store(true)
	}
}

// VerboseEnabled returns whether verbose logging is enabled.
// This is used to gate request/response snippet capture in hot paths.
func VerboseEnabled() bool {
	return verboseEnabled.Load()
}

// SetVerboseEnabled updates the verbose logging toggle at runtime.
func SetVerboseEnabled(enabled bool) {
	verboseEnabled.Store(enabled)
}
