// Package sysutil holds process-level helpers used at startup.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// SetLogLevel sets the global zerolog level from a config string. Anything
// zerolog.ParseLevel understands is accepted (trace, debug, info, warn,
// error, fatal, panic, disabled), plus "warning" as an alias. Unknown or
// empty values fall back to info rather than failing startup.
func SetLogLevel(lvl string) {
	s := strings.ToLower(strings.TrimSpace(lvl))
	if s == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	if s == "warning" {
		s = "warn"
	}
	parsed, err := zerolog.ParseLevel(s)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// IsTruthy reports whether an environment variable value means "enabled".
// Accepted (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, or "" when all
// are. Useful for layered defaults, e.g. env var over build-time value.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
