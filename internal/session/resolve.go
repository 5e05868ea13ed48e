package session

import (
	"os"

	"github.com/matheus3301/threadsync/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv names the environment variable consulted when no --session flag
// is given.
const SessionEnv = "THREADSYNC_SESSION"

// Resolve picks the session a command works on: the flag, then
// $THREADSYNC_SESSION, then default_session from config.toml, then "main".
// An unreadable config falls through to "main" so that commands still reach
// the default daemon.
func Resolve(flagOverride string) string {
	name, _ := ResolveWithSource(flagOverride)
	return name
}

// ResolveWithSource is Resolve, also reporting where the name came from
// ("flag", "env", "config" or "default").
func ResolveWithSource(flagOverride string) (string, string) {
	if flagOverride != "" {
		return flagOverride, "flag"
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name, "env"
	}
	if cfg, err := config.LoadOrDefault(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession, "config"
	}
	return DefaultSessionName, "default"
}
