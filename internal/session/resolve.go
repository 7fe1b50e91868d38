package session

import (
	"os"

	"github.com/pvidal/gochat/internal/config"
)

const DefaultSessionName = "main"

// EnvSessionVar overrides the configured default session when set.
const EnvSessionVar = "GOCHAT_SESSION"

// Resolve determines the active session name using precedence:
// the --session flag, then $GOCHAT_SESSION, then the config file's
// default_session, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSessionVar); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
