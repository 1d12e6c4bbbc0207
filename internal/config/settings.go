package config

import (
	"errors"
	"strings"
)

// Settings are the process-level options, bound to flags and TASKLINE_*
// environment variables by the CLI.
type Settings struct {
	DSN            string
	Addr           string
	JWTSecret      string
	WebhookSecret  string
	IdentityURL    string
	IdentityAPIKey string
	WorkspaceID    string
	PolicyPath     string
	LogLevel       string
	LogJSON        bool
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return errors.New("jwt secret required (--jwt-secret or TASKLINE_JWT_SECRET)")
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("listen address required")
	}
	return nil
}
