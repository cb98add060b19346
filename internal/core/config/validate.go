package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/huddle/internal/core/session"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// ValidateDeep performs comprehensive validation of the configuration.
// Unlike Validate(), this also checks file access and the listen address.
func (c *Config) ValidateDeep(configPath string) error {
	var errs criterio.FieldErrorsBuilder

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			errs = errs.Append("config", fmt.Errorf("%s is a directory, not a file", configPath))
		} else if err != nil && !os.IsNotExist(err) {
			errs = errs.Append("config", fmt.Errorf("cannot access %s: %w", configPath, err))
		}
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = errs.Append("server.addr", fmt.Errorf("invalid listen address: %w", err))
	}

	if err := c.Validate(); err != nil {
		var fieldErrs criterio.FieldErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = errs.Append(fe.Field, fe.Err)
			}
		} else {
			errs = errs.Append("config", err)
		}
	}

	return errs.ToError()
}

// Warnings returns non-fatal issues with the configuration.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if len(c.Server.AllowedOrigins) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Server",
			Item:     "allowed_origins",
			Message:  "no origin patterns set; websocket upgrades are accepted from any origin",
		})
	}

	if len(c.Sessions.Scripts) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Sessions",
			Item:     "scripts",
			Message:  "no script patterns set; sessions may be created for any script",
		})
	}

	if c.Sessions.Token.Static() {
		warnings = append(warnings, ValidationWarning{
			Category: "Sessions",
			Item:     "token",
			Message:  fmt.Sprintf("default token func is %q; only one session can exist unless clients supply their own token", session.TokenStatic),
		})
	}

	if c.Sessions.MaxSessions == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Sessions",
			Item:     "max_sessions",
			Message:  "no session cap set",
		})
	}

	return warnings
}
