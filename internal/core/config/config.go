// Package config handles configuration loading and validation for huddle.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"github.com/hay-kot/huddle/internal/core/session"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Path is the websocket endpoint.
	Path string `yaml:"path"`
	// AllowedOrigins are doublestar patterns matched against the Origin
	// header of websocket upgrades. Empty allows any origin.
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TransportConfig configures websocket connections.
type TransportConfig struct {
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	// SendBuffer is the number of outgoing messages queued per connection.
	SendBuffer int `yaml:"send_buffer"`
	// VolatileThreshold is the queue length above which volatile messages
	// are dropped instead of queued.
	VolatileThreshold int `yaml:"volatile_threshold"`
}

// SessionsConfig holds the defaults and limits for sessions.
type SessionsConfig struct {
	MinPlayerNeeded  int                  `yaml:"min_player_needed"`
	MaxPlayerAllowed int                  `yaml:"max_player_allowed"`
	Token            session.TokenOptions `yaml:"token"`
	// Scripts are doublestar patterns a session's script name must match.
	// Empty allows any script.
	Scripts     []string `yaml:"scripts"`
	MaxSessions int      `yaml:"max_sessions"`
}

// Defaults returns the session options applied to unset creation fields.
func (s SessionsConfig) Defaults() session.Options {
	return session.Options{
		Token:            s.Token,
		MinPlayerNeeded:  s.MinPlayerNeeded,
		MaxPlayerAllowed: s.MaxPlayerAllowed,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	sessions := session.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Path:            "/ws",
			AllowedOrigins:  []string{},
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			MaxMessageSize:    64 * 1024,
			SendBuffer:        256,
			VolatileThreshold: 64,
		},
		Sessions: SessionsConfig{
			MinPlayerNeeded:  sessions.MinPlayerNeeded,
			MaxPlayerAllowed: sessions.MaxPlayerAllowed,
			Token:            sessions.Token,
			Scripts:          []string{},
		},
	}
}

// Load reads configuration from the given path. If configPath is empty or
// doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.Path == "" {
		c.Server.Path = defaults.Server.Path
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Transport.WriteWait == 0 {
		c.Transport.WriteWait = defaults.Transport.WriteWait
	}
	if c.Transport.PongWait == 0 {
		c.Transport.PongWait = defaults.Transport.PongWait
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = defaults.Transport.MaxMessageSize
	}
	if c.Transport.SendBuffer == 0 {
		c.Transport.SendBuffer = defaults.Transport.SendBuffer
	}
	if c.Transport.VolatileThreshold == 0 {
		c.Transport.VolatileThreshold = defaults.Transport.VolatileThreshold
	}

	if c.Sessions.MinPlayerNeeded == 0 {
		c.Sessions.MinPlayerNeeded = defaults.Sessions.MinPlayerNeeded
	}
	if c.Sessions.MaxPlayerAllowed == 0 {
		c.Sessions.MaxPlayerAllowed = defaults.Sessions.MaxPlayerAllowed
	}
	if c.Sessions.Token.Func == "" {
		c.Sessions.Token = defaults.Sessions.Token
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Server.Addr == "" {
		errs = errs.Append("server.addr", fmt.Errorf("cannot be empty"))
	}
	if len(c.Server.Path) == 0 || c.Server.Path[0] != '/' {
		errs = errs.Append("server.path", fmt.Errorf("must start with /"))
	}
	for i, pattern := range c.Server.AllowedOrigins {
		if !doublestar.ValidatePattern(pattern) {
			errs = errs.Append(fmt.Sprintf("server.allowed_origins[%d]", i), fmt.Errorf("invalid pattern %q", pattern))
		}
	}

	if c.Transport.PongWait <= c.Transport.WriteWait {
		errs = errs.Append("transport.pong_wait", fmt.Errorf("must be longer than write_wait (%s)", c.Transport.WriteWait))
	}
	if c.Transport.MaxMessageSize < 1 {
		errs = errs.Append("transport.max_message_size", fmt.Errorf("must be at least 1"))
	}
	if c.Transport.SendBuffer < 1 {
		errs = errs.Append("transport.send_buffer", fmt.Errorf("must be at least 1"))
	}
	if c.Transport.VolatileThreshold < 1 || c.Transport.VolatileThreshold > c.Transport.SendBuffer {
		errs = errs.Append("transport.volatile_threshold", fmt.Errorf("must be between 1 and send_buffer (%d)", c.Transport.SendBuffer))
	}

	if c.Sessions.MaxSessions < 0 {
		errs = errs.Append("sessions.max_sessions", fmt.Errorf("cannot be negative"))
	}
	for i, pattern := range c.Sessions.Scripts {
		if !doublestar.ValidatePattern(pattern) {
			errs = errs.Append(fmt.Sprintf("sessions.scripts[%d]", i), fmt.Errorf("invalid pattern %q", pattern))
		}
	}

	if err := c.Sessions.Defaults().Validate(); err != nil {
		var optErrs criterio.FieldErrors
		if errors.As(err, &optErrs) {
			for _, fe := range optErrs {
				errs = errs.Append("sessions."+sessionField(fe.Field), fe.Err)
			}
		} else {
			errs = errs.Append("sessions", err)
		}
	}

	return errs.ToError()
}

// sessionField maps a session option name onto its config key.
func sessionField(field string) string {
	switch field {
	case "minPlayerNeeded":
		return "min_player_needed"
	case "maxPlayerAllowed":
		return "max_player_allowed"
	default:
		return field
	}
}
