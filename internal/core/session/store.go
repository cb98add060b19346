package session

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/bus"
	"github.com/hay-kot/huddle/internal/core/player"
)

// tokenAttempts bounds the retries for generated tokens that collide with a
// live session.
const tokenAttempts = 16

// DefaultOptions are the options applied to fields a creator leaves unset.
func DefaultOptions() Options {
	return Options{
		Token:            TokenOptions{Func: TokenNumeric},
		MinPlayerNeeded:  1,
		MaxPlayerAllowed: 10,
	}
}

// Registry holds the live sessions of a server, keyed by token. It is the
// explicit context sessions are created through and is owned by the same
// loop as its sessions.
type Registry struct {
	log   zerolog.Logger
	sched player.Scheduler

	defaults    Options
	scripts     []string
	maxSessions int

	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaults sets the options applied to unset creation fields.
func WithDefaults(o Options) RegistryOption {
	return func(r *Registry) { r.defaults = o.withDefaults(DefaultOptions()) }
}

// WithScripts restricts the script names sessions may be created for to
// those matching one of the doublestar patterns. No patterns allow any
// script.
func WithScripts(patterns ...string) RegistryOption {
	return func(r *Registry) { r.scripts = slices.Clone(patterns) }
}

// WithMaxSessions caps the number of live sessions. Zero means no cap.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, sched player.Scheduler, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      log,
		sched:    sched,
		defaults: DefaultOptions(),
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a new authoritative session. A caller supplied token that is
// already live fails with ErrTokenAlreadyExists; a script name outside the
// allowlist fails with ErrScriptNameNotAllowed.
func (r *Registry) Create(opts Options) (*Session, error) {
	opts = opts.withDefaults(r.defaults)
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("create session: %w", ErrTooManySessions)
	}
	if err := r.checkScript(opts.ScriptName); err != nil {
		return nil, err
	}

	token, err := r.token(opts.Token)
	if err != nil {
		return nil, err
	}

	log := r.log.With().Str("session", token).Logger()
	b := bus.New(log, bus.WithFilters(bus.DefaultFilters()...))
	if len(opts.Filter) > 0 {
		b.AddFilter(bus.DropMessageTypes(opts.Filter...))
	}

	s, err := New(r.log, r.sched, b, Config{
		Token:   token,
		Options: opts,
		Kind:    Authoritative,
	})
	if err != nil {
		return nil, err
	}
	s.onDestroy = r.release
	r.sessions[token] = s

	r.log.Info().Str("session", token).Int("min", opts.MinPlayerNeeded).Int("max", opts.MaxPlayerAllowed).Msg("session created")
	return s, nil
}

func (r *Registry) token(o TokenOptions) (string, error) {
	if o.Static() {
		token, err := o.Generate()
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		if _, ok := r.sessions[token]; ok {
			return "", fmt.Errorf("create session %s: %w", token, ErrTokenAlreadyExists)
		}
		return token, nil
	}

	for range tokenAttempts {
		token, err := o.Generate()
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		if _, ok := r.sessions[token]; !ok {
			return token, nil
		}
	}
	return "", fmt.Errorf("create session: no free %s token after %d attempts: %w", o.Func, tokenAttempts, ErrTokenAlreadyExists)
}

func (r *Registry) checkScript(name string) error {
	if name == "" || len(r.scripts) == 0 {
		return nil
	}
	for _, pattern := range r.scripts {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			r.log.Warn().Err(err).Str("pattern", pattern).Msg("invalid script pattern")
			continue
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("create session for %q: %w", name, ErrScriptNameNotAllowed)
}

func (r *Registry) release(s *Session) {
	if cur, ok := r.sessions[s.Token()]; ok && cur == s {
		delete(r.sessions, s.Token())
		r.log.Debug().Str("session", s.Token()).Msg("token released")
	}
}

// GetByToken returns the live session with the given token.
func (r *Registry) GetByToken(token string) (*Session, error) {
	s, ok := r.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", token, ErrSessionNotFound)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Or(a.CreatedAt().Compare(b.CreatedAt()), cmp.Compare(a.Token(), b.Token()))
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Close destroys every live session.
func (r *Registry) Close() {
	for _, s := range r.List() {
		s.Destroy()
	}
}
