package session

import (
	"errors"

	"github.com/hay-kot/huddle/internal/core/messaging"
)

// Sentinel errors for session operations.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionFull          = errors.New("session full")
	ErrJoiningDisabled      = errors.New("joining disabled")
	ErrTokenAlreadyExists   = errors.New("token already exists")
	ErrScriptNameNotAllowed = errors.New("script name not allowed")
	ErrDestroyed            = errors.New("session destroyed")
	ErrPlayerExists         = errors.New("player already joined")
	ErrTooManySessions      = errors.New("too many sessions")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrTokenAlreadyExists, messaging.ReasonTokenAlreadyExists},
	{ErrScriptNameNotAllowed, messaging.ReasonScriptNameNotAllowed},
	{ErrSessionNotFound, messaging.ReasonSessionNotFound},
	{ErrSessionFull, messaging.ReasonSessionFull},
	{ErrJoiningDisabled, messaging.ReasonJoiningDisabled},
}

// Reason returns the wire reason for a create or join failure. Errors
// without a wire reason map to the empty string.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// ReasonError returns the sentinel error for a wire reason, or nil if the
// reason is unknown.
func ReasonError(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}
