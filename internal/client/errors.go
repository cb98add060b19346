package client

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is matched by every RejectionError.
	ErrRejected = errors.New("rejected by server")
	// ErrNoSession is returned by operations that need a joined session.
	ErrNoSession = errors.New("not in a session")
	// ErrAlreadyJoined is returned when handshaking a second time.
	ErrAlreadyJoined = errors.New("already in a session")
	// ErrConnectionLost is returned once the server connection is gone.
	ErrConnectionLost = errors.New("connection lost")
	// ErrPlayerNotFound is returned when waiting on an unknown player.
	ErrPlayerNotFound = errors.New("player not found")
)

// RejectionError is a createSessionFailed or joinSessionFailed reply.
type RejectionError struct {
	// Op is the handshake that failed, createSession or joinSession.
	Op string
	// Reason is the wire reason. It may be empty for failures without one,
	// such as invalid options.
	Reason  string
	Message string

	sentinel error
}

func (e *RejectionError) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("%s rejected: %s (%s)", e.Op, e.Reason, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
	default:
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
	}
}

// Unwrap exposes ErrRejected and, for known reasons, the matching session
// sentinel such as session.ErrSessionFull.
func (e *RejectionError) Unwrap() []error {
	if e.sentinel == nil {
		return []error{ErrRejected}
	}
	return []error{ErrRejected, e.sentinel}
}
