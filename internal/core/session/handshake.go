package session

import "github.com/hay-kot/huddle/internal/core/player"

// CreateRequest is the payload of createSession: the session options plus the
// creator's own player description.
type CreateRequest struct {
	Options
	Player player.Info `json:"player"`
}

// JoinRequest is the payload of joinSession.
type JoinRequest struct {
	Token  string      `json:"token"`
	Player player.Info `json:"player"`
}

// Welcome is the payload of sessionCreated and sessionJoined. Player is the
// receiver's own player as admitted by the server.
type Welcome struct {
	Session Info        `json:"session"`
	Player  player.Info `json:"player"`
}

// Failure is the payload of createSessionFailed and joinSessionFailed. The
// machine readable reason travels in the envelope's reason field.
type Failure struct {
	Error string `json:"error"`
}
