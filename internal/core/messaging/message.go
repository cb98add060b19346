// Package messaging defines the envelope exchanged between huddle peers.
package messaging

import (
	"encoding/json"
	"fmt"
)

// Reserved message names exchanged between the server and its clients.
const (
	NameDisconnect          = "disconnect"
	NameMessage             = "message"
	NamePlayerJoined        = "playerJoined"
	NamePlayerLeft          = "playerLeft"
	NameAttributesChanged   = "attributesChanged"
	NameUserDisconnect      = "user-disconnect"
	NameCreateSession       = "createSession"
	NameSessionCreated      = "sessionCreated"
	NameCreateSessionFailed = "createSessionFailed"
	NameJoinSession         = "joinSession"
	NameSessionJoined       = "sessionJoined"
	NameJoinSessionFailed   = "joinSessionFailed"
	NameChangePlayerJoining = "changePlayerJoining"
)

// Well-known values of Message.FromInstance.
const (
	// SessionInstance marks messages sent by or to the session itself rather
	// than one of its players.
	SessionInstance = "session"
	// ServerInstance marks handshake replies.
	ServerInstance = "server"
)

// Failure reasons carried by createSessionFailed and joinSessionFailed.
const (
	ReasonTokenAlreadyExists   = "tokenAlreadyExists"
	ReasonScriptNameNotAllowed = "scriptNameNotAllowed"
	ReasonSessionNotFound      = "sessionNotFound"
	ReasonSessionFull          = "sessionFull"
	ReasonJoiningDisabled      = "joiningDisabled"
)

// Message is the unit exchanged on a bus. Values are passed by copy; handlers
// must not modify the bytes behind Data.
type Message struct {
	Name         string     `json:"name"`
	FromInstance string     `json:"fromInstance"`
	FromClient   string     `json:"fromClient,omitempty"`
	ToClient     Recipients `json:"toClient,omitzero"`

	// Type names the application payload of a NameMessage envelope.
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`

	// Volatile messages may be dropped under backpressure and are never retried.
	Volatile bool `json:"volatile,omitempty"`
	// Redistribute set to false keeps an inbound message from being forwarded
	// to peers.
	Redistribute *bool `json:"redistribute,omitempty"`
}

// New builds a message whose Data is the JSON encoding of data. A nil data
// leaves Data empty.
func New(name, fromInstance string, data any) (Message, error) {
	msg := Message{Name: name, FromInstance: fromInstance}
	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", name, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals Data into v. An empty Data leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Name, err)
	}
	return nil
}

// Relayable reports whether the sender allowed the message to be forwarded.
func (m Message) Relayable() bool {
	return m.Redistribute == nil || *m.Redistribute
}

// Wire returns the message as written to a client: transport-only fields and
// routing hints are stripped.
func (m Message) Wire() Message {
	m.Volatile = false
	m.Redistribute = nil
	m.ToClient = Recipients{}
	return m
}

// Is reports whether m has the given name and sender.
func (m Message) Is(name, fromInstance string) bool {
	return m.Name == name && m.FromInstance == fromInstance
}

// Encode returns the JSON encoding of m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a JSON envelope. Messages without a name are rejected.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	if m.Name == "" {
		return Message{}, fmt.Errorf("parse message: missing name")
	}
	return m, nil
}
