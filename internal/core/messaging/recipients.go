package messaging

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Target is the kind of an addressing directive.
type Target int

const (
	// TargetAll addresses every client in the session.
	TargetAll Target = iota
	// TargetAllButSender addresses every client except the one the message
	// came from.
	TargetAllButSender
	// TargetServer addresses the server only; such messages are never
	// forwarded.
	TargetServer
	// TargetClients addresses an explicit set of clients.
	TargetClients
)

// Wire spellings of the addressing directives.
const (
	wireAll          = "all"
	wireAllButMyself = "all-but-myself"
	wireAllButSender = "all-but-sender"
	wireServer       = "server"
)

// Recipients is the toClient addressing directive of a message. The zero
// value addresses everyone.
type Recipients struct {
	target Target
	ids    []string
}

var (
	// All addresses every client.
	All = Recipients{target: TargetAll}
	// AllButSender addresses every client except the sender.
	AllButSender = Recipients{target: TargetAllButSender}
	// Server addresses the server only.
	Server = Recipients{target: TargetServer}
)

// To addresses exactly the given client ids.
func To(ids ...string) Recipients {
	return Recipients{target: TargetClients, ids: slices.Clone(ids)}
}

// Target returns the kind of directive.
func (r Recipients) Target() Target {
	return r.target
}

// IDs returns the explicit recipient ids of a TargetClients directive.
func (r Recipients) IDs() []string {
	return slices.Clone(r.ids)
}

// Includes reports whether id is one of the explicit recipients.
func (r Recipients) Includes(id string) bool {
	return slices.Contains(r.ids, id)
}

// IsZero reports whether r is the default directive.
func (r Recipients) IsZero() bool {
	return r.target == TargetAll && len(r.ids) == 0
}

func (r Recipients) String() string {
	switch r.target {
	case TargetAllButSender:
		return wireAllButSender
	case TargetServer:
		return wireServer
	case TargetClients:
		return "[" + strings.Join(r.ids, ",") + "]"
	default:
		return wireAll
	}
}

// MarshalJSON implements json.Marshaler.
func (r Recipients) MarshalJSON() ([]byte, error) {
	switch r.target {
	case TargetAllButSender:
		return json.Marshal(wireAllButMyself)
	case TargetServer:
		return json.Marshal(wireServer)
	case TargetClients:
		ids := r.ids
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	default:
		return json.Marshal(wireAll)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Both "all-but-myself" and
// "all-but-sender" are accepted.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = All
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "", wireAll:
			*r = All
		case wireAllButMyself, wireAllButSender:
			*r = AllButSender
		case wireServer:
			*r = Server
		default:
			// A lone id is shorthand for a one-element list.
			*r = To(s)
		}
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("toClient must be a directive or a list of ids: %w", err)
	}
	*r = To(ids...)
	return nil
}
