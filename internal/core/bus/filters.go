package bus

import (
	"slices"

	"github.com/hay-kot/huddle/internal/core/messaging"
)

// ServerOnly drops messages addressed to the server.
func ServerOnly(msg *messaging.Message, _ Socket) bool {
	return msg.ToClient.Target() == messaging.TargetServer
}

// NotRelayable drops inbound messages whose sender disabled redistribution.
func NotRelayable(msg *messaging.Message, origin Socket) bool {
	return origin != nil && !msg.Relayable()
}

// DropMessageTypes drops application messages whose type is one of types.
// Other message names pass through.
func DropMessageTypes(types ...string) Filter {
	types = slices.Clone(types)
	return func(msg *messaging.Message, _ Socket) bool {
		return msg.Name == messaging.NameMessage && slices.Contains(types, msg.Type)
	}
}

// DefaultFilters returns the filters every session bus starts with.
func DefaultFilters() []Filter {
	return []Filter{ServerOnly, NotRelayable}
}
