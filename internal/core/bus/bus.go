// Package bus routes messages between a session's transports and its local
// subscribers.
//
// Every inbound message is handled twice: it is published to local
// subscribers (the session and its players) and it is distributed to the
// other transports joined to the bus according to its addressing directive.
// The filter chain only governs the second half. A Bus is owned by a loop and
// is not safe for concurrent use.
package bus

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/router"
)

// ErrSocketClosed may be returned by Socket implementations writing to a
// transport that is already gone.
var ErrSocketClosed = errors.New("socket closed")

// Socket is one transport joined to the bus. Its identity is the id of the
// player it carries.
type Socket interface {
	ID() string
	// Send delivers msg reliably or fails.
	Send(msg messaging.Message) error
	// SendVolatile delivers msg if the transport has room for it.
	SendVolatile(msg messaging.Message) error
}

// Filter inspects a message before it is distributed. Returning true drops
// the message. A filter may modify msg in place to change what is forwarded.
// origin is nil for locally originated messages.
type Filter func(msg *messaging.Message, origin Socket) bool

// Mode selects how a bus distributes messages.
type Mode int

const (
	// ModeHub resolves addressing itself and forwards inbound messages to the
	// other transports. This is the server side.
	ModeHub Mode = iota
	// ModeUpstream sends every outbound message, routing fields intact, to
	// its transports (the connection to the server) and never forwards
	// inbound messages. This is the client side.
	ModeUpstream
)

// Bus combines a content router with transport distribution.
type Bus struct {
	log  zerolog.Logger
	mode Mode

	router  router.Router[messaging.Message]
	sockets []Socket
	filters []Filter
}

// Option configures a Bus.
type Option func(*Bus)

// WithMode sets the distribution mode. The default is ModeHub.
func WithMode(m Mode) Option {
	return func(b *Bus) { b.mode = m }
}

// WithFilters appends filters to the chain.
func WithFilters(filters ...Filter) Option {
	return func(b *Bus) { b.filters = append(b.filters, filters...) }
}

// New creates an empty bus.
func New(log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{log: log}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddFilter appends f to the filter chain.
func (b *Bus) AddFilter(f Filter) {
	if f == nil {
		return
	}
	b.filters = append(b.filters, f)
}

// AddSocket joins s to the bus. A socket whose id is already joined replaces
// the previous one.
func (b *Bus) AddSocket(s Socket) {
	b.detach(s.ID())
	b.sockets = append(b.sockets, s)
}

// Socket returns the joined socket with the given id.
func (b *Bus) Socket(id string) (Socket, bool) {
	for _, s := range b.sockets {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Sockets returns the number of joined sockets.
func (b *Bus) Sockets() int {
	return len(b.sockets)
}

// SocketClosed handles the loss of a transport: s is detached, so nothing more
// is accepted from or sent to it, and a synthetic disconnect message carrying
// its id is published locally. Closing an unknown socket is a no-op.
func (b *Bus) SocketClosed(s Socket) {
	if !b.detach(s.ID()) {
		return
	}

	b.router.Publish(messaging.Message{
		Name:         messaging.NameDisconnect,
		FromInstance: s.ID(),
		FromClient:   s.ID(),
	})
}

// RemoveSocket detaches the socket with the given id without reporting a
// disconnect. It reports whether the socket was joined.
func (b *Bus) RemoveSocket(id string) bool {
	return b.detach(id)
}

func (b *Bus) detach(id string) bool {
	for i, s := range b.sockets {
		if s.ID() != id {
			continue
		}
		next := make([]Socket, 0, len(b.sockets)-1)
		next = append(next, b.sockets[:i]...)
		next = append(next, b.sockets[i+1:]...)
		b.sockets = next
		return true
	}
	return false
}

// Register calls fn for every message named name sent by instance.
func (b *Bus) Register(name, instance string, fn func(messaging.Message)) (router.Token, error) {
	return b.router.Subscribe(fn, func(m messaging.Message) bool {
		return m.Is(name, instance)
	})
}

// Subscribe calls fn for every message accepted by predicate.
func (b *Bus) Subscribe(fn func(messaging.Message), predicate func(messaging.Message) bool) (router.Token, error) {
	return b.router.Subscribe(fn, predicate)
}

// Unregister removes a registration.
func (b *Bus) Unregister(tok router.Token) {
	b.router.Unsubscribe(tok)
}

// Close drops every registration and socket.
func (b *Bus) Close() {
	b.router.UnsubscribeAll()
	b.sockets = nil
}

// Send distributes a locally originated message.
func (b *Bus) Send(msg messaging.Message) {
	b.Distribute(msg, nil)
}

// Publish delivers msg to local subscribers only.
func (b *Bus) Publish(msg messaging.Message) {
	b.router.Publish(msg)
}

// HandleSocketMessage is the inbound path. In ModeHub msg is stamped with the
// origin's identity, published locally and distributed to peers. In
// ModeUpstream the server already stamped it and it is only published.
// Messages from sockets that are not joined are ignored.
func (b *Bus) HandleSocketMessage(msg messaging.Message, origin Socket) {
	if _, ok := b.Socket(origin.ID()); !ok {
		b.log.Debug().Str("socket", origin.ID()).Str("name", msg.Name).Msg("ignoring message from detached socket")
		return
	}

	if b.mode == ModeUpstream {
		b.router.Publish(msg)
		return
	}

	msg.FromClient = origin.ID()
	b.router.Publish(msg)
	b.Distribute(msg, origin)
}

// Distribute runs the filter chain and writes msg to the addressed sockets.
// Failures to reach individual sockets are logged and skipped.
func (b *Bus) Distribute(msg messaging.Message, origin Socket) {
	for _, f := range b.filters {
		if f(&msg, origin) {
			b.log.Debug().Str("name", msg.Name).Str("from", msg.FromInstance).Msg("message filtered")
			return
		}
	}

	if b.mode == ModeUpstream {
		for _, s := range b.sockets {
			b.write(s, msg, msg.Volatile)
		}
		return
	}

	volatile := msg.Volatile
	wire := msg.Wire()
	for _, s := range b.recipients(msg.ToClient, origin) {
		b.write(s, wire, volatile)
	}
}

func (b *Bus) recipients(to messaging.Recipients, origin Socket) []Socket {
	switch to.Target() {
	case messaging.TargetServer:
		return nil
	case messaging.TargetClients:
		out := make([]Socket, 0, len(to.IDs()))
		for _, s := range b.sockets {
			if to.Includes(s.ID()) {
				out = append(out, s)
			}
		}
		return out
	case messaging.TargetAllButSender:
		if origin == nil {
			return b.sockets
		}
		out := make([]Socket, 0, len(b.sockets))
		for _, s := range b.sockets {
			if s.ID() != origin.ID() {
				out = append(out, s)
			}
		}
		return out
	default:
		return b.sockets
	}
}

func (b *Bus) write(s Socket, msg messaging.Message, volatile bool) {
	var err error
	if volatile {
		err = s.SendVolatile(msg)
	} else {
		err = s.Send(msg)
	}
	if err == nil {
		return
	}

	evt := b.log.Warn()
	if volatile || errors.Is(err, ErrSocketClosed) {
		evt = b.log.Debug()
	}
	evt.Err(err).Str("socket", s.ID()).Str("name", msg.Name).Bool("volatile", volatile).Msg("send failed")
}
