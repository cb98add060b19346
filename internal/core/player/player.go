// Package player implements the participant shared by both ends of a session.
//
// A Player is one connected device. The server holds a Player for every
// socket joined to a session and each client holds a mirror of every
// participant it has been told about. Both sides run the same code: the
// player's attribute bag is replicated over the bus as attributesChanged
// messages and application payloads travel on the player's channel as
// message envelopes.
package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/attrs"
	"github.com/hay-kot/huddle/internal/core/event"
	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/router"
)

var (
	// ErrDisconnected is returned for operations on a player whose transport
	// is gone.
	ErrDisconnected = errors.New("player disconnected")
	// ErrWaitTimeout is passed to WaitAttribute callbacks when the attribute
	// did not appear in time.
	ErrWaitTimeout = errors.New("timed out waiting for attribute")
)

// Role is the kind of device a player is. It is metadata only: presenters
// count towards session limits like any other player.
type Role string

const (
	RolePlayer    Role = "player"
	RolePresenter Role = "presenter"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePlayer || r == RolePresenter
}

// Info is the wire form of a player, carried by playerJoined and the
// handshake replies.
type Info struct {
	ID         string    `json:"id"`
	Number     int       `json:"number"`
	Role       Role      `json:"role"`
	Attributes attrs.Bag `json:"attributes,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
}

// Bus is the part of the message bus a player needs. *bus.Bus satisfies it.
type Bus interface {
	Register(name, instance string, fn func(messaging.Message)) (router.Token, error)
	Unregister(tok router.Token)
	Send(msg messaging.Message)
}

// Scheduler is the loop a player lives on. *loop.Loop satisfies it.
type Scheduler interface {
	Defer(fn func())
	AfterFunc(d time.Duration, fn func()) *loop.Timer
}

// Change is an attribute change of a player.
type Change struct {
	attrs.Changeset
	// Remote is set when the change was received from a peer rather than
	// made locally.
	Remote bool
}

// Message is an application payload received on a player's channel.
type Message struct {
	Type string
	Data []byte
	// From is the id of the client the message came from. It is empty for
	// messages originated by the server.
	From string
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return messaging.Message{Name: messaging.NameMessage, Data: m.Data}.Decode(v)
}

// Events are the typed events of a player.
type Events struct {
	AttributesChanged event.Emitter[Change]
	Message           event.Emitter[Message]
	Disconnected      event.Emitter[Info]
}

// Player is a participant of a session. It is owned by its session's loop.
type Player struct {
	log   zerolog.Logger
	bus   Bus
	sched Scheduler

	id     string
	number int
	role   Role
	width  int
	height int

	attrs        *attrs.Synchronizer
	changeTok    router.Token
	registered   []router.Token
	disconnected bool

	events Events
}

// New creates a player from info and joins it to b. The attributes in info
// become the initial, unreported state of the bag.
func New(log zerolog.Logger, sched Scheduler, b Bus, info Info) (*Player, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("create player: missing id")
	}
	if info.Role == "" {
		info.Role = RolePlayer
	}
	if !info.Role.Valid() {
		return nil, fmt.Errorf("create player %s: unknown role %q", info.ID, info.Role)
	}

	p := &Player{
		log:    log.With().Str("player", info.ID).Logger(),
		bus:    b,
		sched:  sched,
		id:     info.ID,
		number: info.Number,
		role:   info.Role,
		width:  info.Width,
		height: info.Height,
		attrs:  attrs.NewSynchronizer(sched, info.Attributes),
	}

	handlers := []struct {
		name string
		fn   func(messaging.Message)
	}{
		{messaging.NameAttributesChanged, p.handleAttributes},
		{messaging.NameMessage, p.handleMessage},
	}
	for _, h := range handlers {
		tok, err := b.Register(h.name, p.id, h.fn)
		if err != nil {
			p.unregister()
			return nil, fmt.Errorf("register %s handler: %w", h.name, err)
		}
		p.registered = append(p.registered, tok)
	}

	p.changeTok = p.attrs.OnChange(p.sendChangeset)
	return p, nil
}

func (p *Player) ID() string { return p.id }

func (p *Player) Number() int { return p.number }

func (p *Player) Role() Role { return p.role }

// Events returns the player's event sources.
func (p *Player) Events() *Events { return &p.events }

// Attributes returns the player's replicated attribute bag. Local mutations
// are sent to every peer at the end of the turn. On a client the bags of
// other players are read-only views of what the server relays.
func (p *Player) Attributes() *attrs.Synchronizer {
	return p.attrs
}

// Connected reports whether Disconnect has not been called yet.
func (p *Player) Connected() bool {
	return !p.disconnected
}

// Info returns the wire form of the player.
func (p *Player) Info() Info {
	return Info{
		ID:         p.id,
		Number:     p.number,
		Role:       p.role,
		Attributes: p.attrs.Values(),
		Width:      p.width,
		Height:     p.height,
	}
}

// SendOption adjusts an outgoing player message.
type SendOption func(*messaging.Message)

// To overrides the recipients of a message.
func To(r messaging.Recipients) SendOption {
	return func(m *messaging.Message) { m.ToClient = r }
}

// Volatile marks a message as droppable under backpressure.
func Volatile() SendOption {
	return func(m *messaging.Message) { m.Volatile = true }
}

// Message sends an application payload on the player's channel. By default
// it is addressed to the player's own device.
func (p *Player) Message(typ string, data any, opts ...SendOption) error {
	if p.disconnected {
		return fmt.Errorf("message %s to %s: %w", typ, p.id, ErrDisconnected)
	}

	msg, err := messaging.New(messaging.NameMessage, p.id, data)
	if err != nil {
		return err
	}
	msg.Type = typ
	msg.ToClient = messaging.To(p.id)
	for _, opt := range opts {
		opt(&msg)
	}

	p.bus.Send(msg)
	return nil
}

// Disconnect tears the player down: its bus registrations are removed, its
// bag stops replicating and Disconnected is emitted. It is the only way a
// player is destroyed and is safe to call more than once.
func (p *Player) Disconnect() {
	if p.disconnected {
		return
	}
	p.disconnected = true

	p.attrs.OffChange(p.changeTok)
	p.attrs.StopWatching()
	p.unregister()

	p.log.Debug().Msg("player disconnected")
	p.events.Disconnected.Emit(p.Info())

	p.events.AttributesChanged.Clear()
	p.events.Message.Clear()
	p.events.Disconnected.Clear()
}

// WaitAttribute calls cb with the value of key once it is present in the
// bag. If the key is already set cb runs immediately. Otherwise cb runs on
// the first change that sets it, or with ErrWaitTimeout once timeout has
// elapsed, or with ErrDisconnected if the player goes away first; whichever
// happens first cancels the others. A timeout of zero waits indefinitely.
// The returned function abandons the wait without calling cb.
func (p *Player) WaitAttribute(key string, timeout time.Duration, cb func(value any, err error)) (cancel func()) {
	if v, ok := p.attrs.Get(key); ok {
		cb(attrs.Clone(v), nil)
		return func() {}
	}
	if p.disconnected {
		cb(nil, ErrDisconnected)
		return func() {}
	}

	var (
		done    bool
		changed router.Token
		gone    router.Token
		timer   *loop.Timer
	)

	stop := func() bool {
		if done {
			return false
		}
		done = true
		p.events.AttributesChanged.Off(changed)
		p.events.Disconnected.Off(gone)
		if timer != nil {
			timer.Stop()
		}
		return true
	}
	finish := func(v any, err error) {
		if stop() {
			cb(v, err)
		}
	}

	changed = p.events.AttributesChanged.On(func(c Change) {
		if v, ok := c.Changed[key]; ok {
			finish(attrs.Clone(v), nil)
		}
	})
	gone = p.events.Disconnected.On(func(Info) {
		finish(nil, ErrDisconnected)
	})
	if timeout > 0 {
		timer = p.sched.AfterFunc(timeout, func() {
			finish(nil, fmt.Errorf("%s: %w", key, ErrWaitTimeout))
		})
	}

	return func() { stop() }
}

func (p *Player) sendChangeset(cs attrs.Changeset) {
	msg, err := messaging.New(messaging.NameAttributesChanged, p.id, cs)
	if err != nil {
		p.log.Error().Err(err).Msg("encode attribute changes")
		return
	}
	// the sender already holds the new values
	msg.ToClient = messaging.AllButSender
	p.bus.Send(msg)
	p.events.AttributesChanged.Emit(Change{Changeset: cs})
}

func (p *Player) handleAttributes(msg messaging.Message) {
	var cs attrs.Changeset
	if err := msg.Decode(&cs); err != nil {
		p.log.Warn().Err(err).Str("from", msg.FromClient).Msg("dropping malformed attribute changes")
		return
	}
	if cs.IsEmpty() {
		return
	}

	p.attrs.ApplyRemote(cs)
	p.events.AttributesChanged.Emit(Change{Changeset: cs, Remote: true})
}

func (p *Player) handleMessage(msg messaging.Message) {
	p.events.Message.Emit(Message{
		Type: msg.Type,
		Data: msg.Data,
		From: msg.FromClient,
	})
}

func (p *Player) unregister() {
	for _, tok := range p.registered {
		p.bus.Unregister(tok)
	}
	p.registered = nil
}
