// Package session implements the session lifecycle shared by the server and
// its clients.
//
// A Session owns a bus and the players joined to it. The server runs
// authoritative sessions: they enforce the join limits, hand out participant
// numbers and announce membership changes to every client. Clients run
// mirror sessions that follow those announcements. Both kinds emit the same
// events, so application code reads the same on either end.
package session

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/bus"
	"github.com/hay-kot/huddle/internal/core/event"
	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/player"
	"github.com/hay-kot/huddle/internal/core/router"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StateDestroyed State = "destroyed"
)

// Kind selects which end of the connection a session runs on.
type Kind int

const (
	// Authoritative sessions run on the server.
	Authoritative Kind = iota
	// Mirror sessions run on clients and follow the server's announcements.
	Mirror
)

// Config describes a session to create.
type Config struct {
	Token     string
	Options   Options
	Kind      Kind
	Joining   *bool
	CreatedAt time.Time
	// Self is the id of the local player of a mirror session. The attribute
	// bags of every other mirrored player are read-only.
	Self      string
}

// Info is a snapshot of a session. It is the payload of sessionCreated and
// sessionJoined and the row format of the sessions listing.
type Info struct {
	Token            string        `json:"token"`
	State            State         `json:"state"`
	MinPlayerNeeded  int           `json:"minPlayerNeeded"`
	MaxPlayerAllowed int           `json:"maxPlayerAllowed"`
	Joining          bool          `json:"joining"`
	Players          []player.Info `json:"players"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Events are the typed events of a session.
type Events struct {
	PlayerJoined event.Emitter[*player.Player]
	PlayerLeft   event.Emitter[*player.Player]
	// AboveMinNeeded fires when a join brings the player count up to the
	// minimum. BelowMinNeeded fires when a leave drops it below. Both carry
	// the new count.
	AboveMinNeeded event.Emitter[int]
	BelowMinNeeded event.Emitter[int]
	JoiningChanged event.Emitter[bool]
	Message        event.Emitter[player.Message]
	Destroyed      event.Emitter[string]
}

type joiningData struct {
	Enabled bool `json:"enabled"`
}

type leftData struct {
	ID string `json:"id"`
}

// Session is a set of players sharing a bus. It is owned by a loop.
type Session struct {
	log   zerolog.Logger
	sched player.Scheduler
	bus   *bus.Bus
	kind  Kind

	token   string
	opts    Options
	created time.Time
	self    string

	state       State
	joining     bool
	players     map[string]*player.Player
	unannounced map[string]bool
	numbers     numberPool
	registered  []router.Token

	onDestroy func(*Session)
	events    Events
}

// New creates a session on b. The session registers its handlers on the bus
// and takes ownership of it: the bus is closed when the session is
// destroyed.
func New(log zerolog.Logger, sched player.Scheduler, b *bus.Bus, cfg Config) (*Session, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("create session: missing token")
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	s := &Session{
		log:     log.With().Str("session", cfg.Token).Logger(),
		sched:   sched,
		bus:     b,
		kind:    cfg.Kind,
		token:   cfg.Token,
		opts:    cfg.Options,
		created: cfg.CreatedAt,
		self:    cfg.Self,
		state:   StateActive,
		joining: cfg.Joining == nil || *cfg.Joining,
		players: map[string]*player.Player{},

		unannounced: map[string]bool{},
	}

	if err := s.register(); err != nil {
		s.unregister()
		return nil, err
	}
	return s, nil
}

func (s *Session) register() error {
	type handler struct {
		name string
		fn   func(messaging.Message)
	}

	handlers := []handler{
		{messaging.NameChangePlayerJoining, s.handleJoining},
		{messaging.NameMessage, s.handleMessage},
	}
	if s.kind == Mirror {
		handlers = append(handlers,
			handler{messaging.NamePlayerJoined, s.handlePlayerJoined},
			handler{messaging.NamePlayerLeft, s.handlePlayerLeft},
		)
	}

	for _, h := range handlers {
		tok, err := s.bus.Register(h.name, messaging.SessionInstance, h.fn)
		if err != nil {
			return fmt.Errorf("register %s handler: %w", h.name, err)
		}
		s.registered = append(s.registered, tok)
	}

	if s.kind == Authoritative {
		tok, err := s.bus.Subscribe(s.handleDisconnect, func(m messaging.Message) bool {
			return m.Name == messaging.NameDisconnect
		})
		if err != nil {
			return fmt.Errorf("register disconnect handler: %w", err)
		}
		s.registered = append(s.registered, tok)
	}
	return nil
}

func (s *Session) unregister() {
	for _, tok := range s.registered {
		s.bus.Unregister(tok)
	}
	s.registered = nil
}

func (s *Session) Token() string { return s.token }

func (s *Session) State() State { return s.state }

func (s *Session) Kind() Kind { return s.kind }

func (s *Session) Joining() bool { return s.joining }

func (s *Session) Len() int { return len(s.players) }

func (s *Session) Options() Options { return s.opts }

func (s *Session) CreatedAt() time.Time { return s.created }

func (s *Session) Bus() *bus.Bus { return s.bus }

// Events returns the session's event sources.
func (s *Session) Events() *Events { return &s.events }

// Player returns the joined player with the given id.
func (s *Session) Player(id string) (*player.Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

// Players returns the joined players ordered by number.
func (s *Session) Players() []*player.Player {
	out := make([]*player.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *player.Player) int {
		return cmp.Or(cmp.Compare(a.Number(), b.Number()), cmp.Compare(a.ID(), b.ID()))
	})
	return out
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	players := s.Players()
	infos := make([]player.Info, len(players))
	for i, p := range players {
		infos[i] = p.Info()
	}

	return Info{
		Token:            s.token,
		State:            s.state,
		MinPlayerNeeded:  s.opts.MinPlayerNeeded,
		MaxPlayerAllowed: s.opts.MaxPlayerAllowed,
		Joining:          s.joining,
		Players:          infos,
		CreatedAt:        s.created,
	}
}

// Join admits a new player and announces it. It is Admit followed by
// Announce.
func (s *Session) Join(info player.Info) (*player.Player, error) {
	p, err := s.Admit(info)
	if err != nil {
		return nil, err
	}
	s.Announce(p)
	return p, nil
}

// Admit adds a new player without announcing it. Only authoritative sessions
// accept joins: the player is rejected when the session is full or joining
// is disabled, and otherwise gets the lowest free number. The caller must
// call Announce once the player's device has been told it joined.
func (s *Session) Admit(info player.Info) (*player.Player, error) {
	if s.kind != Authoritative {
		return nil, fmt.Errorf("join %s: mirror sessions follow the server", s.token)
	}
	if err := s.checkJoin(info.ID); err != nil {
		return nil, err
	}
	if !s.joining {
		return nil, fmt.Errorf("join %s: %w", s.token, ErrJoiningDisabled)
	}
	if len(s.players) >= s.opts.MaxPlayerAllowed {
		return nil, fmt.Errorf("join %s (%d/%d): %w", s.token, len(s.players), s.opts.MaxPlayerAllowed, ErrSessionFull)
	}

	info.Number = s.numbers.take()
	p, err := s.add(info)
	if err != nil {
		s.numbers.release(info.Number)
		return nil, err
	}
	s.unannounced[p.ID()] = true
	return p, nil
}

// Announce tells every other client about an admitted player and emits the
// join events. Handlers may message the new player.
func (s *Session) Announce(p *player.Player) {
	if cur, ok := s.players[p.ID()]; !ok || cur != p || !s.unannounced[p.ID()] {
		return
	}
	delete(s.unannounced, p.ID())

	others := make([]string, 0, len(s.players)-1)
	for id := range s.players {
		if id != p.ID() {
			others = append(others, id)
		}
	}

	if len(others) > 0 {
		msg, err := messaging.New(messaging.NamePlayerJoined, messaging.SessionInstance, p.Info())
		if err != nil {
			s.log.Error().Err(err).Msg("encode playerJoined")
		} else {
			msg.ToClient = messaging.To(others...)
			s.bus.Send(msg)
		}
	}

	s.joined(p)
}

// Adopt adds a player announced by the server. Its number is taken as
// given and no limits are checked.
func (s *Session) Adopt(info player.Info) (*player.Player, error) {
	if err := s.checkJoin(info.ID); err != nil {
		return nil, err
	}
	p, err := s.add(info)
	if err != nil {
		return nil, err
	}
	s.joined(p)
	return p, nil
}

func (s *Session) checkJoin(id string) error {
	if s.state == StateDestroyed {
		return fmt.Errorf("join %s: %w", s.token, ErrDestroyed)
	}
	if _, ok := s.players[id]; ok {
		return fmt.Errorf("join %s as %s: %w", s.token, id, ErrPlayerExists)
	}
	return nil
}

func (s *Session) add(info player.Info) (*player.Player, error) {
	p, err := player.New(s.log, s.sched, s.bus, info)
	if err != nil {
		return nil, err
	}
	if s.kind == Mirror && p.ID() != s.self {
		// only the server may change another player's attributes
		p.Attributes().SetReadOnly(true)
	}
	s.players[p.ID()] = p
	return p, nil
}

func (s *Session) joined(p *player.Player) {
	n := len(s.players)
	s.log.Info().Str("player", p.ID()).Int("number", p.Number()).Int("players", n).Msg("player joined")

	s.events.PlayerJoined.Emit(p)
	if n == s.opts.MinPlayerNeeded {
		s.events.AboveMinNeeded.Emit(n)
	}
}

// Leave removes a player. The player is disconnected, its number returns to
// the pool and, on the server, its socket is detached from the bus and the
// remaining clients are told. When the last player leaves the session is
// destroyed. It reports whether id was joined.
func (s *Session) Leave(id string) bool {
	p, ok := s.players[id]
	if !ok {
		return false
	}

	delete(s.players, id)
	delete(s.unannounced, id)
	if s.kind == Authoritative {
		s.numbers.release(p.Number())
		s.bus.RemoveSocket(id)
	}
	p.Disconnect()

	if s.kind == Authoritative {
		msg, err := messaging.New(messaging.NamePlayerLeft, messaging.SessionInstance, leftData{ID: id})
		if err != nil {
			s.log.Error().Err(err).Msg("encode playerLeft")
		} else {
			s.bus.Send(msg)
		}
	}

	n := len(s.players)
	s.log.Info().Str("player", id).Int("players", n).Msg("player left")

	s.events.PlayerLeft.Emit(p)
	if n == s.opts.MinPlayerNeeded-1 {
		s.events.BelowMinNeeded.Emit(n)
	}
	if n == 0 {
		s.destroy()
	}
	return true
}

// Destroy disconnects every player and destroys the session.
func (s *Session) Destroy() {
	if s.state == StateDestroyed {
		return
	}
	for _, p := range s.Players() {
		s.Leave(p.ID())
	}
	if s.state != StateDestroyed {
		s.destroy()
	}
}

func (s *Session) destroy() {
	s.state = StateDestroyed
	s.unregister()
	s.log.Info().Msg("session destroyed")

	s.events.Destroyed.Emit(s.token)
	s.bus.Close()

	if s.onDestroy != nil {
		s.onDestroy(s)
	}
}

// SetJoining enables or disables joining and tells every peer.
func (s *Session) SetJoining(enabled bool) error {
	if s.state == StateDestroyed {
		return fmt.Errorf("set joining on %s: %w", s.token, ErrDestroyed)
	}
	if !s.applyJoining(enabled) {
		return nil
	}

	msg, err := messaging.New(messaging.NameChangePlayerJoining, messaging.SessionInstance, joiningData{Enabled: enabled})
	if err != nil {
		return err
	}
	s.bus.Send(msg)
	return nil
}

func (s *Session) applyJoining(enabled bool) bool {
	if s.joining == enabled {
		return false
	}
	s.joining = enabled
	s.log.Debug().Bool("enabled", enabled).Msg("joining changed")
	s.events.JoiningChanged.Emit(enabled)
	return true
}

// Message sends an application payload from the session. By default every
// client receives it.
func (s *Session) Message(typ string, data any, opts ...player.SendOption) error {
	if s.state == StateDestroyed {
		return fmt.Errorf("message %s on %s: %w", typ, s.token, ErrDestroyed)
	}

	msg, err := messaging.New(messaging.NameMessage, messaging.SessionInstance, data)
	if err != nil {
		return err
	}
	msg.Type = typ
	for _, opt := range opts {
		opt(&msg)
	}

	s.bus.Send(msg)
	return nil
}

func (s *Session) handleJoining(msg messaging.Message) {
	var d joiningData
	if err := msg.Decode(&d); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed changePlayerJoining")
		return
	}
	s.applyJoining(d.Enabled)
}

func (s *Session) handleMessage(msg messaging.Message) {
	s.events.Message.Emit(player.Message{
		Type: msg.Type,
		Data: msg.Data,
		From: msg.FromClient,
	})
}

func (s *Session) handleDisconnect(msg messaging.Message) {
	s.Leave(msg.FromInstance)
}

func (s *Session) handlePlayerJoined(msg messaging.Message) {
	var info player.Info
	if err := msg.Decode(&info); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed playerJoined")
		return
	}
	if _, err := s.Adopt(info); err != nil {
		s.log.Debug().Err(err).Str("player", info.ID).Msg("ignoring playerJoined")
	}
}

func (s *Session) handlePlayerLeft(msg messaging.Message) {
	var d leftData
	if err := msg.Decode(&d); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed playerLeft")
		return
	}
	s.Leave(d.ID)
}
