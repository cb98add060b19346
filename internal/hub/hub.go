// Package hub serves huddle sessions over websockets.
//
// Every connection starts unattached. Its first message must be
// createSession or joinSession; once the server has admitted the player the
// connection is joined to the session's bus and everything it sends is
// routed there. All hub and session state lives on a single loop.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/player"
	"github.com/hay-kot/huddle/internal/core/router"
	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

// Stats is the payload of the stats endpoint.
type Stats struct {
	Sessions int   `json:"sessions"`
	Clients  int   `json:"clients"`
	Players  int   `json:"players"`
	Messages int64 `json:"messages"`
}

type client struct {
	conn      *ws.Conn
	session   *session.Session
	connected time.Time
}

// Hub accepts websocket connections and attaches them to sessions.
type Hub struct {
	log      zerolog.Logger
	loop     *loop.Loop
	registry *session.Registry
	opts     ws.Options
	origins  []string
	upgrader websocket.Upgrader

	messages atomic.Int64

	// loop-owned
	clients map[string]*client
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts websocket upgrades to requests whose Origin
// header matches one of the doublestar patterns. Requests without an Origin
// header are always accepted.
func WithAllowedOrigins(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithTransport sets the options of accepted connections.
func WithTransport(opts ws.Options) Option {
	return func(h *Hub) { h.opts = opts }
}

// New creates a hub. The registry must be owned by l, and l must be running
// for the hub to make progress.
func New(log zerolog.Logger, l *loop.Loop, registry *session.Registry, opts ...Option) *Hub {
	h := &Hub{
		log:      log,
		loop:     l,
		registry: registry,
		opts:     ws.DefaultOptions(),
		clients:  map[string]*client{},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, pattern := range h.origins {
		if ok, _ := doublestar.Match(pattern, origin); ok {
			return true
		}
	}
	h.log.Warn().Str("origin", origin).Msg("rejecting websocket origin")
	return false
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		conn:      ws.NewConn(h.log, uuid.NewString(), raw, h.opts),
		connected: time.Now(),
	}

	if err := h.loop.Post(func() { h.clients[c.conn.ID()] = c }); err != nil {
		c.conn.Close()
		_ = raw.Close()
		return
	}

	h.log.Debug().Str("conn", c.conn.ID()).Str("remote", r.RemoteAddr).Msg("client connected")
	c.conn.Start(
		func(msg messaging.Message) {
			h.messages.Add(1)
			h.post(func() { h.handle(c, msg) })
		},
		func() { h.post(func() { h.closed(c) }) },
	)
}

func (h *Hub) post(fn func()) {
	if err := h.loop.Post(fn); err != nil {
		h.log.Debug().Err(err).Msg("hub loop stopped")
	}
}

func (h *Hub) handle(c *client, msg messaging.Message) {
	if _, ok := h.clients[c.conn.ID()]; !ok {
		return
	}

	if c.session == nil {
		switch msg.Name {
		case messaging.NameCreateSession:
			h.create(c, msg)
		case messaging.NameJoinSession:
			h.join(c, msg)
		default:
			h.log.Debug().Str("conn", c.conn.ID()).Str("name", msg.Name).Msg("ignoring message before handshake")
		}
		return
	}

	if msg.Name == messaging.NameUserDisconnect {
		h.log.Debug().Str("conn", c.conn.ID()).Msg("client requested disconnect")
		c.conn.Close()
		return
	}

	if err := checkInbound(c.conn.ID(), msg); err != nil {
		h.log.Debug().Err(err).Str("conn", c.conn.ID()).Str("name", msg.Name).Msg("dropping client message")
		return
	}
	c.session.Bus().HandleSocketMessage(msg, c.conn)
}

// serverNames may only be sent by the server.
var serverNames = []string{
	messaging.NameDisconnect,
	messaging.NamePlayerJoined,
	messaging.NamePlayerLeft,
	messaging.NameCreateSession,
	messaging.NameJoinSession,
}

// checkInbound rejects messages a client may not send once joined: server
// announcements and messages on another player's channel.
func checkInbound(id string, msg messaging.Message) error {
	if slices.Contains(serverNames, msg.Name) {
		return fmt.Errorf("%s is reserved for the server", msg.Name)
	}
	if msg.FromInstance != id && msg.FromInstance != messaging.SessionInstance {
		return fmt.Errorf("cannot send as %q", msg.FromInstance)
	}
	return nil
}

func (h *Hub) create(c *client, msg messaging.Message) {
	var req session.CreateRequest
	if err := msg.Decode(&req); err != nil {
		h.fail(c, messaging.NameCreateSessionFailed, err)
		return
	}

	s, err := h.registry.Create(req.Options)
	if err != nil {
		h.fail(c, messaging.NameCreateSessionFailed, err)
		return
	}

	if err := h.admit(c, s, req.Player, messaging.NameSessionCreated); err != nil {
		s.Destroy()
		h.fail(c, messaging.NameCreateSessionFailed, err)
	}
}

func (h *Hub) join(c *client, msg messaging.Message) {
	var req session.JoinRequest
	if err := msg.Decode(&req); err != nil {
		h.fail(c, messaging.NameJoinSessionFailed, err)
		return
	}

	s, err := h.registry.GetByToken(req.Token)
	if err != nil {
		h.fail(c, messaging.NameJoinSessionFailed, err)
		return
	}

	if err := h.admit(c, s, req.Player, messaging.NameSessionJoined); err != nil {
		h.fail(c, messaging.NameJoinSessionFailed, err)
	}
}

// admit joins the connection's player to s. The welcome is queued before
// the join is announced, so anything sent to the player from join handlers
// reaches it after the welcome. The player id is always the connection id.
func (h *Hub) admit(c *client, s *session.Session, info player.Info, reply string) error {
	info.ID = c.conn.ID()

	s.Bus().AddSocket(c.conn)
	p, err := s.Admit(info)
	if err != nil {
		s.Bus().RemoveSocket(c.conn.ID())
		return err
	}

	msg, err := messaging.New(reply, messaging.ServerInstance, session.Welcome{
		Session: s.Info(),
		Player:  p.Info(),
	})
	if err != nil {
		s.Leave(p.ID())
		return err
	}
	if err := c.conn.Send(msg); err != nil {
		h.log.Warn().Err(err).Str("conn", c.conn.ID()).Msg("send welcome")
	}

	c.session = s
	var left router.Token
	left = s.Events().PlayerLeft.On(func(gone *player.Player) {
		if gone != p {
			return
		}
		s.Events().PlayerLeft.Off(left)
		h.left(c, s)
	})

	s.Announce(p)
	return nil
}

// left runs when the connection's player is removed from s, whether by a
// lost transport or by the session. A player that is still connected is
// dropped: the closed transport is its signal that it left.
func (h *Hub) left(c *client, s *session.Session) {
	if c.session != s {
		return
	}
	c.session = nil
	c.conn.Close()
}

func (h *Hub) fail(c *client, name string, err error) {
	reason := session.Reason(err)
	h.log.Info().Err(err).Str("conn", c.conn.ID()).Str("reason", reason).Msg(name)

	msg, encErr := messaging.New(name, messaging.ServerInstance, session.Failure{Error: err.Error()})
	if encErr != nil {
		h.log.Error().Err(encErr).Msg("encode failure")
		return
	}
	msg.Reason = reason
	if err := c.conn.Send(msg); err != nil {
		h.log.Debug().Err(err).Str("conn", c.conn.ID()).Msg("send failure")
	}
}

func (h *Hub) closed(c *client) {
	delete(h.clients, c.conn.ID())
	if c.session != nil {
		c.session.Bus().SocketClosed(c.conn)
		c.session = nil
	}
	h.log.Debug().Str("conn", c.conn.ID()).Dur("connected", time.Since(c.connected)).Msg("client disconnected")
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.loop.Do(ctx, func() {
		st.Sessions = h.registry.Len()
		st.Clients = len(h.clients)
		for _, s := range h.registry.List() {
			st.Players += s.Len()
		}
	})
	if err != nil {
		return Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	st.Messages = h.messages.Load()
	return st, nil
}

// Sessions returns a snapshot of every live session, oldest first.
func (h *Hub) Sessions(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	err := h.loop.Do(ctx, func() {
		list := h.registry.List()
		out = make([]session.Info, len(list))
		for i, s := range list {
			out[i] = s.Info()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Shutdown closes every connection and destroys every session.
func (h *Hub) Shutdown(ctx context.Context) error {
	err := h.loop.Do(ctx, func() {
		for _, c := range h.clients {
			c.conn.Close()
		}
		h.registry.Close()
	})
	if err != nil && !errors.Is(err, loop.ErrStopped) {
		return fmt.Errorf("shutdown hub: %w", err)
	}
	return nil
}
