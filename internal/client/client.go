// Package client connects to a huddle server and mirrors one session.
//
// A Client owns a loop of its own. The mirror session and its players live
// on that loop, so callers reach them through Do, and event handlers
// registered there run on the loop as well.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/bus"
	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/player"
	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

const closeWait = time.Second

type pendingReply struct {
	ok, failed string
	fn         func(messaging.Message)
}

type handshakeResult struct {
	welcome session.Welcome
	err     error
}

// Client is a connection to a huddle server.
type Client struct {
	log  zerolog.Logger
	loop *loop.Loop
	conn *ws.Conn
	stop context.CancelFunc

	lost     chan struct{}
	lostOnce sync.Once

	// loop-owned
	session *session.Session
	self    *player.Player
	pending *pendingReply
}

// Dial connects to the websocket endpoint at url.
func Dial(ctx context.Context, log zerolog.Logger, url string, opts ws.Options) (*Client, error) {
	conn, err := ws.Dial(ctx, log, url, messaging.ServerInstance, opts)
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	c := &Client{
		log:  log.With().Str("component", "client").Logger(),
		loop: loop.New(log, 0),
		conn: conn,
		stop: stop,
		lost: make(chan struct{}),
	}

	go func() {
		if err := c.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("client loop stopped")
		}
	}()

	conn.Start(
		func(msg messaging.Message) { c.post(func() { c.handle(msg) }) },
		func() {
			if err := c.loop.Post(c.connectionLost); err != nil {
				c.markLost()
			}
		},
	)
	return c, nil
}

func (c *Client) post(fn func()) {
	if err := c.loop.Post(fn); err != nil {
		c.log.Debug().Err(err).Msg("client loop stopped")
	}
}

func (c *Client) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

// Done is closed once the connection to the server is gone.
func (c *Client) Done() <-chan struct{} {
	return c.lost
}

func (c *Client) handle(msg messaging.Message) {
	if p := c.pending; p != nil && msg.FromInstance == messaging.ServerInstance && (msg.Name == p.ok || msg.Name == p.failed) {
		c.pending = nil
		p.fn(msg)
		return
	}

	if c.session == nil {
		c.log.Debug().Str("name", msg.Name).Msg("ignoring message outside a session")
		return
	}
	c.session.Bus().HandleSocketMessage(msg, c.conn)
}

func (c *Client) connectionLost() {
	c.log.Debug().Msg("connection lost")
	if c.session != nil {
		c.session.Destroy()
	}
	c.markLost()
}

// CreateSession asks the server for a new session and joins it as its first
// player.
func (c *Client) CreateSession(ctx context.Context, req session.CreateRequest) (session.Welcome, error) {
	return c.handshake(ctx, messaging.NameCreateSession, req, messaging.NameSessionCreated, messaging.NameCreateSessionFailed)
}

// JoinSession joins the session with the given token.
func (c *Client) JoinSession(ctx context.Context, token string, me player.Info) (session.Welcome, error) {
	req := session.JoinRequest{Token: token, Player: me}
	return c.handshake(ctx, messaging.NameJoinSession, req, messaging.NameSessionJoined, messaging.NameJoinSessionFailed)
}

func (c *Client) handshake(ctx context.Context, name string, data any, ok, failed string) (session.Welcome, error) {
	msg, err := messaging.New(name, "", data)
	if err != nil {
		return session.Welcome{}, err
	}

	result := make(chan handshakeResult, 1)
	pending := &pendingReply{
		ok:     ok,
		failed: failed,
		fn: func(reply messaging.Message) {
			if reply.Name == failed {
				result <- handshakeResult{err: rejection(name, reply)}
				return
			}
			w, err := c.enter(reply)
			result <- handshakeResult{welcome: w, err: err}
		},
	}

	var setupErr error
	err = c.loop.Do(ctx, func() {
		switch {
		case c.session != nil:
			setupErr = ErrAlreadyJoined
		case c.pending != nil:
			setupErr = fmt.Errorf("%s: handshake already in progress", name)
		default:
			c.pending = pending
			if err := c.conn.Send(msg); err != nil {
				c.pending = nil
				setupErr = err
			}
		}
	})
	if err != nil {
		return session.Welcome{}, err
	}
	if setupErr != nil {
		return session.Welcome{}, setupErr
	}

	select {
	case r := <-result:
		return r.welcome, r.err
	case <-c.lost:
		return session.Welcome{}, fmt.Errorf("%s: %w", name, ErrConnectionLost)
	case <-ctx.Done():
		c.post(func() {
			if c.pending == pending {
				c.pending = nil
			}
		})
		return session.Welcome{}, ctx.Err()
	}
}

func rejection(op string, reply messaging.Message) error {
	var f session.Failure
	_ = reply.Decode(&f)
	return &RejectionError{
		Op:       op,
		Reason:   reply.Reason,
		Message:  f.Error,
		sentinel: session.ReasonError(reply.Reason),
	}
}

// enter builds the mirror session described by a welcome reply.
func (c *Client) enter(reply messaging.Message) (session.Welcome, error) {
	var w session.Welcome
	if err := reply.Decode(&w); err != nil {
		return session.Welcome{}, err
	}

	b := bus.New(c.log, bus.WithMode(bus.ModeUpstream))
	b.AddSocket(c.conn)

	joining := w.Session.Joining
	s, err := session.New(c.log, c.loop, b, session.Config{
		Token: w.Session.Token,
		Options: session.Options{
			MinPlayerNeeded:  w.Session.MinPlayerNeeded,
			MaxPlayerAllowed: w.Session.MaxPlayerAllowed,
		},
		Kind:      session.Mirror,
		Joining:   &joining,
		CreatedAt: w.Session.CreatedAt,
		Self:      w.Player.ID,
	})
	if err != nil {
		return session.Welcome{}, err
	}

	for _, info := range w.Session.Players {
		if _, err := s.Adopt(info); err != nil {
			c.log.Warn().Err(err).Str("player", info.ID).Msg("adopt player")
		}
	}
	self, ok := s.Player(w.Player.ID)
	if !ok {
		if self, err = s.Adopt(w.Player); err != nil {
			s.Destroy()
			return session.Welcome{}, err
		}
	}

	c.session = s
	c.self = self
	s.Events().Destroyed.On(func(string) {
		c.session = nil
		c.self = nil
	})

	c.log.Info().Str("session", s.Token()).Str("player", self.ID()).Int("number", self.Number()).Msg("joined session")
	return w, nil
}

// Do runs fn on the client's loop with the mirrored session and the local
// player.
func (c *Client) Do(ctx context.Context, fn func(s *session.Session, me *player.Player)) error {
	var inSession bool
	err := c.loop.Do(ctx, func() {
		if c.session == nil {
			return
		}
		inSession = true
		fn(c.session, c.self)
	})
	if err != nil {
		return err
	}
	if !inSession {
		return ErrNoSession
	}
	return nil
}

// WaitForAttribute returns the value of key in the bag of the given player
// once it is set. A timeout of zero waits until ctx is done.
func (c *Client) WaitForAttribute(ctx context.Context, playerID, key string, timeout time.Duration) (any, error) {
	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)

	var cancel func()
	err := c.Do(ctx, func(s *session.Session, _ *player.Player) {
		p, ok := s.Player(playerID)
		if !ok {
			done <- result{err: fmt.Errorf("%s: %w", playerID, ErrPlayerNotFound)}
			return
		}
		cancel = p.WaitAttribute(key, timeout, func(v any, err error) {
			done <- result{value: v, err: err}
		})
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		c.post(func() {
			if cancel != nil {
				cancel()
			}
		})
		return nil, ctx.Err()
	}
}

// Disconnect asks the server to close the connection and waits until it
// has.
func (c *Client) Disconnect(ctx context.Context) error {
	msg := messaging.Message{Name: messaging.NameUserDisconnect, FromInstance: messaging.SessionInstance}
	if err := c.conn.Send(msg); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	select {
	case <-c.lost:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the client's loop.
func (c *Client) Close() {
	c.conn.Close()
	select {
	case <-c.lost:
	case <-time.After(closeWait):
	}
	c.stop()
	c.markLost()
}
