// Package ws carries bus messages over gorilla websocket connections.
//
// A Conn queues encoded messages for a single writer goroutine and reads
// frames on another. Reliable sends fail when the queue is full and take the
// connection down with them; volatile sends are dropped once the queue is
// past a threshold.
package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/core/bus"
	"github.com/hay-kot/huddle/internal/core/config"
	"github.com/hay-kot/huddle/internal/core/messaging"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = fmt.Errorf("websocket: %w", bus.ErrSocketClosed)
	// ErrSendBufferFull is returned when the outgoing queue has no room.
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// Options configure a connection.
type Options struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	VolatileThreshold int
}

// OptionsFrom converts the transport section of the config.
func OptionsFrom(c config.TransportConfig) Options {
	return Options{
		WriteWait:         c.WriteWait,
		PongWait:          c.PongWait,
		MaxMessageSize:    c.MaxMessageSize,
		SendBuffer:        c.SendBuffer,
		VolatileThreshold: c.VolatileThreshold,
	}
}

// DefaultOptions returns the options of the default config.
func DefaultOptions() Options {
	return OptionsFrom(config.DefaultConfig().Transport)
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Conn is one websocket connection. It implements bus.Socket.
type Conn struct {
	id   string
	ws   *websocket.Conn
	log  zerolog.Logger
	opts Options

	mu     sync.Mutex
	closed bool
	send   chan []byte

	done chan struct{}
}

// NewConn wraps an established websocket connection. id is the identity the
// connection has on a bus. Nothing is read or written until Start.
func NewConn(log zerolog.Logger, id string, c *websocket.Conn, opts Options) *Conn {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.VolatileThreshold < 1 || opts.VolatileThreshold > opts.SendBuffer {
		opts.VolatileThreshold = opts.SendBuffer
	}

	return &Conn{
		id:   id,
		ws:   c,
		log:  log.With().Str("conn", id).Logger(),
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Done is closed once the read side of the connection has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues msg for delivery. A full queue means the peer cannot keep up;
// the connection is closed and ErrSendBufferFull returned.
func (c *Conn) Send(msg messaging.Message) error {
	err := c.enqueue(msg, c.opts.SendBuffer)
	if errors.Is(err, ErrSendBufferFull) {
		c.log.Warn().Str("name", msg.Name).Msg("send buffer full, closing connection")
		c.Close()
	}
	return err
}

// SendVolatile queues msg unless the queue already holds more than the
// volatile threshold.
func (c *Conn) SendVolatile(msg messaging.Message) error {
	return c.enqueue(msg, c.opts.VolatileThreshold)
}

func (c *Conn) enqueue(msg messaging.Message, limit int) error {
	data, err := messaging.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if len(c.send) >= limit {
		return ErrSendBufferFull
	}
	c.send <- data
	return nil
}

// Close stops the connection. Queued messages are flushed before the close
// frame is written. Close is safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Start runs the read and write pumps. onMessage is called from the read
// goroutine for every well formed message; onClose is called once after the
// connection is gone.
func (c *Conn) Start(onMessage func(messaging.Message), onClose func()) {
	go c.writePump()
	go c.readPump(onMessage, onClose)
}

func (c *Conn) readPump(onMessage func(messaging.Message), onClose func()) {
	defer func() {
		c.Close()
		_ = c.ws.Close()
		close(c.done)
		if onClose != nil {
			onClose()
		}
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn().Err(err).Msg("unexpected close")
			} else {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		msg, err := messaging.Parse(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}
