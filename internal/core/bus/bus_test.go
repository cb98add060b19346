package bus

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/huddle/internal/core/messaging"
)

type mockSocket struct {
	id       string
	reliable []messaging.Message
	volatile []messaging.Message
	sendErr  error
}

func (m *mockSocket) ID() string { return m.id }

func (m *mockSocket) Send(msg messaging.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.reliable = append(m.reliable, msg)
	return nil
}

func (m *mockSocket) SendVolatile(msg messaging.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.volatile = append(m.volatile, msg)
	return nil
}

func (m *mockSocket) received() int { return len(m.reliable) + len(m.volatile) }

func newTestBus(t *testing.T, opts ...Option) (*Bus, map[string]*mockSocket) {
	t.Helper()
	b := New(zerolog.New(io.Discard), opts...)
	sockets := map[string]*mockSocket{}
	for _, id := range []string{"a", "b", "c"} {
		s := &mockSocket{id: id}
		sockets[id] = s
		b.AddSocket(s)
	}
	return b, sockets
}

func TestBus_Distribute_Addressing(t *testing.T) {
	tests := []struct {
		name   string
		to     messaging.Recipients
		origin string
		want   map[string]int
	}{
		{
			name:   "all from socket",
			to:     messaging.All,
			origin: "a",
			want:   map[string]int{"a": 1, "b": 1, "c": 1},
		},
		{
			name:   "all but sender",
			to:     messaging.AllButSender,
			origin: "a",
			want:   map[string]int{"a": 0, "b": 1, "c": 1},
		},
		{
			name: "all but sender from server reaches everyone",
			to:   messaging.AllButSender,
			want: map[string]int{"a": 1, "b": 1, "c": 1},
		},
		{
			name:   "explicit ids",
			to:     messaging.To("b", "c"),
			origin: "a",
			want:   map[string]int{"a": 0, "b": 1, "c": 1},
		},
		{
			name: "server only",
			to:   messaging.Server,
			want: map[string]int{"a": 0, "b": 0, "c": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sockets := newTestBus(t)

			var origin Socket
			if tt.origin != "" {
				origin = sockets[tt.origin]
			}
			b.Distribute(messaging.Message{Name: "x", FromInstance: "a", ToClient: tt.to}, origin)

			for id, want := range tt.want {
				assert.Equal(t, want, sockets[id].received(), "socket %s", id)
			}
		})
	}
}

func TestBus_Distribute_DisconnectedRecipient(t *testing.T) {
	b, sockets := newTestBus(t)
	b.SocketClosed(sockets["a"])

	assert.NotPanics(t, func() {
		b.Send(messaging.Message{Name: "x", FromInstance: "session", ToClient: messaging.To("a")})
	})

	for id, s := range sockets {
		assert.Equal(t, 0, s.received(), "socket %s", id)
	}
}

func TestBus_Distribute_FailingRecipientDoesNotAbort(t *testing.T) {
	b, sockets := newTestBus(t)
	sockets["a"].sendErr = errors.New("broken pipe")

	b.Send(messaging.Message{Name: "x", FromInstance: "session"})

	assert.Equal(t, 0, sockets["a"].received())
	assert.Equal(t, 1, sockets["b"].received())
	assert.Equal(t, 1, sockets["c"].received())
}

func TestBus_Distribute_StripsTransportFields(t *testing.T) {
	b, sockets := newTestBus(t)
	yes := true

	b.Send(messaging.Message{
		Name:         "pos",
		FromInstance: "a",
		ToClient:     messaging.To("b"),
		Volatile:     true,
		Redistribute: &yes,
	})

	require.Len(t, sockets["b"].volatile, 1)
	assert.Empty(t, sockets["b"].reliable)

	got := sockets["b"].volatile[0]
	assert.False(t, got.Volatile)
	assert.Nil(t, got.Redistribute)
	assert.True(t, got.ToClient.IsZero())
}

func TestBus_Filters(t *testing.T) {
	t.Run("any true filter drops the message", func(t *testing.T) {
		calls := 0
		pass := func(*messaging.Message, Socket) bool { calls++; return false }
		drop := func(*messaging.Message, Socket) bool { return true }
		never := func(*messaging.Message, Socket) bool { t.Fatal("filter after drop ran"); return false }

		b, sockets := newTestBus(t, WithFilters(pass, drop, never))
		b.Send(messaging.Message{Name: "x"})

		assert.Equal(t, 1, calls)
		for _, s := range sockets {
			assert.Equal(t, 0, s.received())
		}
	})

	t.Run("filter can redact before forwarding", func(t *testing.T) {
		redact := func(msg *messaging.Message, _ Socket) bool {
			msg.Data = nil
			return false
		}
		b, sockets := newTestBus(t, WithFilters(redact))

		var local messaging.Message
		_, err := b.Register("secret", "a", func(m messaging.Message) { local = m })
		require.NoError(t, err)

		b.HandleSocketMessage(messaging.Message{Name: "secret", FromInstance: "a", Data: []byte(`"pin"`)}, sockets["a"])

		assert.Equal(t, `"pin"`, string(local.Data), "local delivery sees the original")
		require.Len(t, sockets["b"].reliable, 1)
		assert.Nil(t, sockets["b"].reliable[0].Data)
	})

	t.Run("filters do not affect local delivery", func(t *testing.T) {
		b, sockets := newTestBus(t, WithFilters(func(*messaging.Message, Socket) bool { return true }))

		delivered := 0
		_, err := b.Register("x", "a", func(messaging.Message) { delivered++ })
		require.NoError(t, err)

		b.HandleSocketMessage(messaging.Message{Name: "x", FromInstance: "a"}, sockets["a"])

		assert.Equal(t, 1, delivered)
		assert.Equal(t, 0, sockets["b"].received())
	})
}

func TestDefaultFilters(t *testing.T) {
	no := false
	tests := []struct {
		name     string
		msg      messaging.Message
		fromPeer bool
		forward  bool
	}{
		{name: "plain", msg: messaging.Message{Name: "x"}, fromPeer: true, forward: true},
		{name: "server addressed", msg: messaging.Message{Name: "x", ToClient: messaging.Server}, fromPeer: true, forward: false},
		{name: "redistribute false", msg: messaging.Message{Name: "x", Redistribute: &no}, fromPeer: true, forward: false},
		{name: "redistribute false from server", msg: messaging.Message{Name: "x", Redistribute: &no}, fromPeer: false, forward: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sockets := newTestBus(t, WithFilters(DefaultFilters()...))
			if tt.fromPeer {
				b.HandleSocketMessage(tt.msg, sockets["a"])
			} else {
				b.Send(tt.msg)
			}
			assert.Equal(t, tt.forward, sockets["b"].received() == 1)
		})
	}
}

func TestDropMessageTypes(t *testing.T) {
	f := DropMessageTypes("secret")

	assert.True(t, f(&messaging.Message{Name: messaging.NameMessage, Type: "secret"}, nil))
	assert.False(t, f(&messaging.Message{Name: messaging.NameMessage, Type: "public"}, nil))
	assert.False(t, f(&messaging.Message{Name: "secret"}, nil))
}

func TestBus_HandleSocketMessage(t *testing.T) {
	b, sockets := newTestBus(t)

	var got []messaging.Message
	_, err := b.Register("ping", "a", func(m messaging.Message) { got = append(got, m) })
	require.NoError(t, err)

	b.HandleSocketMessage(messaging.Message{Name: "ping", FromInstance: "a", ToClient: messaging.AllButSender}, sockets["a"])

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].FromClient)
	assert.Equal(t, 0, sockets["a"].received())
	assert.Equal(t, 1, sockets["b"].received())
	assert.Equal(t, 1, sockets["c"].received())
}

func TestBus_Register_ExactMatch(t *testing.T) {
	b, _ := newTestBus(t)

	calls := 0
	tok, err := b.Register("attributesChanged", "p1", func(messaging.Message) { calls++ })
	require.NoError(t, err)

	b.Publish(messaging.Message{Name: "attributesChanged", FromInstance: "p1"})
	b.Publish(messaging.Message{Name: "attributesChanged", FromInstance: "p2"})
	b.Publish(messaging.Message{Name: "message", FromInstance: "p1"})
	assert.Equal(t, 1, calls)

	b.Unregister(tok)
	b.Publish(messaging.Message{Name: "attributesChanged", FromInstance: "p1"})
	assert.Equal(t, 1, calls)

	_, err = b.Register("x", "y", nil)
	require.Error(t, err)
}

func TestBus_SocketClosed(t *testing.T) {
	b, sockets := newTestBus(t)

	var disconnects []messaging.Message
	_, err := b.Register(messaging.NameDisconnect, "a", func(m messaging.Message) { disconnects = append(disconnects, m) })
	require.NoError(t, err)

	var relayed int
	_, err = b.Register("late", "a", func(messaging.Message) { relayed++ })
	require.NoError(t, err)

	b.SocketClosed(sockets["a"])
	b.SocketClosed(sockets["a"])

	require.Len(t, disconnects, 1, "second close is a no-op")
	assert.Equal(t, "a", disconnects[0].FromClient)
	assert.Equal(t, 2, b.Sockets())

	b.HandleSocketMessage(messaging.Message{Name: "late", FromInstance: "a"}, sockets["a"])
	assert.Equal(t, 0, relayed)
	assert.Equal(t, 0, sockets["b"].received())
}

func TestBus_RemoveSocket(t *testing.T) {
	b, sockets := newTestBus(t)

	disconnects := 0
	_, err := b.Subscribe(func(messaging.Message) { disconnects++ }, func(m messaging.Message) bool {
		return m.Name == messaging.NameDisconnect
	})
	require.NoError(t, err)

	assert.True(t, b.RemoveSocket("a"))
	assert.False(t, b.RemoveSocket("a"))

	b.Send(messaging.Message{Name: "x"})
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, 0, sockets["a"].received())
	assert.Equal(t, 2, b.Sockets())
}

func TestBus_AddSocketReplacesSameID(t *testing.T) {
	b, sockets := newTestBus(t)
	replacement := &mockSocket{id: "a"}
	b.AddSocket(replacement)

	b.Send(messaging.Message{Name: "x"})

	assert.Equal(t, 3, b.Sockets())
	assert.Equal(t, 0, sockets["a"].received())
	assert.Equal(t, 1, replacement.received())
}

func TestBus_UpstreamMode(t *testing.T) {
	b := New(zerolog.New(io.Discard), WithMode(ModeUpstream))
	server := &mockSocket{id: "server"}
	b.AddSocket(server)

	var local []messaging.Message
	_, err := b.Register("message", "p2", func(m messaging.Message) { local = append(local, m) })
	require.NoError(t, err)

	b.HandleSocketMessage(messaging.Message{Name: "message", FromInstance: "p2", FromClient: "p3"}, server)
	require.Len(t, local, 1)
	assert.Equal(t, "p3", local[0].FromClient, "the server's stamp is kept")
	assert.Equal(t, 0, server.received(), "inbound messages are not relayed upstream")

	b.Send(messaging.Message{Name: "message", FromInstance: "p1", ToClient: messaging.To("p2"), Volatile: true})
	require.Len(t, server.volatile, 1)
	assert.Equal(t, []string{"p2"}, server.volatile[0].ToClient.IDs(), "routing kept for the server")
	assert.True(t, server.volatile[0].Volatile)
}

func TestBus_Close(t *testing.T) {
	b, sockets := newTestBus(t)
	calls := 0
	_, err := b.Register("x", "a", func(messaging.Message) { calls++ })
	require.NoError(t, err)

	b.Close()
	b.Publish(messaging.Message{Name: "x", FromInstance: "a"})
	b.Send(messaging.Message{Name: "x"})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.Sockets())
	assert.Equal(t, 0, sockets["a"].received())
}
