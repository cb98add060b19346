package player

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/huddle/internal/core/attrs"
	"github.com/hay-kot/huddle/internal/core/bus"
	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/messaging"
)

type recordingSocket struct {
	id   string
	sent []messaging.Message
}

func (r *recordingSocket) ID() string { return r.id }

func (r *recordingSocket) Send(msg messaging.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSocket) SendVolatile(msg messaging.Message) error {
	return r.Send(msg)
}

type fixture struct {
	loop   *loop.Loop
	bus    *bus.Bus
	socket *recordingSocket
	player *Player
}

func newFixture(t *testing.T, info Info) *fixture {
	t.Helper()
	log := zerolog.New(io.Discard)

	f := &fixture{
		loop:   loop.New(log, 0),
		bus:    bus.New(log),
		socket: &recordingSocket{id: info.ID},
	}
	f.bus.AddSocket(f.socket)

	p, err := New(log, f.loop, f.bus, info)
	require.NoError(t, err)
	f.player = p
	return f
}

func (f *fixture) inbound(t *testing.T, name string, data any) {
	t.Helper()
	msg, err := messaging.New(name, f.player.ID(), data)
	require.NoError(t, err)
	msg.FromClient = f.player.ID()
	f.loop.Turn(func() { f.bus.Publish(msg) })
}

func TestNew_Validation(t *testing.T) {
	log := zerolog.New(io.Discard)
	l := loop.New(log, 0)
	b := bus.New(log)

	tests := []struct {
		name    string
		info    Info
		wantErr bool
	}{
		{name: "defaults role", info: Info{ID: "p1"}},
		{name: "presenter", info: Info{ID: "p1", Role: RolePresenter}},
		{name: "missing id", info: Info{}, wantErr: true},
		{name: "unknown role", info: Info{ID: "p1", Role: "spectator"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(log, l, b, tt.info)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, p.Role().Valid())
			p.Disconnect()
		})
	}
}

func TestPlayer_LocalChangesAreSentOncePerTurn(t *testing.T) {
	f := newFixture(t, Info{ID: "p1", Attributes: attrs.Bag{"name": "ana"}})

	var events []Change
	f.player.Events().AttributesChanged.On(func(c Change) { events = append(events, c) })

	f.loop.Turn(func() {
		f.player.Attributes().Set("x", 1)
		f.player.Attributes().Set("y", 2)
	})

	require.Len(t, f.socket.sent, 1)
	sent := f.socket.sent[0]
	assert.Equal(t, messaging.NameAttributesChanged, sent.Name)
	assert.Equal(t, "p1", sent.FromInstance)

	var cs attrs.Changeset
	require.NoError(t, sent.Decode(&cs))
	assert.Len(t, cs.Changed, 2)
	assert.Empty(t, cs.Removed)

	require.Len(t, events, 1)
	assert.False(t, events[0].Remote)
}

func TestPlayer_RemoteChangesAreNotEchoed(t *testing.T) {
	f := newFixture(t, Info{ID: "p1"})

	var events []Change
	f.player.Events().AttributesChanged.On(func(c Change) { events = append(events, c) })

	f.inbound(t, messaging.NameAttributesChanged, attrs.Changeset{Changed: map[string]any{"score": 10}})

	v, ok := f.player.Attributes().Get("score")
	require.True(t, ok)
	assert.True(t, attrs.Equal(10, v))

	require.Len(t, events, 1)
	assert.True(t, events[0].Remote)

	assert.Empty(t, f.socket.sent, "remote change was re-broadcast")
}

func TestPlayer_Message(t *testing.T) {
	f := newFixture(t, Info{ID: "p1"})

	require.NoError(t, f.player.Message("hello", map[string]string{"text": "hi"}))
	require.Len(t, f.socket.sent, 1)
	assert.Equal(t, "hello", f.socket.sent[0].Type)
	assert.Equal(t, "p1", f.socket.sent[0].FromInstance)

	other := &recordingSocket{id: "p2"}
	f.bus.AddSocket(other)
	require.NoError(t, f.player.Message("tick", nil, To(messaging.All), Volatile()))
	assert.Len(t, other.sent, 1)
}

func TestPlayer_InboundMessage(t *testing.T) {
	f := newFixture(t, Info{ID: "p1"})

	var got []Message
	f.player.Events().Message.On(func(m Message) { got = append(got, m) })

	msg, err := messaging.New(messaging.NameMessage, "p1", map[string]int{"n": 3})
	require.NoError(t, err)
	msg.Type = "move"
	f.loop.Turn(func() { f.bus.HandleSocketMessage(msg, f.socket) })

	require.Len(t, got, 1)
	assert.Equal(t, "move", got[0].Type)
	assert.Equal(t, "p1", got[0].From)

	var payload map[string]int
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, 3, payload["n"])
}

func TestPlayer_Disconnect(t *testing.T) {
	f := newFixture(t, Info{ID: "p1", Number: 2, Attributes: attrs.Bag{"k": "v"}})

	var infos []Info
	f.player.Events().Disconnected.On(func(i Info) { infos = append(infos, i) })
	messages := 0
	f.player.Events().Message.On(func(Message) { messages++ })

	f.player.Disconnect()
	f.player.Disconnect()

	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Number)
	assert.Equal(t, "v", infos[0].Attributes["k"])
	assert.False(t, f.player.Connected())

	require.ErrorIs(t, f.player.Message("x", nil), ErrDisconnected)

	f.inbound(t, messaging.NameMessage, nil)
	assert.Equal(t, 0, messages)

	f.loop.Turn(func() { f.player.Attributes().Set("late", true) })
	assert.Empty(t, f.socket.sent)
}

func TestPlayer_WaitAttribute(t *testing.T) {
	t.Run("already present", func(t *testing.T) {
		f := newFixture(t, Info{ID: "p1", Attributes: attrs.Bag{"ready": true}})

		var got any
		f.player.WaitAttribute("ready", time.Second, func(v any, err error) {
			require.NoError(t, err)
			got = v
		})
		assert.Equal(t, true, got)
	})

	t.Run("resolved by remote change", func(t *testing.T) {
		f := newFixture(t, Info{ID: "p1"})

		calls := 0
		var got any
		f.player.WaitAttribute("ready", time.Hour, func(v any, err error) {
			calls++
			require.NoError(t, err)
			got = v
		})

		f.inbound(t, messaging.NameAttributesChanged, attrs.Changeset{Changed: map[string]any{"other": 1}})
		assert.Equal(t, 0, calls)

		f.inbound(t, messaging.NameAttributesChanged, attrs.Changeset{Changed: map[string]any{"ready": "yes"}})
		f.inbound(t, messaging.NameAttributesChanged, attrs.Changeset{Changed: map[string]any{"ready": "again"}})

		assert.Equal(t, 1, calls)
		assert.Equal(t, "yes", got)
		assert.Equal(t, 0, f.player.Events().AttributesChanged.Len(), "subscription removed")
	})

	t.Run("disconnect wins", func(t *testing.T) {
		f := newFixture(t, Info{ID: "p1"})

		var gotErr error
		f.player.WaitAttribute("ready", 0, func(_ any, err error) { gotErr = err })
		f.player.Disconnect()

		require.ErrorIs(t, gotErr, ErrDisconnected)
	})

	t.Run("cancel", func(t *testing.T) {
		f := newFixture(t, Info{ID: "p1"})

		calls := 0
		cancel := f.player.WaitAttribute("ready", 0, func(any, error) { calls++ })
		cancel()
		f.inbound(t, messaging.NameAttributesChanged, attrs.Changeset{Changed: map[string]any{"ready": 1}})

		assert.Equal(t, 0, calls)
	})
}

func TestPlayer_WaitAttributeTimeout(t *testing.T) {
	log := zerolog.New(io.Discard)
	l := loop.New(log, 0)
	b := bus.New(log)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	result := make(chan error, 1)
	var newErr error
	require.NoError(t, l.Do(ctx, func() {
		var p *Player
		p, newErr = New(log, l, b, Info{ID: "p1"})
		if newErr != nil {
			return
		}
		p.WaitAttribute("ready", 20*time.Millisecond, func(_ any, err error) { result <- err })
	}))
	require.NoError(t, newErr)

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrWaitTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not time out")
	}

	// a value arriving after the timeout does not call back again
	data, err := json.Marshal(attrs.Changeset{Changed: map[string]any{"ready": true}})
	require.NoError(t, err)
	require.NoError(t, l.Do(ctx, func() {
		b.Publish(messaging.Message{Name: messaging.NameAttributesChanged, FromInstance: "p1", Data: data})
	}))
	assert.Empty(t, result)
}
