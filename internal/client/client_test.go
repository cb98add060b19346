package client

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/player"
	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/hub"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

const waitFor = 2 * time.Second

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	log := testLogger()

	l := loop.New(log, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()

	h := hub.New(log, l, session.NewRegistry(log, l))
	srv := httptest.NewServer(h.Handler("/ws"))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	c, err := Dial(ctx, testLogger(), url, ws.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func createLobby(t *testing.T, c *Client, maxAllowed int) session.Welcome {
	t.Helper()
	w, err := c.CreateSession(testCtx(t), session.CreateRequest{
		Options: session.Options{
			Token:            session.TokenOptions{Func: session.TokenStatic, Args: []any{"lobby"}},
			MaxPlayerAllowed: maxAllowed,
		},
	})
	require.NoError(t, err)
	return w
}

func TestClient_CreateAndJoin(t *testing.T) {
	_, url := startHub(t)
	host, guest := dial(t, url), dial(t, url)

	created := createLobby(t, host, 4)
	assert.Equal(t, "lobby", created.Session.Token)

	var (
		selfID string
		kind   session.Kind
	)
	joined := make(chan string, 1)
	require.NoError(t, host.Do(testCtx(t), func(s *session.Session, me *player.Player) {
		selfID, kind = me.ID(), s.Kind()
		s.Events().PlayerJoined.On(func(p *player.Player) { joined <- p.ID() })
	}))
	assert.Equal(t, created.Player.ID, selfID)
	assert.Equal(t, session.Mirror, kind)

	welcome, err := guest.JoinSession(testCtx(t), "lobby", player.Info{Width: 800, Height: 600})
	require.NoError(t, err)
	assert.Equal(t, 1, welcome.Player.Number)
	assert.Equal(t, 800, welcome.Player.Width)

	select {
	case id := <-joined:
		assert.Equal(t, welcome.Player.ID, id)
	case <-time.After(waitFor):
		t.Fatal("host was not told about the guest")
	}

	var (
		players    int
		hostNumber = -1
	)
	require.NoError(t, guest.Do(testCtx(t), func(s *session.Session, _ *player.Player) {
		players = s.Len()
		if p, ok := s.Player(created.Player.ID); ok {
			hostNumber = p.Number()
		}
	}))
	assert.Equal(t, 2, players)
	assert.Equal(t, 0, hostNumber)

	_, err = guest.JoinSession(testCtx(t), "lobby", player.Info{})
	require.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestClient_Rejections(t *testing.T) {
	_, url := startHub(t)
	host := dial(t, url)
	createLobby(t, host, 1)

	tests := []struct {
		name     string
		do       func(c *Client) error
		sentinel error
		reason   string
	}{
		{
			name: "full",
			do: func(c *Client) error {
				_, err := c.JoinSession(testCtx(t), "lobby", player.Info{})
				return err
			},
			sentinel: session.ErrSessionFull,
			reason:   "sessionFull",
		},
		{
			name: "not found",
			do: func(c *Client) error {
				_, err := c.JoinSession(testCtx(t), "missing", player.Info{})
				return err
			},
			sentinel: session.ErrSessionNotFound,
			reason:   "sessionNotFound",
		},
		{
			name: "token taken",
			do: func(c *Client) error {
				_, err := c.CreateSession(testCtx(t), session.CreateRequest{
					Options: session.Options{Token: session.TokenOptions{Func: session.TokenStatic, Args: []any{"lobby"}}},
				})
				return err
			},
			sentinel: session.ErrTokenAlreadyExists,
			reason:   "tokenAlreadyExists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, url)
			err := tt.do(c)

			require.ErrorIs(t, err, ErrRejected)
			require.ErrorIs(t, err, tt.sentinel)

			var rej *RejectionError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)

			assert.ErrorIs(t, c.Do(testCtx(t), func(*session.Session, *player.Player) {}), ErrNoSession)
		})
	}
}

func TestClient_AttributeSync(t *testing.T) {
	_, url := startHub(t)
	host, guest := dial(t, url), dial(t, url)

	createLobby(t, host, 4)
	welcome, err := guest.JoinSession(testCtx(t), "lobby", player.Info{})
	require.NoError(t, err)

	require.NoError(t, guest.Do(testCtx(t), func(_ *session.Session, me *player.Player) {
		me.Attributes().Set("color", "red")
	}))

	v, err := host.WaitForAttribute(testCtx(t), welcome.Player.ID, "color", waitFor)
	require.NoError(t, err)
	assert.Equal(t, "red", v)

	_, err = host.WaitForAttribute(testCtx(t), "nobody", "color", waitFor)
	require.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = host.WaitForAttribute(testCtx(t), welcome.Player.ID, "size", 50*time.Millisecond)
	require.ErrorIs(t, err, player.ErrWaitTimeout)
}

func TestClient_Messages(t *testing.T) {
	_, url := startHub(t)
	host, guest := dial(t, url), dial(t, url)

	createLobby(t, host, 4)
	_, err := guest.JoinSession(testCtx(t), "lobby", player.Info{})
	require.NoError(t, err)

	received := make(chan player.Message, 1)
	require.NoError(t, guest.Do(testCtx(t), func(s *session.Session, _ *player.Player) {
		s.Events().Message.On(func(m player.Message) { received <- m })
	}))

	var (
		hostID  string
		sendErr error
	)
	require.NoError(t, host.Do(testCtx(t), func(s *session.Session, me *player.Player) {
		hostID = me.ID()
		sendErr = s.Message("start", map[string]int{"round": 1})
	}))
	require.NoError(t, sendErr)

	select {
	case m := <-received:
		assert.Equal(t, "start", m.Type)
		assert.Equal(t, hostID, m.From)
		var payload map[string]int
		require.NoError(t, m.Decode(&payload))
		assert.Equal(t, 1, payload["round"])
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}
}

func TestClient_PeerLeaves(t *testing.T) {
	_, url := startHub(t)
	host, guest := dial(t, url), dial(t, url)

	createLobby(t, host, 4)
	welcome, err := guest.JoinSession(testCtx(t), "lobby", player.Info{})
	require.NoError(t, err)

	left := make(chan string, 1)
	require.NoError(t, host.Do(testCtx(t), func(s *session.Session, _ *player.Player) {
		s.Events().PlayerLeft.On(func(p *player.Player) { left <- p.ID() })
	}))

	require.NoError(t, guest.Disconnect(testCtx(t)))

	select {
	case id := <-left:
		assert.Equal(t, welcome.Player.ID, id)
	case <-time.After(waitFor):
		t.Fatal("host was not told about the leave")
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	h, url := startHub(t)
	c := dial(t, url)
	createLobby(t, c, 4)

	destroyed := make(chan string, 1)
	require.NoError(t, c.Do(testCtx(t), func(s *session.Session, _ *player.Player) {
		s.Events().Destroyed.On(func(token string) { destroyed <- token })
	}))

	require.NoError(t, h.Shutdown(testCtx(t)))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection loss not detected")
	}
	assert.Equal(t, "lobby", <-destroyed)
	assert.ErrorIs(t, c.Do(testCtx(t), func(*session.Session, *player.Player) {}), ErrNoSession)
}
