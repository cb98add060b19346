package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hay-kot/huddle/internal/client"
	"github.com/hay-kot/huddle/internal/hub"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

// ServerCheck probes a running server: its health endpoint, its stats and a
// websocket connection.
type ServerCheck struct {
	baseURL string
	wsURL   string
	opts    ws.Options
	http    *http.Client
}

// NewServerCheck creates a check against the server at baseURL whose
// websocket endpoint is wsURL.
func NewServerCheck(baseURL, wsURL string, opts ws.Options) *ServerCheck {
	return &ServerCheck{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		wsURL:   wsURL,
		opts:    opts,
		http:    http.DefaultClient,
	}
}

func (c *ServerCheck) Name() string {
	return "Server"
}

func (c *ServerCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if err := c.get(ctx, "/health", nil); err != nil {
		result.add("Health", StatusWarn, fmt.Sprintf("server not reachable at %s: %v", c.baseURL, err))
		return result
	}
	result.add("Health", StatusPass, c.baseURL)

	var st hub.Stats
	if err := c.get(ctx, "/stats", &st); err != nil {
		result.add("Stats", StatusFail, err.Error())
	} else {
		result.add("Stats", StatusPass, fmt.Sprintf("%d session(s), %d client(s), %s messages",
			st.Sessions, st.Clients, humanize.Comma(st.Messages)))
	}

	cl, err := client.Dial(ctx, zerolog.Nop(), c.wsURL, c.opts)
	if err != nil {
		result.add("Websocket", StatusFail, err.Error())
		return result
	}
	cl.Close()
	result.add("Websocket", StatusPass, c.wsURL)

	return result
}

func (c *ServerCheck) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
