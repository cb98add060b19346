package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/printer"
	"github.com/hay-kot/huddle/internal/styles"
)

type SessionsCmd struct {
	flags *Flags

	server  string
	jsonOut bool
}

// NewSessionsCmd creates a new sessions command
func NewSessionsCmd(flags *Flags) *SessionsCmd {
	return &SessionsCmd{flags: flags}
}

// Register adds the sessions command to the application
func (cmd *SessionsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "sessions",
		Aliases:     []string{"ls"},
		Usage:       "List the sessions of a running server",
		UsageText:   "huddle sessions [--server http://localhost:8080] [--json]",
		Description: "Displays a table of live sessions with their token, player count, joining state and age.",
		Flags: []cli.Flag{
			serverFlag(&cmd.server),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON",
				Destination: &cmd.jsonOut,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *SessionsCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	base := cmd.server
	if base == "" {
		base = serverURL(cmd.flags, "http")
	}

	sessions, err := fetchSessions(ctx, base)
	if err != nil {
		return err
	}

	if cmd.jsonOut {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		p.Infof("No sessions found")
		return nil
	}

	_, _ = fmt.Fprintln(c.Root().Writer, styles.SessionTable(sessions))
	return nil
}

func fetchSessions(ctx context.Context, base string) ([]session.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/sessions", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions: server returned %s", resp.Status)
	}

	var sessions []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

func serverFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "server",
		Aliases:     []string{"s", "url"},
		Usage:       "server URL (default: derived from server.addr)",
		Sources:     cli.EnvVars("HUDDLE_SERVER"),
		Destination: dest,
	}
}

// serverURL derives the URL of a local server from the configured listen
// address. scheme is http or ws; websocket URLs include the endpoint path.
func serverURL(flags *Flags, scheme string) string {
	addr, path := ":8080", "/ws"
	if flags.Config != nil {
		addr, path = flags.Config.Server.Addr, flags.Config.Server.Path
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}

	if scheme == "ws" {
		return "ws://" + host + path
	}
	return "http://" + host
}
