package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/huddle/internal/client"
	"github.com/hay-kot/huddle/internal/core/messaging"
	"github.com/hay-kot/huddle/internal/core/player"
	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/printer"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

const joinHelp = `Commands:
  set <key> <value>         set an attribute on your player (value is JSON or text)
  del <key>                 delete an attribute
  say <type> [value]        send a session message to everyone
  tell <id> <type> [value]  send a message to one player
  wait <id> <key>           wait for a player attribute
  joining <on|off>          allow or refuse new players
  players                   list players
  quit                      leave the session`

type JoinCmd struct {
	flags *Flags

	server  string
	role    string
	create  bool
	token   string
	tokenFn string
	min     int
	max     int
	filter  []string
	script  string
	attrs   []string
	timeout time.Duration
}

// NewJoinCmd creates a new join command.
func NewJoinCmd(flags *Flags) *JoinCmd {
	return &JoinCmd{flags: flags}
}

// Register adds the join command to the application.
func (cmd *JoinCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "join",
		Usage:     "Join or create a session as an interactive client",
		UsageText: "huddle join [options] [token]",
		Description: `Connects to a huddle server and joins the session with the given token.
With --create, or without a token, a new session is created instead.

Once joined, session events are printed as they happen and commands are read
from stdin, one per line. Type 'help' for the list.

Examples:
  huddle join --create --max 4          # create a session for up to 4 players
  huddle join 482913                    # join an existing session
  huddle join --attr color=red 482913   # join with an initial attribute`,
		Flags: []cli.Flag{
			serverFlag(&cmd.server),
			&cli.StringFlag{
				Name:        "role",
				Usage:       "player role (player, presenter)",
				Value:       string(player.RolePlayer),
				Destination: &cmd.role,
			},
			&cli.BoolFlag{
				Name:        "create",
				Usage:       "create a new session",
				Destination: &cmd.create,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "token for a created session (uses the static token func)",
				Destination: &cmd.token,
			},
			&cli.StringFlag{
				Name:        "token-func",
				Usage:       "token generator for a created session (numeric, alphanumeric, base62, uuid)",
				Destination: &cmd.tokenFn,
			},
			&cli.IntFlag{
				Name:        "min",
				Usage:       "minimum players needed for a created session",
				Destination: &cmd.min,
			},
			&cli.IntFlag{
				Name:        "max",
				Usage:       "maximum players allowed in a created session",
				Destination: &cmd.max,
			},
			&cli.StringSliceFlag{
				Name:        "filter",
				Usage:       "message types the server must not relay (repeatable)",
				Destination: &cmd.filter,
			},
			&cli.StringFlag{
				Name:        "script",
				Usage:       "script name of a created session",
				Destination: &cmd.script,
			},
			&cli.StringSliceFlag{
				Name:        "attr",
				Usage:       "initial attribute as key=value (repeatable)",
				Destination: &cmd.attrs,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "timeout for connecting and waiting on attributes",
				Value:       10 * time.Second,
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *JoinCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	url := cmd.server
	if url == "" {
		url = serverURL(cmd.flags, "ws")
	}
	opts := ws.DefaultOptions()
	if cmd.flags.Config != nil {
		opts = ws.OptionsFrom(cmd.flags.Config.Transport)
	}

	me, err := cmd.playerInfo()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	cl, err := client.Dial(dialCtx, log.With().Str("component", "client").Logger(), url, opts)
	if err != nil {
		return err
	}
	defer cl.Close()

	var welcome session.Welcome
	if cmd.create || c.Args().Len() == 0 {
		welcome, err = cl.CreateSession(dialCtx, session.CreateRequest{Options: cmd.sessionOptions(), Player: me})
	} else {
		welcome, err = cl.JoinSession(dialCtx, c.Args().First(), me)
	}
	if err != nil {
		return err
	}

	p.Successf("Joined session %s as %s (#%d)", p.Bold(welcome.Session.Token), welcome.Player.ID, welcome.Player.Number)
	p.Infof("%d/%d players, type 'help' for commands", len(welcome.Session.Players), welcome.Session.MaxPlayerAllowed)

	if err := cl.Do(ctx, func(s *session.Session, _ *player.Player) { watchSession(p, s) }); err != nil {
		return err
	}

	return cmd.repl(ctx, p, cl, os.Stdin)
}

func (cmd *JoinCmd) playerInfo() (player.Info, error) {
	info := player.Info{Role: player.Role(cmd.role)}
	if !info.Role.Valid() {
		return player.Info{}, fmt.Errorf("unknown role %q", cmd.role)
	}

	for _, kv := range cmd.attrs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return player.Info{}, fmt.Errorf("invalid attribute %q, expected key=value", kv)
		}
		if info.Attributes == nil {
			info.Attributes = map[string]any{}
		}
		info.Attributes[key] = parseValue(value)
	}
	return info, nil
}

func (cmd *JoinCmd) sessionOptions() session.Options {
	opts := session.Options{
		MinPlayerNeeded:  cmd.min,
		MaxPlayerAllowed: cmd.max,
		Filter:           cmd.filter,
		ScriptName:       cmd.script,
	}
	switch {
	case cmd.token != "":
		opts.Token = session.TokenOptions{Func: session.TokenStatic, Args: []any{cmd.token}}
	case cmd.tokenFn != "":
		opts.Token = session.TokenOptions{Func: cmd.tokenFn}
	}
	return opts
}

// watchSession prints the events of s and of every player in it.
func watchSession(p *printer.Printer, s *session.Session) {
	watchPlayer := func(pl *player.Player) {
		id := pl.ID()
		pl.Events().AttributesChanged.On(func(c player.Change) {
			if !c.Remote {
				return
			}
			for k, v := range c.Changed {
				p.Eventf(id, "set %s = %v", k, v)
			}
			for _, k := range c.Removed {
				p.Eventf(id, "deleted %s", k)
			}
		})
		pl.Events().Message.On(func(m player.Message) {
			p.Eventf(m.From, "%s %s", m.Type, string(m.Data))
		})
	}

	for _, pl := range s.Players() {
		watchPlayer(pl)
	}

	ev := s.Events()
	ev.PlayerJoined.On(func(pl *player.Player) {
		p.Eventf(pl.ID(), "joined as #%d (%s)", pl.Number(), pl.Role())
		watchPlayer(pl)
	})
	ev.PlayerLeft.On(func(pl *player.Player) {
		p.Eventf(pl.ID(), "left")
	})
	ev.AboveMinNeeded.On(func(n int) {
		p.Eventf("session", "%d players, enough to start", n)
	})
	ev.BelowMinNeeded.On(func(n int) {
		p.Eventf("session", "%d players, below the minimum", n)
	})
	ev.JoiningChanged.On(func(enabled bool) {
		p.Eventf("session", "joining %s", onOff(enabled))
	})
	ev.Message.On(func(m player.Message) {
		p.Eventf(m.From, "%s %s", m.Type, string(m.Data))
	})
	ev.Destroyed.On(func(token string) {
		p.Warnf("Session %s ended", token)
	})
}

func (cmd *JoinCmd) repl(ctx context.Context, p *printer.Printer, cl *client.Client, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cl.Done():
			return fmt.Errorf("server closed the connection")
		case line, ok := <-lines:
			if !ok {
				return cmd.leave(ctx, cl)
			}
			rc, err := parseLine(line)
			if err != nil {
				p.Errorf("%v", err)
				continue
			}
			if rc.name == "" {
				continue
			}
			if rc.name == "quit" {
				return cmd.leave(ctx, cl)
			}
			if err := cmd.exec(ctx, p, cl, rc); err != nil {
				if errors.Is(err, client.ErrNoSession) {
					return err
				}
				p.Errorf("%v", err)
			}
		}
	}
}

func (cmd *JoinCmd) leave(ctx context.Context, cl *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()
	return cl.Disconnect(ctx)
}

func (cmd *JoinCmd) exec(ctx context.Context, p *printer.Printer, cl *client.Client, rc replCommand) error {
	var opErr error
	do := func(fn func(s *session.Session, me *player.Player) error) error {
		err := cl.Do(ctx, func(s *session.Session, me *player.Player) { opErr = fn(s, me) })
		if err != nil {
			return err
		}
		return opErr
	}

	switch rc.name {
	case "help":
		p.Printf("%s", joinHelp)
		return nil
	case "set":
		return do(func(_ *session.Session, me *player.Player) error {
			me.Attributes().Set(rc.args[0], rc.value)
			return nil
		})
	case "del":
		return do(func(_ *session.Session, me *player.Player) error {
			me.Attributes().Delete(rc.args[0])
			return nil
		})
	case "say":
		return do(func(s *session.Session, _ *player.Player) error {
			return s.Message(rc.args[0], rc.value)
		})
	case "tell":
		return do(func(_ *session.Session, me *player.Player) error {
			return me.Message(rc.args[1], rc.value, player.To(messaging.To(rc.args[0])))
		})
	case "joining":
		return do(func(s *session.Session, _ *player.Player) error {
			return s.SetJoining(rc.args[0] == "on")
		})
	case "players":
		return do(func(s *session.Session, me *player.Player) error {
			for _, pl := range s.Players() {
				marker := " "
				if pl.ID() == me.ID() {
					marker = "*"
				}
				p.Printf("%s #%d %s (%s) %v", marker, pl.Number(), pl.ID(), pl.Role(), map[string]any(pl.Attributes().Values()))
			}
			return nil
		})
	case "wait":
		v, err := cl.WaitForAttribute(ctx, rc.args[0], rc.args[1], cmd.timeout)
		if err != nil {
			return err
		}
		p.Eventf(rc.args[0], "%s = %v", rc.args[1], v)
		return nil
	}
	return fmt.Errorf("unknown command %q, type 'help'", rc.name)
}

// replCommand is one parsed line of interactive input.
type replCommand struct {
	name  string
	args  []string
	value any
}

// replArity is the number of word arguments each command takes before an
// optional trailing value.
var replArity = map[string]struct {
	args     int
	value    bool
	required bool
}{
	"help":    {},
	"quit":    {},
	"players": {},
	"set":     {args: 1, value: true, required: true},
	"del":     {args: 1},
	"say":     {args: 1, value: true},
	"tell":    {args: 2, value: true},
	"wait":    {args: 2},
	"joining": {args: 1},
}

func parseLine(line string) (replCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return replCommand{}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	arity, ok := replArity[name]
	if !ok {
		return replCommand{}, fmt.Errorf("unknown command %q, type 'help'", name)
	}

	rc := replCommand{name: name}
	for range arity.args {
		rest = strings.TrimSpace(rest)
		var word string
		word, rest, _ = strings.Cut(rest, " ")
		if word == "" {
			return replCommand{}, fmt.Errorf("%s: expected %d argument(s)", name, arity.args)
		}
		rc.args = append(rc.args, word)
	}

	rest = strings.TrimSpace(rest)
	switch {
	case rest != "" && !arity.value:
		return replCommand{}, fmt.Errorf("%s: unexpected %q", name, rest)
	case rest == "" && arity.required:
		return replCommand{}, fmt.Errorf("%s: missing value", name)
	case rest != "":
		rc.value = parseValue(rest)
	}

	if name == "joining" && rc.args[0] != "on" && rc.args[0] != "off" {
		return replCommand{}, fmt.Errorf("joining: expected on or off")
	}
	return rc, nil
}

// parseValue decodes s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
