package commands

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/huddle/internal/commands/doctor"
	"github.com/hay-kot/huddle/internal/printer"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

type DoctorCmd struct {
	flags   *Flags
	format  string
	server  string
	timeout time.Duration
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "doctor",
		Usage:       "Run health checks on your huddle setup",
		UsageText:   "huddle doctor [options]",
		Description: "Validates the configuration and probes the server's health, stats and websocket endpoints.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
			serverFlag(&cmd.server),
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "timeout per check",
				Value:       5 * time.Second,
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	base, wsURL := serverURL(cmd.flags, "http"), serverURL(cmd.flags, "ws")
	if cmd.server != "" {
		base = strings.TrimSuffix(cmd.server, "/")
		wsURL = wsEndpoint(cmd.flags, base)
	}

	opts := ws.DefaultOptions()
	if cmd.flags.Config != nil {
		opts = ws.OptionsFrom(cmd.flags.Config.Transport)
	}

	checks := []doctor.Check{
		doctor.NewConfigCheck(cmd.flags.Config, cmd.flags.ConfigPath),
		doctor.NewServerCheck(base, wsURL, opts),
	}

	results := doctor.RunAll(ctx, checks, cmd.timeout)

	if cmd.format == "json" {
		return cmd.outputJSON(c, results)
	}

	return cmd.outputText(ctx, results)
}

func (cmd *DoctorCmd) outputJSON(c *cli.Command, results []doctor.Result) error {
	passed, warned, failed := doctor.Summary(results)

	out := struct {
		Healthy bool            `json:"healthy"`
		Summary summaryJSON     `json:"summary"`
		Checks  []doctor.Result `json:"checks"`
	}{
		Healthy: failed == 0,
		Summary: summaryJSON{Passed: passed, Warned: warned, Failed: failed},
		Checks:  results,
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type summaryJSON struct {
	Passed int `json:"passed"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (cmd *DoctorCmd) outputText(ctx context.Context, results []doctor.Result) error {
	p := printer.Ctx(ctx)

	for _, result := range results {
		p.Section(result.Name)

		for _, item := range result.Items {
			switch item.Status {
			case doctor.StatusPass:
				p.CheckItem(item.Label, item.Detail)
			case doctor.StatusWarn:
				p.WarnItem(item.Label, item.Detail)
			case doctor.StatusFail:
				p.FailItem(item.Label, item.Detail)
			}
		}

		p.Printf("")
	}

	passed, warned, failed := doctor.Summary(results)
	p.Printf("Summary: %d passed, %d warnings, %d failed", passed, warned, failed)

	if failed > 0 {
		return cli.Exit("", 1)
	}

	return nil
}

// wsEndpoint maps an http(s) server URL onto its websocket endpoint.
func wsEndpoint(flags *Flags, base string) string {
	path := "/ws"
	if flags.Config != nil {
		path = flags.Config.Server.Path
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
