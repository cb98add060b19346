package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/huddle/internal/core/loop"
	"github.com/hay-kot/huddle/internal/core/session"
	"github.com/hay-kot/huddle/internal/hub"
	"github.com/hay-kot/huddle/internal/printer"
	"github.com/hay-kot/huddle/internal/styles"
	"github.com/hay-kot/huddle/internal/transport/ws"
)

type ServeCmd struct {
	flags *Flags

	addr     string
	noBanner bool
}

// NewServeCmd creates a new serve command.
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application.
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the session server",
		UsageText: "huddle serve [--addr :8080]",
		Description: `Starts the websocket server that hosts sessions.

Clients connect to the websocket endpoint (server.path, /ws by default) and
create or join a session with their first message. The server also exposes
/health, /stats and /sessions as JSON.

The server shuts down gracefully on SIGINT or SIGTERM: open connections are
closed and every session is destroyed.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides server.addr)",
				Sources:     cli.EnvVars("HUDDLE_ADDR"),
				Destination: &cmd.addr,
			},
			&cli.BoolFlag{
				Name:        "no-banner",
				Usage:       "do not print the startup banner",
				Destination: &cmd.noBanner,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)
	cfg := cmd.flags.Config
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := cfg.Server.Addr
	if cmd.addr != "" {
		addr = cmd.addr
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.With().Str("component", "hub").Logger()

	l := loop.New(logger, 0)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := l.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("loop stopped")
		}
	}()

	registry := session.NewRegistry(logger, l,
		session.WithDefaults(cfg.Sessions.Defaults()),
		session.WithScripts(cfg.Sessions.Scripts...),
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
	)
	h := hub.New(logger, l, registry,
		hub.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		hub.WithTransport(ws.OptionsFrom(cfg.Transport)),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h.Handler(cfg.Server.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !cmd.noBanner {
		p.Printf("%s", styles.BannerStyle.Render(styles.Banner))
		p.Printf("")
	}
	p.Successf("Listening on %s%s", ln.Addr(), cfg.Server.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	p.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	p.Successf("Server stopped")
	return nil
}
