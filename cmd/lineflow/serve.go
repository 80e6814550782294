package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rendis/lineflow/internal/api"
	"github.com/rendis/lineflow/internal/logging"
	"github.com/rendis/lineflow/internal/scheduler"
	"github.com/rendis/lineflow/internal/service"
	"github.com/rendis/lineflow/internal/store"
	"github.com/rendis/lineflow/internal/streaming"
	"github.com/rendis/lineflow/pkg/mcp"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the HTTP API and the revalidation sweeper",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Listen address",
		},
		&cli.StringSliceFlag{
			Name:  "cors-origin",
			Usage: "Allowed CORS origin (repeatable)",
		},
		&cli.StringFlag{
			Name:  "sweep-cron",
			Usage: `Cron expression of the revalidation sweep ("off" disables it)`,
		},
		&cli.StringFlag{
			Name:  "sweep-retention",
			Usage: "Drop analysis history older than this duration (e.g. 720h)",
		},
	},
	Action: runServe,
}

var mcpCommand = &cli.Command{
	Name:  "mcp",
	Usage: "Serve the MCP tools over stdio",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-store",
			Usage: "Run without saved lines (flow.lines disabled)",
		},
	},
	Action: func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}

		var backing store.Store
		if !c.Bool("no-store") {
			st, err := openStore(c, env.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			backing = st
		}
		svc, err := env.service(backing)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		env.logger.Info("mcp server starting", slog.String("version", version))
		return mcp.NewFlowServer(mcp.FlowServerDeps{
			Service: svc,
			Logger:  env.logger,
			Version: version,
		}).Serve(ctx)
	},
}

func applyServeFlags(c *cli.Context, cfg *Config) {
	applyGlobalFlags(c, cfg)
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("cors-origin") {
		cfg.AllowedOrigins = c.StringSlice("cors-origin")
	}
	if c.IsSet("sweep-cron") {
		cfg.SweepCron = c.String("sweep-cron")
	}
	if c.IsSet("sweep-retention") {
		cfg.SweepRetention = c.String("sweep-retention")
	}
}

// liveService lets the sweeper follow service rebuilds on reload.
type liveService struct {
	p atomic.Pointer[service.FlowService]
}

func (l *liveService) ListLines(ctx context.Context, f store.LineFilter) ([]*store.LineSummary, error) {
	return l.p.Load().ListLines(ctx, f)
}

func (l *liveService) Refresh(ctx context.Context, id string) (*store.AnalysisRecord, bool, error) {
	return l.p.Load().Refresh(ctx, id)
}

func (l *liveService) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	return l.p.Load().PruneHistory(ctx, before)
}

func runServe(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	applyServeFlags(c, &env.cfg)
	env.events = streaming.NewMemoryHub()
	cfg := env.cfg
	logger := env.logger

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := env.service(st)
	if err != nil {
		return err
	}
	live := &liveService{}
	live.p.Store(svc)

	swapper := newHandlerSwapper(apiHandler(cfg, env, svc))

	// Event streams hang off baseCtx so Shutdown can end them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	if cfg.sweepEnabled() {
		retention, err := cfg.sweepRetention()
		if err != nil {
			return err
		}
		sweeper, err := scheduler.NewSweeper(live, scheduler.Config{
			Spec:      cfg.SweepCron,
			Retention: retention,
		}, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	// SIGHUP reloads rules, cache size, CORS origins and log level.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next := loadConfig()
				applyServeFlags(c, &next)
				cfg = reload(cfg, next, env, st, live, swapper)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.shutdownTimeout()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func apiHandler(cfg Config, env *cliEnv, svc *service.FlowService) http.Handler {
	return api.NewServer(api.Deps{
		Service:        svc,
		Events:         env.events,
		Logger:         env.logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	}).Handler()
}

// reload applies next over the running server and returns the config now
// in effect. On failure the running service is kept.
func reload(cur, next Config, env *cliEnv, st store.Store, live *liveService, swapper *handlerSwapper) Config {
	logger := env.logger
	diff := diffConfigs(cur, next)

	if diff.LogLevelChanged {
		lvl, err := logging.ParseLevel(next.LogLevel)
		if err != nil {
			logger.Error("reload: bad log level", slog.String("error", err.Error()))
			next.LogLevel = cur.LogLevel
		} else {
			env.level.Set(lvl)
		}
	}

	rebuilt := &cliEnv{cfg: next, level: env.level, logger: logger, events: env.events}
	svc, err := rebuilt.service(st)
	if err != nil {
		logger.Error("reload failed, keeping current service", slog.String("error", err.Error()))
		return cur
	}
	live.p.Store(svc)
	gen := swapper.Swap(apiHandler(next, env, svc))

	for _, field := range diff.RestartNeeded {
		logger.Warn("config change needs a restart", slog.String("field", field))
	}
	logger.Info("configuration reloaded",
		slog.Uint64("generation", gen),
		slog.Bool("rules_changed", diff.RulesChanged),
		slog.Int("rules", len(svc.Rules().Rules)))

	// Restart-only fields stay as they are until the process restarts.
	next.ListenAddr = cur.ListenAddr
	next.DBPath = cur.DBPath
	next.SweepCron = cur.SweepCron
	next.SweepRetention = cur.SweepRetention
	return next
}
