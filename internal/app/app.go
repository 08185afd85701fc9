// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. store    — open the on-disk recording store
//  2. upstream — outflow client (record-and-replay mode only)
//  3. services — request logger, metrics registry
//  4. gateway  — router state machine + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gate/internal/config"
	"github.com/nulpointcorp/inference-gate/internal/metrics"
	"github.com/nulpointcorp/inference-gate/internal/proxy"
	"github.com/nulpointcorp/inference-gate/internal/reqlog"
	"github.com/nulpointcorp/inference-gate/internal/store"
	"github.com/nulpointcorp/inference-gate/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	mode    proxy.Mode
	log     *slog.Logger

	st     *store.Store
	up     *upstream.Client
	reqLog *reqlog.Logger
	prom   *metrics.Registry
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, mode proxy.Mode, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, mode: mode, log: log, version: version}

	st, err := store.New(cfg.CacheDir, log)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.st = st

	if mode == proxy.ModeRecordAndReplay {
		a.up = upstream.New(cfg.Upstream, cfg.APIKey, log)
	}

	rl, err := reqlog.New(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("app: init reqlog: %w", err)
	}
	a.reqLog = rl

	a.prom = metrics.New()

	gw, err := proxy.NewGateway(mode, st, a.up, proxy.GatewayOptions{
		Logger:  log,
		ReqLog:  rl,
		Metrics: a.prom,
		Info: proxy.ConfigInfo{
			Host:     cfg.Host,
			Port:     cfg.Port,
			CacheDir: cfg.CacheDir,
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gw = gw

	return a, nil
}

// Gateway returns the wired gateway.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. The app is closed before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting inference-gate",
		slog.String("version", a.version),
		slog.String("mode", string(a.mode)),
		slog.String("addr", addr),
		slog.String("cache_dir", a.cfg.CacheDir),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.gw = nil
	}
	if a.reqLog != nil {
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("reqlog close error", slog.String("error", err.Error()))
		}
		a.reqLog = nil
	}
}
