// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles and runs maestrod: config, logging, store,
// scheduler, engine, HTTP API, telemetry, and the watch service, with
// graceful drain on shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon/api"
	"github.com/tombee/maestro/internal/daemon/auth"
	internallog "github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/mcp"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/policy"
	"github.com/tombee/maestro/internal/secrets"
	"github.com/tombee/maestro/internal/store/sqlite"
	"github.com/tombee/maestro/internal/toolexec"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/internal/watch"
	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/engine"
	"github.com/tombee/maestro/pkg/scheduler"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the maestrod process: one engine, one HTTP listener, and
// the services around them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store   checkpoint.Store
	engine  *engine.Engine
	router  *api.Router
	watcher *watch.Service
	tracer  *tracing.Provider

	server  *http.Server
	ln      net.Listener
	pidFile string

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration. Nothing is listening yet;
// Start does that.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	var tracer *tracing.Provider
	if cfg.Telemetry.Tracing.Enabled {
		var err error
		tracer, err = tracing.Setup(context.Background(), cfg.Telemetry.Tracing, opts.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		logger.Info("tracing enabled",
			slog.String("exporter", cfg.Telemetry.Tracing.Exporter),
			slog.String("endpoint", cfg.Telemetry.Tracing.Endpoint))
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.Metrics.Enabled {
		store = metrics.InstrumentStore(store)
	}
	if tracer != nil {
		tracker := tracing.NewTracker(tracer.Tracer("maestro.engine"))
		store = tracing.InstrumentStore(store, tracker)
	}

	registry := action.NewRegistry()
	deps := builtin.Deps{
		Tools: toolexec.New(toolexec.Options{
			InheritEnv: true,
			Logger:     logger,
		}),
	}
	if err := builtin.RegisterAll(registry, deps); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register actions: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Store:        store,
		Scheduler:    scheduler.New(cfg.Scheduler.Build()),
		Registry:     registry,
		Logger:       internallog.WithComponent(logger, "engine"),
		Policy:       policy.NewChecker(cfg.Policy),
		Owner:        cfg.Engine.Owner,
		LeaseTTL:     cfg.Engine.LeaseTTL,
		GracePeriod:  cfg.Engine.GracePeriod,
		DrainTimeout: cfg.Engine.DrainTimeout,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	authMw, err := buildAuth(cfg, logger)
	if err != nil {
		eng.Close()
		store.Close()
		return nil, err
	}

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, eng, authMw, internallog.WithComponent(logger, "api"))
	if cfg.Telemetry.Metrics.Enabled {
		collector := metrics.NewSchedulerCollector(eng.SchedulerStats)
		if err := collector.Register(); err != nil {
			logger.Warn("failed to register scheduler metrics", internallog.Error(err))
		}
		router.SetMetricsHandler(promhttp.Handler())
	}

	var watcher *watch.Service
	if cfg.Watch.Enabled && len(cfg.Watch.Watches) > 0 {
		watches := make([]watch.Watch, len(cfg.Watch.Watches))
		for i, w := range cfg.Watch.Watches {
			watches[i] = watch.Watch{
				Name:          w.Name,
				Path:          w.Path,
				Pattern:       w.Pattern,
				Workflow:      w.Workflow,
				TenantID:      w.TenantID,
				Inputs:        w.Inputs,
				Debounce:      w.Debounce,
				RatePerMinute: w.RatePerMinute,
			}
		}
		watcher, err = watch.NewService(watches, eng, internallog.WithComponent(logger, "watch"))
		if err != nil {
			eng.Close()
			store.Close()
			return nil, fmt.Errorf("failed to create watch service: %w", err)
		}
	}

	return &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		store:   store,
		engine:  eng,
		router:  router,
		watcher: watcher,
		tracer:  tracer,
	}, nil
}

// Engine exposes the daemon's engine for surfaces that drive runs
// in-process.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// ServeMCP serves engine operations as MCP tools on stdin/stdout until
// the stream closes. Only run it when an assistant is actually
// attached; a detached stdin reads as EOF and returns immediately.
func (d *Daemon) ServeMCP(ctx context.Context) error {
	srv, err := mcp.New(mcp.Config{
		Version: d.opts.Version,
		Logger:  internallog.WithComponent(d.logger, "mcp"),
	}, d.engine)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return srv.Run(ctx)
}

// Start recovers abandoned runs, binds the listener, and serves until
// the context is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.writePIDFile(); err != nil {
		d.logger.Warn("failed to write PID file", internallog.Error(err))
	}

	// Runs abandoned by a previous process resume from their logs
	// before the API accepts new work.
	resumed, err := d.engine.Recover(ctx)
	if err != nil {
		d.logger.Warn("recovery sweep failed", internallog.Error(err))
	} else if len(resumed) > 0 {
		d.logger.Info("resumed abandoned runs", slog.Int("count", len(resumed)))
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr, err)
	}

	d.mu.Lock()
	d.ln = ln
	d.server = &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: d.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
	d.mu.Unlock()

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watch service: %w", err)
		}
	}

	d.logger.Info("maestrod starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("store", d.cfg.Store.Type))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, useful when the configured
// address had port 0.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return d.cfg.Server.Addr
	}
	return d.ln.Addr().String()
}

// Shutdown drains and stops the daemon: new submissions are refused,
// in-flight runs get the drain timeout to finish (they checkpoint and
// resume on the next start either way), then the HTTP server closes.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")
	d.router.StartDraining()
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error("watch service shutdown error", internallog.Error(err))
		}
	}

	// Close drains run loops up to the engine's drain timeout; anything
	// still running halts at its next checkpoint and is recovered later.
	if err := d.engine.Close(); err != nil {
		d.logger.Warn("engine close error", internallog.Error(err))
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if d.tracer != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.tracer.Shutdown(flushCtx); err != nil {
			d.logger.Error("tracing shutdown error", internallog.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("store close error", internallog.Error(err))
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				internallog.Error(err), slog.String("path", d.pidFile))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// buildStore opens the checkpoint backend named by the config.
func buildStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.New(sqlite.Config{
			Path:        cfg.Store.Path,
			WAL:         cfg.Store.WAL,
			BusyTimeout: cfg.Store.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// buildAuth constructs the bearer middleware. The signing secret can
// come from config directly or resolve through the secrets chain.
func buildAuth(cfg *config.Config, logger *slog.Logger) (*auth.Middleware, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}

	jwtCfg := auth.JWTConfig{Leeway: cfg.Auth.Leeway}
	switch cfg.Auth.Algorithm {
	case "EdDSA":
		key, err := auth.LoadPublicKey(cfg.Auth.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load auth public key: %w", err)
		}
		jwtCfg.PublicKey = key
	default:
		secret := cfg.Auth.Secret
		if cfg.Auth.SecretRef != "" {
			resolved, err := secrets.NewDefaultResolver().Get(context.Background(), cfg.Auth.SecretRef)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve auth secret %q: %w", cfg.Auth.SecretRef, err)
			}
			secret = resolved
		}
		if secret == "" {
			return nil, fmt.Errorf("auth is enabled but no signing secret is configured")
		}
		jwtCfg.Secret = []byte(secret)
	}

	return auth.NewMiddleware(auth.Config{
		Enabled: true,
		JWT:     jwtCfg,
		Logger:  internallog.WithComponent(logger, "auth"),
	}), nil
}

// writePIDFile records the process ID under the data directory so
// operators and scripts can find the running daemon.
func (d *Daemon) writePIDFile() error {
	if d.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.cfg.DataDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d.cfg.DataDir, "maestrod.pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return err
	}
	d.pidFile = path
	return nil
}
