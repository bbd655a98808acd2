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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the configuration file; empty means defaults plus
	// environment.
	ConfigPath string

	// Config overrides from flags.
	Addr      string
	StoreType string
	StorePath string
	DataDir   string

	// MCP additionally serves engine operations over stdio, for use
	// when an AI assistant spawns the daemon itself.
	MCP bool
}

// Run loads configuration, starts the daemon, and blocks until a
// SIGINT/SIGTERM arrives or the daemon fails.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.StoreType != "" {
		cfg.Store.Type = opts.StoreType
	}
	if opts.StorePath != "" {
		cfg.Store.Path = opts.StorePath
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	// Stdio MCP only runs when the caller asked for it: the stream
	// treats stdin EOF as shutdown, which a detached daemon would hit
	// immediately. A nil channel never fires, so the select below
	// ignores MCP otherwise.
	var mcpCh chan error
	if opts.MCP {
		if !cfg.MCP.Enabled {
			logger.Warn("--mcp requested but mcp.enabled is false, not serving MCP")
		} else {
			mcpCh = make(chan error, 1)
			go func() {
				mcpCh <- d.ServeMCP(ctx)
			}()
		}
	}

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-mcpCh:
		if err != nil {
			logger.Error("mcp server error", slog.Any("error", err))
		} else {
			logger.Info("mcp stream closed, shutting down")
		}
		cancel()
		if sErr := d.Shutdown(context.Background()); sErr != nil {
			logger.Error("error during shutdown", slog.Any("error", sErr))
		}
		if err != nil {
			return fmt.Errorf("mcp server error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			return fmt.Errorf("daemon error: %w", err)
		}
		// Start returned because its context ended; finish the drain.
		return d.Shutdown(context.Background())
	}
}
