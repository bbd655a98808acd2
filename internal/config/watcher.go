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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file changes and notifies
// subscribers with the new Config. A reload that fails validation is
// logged and dropped; subscribers keep the last good config.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger

	// debounceDelay coalesces editor write bursts into one reload
	debounceDelay time.Duration

	mu      sync.Mutex
	subs    []chan *Config
	pending *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures a config file watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the delay before reloading after a change
	// (defaults to 500ms).
	DebounceDelay time.Duration
}

// NewWatcher creates a watcher over the given config file. The file's
// directory is watched so atomic-rename saves (the common editor
// pattern) are observed as well.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:          absPath,
		fsWatcher:     fsWatcher,
		logger:        logger.With(slog.String("component", "config-watcher")),
		debounceDelay: debounceDelay,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents(ctx)

	return w, nil
}

// Subscribe returns a channel that receives each successfully reloaded
// Config. The channel is buffered; a slow subscriber misses
// intermediate configs, never blocks the watcher.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// processEvents watches for changes to the config file.
func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a debounced reload, replacing any pending
// one.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
	w.mu.Unlock()
}

// reload re-loads the config file and notifies subscribers on success.
func (w *Watcher) reload() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.logger.Info("config reloaded", "path", w.path)

	w.mu.Lock()
	subs := make([]chan *Config, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale config the subscriber never read, then
			// deliver the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
