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

// Package watch turns filesystem events into workflow submissions. Each
// configured watch pairs a directory with a workflow file: when a path
// under the directory matches the watch pattern, the workflow is
// submitted with the file context bound into its inputs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tombee/maestro/pkg/workflow"
)

// Submitter starts workflow runs for triggered watches. The engine
// satisfies it directly.
type Submitter interface {
	Submit(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (string, error)
}

// Watch configures one watched directory.
type Watch struct {
	// Name identifies the watch in logs.
	Name string

	// Path is the directory to watch.
	Path string

	// Pattern is a doublestar glob matched against paths relative to
	// Path. Empty matches everything.
	Pattern string

	// Workflow is the definition file submitted on a match. It is read
	// per trigger, so edits take effect without a restart.
	Workflow string

	// TenantID attributes the triggered runs.
	TenantID string

	// Inputs are fixed inputs merged under the trigger context.
	Inputs map[string]any

	// Debounce coalesces bursts of events per path; only the last
	// event of a burst triggers. Zero triggers on every event.
	Debounce time.Duration

	// RatePerMinute caps triggered submissions. Zero means unlimited.
	RatePerMinute float64
}

// Service runs the configured watches until stopped.
type Service struct {
	watches []Watch
	submit  Submitter
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewService creates a watch service. Patterns are validated here so a
// bad config fails at startup, not on the first event.
func NewService(watches []Watch, submit Submitter, logger *slog.Logger) (*Service, error) {
	if submit == nil {
		return nil, fmt.Errorf("watch: submitter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, w := range watches {
		if w.Name == "" {
			return nil, fmt.Errorf("watch: name is required")
		}
		if w.Path == "" {
			return nil, fmt.Errorf("watch %s: path is required", w.Name)
		}
		if w.Workflow == "" {
			return nil, fmt.Errorf("watch %s: workflow is required", w.Name)
		}
		if w.Pattern != "" {
			if _, err := doublestar.Match(w.Pattern, "probe"); err != nil {
				return nil, fmt.Errorf("watch %s: invalid pattern %q: %w", w.Name, w.Pattern, err)
			}
		}
	}
	return &Service{
		watches: watches,
		submit:  submit,
		log:     logger.With(slog.String("component", "watch")),
	}, nil
}

// Start begins watching. It returns once all watchers are registered;
// event handling continues in the background until Stop or ctx end.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("watch: service already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, w := range s.watches {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			s.cancel()
			return fmt.Errorf("watch %s: %w", w.Name, err)
		}
		if err := fsw.Add(w.Path); err != nil {
			fsw.Close()
			s.cancel()
			return fmt.Errorf("watch %s: watching %s: %w", w.Name, w.Path, err)
		}

		s.wg.Add(1)
		go s.watchLoop(w, fsw)
	}

	s.started = true
	s.log.Info("watch service started", slog.Int("watches", len(s.watches)))
	return nil
}

// Stop stops all watchers and waits for their loops to exit. Pending
// debounce timers are dropped, not flushed.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
	s.log.Info("watch service stopped")
	return nil
}

// watchLoop drains one watcher's events until the service stops.
func (s *Service) watchLoop(w Watch, fsw *fsnotify.Watcher) {
	defer s.wg.Done()
	defer fsw.Close()

	logger := s.log.With(slog.String("watch", w.Name))

	var limiter *rate.Limiter
	if w.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.RatePerMinute/60), 1)
	}

	fire := func(fc map[string]any) {
		if limiter != nil && !limiter.Allow() {
			logger.Warn("rate limit exceeded, dropping event",
				slog.String("path", fc["path"].(string)))
			return
		}
		s.trigger(w, fc, logger)
	}

	var deb *debouncer
	if w.Debounce > 0 {
		deb = newDebouncer(w.Debounce, fire)
		defer deb.stop()
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			kind := eventKind(ev.Op)
			if kind == "" {
				continue
			}
			if !s.matches(w, ev.Name) {
				continue
			}
			fc := fileContext(ev.Name, kind)
			if deb != nil {
				deb.add(ev.Name, fc)
			} else {
				fire(fc)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", slog.Any("error", err))
		}
	}
}

// matches applies the watch pattern to a path relative to the watch
// root.
func (s *Service) matches(w Watch, path string) bool {
	if w.Pattern == "" {
		return true
	}
	rel, err := filepath.Rel(w.Path, path)
	if err != nil {
		return false
	}
	ok, err := doublestar.Match(w.Pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// trigger reads and submits the watch's workflow with the file context
// bound under inputs.trigger.file.
func (s *Service) trigger(w Watch, fc map[string]any, logger *slog.Logger) {
	data, err := os.ReadFile(w.Workflow)
	if err != nil {
		logger.Error("failed to read workflow file",
			slog.String("workflow", w.Workflow), slog.Any("error", err))
		return
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		logger.Error("failed to parse workflow file",
			slog.String("workflow", w.Workflow), slog.Any("error", err))
		return
	}

	inputs := make(map[string]any, len(w.Inputs)+1)
	for k, v := range w.Inputs {
		inputs[k] = v
	}
	inputs["trigger"] = map[string]any{"file": fc}

	runID, err := s.submit.Submit(s.ctx, w.TenantID, def, inputs)
	if err != nil {
		logger.Error("failed to submit triggered run",
			slog.String("workflow", def.ID), slog.Any("error", err))
		return
	}
	logger.Info("watch triggered run",
		slog.String("run_id", runID),
		slog.String("workflow", def.ID),
		slog.String("path", fc["path"].(string)))
}

// eventKind maps an fsnotify op to the trigger event name. Ops can
// carry several bits; the most significant one wins. Chmod-only events
// are dropped.
func eventKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}

// fileContext builds the trigger payload for one event. Every value
// stays inside the workflow value domain, so mtime is an RFC3339
// string rather than a time.Time.
func fileContext(path, event string) map[string]any {
	fc := map[string]any{
		"path":   path,
		"name":   filepath.Base(path),
		"dir":    filepath.Dir(path),
		"ext":    filepath.Ext(path),
		"event":  event,
		"is_dir": false,
	}
	// Deleted files cannot be stated; their context carries no size or
	// mtime.
	if info, err := os.Stat(path); err == nil {
		fc["size"] = info.Size()
		fc["mtime"] = info.ModTime().UTC().Format(time.RFC3339)
		fc["is_dir"] = info.IsDir()
	}
	return fc
}
