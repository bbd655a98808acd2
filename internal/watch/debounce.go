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

package watch

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of events per path: delivery waits until
// no new event has arrived for the window, and only the latest event of
// a burst is delivered. Editors that save through rename-and-replace
// produce several events per save; workflows should see one.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(map[string]any)
	timers  map[string]*time.Timer
	latest  map[string]map[string]any
	stopped bool
}

func newDebouncer(window time.Duration, flush func(map[string]any)) *debouncer {
	return &debouncer{
		window: window,
		flush:  flush,
		timers: make(map[string]*time.Timer),
		latest: make(map[string]map[string]any),
	}
}

// add records an event for a path and restarts its window.
func (d *debouncer) add(path string, fc map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.latest[path] = fc
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.fire(path)
	})
}

func (d *debouncer) fire(path string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	fc := d.latest[path]
	delete(d.latest, path)
	delete(d.timers, path)
	d.mu.Unlock()

	if fc != nil {
		d.flush(fc)
	}
}

// stop drops all pending timers. Events still in a window are lost.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.latest = make(map[string]map[string]any)
}
