package engine

import (
	"context"
	"sync"
)

type signalKey struct {
	runID string
	name  string
}

// signalHub routes external signals to wait steps. Delivery wakes every
// goroutine currently waiting on the (run, name) pair; a signal with no
// waiter is latched, latest payload wins, and consumed by the next Wait.
type signalHub struct {
	mu      sync.Mutex
	waiters map[signalKey][]chan any
	pending map[signalKey]any
}

func newSignalHub() *signalHub {
	return &signalHub{
		waiters: make(map[signalKey][]chan any),
		pending: make(map[signalKey]any),
	}
}

// Wait implements action.SignalWaiter.
func (h *signalHub) Wait(ctx context.Context, runID, name string) (any, error) {
	key := signalKey{runID: runID, name: name}

	h.mu.Lock()
	if payload, ok := h.pending[key]; ok {
		delete(h.pending, key)
		h.mu.Unlock()
		return payload, nil
	}
	ch := make(chan any, 1)
	h.waiters[key] = append(h.waiters[key], ch)
	h.mu.Unlock()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		h.remove(key, ch)
		return nil, ctx.Err()
	}
}

// Notify delivers a signal and reports how many waiters woke. With no
// waiter the payload is latched for the next Wait on the same pair.
func (h *signalHub) Notify(runID, name string, payload any) int {
	key := signalKey{runID: runID, name: name}

	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[key]
	if len(ws) == 0 {
		h.pending[key] = payload
		return 0
	}
	delete(h.waiters, key)
	for _, ch := range ws {
		ch <- payload
	}
	return len(ws)
}

// drop clears latched signals for a finished run. Waiters clean
// themselves up through their contexts.
func (h *signalHub) drop(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.pending {
		if key.runID == runID {
			delete(h.pending, key)
		}
	}
}

func (h *signalHub) remove(key signalKey, ch chan any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[key]
	for i, w := range ws {
		if w == ch {
			h.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(h.waiters[key]) == 0 {
		delete(h.waiters, key)
	}
}
