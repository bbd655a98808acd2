package engine

import (
	"sync"

	"github.com/tombee/maestro/pkg/checkpoint"
)

// watchBuffer is the per-subscription channel depth. A watcher that
// falls further behind misses events; the checkpoint log remains the
// complete record.
const watchBuffer = 64

// Notifier fans checkpoint events out to watchers as the run loops
// append them. Publishing never blocks a loop: a full subscription
// drops the event instead of stalling execution.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	runID string
	ch    chan checkpoint.Event
}

func newNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscription)}
}

// Watch subscribes to a run's events as they are appended; runID ""
// watches every run. The cancel func releases the subscription and
// closes the channel.
func (n *Notifier) Watch(runID string) (<-chan checkpoint.Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	sub := &subscription{runID: runID, ch: make(chan checkpoint.Event, watchBuffer)}
	n.subs[id] = sub
	return sub.ch, func() { n.unwatch(id) }
}

func (n *Notifier) unwatch(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[id]
	if !ok {
		return
	}
	delete(n.subs, id)
	close(sub.ch)
}

func (n *Notifier) publish(ev checkpoint.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
