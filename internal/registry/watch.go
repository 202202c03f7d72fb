package registry

import (
	"context"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// watchBatch is how many buffered events a Watcher hands over at once.
const watchBatch = 16

// Watcher buffers the events of one Watch call in an unbounded queue. Offer
// never blocks, so backends may call it while holding their own lock; a
// consumer that falls behind only grows the queue.
type Watcher struct {
	pattern string
	events  *queue.Queue
	ch      chan Event
	stop    chan struct{}
	once    sync.Once
}

// NewWatcher starts delivering offered events that match pattern on C()
// until ctx is done or Stop is called. C() is closed afterwards.
func NewWatcher(ctx context.Context, pattern string) *Watcher {
	w := &Watcher{
		pattern: pattern,
		events:  queue.New(watchBatch),
		ch:      make(chan Event),
		stop:    make(chan struct{}),
	}
	context.AfterFunc(ctx, w.Stop)
	go w.pump(ctx)
	return w
}

// Offer queues ev if its name matches the pattern.
func (w *Watcher) Offer(ev Event) {
	if !Match(w.pattern, ev.Ref.Name) {
		return
	}
	// fails only once stopped
	_ = w.events.Put(ev)
}

// C returns the event stream.
func (w *Watcher) C() <-chan Event {
	return w.ch
}

// Stop ends delivery and discards undelivered events. It is idempotent.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.events.Dispose()
	})
}

func (w *Watcher) pump(ctx context.Context) {
	defer close(w.ch)
	for {
		items, err := w.events.Get(watchBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			select {
			case w.ch <- item.(Event):
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
