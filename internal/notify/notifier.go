// Package notify tracks a broker's traffic counters and pushes counter
// snapshots to lease-holding observers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultNotifyTimeout = 2 * time.Second
	DefaultMaxFailures   = 3
	// maxParallel caps concurrent observer calls per event.
	maxParallel = 32
	// batch is how many queued events the dispatcher takes at once.
	batch = 64
)

var (
	// ErrLeaseNotFound is returned for unknown, cancelled or expired leases.
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notifier closed")
)

// Observer receives traffic snapshots.
type Observer interface {
	Notify(ctx context.Context, ev proto.TrafficEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev proto.TrafficEvent) error

// Notify calls f.
func (f ObserverFunc) Notify(ctx context.Context, ev proto.TrafficEvent) error {
	return f(ctx, ev)
}

// Lease grants continued membership in the observer set until ExpiresAt.
type Lease struct {
	ID        string
	ExpiresAt time.Time
}

type subscription struct {
	id        string
	observer  Observer
	expiresAt time.Time
	failures  int
}

// Notifier holds the observer set and fans events out to it from its own
// goroutine, so Publish never waits on an observer.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	events *queue.Queue
	done   chan struct{}
	wg     sync.WaitGroup

	leaseDuration time.Duration
	notifyTimeout time.Duration
	maxFailures   int
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Notifier
type Option func(*Notifier)

// WithLeaseDuration sets how long a lease lasts without renewal
func WithLeaseDuration(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.leaseDuration = d
		}
	}
}

// WithNotifyTimeout bounds every observer call
func WithNotifyTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.notifyTimeout = d
		}
	}
}

// WithMaxFailures sets how many consecutive failed notifications revoke a lease
func WithMaxFailures(max int) Option {
	return func(n *Notifier) {
		if max > 0 {
			n.maxFailures = max
		}
	}
}

// WithSweepInterval sets how often expired leases are removed in the background
func WithSweepInterval(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier creates a Notifier and starts its dispatcher and sweeper. Call Close to stop them.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		subs:          make(map[string]*subscription),
		events:        queue.New(batch),
		done:          make(chan struct{}),
		leaseDuration: DefaultLeaseDuration,
		notifyTimeout: DefaultNotifyTimeout,
		maxFailures:   DefaultMaxFailures,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.sweepInterval == 0 {
		n.sweepInterval = n.leaseDuration / 2
	}

	n.wg.Add(2)
	go n.dispatchLoop()
	go n.sweepLoop()
	return n
}

// Subscribe adds o to the observer set and returns its lease.
func (n *Notifier) Subscribe(o Observer) (Lease, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return Lease{}, ErrClosed
	}
	sub := &subscription{
		id:        uuid.NewString(),
		observer:  o,
		expiresAt: n.now().Add(n.leaseDuration),
	}
	n.subs[sub.id] = sub
	n.logger.Debug("observer subscribed", "lease", sub.id)
	return Lease{ID: sub.id, ExpiresAt: sub.expiresAt}, nil
}

// Renew extends the lease by another lease duration.
func (n *Notifier) Renew(id string) (Lease, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[id]
	if !ok || !n.now().Before(sub.expiresAt) {
		delete(n.subs, id)
		return Lease{}, ErrLeaseNotFound
	}
	sub.expiresAt = n.now().Add(n.leaseDuration)
	return Lease{ID: id, ExpiresAt: sub.expiresAt}, nil
}

// Cancel removes the lease.
func (n *Notifier) Cancel(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[id]; !ok {
		return ErrLeaseNotFound
	}
	delete(n.subs, id)
	n.logger.Debug("observer cancelled", "lease", id)
	return nil
}

// Len returns the number of live subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sweepLocked()
	return len(n.subs)
}

// Sweep removes expired leases and returns how many were removed.
func (n *Notifier) Sweep() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sweepLocked()
}

func (n *Notifier) sweepLocked() int {
	now := n.now()
	removed := 0
	for id, sub := range n.subs {
		if !now.Before(sub.expiresAt) {
			delete(n.subs, id)
			removed++
			n.logger.Debug("observer lease expired", "lease", id)
		}
	}
	return removed
}

// Publish queues ev for delivery to every observer. It never blocks.
func (n *Notifier) Publish(ev proto.TrafficEvent) {
	if err := n.events.Put(ev); err != nil {
		n.logger.Debug("event dropped", "err", err)
	}
}

func (n *Notifier) dispatchLoop() {
	defer n.wg.Done()
	for {
		items, err := n.events.Get(batch)
		if err != nil {
			// disposed
			return
		}
		for _, item := range items {
			if ev, ok := item.(proto.TrafficEvent); ok {
				n.fanOut(ev)
			}
		}
	}
}

// fanOut sends ev to a snapshot of the live observers. Each call is isolated:
// one observer failing or stalling does not affect the others.
func (n *Notifier) fanOut(ev proto.TrafficEvent) {
	n.mu.Lock()
	n.sweepLocked()
	snapshot := make([]*subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		snapshot = append(snapshot, sub)
	}
	n.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, sub := range snapshot {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), n.notifyTimeout)
			defer cancel()
			n.record(sub, sub.observer.Notify(ctx, ev))
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Notifier) record(sub *subscription, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		sub.failures = 0
		return
	}
	sub.failures++
	n.logger.Debug("observer notify failed", "lease", sub.id, "failures", sub.failures, "err", err)
	if sub.failures >= n.maxFailures {
		if cur, ok := n.subs[sub.id]; ok && cur == sub {
			delete(n.subs, sub.id)
			n.logger.Info("observer revoked", "lease", sub.id, "failures", sub.failures)
		}
	}
}

func (n *Notifier) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.Sweep()
		}
	}
}

// Close stops the dispatcher and sweeper. Undelivered events are discarded.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.subs = make(map[string]*subscription)
	n.mu.Unlock()

	close(n.done)
	n.events.Dispose()
	n.wg.Wait()
	return nil
}
