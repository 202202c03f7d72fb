// Package mailbox implements the broker's store-and-forward core: per-receiver
// pending queues, the current receiver handle for each receiver ID, and the
// routing rules between them.
//
// All state of an Engine is guarded by a single mutex. Submit and Register are
// serialized with respect to each other and to themselves, so there is no
// window between "queue is empty" and "handle arrives". Callback deliveries run
// inside that critical section and are bounded by the delivery timeout; a
// delivery that errors or times out marks the handle stale.
package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

// DefaultDeliveryTimeout bounds a single callback delivery.
const DefaultDeliveryTimeout = 2 * time.Second

// Receiver is a callback endpoint that accepts messages for one receiver ID.
type Receiver interface {
	Deliver(ctx context.Context, msg proto.Message) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, msg proto.Message) error

// Deliver calls f.
func (f ReceiverFunc) Deliver(ctx context.Context, msg proto.Message) error {
	return f(ctx, msg)
}

// Counter is told about every change to the traffic counters. It is called
// with the engine lock held and must not block.
type Counter interface {
	// Accepted records a submitted message; delivered is true when it was
	// handed to a receiver immediately.
	Accepted(delivered bool)
	// Flushed records a queued message handed to a receiver on registration.
	Flushed()
}

type noopCounter struct{}

func (noopCounter) Accepted(bool) {}
func (noopCounter) Flushed()      {}

// Engine owns the pending queues and receiver handles of one broker.
type Engine struct {
	mu      sync.Mutex
	queues  map[int][]proto.Message
	handles map[int]Receiver

	counter Counter
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithCounter sets the traffic counter hook
func WithCounter(c Counter) Option {
	return func(e *Engine) {
		if c != nil {
			e.counter = c
		}
	}
}

// WithDeliveryTimeout bounds every callback delivery. Zero or negative values are ignored.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an empty Engine
func New(opts ...Option) *Engine {
	e := &Engine{
		queues:  make(map[int][]proto.Message),
		handles: make(map[int]Receiver),
		counter: noopCounter{},
		timeout: DefaultDeliveryTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit accepts msg. If a live handle is registered for msg.ReceiverID the
// message is delivered to it; otherwise, or when that delivery fails, the
// message is appended to the receiver's pending queue. Submission always
// succeeds from the sender's point of view; the returned Outcome is either
// Delivered or Queued.
func (e *Engine) Submit(ctx context.Context, msg proto.Message) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handles[msg.ReceiverID]; ok {
		if e.deliver(ctx, h, msg) == Delivered {
			e.counter.Accepted(true)
			e.logger.Info("message delivered", "from", msg.SenderID, "to", msg.ReceiverID, "text", msg.Text)
			return Delivered
		}
		delete(e.handles, msg.ReceiverID)
		e.logger.Warn("receiver unreachable, handle dropped", "receiver", msg.ReceiverID)
	}

	e.queues[msg.ReceiverID] = append(e.queues[msg.ReceiverID], msg)
	e.counter.Accepted(false)
	e.logger.Info("message queued", "from", msg.SenderID, "to", msg.ReceiverID, "text", msg.Text)
	return Queued
}

// Register makes h the current handle for probe.ReceiverID, replacing any
// previous handle, and flushes the pending queue for that ID to h in FIFO
// order. Only probe.ReceiverID is read. The queue is cleared after the flush
// and a message whose delivery fails is dropped. h stays registered either
// way; if it is really gone the next Submit finds out and queues again.
// Register returns the number of messages delivered.
func (e *Engine) Register(ctx context.Context, h Receiver, probe proto.Message) int {
	if h == nil {
		return 0
	}
	id := probe.ReceiverID

	e.mu.Lock()
	defer e.mu.Unlock()

	e.handles[id] = h
	queue, ok := e.queues[id]
	if !ok {
		e.logger.Debug("receiver registered", "receiver", id)
		return 0
	}
	delete(e.queues, id)

	delivered, dropped := 0, 0
	for _, msg := range queue {
		if e.deliver(ctx, h, msg) != Delivered {
			dropped++
			e.logger.Warn("queued message dropped", "from", msg.SenderID, "to", msg.ReceiverID, "text", msg.Text)
			continue
		}
		delivered++
		e.counter.Flushed()
		e.logger.Info("message delivered", "from", msg.SenderID, "to", msg.ReceiverID, "text", msg.Text)
	}
	e.logger.Debug("receiver registered", "receiver", id, "flushed", delivered, "dropped", dropped)
	return delivered
}

// deliver calls h with the delivery timeout applied.
func (e *Engine) deliver(ctx context.Context, h Receiver, msg proto.Message) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := h.Deliver(ctx, msg); err != nil {
		e.logger.Debug("delivery failed", "to", msg.ReceiverID, "err", err)
		return Unreachable
	}
	return Delivered
}

// Pending returns a copy of the pending queue for id, oldest first.
func (e *Engine) Pending(id int) []proto.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[id]
	if len(q) == 0 {
		return nil
	}
	out := make([]proto.Message, len(q))
	copy(out, q)
	return out
}

// HasReceiver reports whether a handle is currently registered for id.
func (e *Engine) HasReceiver(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handles[id]
	return ok
}

// QueuedTotal returns the number of messages waiting across all receivers.
func (e *Engine) QueuedTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.queues {
		n += len(q)
	}
	return n
}
