package notify

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

const (
	incomingCounterName = "mqbox.broker.incoming"
	outgoingCounterName = "mqbox.broker.outgoing"
)

// Publisher receives every counter snapshot.
type Publisher interface {
	Publish(ev proto.TrafficEvent)
}

// Traffic holds the cumulative incoming/outgoing counters of one broker and
// reports a snapshot after every change.
type Traffic struct {
	broker   string
	incoming *atomic.Uint64
	outgoing *atomic.Uint64
	pub      Publisher
}

// NewTraffic creates zeroed counters for the named broker. pub may be nil.
func NewTraffic(broker string, pub Publisher) *Traffic {
	return &Traffic{
		broker:   broker,
		incoming: atomic.NewUint64(0),
		outgoing: atomic.NewUint64(0),
		pub:      pub,
	}
}

// Accepted counts one submitted message, and one outgoing when it was delivered immediately.
func (t *Traffic) Accepted(delivered bool) {
	t.incoming.Inc()
	if delivered {
		t.outgoing.Inc()
	}
	t.report()
}

// Flushed counts one queued message handed to a receiver.
func (t *Traffic) Flushed() {
	t.outgoing.Inc()
	t.report()
}

// Snapshot returns the current counters.
func (t *Traffic) Snapshot() proto.TrafficEvent {
	return proto.TrafficEvent{
		Broker:   t.broker,
		Incoming: t.incoming.Load(),
		Outgoing: t.outgoing.Load(),
	}
}

func (t *Traffic) report() {
	if t.pub != nil {
		t.pub.Publish(t.Snapshot())
	}
}

// RegisterMetrics exposes the counters as OpenTelemetry observable counters.
func (t *Traffic) RegisterMetrics(meter metric.Meter) error {
	incoming, err := meter.Int64ObservableCounter(
		incomingCounterName,
		metric.WithDescription("The total number of messages accepted from senders"),
	)
	if err != nil {
		return fmt.Errorf("failed to create incoming instrument, %v", err)
	}
	outgoing, err := meter.Int64ObservableCounter(
		outgoingCounterName,
		metric.WithDescription("The total number of messages handed to receivers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create outgoing instrument, %v", err)
	}

	attrs := metric.WithAttributes(attribute.String("broker", t.broker))
	_, err = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(incoming, int64(t.incoming.Load()), attrs)
		observer.ObserveInt64(outgoing, int64(t.outgoing.Load()), attrs)
		return nil
	}, incoming, outgoing)
	return err
}
