package broker

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/mailbox"
	"github.com/SWAI-Ltd/mqbox/internal/notify"
	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

// callbacks holds one transport client per callback address, so repeated
// registrations from the same process share a connection.
type callbacks struct {
	mu      sync.Mutex
	clients map[string]*transport.Client
	closed  bool
}

func newCallbacks() *callbacks {
	return &callbacks{clients: make(map[string]*transport.Client)}
}

func (c *callbacks) get(addr string) *transport.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok {
		return cl
	}
	cl := transport.NewClient(addr)
	if c.closed {
		// calls fail with ErrClientClosed
		_ = cl.Close()
		return cl
	}
	c.clients[addr] = cl
	return cl
}

func (c *callbacks) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var err error
	for addr, cl := range c.clients {
		err = multierr.Append(err, cl.Close())
		delete(c.clients, addr)
	}
	return err
}

// remoteReceiver delivers messages to a receiver callback endpoint.
type remoteReceiver struct {
	client *transport.Client
}

var _ mailbox.Receiver = remoteReceiver{}

func (r remoteReceiver) Deliver(ctx context.Context, msg proto.Message) error {
	reply, err := r.client.Call(ctx, &proto.Frame{
		Type:    proto.FrameTypeDeliver,
		Deliver: &proto.DeliverFrame{Message: msg},
	})
	if err != nil {
		return err
	}
	return proto.ReplyError(reply)
}

// remoteObserver pushes traffic snapshots to an observer callback endpoint.
type remoteObserver struct {
	client *transport.Client
}

var _ notify.Observer = remoteObserver{}

func (o remoteObserver) Notify(ctx context.Context, ev proto.TrafficEvent) error {
	reply, err := o.client.Call(ctx, &proto.Frame{
		Type:   proto.FrameTypeNotify,
		Notify: &proto.NotifyFrame{Event: ev},
	})
	if err != nil {
		return err
	}
	return proto.ReplyError(reply)
}
