package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/crypto"
	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

// ReceiverConfig configures a Receiver
type ReceiverConfig struct {
	Config
	// Broker is the registry name of the broker to register with. Required.
	Broker string
	// ReceiverID is the mailbox to collect.
	ReceiverID int
	// Key opens sealed message text. Plain text is passed through either way.
	Key *[crypto.PrivateKeySize]byte
}

// Receiver collects messages addressed to one receiver ID. It runs a callback
// endpoint the broker delivers to and exposes the messages on Messages().
// Deliveries are acknowledged as soon as they are buffered, so a slow
// consumer never makes the broker give up on this receiver.
type Receiver struct {
	id       int
	key      *[crypto.PrivateKeySize]byte
	callback string
	server   *transport.Server
	broker   *transport.Client
	inbox    *queue.Queue
	msgs     chan Message
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewReceiver starts the callback endpoint, resolves the broker and registers.
// Messages queued for the receiver ID before this call arrive first, in order.
func NewReceiver(ctx context.Context, cfg ReceiverConfig) (*Receiver, error) {
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	broker, err := resolve(ctx, cfg.Registry, cfg.Broker)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		id:     cfg.ReceiverID,
		key:    cfg.Key,
		broker: broker,
		inbox:  queue.New(int64(cfg.MessageBuffer)),
		msgs:   make(chan Message, cfg.MessageBuffer),
		done:   make(chan struct{}),
		logger: cfg.Logger.With("receiver", cfg.ReceiverID),
	}
	r.wg.Add(1)
	go r.pump(cfg.MessageBuffer)

	server, callback, err := listenCallback(context.WithoutCancel(ctx), cfg.Config, r.handleConn)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.server = server
	r.callback = callback

	if err := r.Register(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Register (re)attaches this receiver to its mailbox. NewReceiver calls it
// once; call it again if the broker may have dropped this receiver, for
// example after a network outage. Messages queued meanwhile are flushed.
func (r *Receiver) Register(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	// only the receiver ID of the probe is read by the broker
	probe := Message{SenderID: -1, ReceiverID: r.id}
	_, err := call(ctx, r.broker, &proto.Frame{
		Type:     proto.FrameTypeRegister,
		Register: &proto.RegisterFrame{Probe: probe, CallbackAddr: r.callback},
	})
	if err != nil {
		return fmt.Errorf("client: register %d: %w", r.id, err)
	}
	r.logger.Debug("registered", "callback", r.callback)
	return nil
}

func (r *Receiver) handleConn(c *transport.Conn) {
	var f proto.Frame
	for {
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		if err := c.SendFrame(r.handle(&f)); err != nil {
			return
		}
	}
}

func (r *Receiver) handle(f *proto.Frame) *proto.Frame {
	if f.Type != proto.FrameTypeDeliver {
		return proto.Errorf(proto.CodeUnknownFrame, "receiver only accepts deliveries")
	}
	if err := proto.Validate(f); err != nil {
		return proto.Errorf(proto.CodeInvalidArgument, err.Error())
	}
	msg := f.Deliver.Message
	if r.key != nil && crypto.IsSealed(msg.Text) {
		text, err := crypto.OpenText(msg.Text, r.key)
		if err != nil {
			// not for us; hand it over unopened
			r.logger.Warn("cannot open sealed text", "from", msg.SenderID, "err", err)
		} else {
			msg.Text = text
		}
	}
	if err := r.inbox.Put(msg); err != nil {
		return proto.Errorf(proto.CodeUnavailable, ErrClosed.Error())
	}
	return proto.Ack()
}

// pump moves buffered deliveries to Messages() in arrival order.
func (r *Receiver) pump(batch int) {
	defer r.wg.Done()
	defer close(r.msgs)
	for {
		items, err := r.inbox.Get(int64(batch))
		if err != nil {
			// disposed
			return
		}
		for _, item := range items {
			select {
			case r.msgs <- item.(Message):
			case <-r.done:
				return
			}
		}
	}
}

// Messages returns the channel of delivered messages. It is closed by Close.
func (r *Receiver) Messages() <-chan Message {
	return r.msgs
}

// ID returns the receiver ID
func (r *Receiver) ID() int {
	return r.id
}

// CallbackAddr returns the address the broker delivers to
func (r *Receiver) CallbackAddr() string {
	return r.callback
}

// Close stops the callback endpoint and closes Messages(). Buffered messages
// not yet read are discarded. The broker notices on its next delivery attempt
// and queues for this ID again.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	var err error
	if r.server != nil {
		err = r.server.Close()
	}
	err = multierr.Append(err, r.broker.Close())
	r.inbox.Dispose()
	r.wg.Wait()
	return err
}
