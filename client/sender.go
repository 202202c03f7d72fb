package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/crypto"
	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

// Sender deposits messages with brokers. Broker connections are kept and
// reused until the first error on them.
type Sender struct {
	reg Registry

	mu      sync.Mutex
	brokers map[string]*transport.Client
	closed  bool
}

// NewSender returns a Sender resolving brokers through reg
func NewSender(reg Registry) *Sender {
	return &Sender{reg: reg, brokers: make(map[string]*transport.Client)}
}

// Send submits msg to the named broker. The broker accepts every well formed
// message, so a nil error means the message is delivered or queued.
func (s *Sender) Send(ctx context.Context, broker string, msg Message) error {
	c, err := s.broker(ctx, broker)
	if err != nil {
		return err
	}
	_, err = call(ctx, c, &proto.Frame{Type: proto.FrameTypeSubmit, Submit: &proto.SubmitFrame{Message: msg}})
	if err != nil {
		s.forget(broker, c)
		return fmt.Errorf("client: submit to %q: %w", broker, err)
	}
	return nil
}

// SendSealed seals msg.Text for recipient before sending it.
func (s *Sender) SendSealed(ctx context.Context, broker string, msg Message, recipient *[crypto.PublicKeySize]byte) error {
	sealed, err := crypto.SealText(msg.Text, recipient)
	if err != nil {
		return err
	}
	msg.Text = sealed
	return s.Send(ctx, broker, msg)
}

func (s *Sender) broker(ctx context.Context, name string) (*transport.Client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := s.brokers[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := resolve(ctx, s.reg, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return nil, ErrClosed
	}
	if cur, ok := s.brokers[name]; ok {
		_ = c.Close()
		return cur, nil
	}
	s.brokers[name] = c
	return c, nil
}

// forget drops a broker client after an error so the next Send resolves again.
func (s *Sender) forget(name string, c *transport.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.brokers[name]; ok && cur == c {
		delete(s.brokers, name)
		_ = c.Close()
	}
}

// Close drops every broker connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for name, c := range s.brokers {
		err = multierr.Append(err, c.Close())
		delete(s.brokers, name)
	}
	return err
}
