package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

// ErrClientClosed is returned by Call after Close.
var ErrClientClosed = errors.New("transport: client closed")

// Client performs sequential request/response calls over one QUIC stream.
// The connection is dialed lazily and dropped after any error, so the next
// Call redials.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

// NewClient returns a client for the server at addr. No connection is made yet.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Addr returns the remote address
func (c *Client) Addr() string {
	return c.addr
}

// Call sends req and waits for one reply frame. The context deadline, if any,
// bounds both the dial and the exchange.
func (c *Client) Call(ctx context.Context, req *proto.Frame) (*proto.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	if c.conn == nil {
		conn, err := DialQUIC(ctx, c.addr)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	conn := c.conn

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		c.resetLocked()
		return nil, err
	}

	// a canceled context interrupts a blocked read by expiring the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SendFrame(req); err != nil {
		c.resetLocked()
		return nil, err
	}
	reply := new(proto.Frame)
	if err := conn.RecvFrame(reply); err != nil {
		c.resetLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return reply, nil
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close drops the connection. Further calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.resetLocked()
	return nil
}
