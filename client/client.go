// Package client provides the mqbox developer SDK: a Sender that deposits
// messages, a Receiver that collects them on a channel, and a Monitor that
// streams traffic counters from every broker matching a pattern.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/registry"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() and Events() channels.
	DefaultMessageBuffer = 64
	// DefaultCallTimeout bounds a broker call when the context has no deadline.
	DefaultCallTimeout = 5 * time.Second
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

type (
	// Message is an addressed text message.
	Message = proto.Message
	// TrafficEvent is a broker's cumulative counters.
	TrafficEvent = proto.TrafficEvent
	// Registry resolves broker names.
	Registry = registry.Registry
)

// NewMemoryRegistry returns an in-process registry for tests and single-process programs.
func NewMemoryRegistry() Registry {
	return registry.NewMemory()
}

// Config holds the settings shared by Receiver and Monitor.
type Config struct {
	// Registry resolves broker names. Required.
	Registry Registry
	// Addr is the local callback listen address (e.g. ":0" for any port).
	Addr string
	// AdvertiseAddr is the callback address handed to brokers. When empty it is
	// derived from the listener address.
	AdvertiseAddr string
	// MessageBuffer sets the capacity of the delivery channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
	Logger        *slog.Logger
}

func (c *Config) sanitize() error {
	if c.Registry == nil {
		return errors.New("client: registry is required")
	}
	if c.Addr == "" {
		c.Addr = transport.AddrLADDR
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = DefaultMessageBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// listenCallback starts the callback server and returns the address brokers should dial.
func listenCallback(ctx context.Context, cfg Config, handler func(*transport.Conn)) (*transport.Server, string, error) {
	server, err := transport.ListenQUIC(ctx, cfg.Addr, handler)
	if err != nil {
		return nil, "", fmt.Errorf("client: listen %s: %w", cfg.Addr, err)
	}
	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = transport.Advertise(server.LocalAddr())
	}
	return server, addr, nil
}

// resolve looks a broker up and returns an undialed client for it.
func resolve(ctx context.Context, reg Registry, name string) (*transport.Client, error) {
	ref, err := reg.Lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("client: lookup %q: %w", name, err)
	}
	return transport.NewClient(ref.Addr), nil
}

// call sends req and turns Error replies into errors.
func call(ctx context.Context, c *transport.Client, req *proto.Frame) (*proto.Frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	reply, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := proto.ReplyError(reply); err != nil {
		return nil, err
	}
	return reply, nil
}
