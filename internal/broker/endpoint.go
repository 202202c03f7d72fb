// Package broker exposes a mailbox engine over QUIC and publishes it in a
// registry under a name.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/mailbox"
	"github.com/SWAI-Ltd/mqbox/internal/notify"
	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/registry"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

const meterName = "github.com/SWAI-Ltd/mqbox/internal/broker"

// unbindTimeout bounds the registry call made on Close.
const unbindTimeout = 2 * time.Second

// Config configures a broker endpoint
type Config struct {
	// Name is bound in Registry. Required.
	Name string
	// Addr is the QUIC listen address, e.g. ":4000" or "127.0.0.1:0".
	Addr string
	// AdvertiseAddr is the address published in the registry. When empty the
	// listener address is used, with an unspecified host replaced by 127.0.0.1.
	AdvertiseAddr string
	Registry      registry.Registry

	DeliveryTimeout     time.Duration
	NotifyTimeout       time.Duration
	LeaseDuration       time.Duration
	MaxObserverFailures int

	Logger *slog.Logger
	// Meter receives the traffic counters. Defaults to the global meter provider.
	Meter metric.Meter
}

// Stats is a point-in-time view of a broker
type Stats struct {
	Incoming  uint64
	Outgoing  uint64
	Queued    int
	Observers int
}

// Endpoint is a running broker.
type Endpoint struct {
	name      string
	addr      string
	ctx       context.Context
	registry  registry.Registry
	engine    *mailbox.Engine
	traffic   *notify.Traffic
	notifier  *notify.Notifier
	callbacks *callbacks
	server    *transport.Server
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Run starts listening on cfg.Addr and binds cfg.Name in cfg.Registry. The
// broker stops accepting connections when ctx is done; call Close to release it.
func Run(ctx context.Context, cfg Config) (*Endpoint, error) {
	if cfg.Registry == nil {
		return nil, errors.New("broker: registry is required")
	}
	if err := registry.ValidateName(cfg.Name); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = transport.AddrLADDR
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("broker", cfg.Name)
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	notifier := notify.NewNotifier(
		notify.WithLeaseDuration(cfg.LeaseDuration),
		notify.WithNotifyTimeout(cfg.NotifyTimeout),
		notify.WithMaxFailures(cfg.MaxObserverFailures),
		notify.WithLogger(logger),
	)
	traffic := notify.NewTraffic(cfg.Name, notifier)
	if err := traffic.RegisterMetrics(meter); err != nil {
		_ = notifier.Close()
		return nil, fmt.Errorf("broker: metrics: %w", err)
	}

	e := &Endpoint{
		name:     cfg.Name,
		ctx:      ctx,
		registry: cfg.Registry,
		engine: mailbox.New(
			mailbox.WithCounter(traffic),
			mailbox.WithDeliveryTimeout(cfg.DeliveryTimeout),
			mailbox.WithLogger(logger),
		),
		traffic:   traffic,
		notifier:  notifier,
		callbacks: newCallbacks(),
		logger:    logger,
	}

	server, err := transport.ListenQUIC(ctx, cfg.Addr, e.handleConn)
	if err != nil {
		_ = notifier.Close()
		return nil, fmt.Errorf("broker: listen %s: %w", cfg.Addr, err)
	}
	e.server = server

	e.addr = cfg.AdvertiseAddr
	if e.addr == "" {
		e.addr = transport.Advertise(server.LocalAddr())
	}
	if err := cfg.Registry.Bind(ctx, cfg.Name, registry.Ref{Name: cfg.Name, Addr: e.addr}); err != nil {
		_ = server.Close()
		_ = notifier.Close()
		return nil, fmt.Errorf("broker: bind %q: %w", cfg.Name, err)
	}

	logger.Info("broker listening", "addr", server.LocalAddr(), "advertise", e.addr)
	return e, nil
}

// Name returns the bound name
func (e *Endpoint) Name() string {
	return e.name
}

// Addr returns the address published in the registry
func (e *Endpoint) Addr() string {
	return e.addr
}

// Stats returns the current counters, queue depth and observer count.
func (e *Endpoint) Stats() Stats {
	snap := e.traffic.Snapshot()
	return Stats{
		Incoming:  snap.Incoming,
		Outgoing:  snap.Outgoing,
		Queued:    e.engine.QueuedTotal(),
		Observers: e.notifier.Len(),
	}
}

func (e *Endpoint) handleConn(c *transport.Conn) {
	var f proto.Frame
	for {
		if err := c.RecvFrame(&f); err != nil {
			if errors.Is(err, proto.ErrFrameTooLarge) {
				_ = c.SendFrame(proto.Errorf(proto.CodeInvalidArgument, err.Error()))
			}
			return
		}
		if err := c.SendFrame(e.handle(&f)); err != nil {
			e.logger.Debug("reply failed", "peer", c.RemoteAddr(), "err", err)
			return
		}
	}
}

// handle serves one request frame and returns the reply.
func (e *Endpoint) handle(f *proto.Frame) *proto.Frame {
	switch f.Type {
	case proto.FrameTypeSubmit, proto.FrameTypeRegister, proto.FrameTypeSubscribe,
		proto.FrameTypeRenew, proto.FrameTypeCancel:
	default:
		return proto.Errorf(proto.CodeUnknownFrame, fmt.Sprintf("frame type %d not served by a broker", f.Type))
	}
	if err := proto.Validate(f); err != nil {
		return proto.Errorf(proto.CodeInvalidArgument, err.Error())
	}

	switch f.Type {
	case proto.FrameTypeSubmit:
		e.engine.Submit(e.ctx, f.Submit.Message)
		return proto.Ack()

	case proto.FrameTypeRegister:
		r := f.Register
		h := remoteReceiver{client: e.callbacks.get(r.CallbackAddr)}
		e.engine.Register(e.ctx, h, r.Probe)
		return proto.Ack()

	case proto.FrameTypeSubscribe:
		o := remoteObserver{client: e.callbacks.get(f.Subscribe.CallbackAddr)}
		lease, err := e.notifier.Subscribe(o)
		if err != nil {
			return proto.Errorf(proto.CodeUnavailable, err.Error())
		}
		e.logger.Info("observer subscribed", "callback", f.Subscribe.CallbackAddr, "lease", lease.ID)
		return leaseFrame(lease)

	case proto.FrameTypeRenew:
		lease, err := e.notifier.Renew(f.Renew.LeaseID)
		if err != nil {
			return proto.Errorf(proto.CodeLeaseNotFound, err.Error())
		}
		return leaseFrame(lease)

	default: // cancel
		if err := e.notifier.Cancel(f.Cancel.LeaseID); err != nil {
			return proto.Errorf(proto.CodeLeaseNotFound, err.Error())
		}
		return proto.Ack()
	}
}

func leaseFrame(l notify.Lease) *proto.Frame {
	return &proto.Frame{
		Type:  proto.FrameTypeLease,
		Lease: &proto.LeaseFrame{LeaseID: l.ID, ExpiresAt: l.ExpiresAt.UnixMilli()},
	}
}

// Close unbinds the name, stops notifications and closes the listener.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
		defer cancel()
		e.closeErr = multierr.Combine(
			e.registry.Unbind(ctx, e.name),
			e.notifier.Close(),
			e.server.Close(),
			e.callbacks.Close(),
		)
		e.logger.Info("broker stopped")
	})
	return e.closeErr
}
