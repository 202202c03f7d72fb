package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
	"github.com/SWAI-Ltd/mqbox/internal/registry"
	"github.com/SWAI-Ltd/mqbox/internal/transport"
)

// cancelTimeout bounds the lease cancellations sent on Close.
const cancelTimeout = time.Second

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	Config
	// Pattern selects brokers by name (path.Match syntax). Empty matches all.
	Pattern string
}

type subscription struct {
	broker    string
	client    *transport.Client
	leaseID   string
	expiresAt time.Time
	stop      context.CancelFunc
}

// Monitor subscribes to the traffic counters of every broker matching a
// pattern, including brokers that start later, and streams the snapshots on
// Events(). Leases are renewed in the background; a broker that cannot be
// renewed or re-subscribed is dropped, so the stream may have gaps.
type Monitor struct {
	reg      Registry
	pattern  string
	callback string
	server   *transport.Server
	events   chan TrafficEvent
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewMonitor starts the callback endpoint, subscribes to the brokers currently
// bound and keeps watching the registry for new ones.
func NewMonitor(ctx context.Context, cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	if err := registry.ValidatePattern(cfg.Pattern); err != nil {
		return nil, err
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Monitor{
		reg:     cfg.Registry,
		pattern: cfg.Pattern,
		events:  make(chan TrafficEvent, cfg.MessageBuffer),
		logger:  cfg.Logger,
		ctx:     mctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
	}
	server, callback, err := listenCallback(mctx, cfg.Config, m.handleConn)
	if err != nil {
		cancel()
		return nil, err
	}
	m.server = server
	m.callback = callback

	// watch first so a broker bound between List and Watch is not missed,
	// and drain it while listing; add ignores brokers seen twice
	watch, err := cfg.Registry.Watch(mctx, cfg.Pattern)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.wg.Add(1)
	go m.watchLoop(watch)

	names, err := cfg.Registry.List(ctx, cfg.Pattern)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	for _, name := range names {
		m.add(ctx, name)
	}
	return m, nil
}

func (m *Monitor) watchLoop(events <-chan registry.Event) {
	defer m.wg.Done()
	for ev := range events {
		switch ev.Type {
		case registry.Bound:
			m.logger.Debug("broker bound", "name", ev.Ref.Name)
			m.add(m.ctx, ev.Ref.Name)
		case registry.Unbound:
			m.logger.Debug("broker unbound", "name", ev.Ref.Name)
			m.remove(ev.Ref.Name)
		}
	}
}

// add subscribes to one broker. Failures are logged; the broker is skipped.
func (m *Monitor) add(ctx context.Context, name string) {
	m.mu.Lock()
	_, exists := m.subs[name]
	closed := m.closed
	m.mu.Unlock()
	if exists || closed {
		return
	}

	c, err := resolve(ctx, m.reg, name)
	if err != nil {
		m.logger.Warn("cannot resolve broker", "name", name, "err", err)
		return
	}
	lease, err := m.subscribe(ctx, c)
	if err != nil {
		_ = c.Close()
		m.logger.Warn("cannot subscribe to broker", "name", name, "err", err)
		return
	}

	sctx, stop := context.WithCancel(m.ctx)
	sub := &subscription{broker: name, client: c, leaseID: lease.LeaseID, expiresAt: time.UnixMilli(lease.ExpiresAt), stop: stop}

	m.mu.Lock()
	if _, exists := m.subs[name]; exists || m.closed {
		m.mu.Unlock()
		stop()
		m.cancelLease(sub)
		return
	}
	m.subs[name] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("subscribed", "broker", name, "lease", sub.leaseID)
	go m.keepAlive(sctx, sub)
}

func (m *Monitor) subscribe(ctx context.Context, c *transport.Client) (*proto.LeaseFrame, error) {
	reply, err := call(ctx, c, &proto.Frame{
		Type:      proto.FrameTypeSubscribe,
		Subscribe: &proto.SubscribeFrame{CallbackAddr: m.callback},
	})
	if err != nil {
		return nil, err
	}
	if reply.Lease == nil {
		return nil, errors.New("client: subscribe reply carries no lease")
	}
	return reply.Lease, nil
}

// keepAlive renews the lease at half its remaining time. When renewal fails
// it subscribes once more; if that fails too the broker is dropped.
func (m *Monitor) keepAlive(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	for {
		wait := time.Until(sub.expiresAt) / 2
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		reply, err := call(ctx, sub.client, &proto.Frame{
			Type:  proto.FrameTypeRenew,
			Renew: &proto.RenewFrame{LeaseID: sub.leaseID},
		})
		if err == nil && reply.Lease != nil {
			sub.expiresAt = time.UnixMilli(reply.Lease.ExpiresAt)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Debug("lease renewal failed, subscribing again", "broker", sub.broker, "err", err)

		lease, err := m.subscribe(ctx, sub.client)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("broker dropped", "broker", sub.broker, "err", err)
				m.forget(sub)
			}
			return
		}
		sub.leaseID = lease.LeaseID
		sub.expiresAt = time.UnixMilli(lease.ExpiresAt)
	}
}

// remove cancels the subscription to name, if any.
func (m *Monitor) remove(name string) {
	m.mu.Lock()
	sub, ok := m.subs[name]
	delete(m.subs, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.stop()
	// the broker is usually gone already; this only frees its lease early
	m.cancelLease(sub)
}

// forget removes sub after keepAlive gave up on it.
func (m *Monitor) forget(sub *subscription) {
	m.mu.Lock()
	if cur, ok := m.subs[sub.broker]; ok && cur == sub {
		delete(m.subs, sub.broker)
	}
	m.mu.Unlock()
	sub.stop()
	_ = sub.client.Close()
}

func (m *Monitor) cancelLease(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	_, _ = call(ctx, sub.client, &proto.Frame{
		Type:   proto.FrameTypeCancel,
		Cancel: &proto.CancelFrame{LeaseID: sub.leaseID},
	})
	_ = sub.client.Close()
}

func (m *Monitor) handleConn(c *transport.Conn) {
	var f proto.Frame
	for {
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		if err := c.SendFrame(m.handle(&f)); err != nil {
			return
		}
	}
}

func (m *Monitor) handle(f *proto.Frame) *proto.Frame {
	if f.Type != proto.FrameTypeNotify {
		return proto.Errorf(proto.CodeUnknownFrame, "monitor only accepts notifications")
	}
	if err := proto.Validate(f); err != nil {
		return proto.Errorf(proto.CodeInvalidArgument, err.Error())
	}
	select {
	case m.events <- f.Notify.Event:
	case <-m.ctx.Done():
		return proto.Errorf(proto.CodeUnavailable, ErrClosed.Error())
	default:
		// a full buffer drops the snapshot; the next one supersedes it
		m.logger.Debug("event dropped", "broker", f.Notify.Event.Broker)
	}
	return proto.Ack()
}

// Events returns the stream of counter snapshots. It is closed by Close.
func (m *Monitor) Events() <-chan TrafficEvent {
	return m.events
}

// Brokers returns the names currently subscribed to, sorted.
func (m *Monitor) Brokers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels every lease, stops the callback endpoint and closes Events().
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	m.cancel()
	for _, sub := range subs {
		sub.stop()
	}
	m.wg.Wait()
	for _, sub := range subs {
		m.cancelLease(sub)
	}

	var err error
	if m.server != nil {
		err = multierr.Append(err, m.server.Close())
	}
	close(m.events)
	return err
}
