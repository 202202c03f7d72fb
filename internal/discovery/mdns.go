// Package discovery provides a zero-configuration broker registry over mDNS.
// Each bound broker is published as a DNS-SD service instance on the local
// network; lookups and listings come from a continuous browse.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/betamos/zeroconf"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/registry"
)

const (
	ServiceType = "_mqbox._udp"
	Domain      = "local."

	DefaultBrowseTimeout = 2 * time.Second
)

// Config configures the mDNS registry
type Config struct {
	// BrowseTimeout is how long Lookup waits for an unknown name to show up and
	// how long after startup List waits for the first announcements.
	BrowseTimeout time.Duration
	Logger        *slog.Logger
}

// Registry is a registry.Registry backed by mDNS service discovery. Names are
// unique on a best-effort basis: Bind only rejects names it has already seen.
type Registry struct {
	svcType       zeroconf.Type
	browseTimeout time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	browser   *zeroconf.Client
	peers     map[string]registry.Ref
	published map[string]*zeroconf.Client
	watchers  map[*registry.Watcher]struct{}
	changed   chan struct{}
	settled   time.Time
	closed    bool
	done      chan struct{}
}

var _ registry.Registry = (*Registry)(nil)

// NewRegistry starts browsing for brokers on the local network.
func NewRegistry(cfg Config) (*Registry, error) {
	r := newRegistry(cfg)
	browser, err := zeroconf.New().
		Browse(r.handleEvent, r.svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	r.browser = browser
	return r, nil
}

func newRegistry(cfg Config) *Registry {
	if cfg.BrowseTimeout <= 0 {
		cfg.BrowseTimeout = DefaultBrowseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		svcType:       zeroconf.NewType(ServiceType),
		browseTimeout: cfg.BrowseTimeout,
		logger:        cfg.Logger,
		peers:         make(map[string]registry.Ref),
		published:     make(map[string]*zeroconf.Client),
		watchers:      make(map[*registry.Watcher]struct{}),
		changed:       make(chan struct{}),
		settled:       time.Now().Add(cfg.BrowseTimeout),
		done:          make(chan struct{}),
	}
}

func (r *Registry) handleEvent(e zeroconf.Event) {
	if e.Op == zeroconf.OpRemoved {
		r.apply(registry.Unbound, registry.Ref{Name: e.Name})
		return
	}
	addr, ok := pickAddr(e.Addrs, e.Port)
	if !ok {
		return
	}
	r.apply(registry.Bound, registry.Ref{Name: e.Name, Addr: addr})
}

// apply records a browse result and notifies watchers and waiting lookups.
func (r *Registry) apply(typ registry.EventType, ref registry.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch typ {
	case registry.Bound:
		if cur, ok := r.peers[ref.Name]; ok && cur == ref {
			return
		}
		r.peers[ref.Name] = ref
	case registry.Unbound:
		if _, ok := r.peers[ref.Name]; !ok {
			return
		}
		delete(r.peers, ref.Name)
	}
	r.logger.Debug("mdns broker "+typ.String(), "name", ref.Name, "addr", ref.Addr)

	close(r.changed)
	r.changed = make(chan struct{})
	for w := range r.watchers {
		w.Offer(registry.Event{Type: typ, Ref: ref})
	}
}

// pickAddr builds a dialable address, preferring IPv4.
func pickAddr(addrs []netip.Addr, port uint16) (string, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if a.Is4() || a.Is4In6() {
			return net.JoinHostPort(a.Unmap().String(), strconv.Itoa(int(port))), true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	if !fallback.IsValid() {
		return "", false
	}
	return net.JoinHostPort(fallback.String(), strconv.Itoa(int(port))), true
}

// ParseAddr splits "host:port" and checks the port fits an SRV record.
func ParseAddr(s string) (host string, port uint16, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, uint16(p), nil
}

// Bind announces a service instance named name on the port of ref.Addr.
func (r *Registry) Bind(_ context.Context, name string, ref registry.Ref) error {
	if err := registry.ValidateName(name); err != nil {
		return err
	}
	_, port, err := ParseAddr(ref.Addr)
	if err != nil {
		return fmt.Errorf("discovery: bind %q: %w", name, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return registry.ErrClosed
	}
	_, mine := r.published[name]
	_, seen := r.peers[name]
	if mine || seen {
		r.mu.Unlock()
		return registry.ErrNameTaken
	}
	// reserve the name while the announcement is opened
	r.published[name] = nil
	r.mu.Unlock()

	client, err := zeroconf.New().
		Publish(zeroconf.NewService(r.svcType, name, port)).
		Open()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil || r.closed {
		delete(r.published, name)
		if err != nil {
			return fmt.Errorf("zeroconf: %w", err)
		}
		_ = client.Close()
		return registry.ErrClosed
	}
	r.published[name] = client
	r.logger.Info("mdns published", "name", name, "port", port)
	return nil
}

// Unbind withdraws an announcement made by this process. Names published
// elsewhere cannot be withdrawn and are ignored.
func (r *Registry) Unbind(_ context.Context, name string) error {
	r.mu.Lock()
	client, ok := r.published[name]
	delete(r.published, name)
	r.mu.Unlock()
	if !ok || client == nil {
		return nil
	}
	return client.Close()
}

// Lookup returns the address of name, waiting up to the browse timeout for it
// to be announced.
func (r *Registry) Lookup(ctx context.Context, name string) (registry.Ref, error) {
	timer := time.NewTimer(r.browseTimeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return registry.Ref{}, registry.ErrClosed
		}
		ref, ok := r.peers[name]
		changed := r.changed
		r.mu.Unlock()
		if ok {
			return ref, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return registry.Ref{}, registry.ErrNotFound
		case <-ctx.Done():
			return registry.Ref{}, ctx.Err()
		}
	}
}

// List returns the names announced so far. Shortly after startup it first
// waits for the initial round of announcements.
func (r *Registry) List(ctx context.Context, pattern string) ([]string, error) {
	if err := registry.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if wait := time.Until(r.settled); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, registry.ErrClosed
	}
	var names []string
	for name := range r.peers {
		if registry.Match(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Watch streams announcements and withdrawals matching pattern.
func (r *Registry) Watch(ctx context.Context, pattern string) (<-chan registry.Event, error) {
	if err := registry.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, registry.ErrClosed
	}
	w := registry.NewWatcher(ctx, pattern)
	r.watchers[w] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.watchers[w]; ok {
			delete(r.watchers, w)
			w.Stop()
		}
	}()
	return w.C(), nil
}

// Close withdraws every announcement and stops browsing.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	for w := range r.watchers {
		delete(r.watchers, w)
		w.Stop()
	}
	published := r.published
	r.published = make(map[string]*zeroconf.Client)
	browser := r.browser
	r.mu.Unlock()

	var err error
	for _, c := range published {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	if browser != nil {
		err = multierr.Append(err, browser.Close())
	}
	return err
}
