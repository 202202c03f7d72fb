package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
)

const (
	defaultBucket = "mqbox_brokers"
	defaultTTL    = 30 * time.Second
	minTTL        = time.Second
)

// NATSConfig configures the JetStream KeyValue backed registry.
type NATSConfig struct {
	// URL is the NATS server URL (e.g. nats://127.0.0.1:4222).
	URL string
	// Bucket is the KeyValue bucket holding broker refs. Defaults to mqbox_brokers.
	Bucket string
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// MaxRetries is the number of connection attempts before giving up.
	MaxRetries int
	// TTL is how long a name survives without a refresh. Bound names are
	// refreshed at a third of it, so the name of a process that died without
	// unbinding becomes free again after TTL. It applies when this process
	// creates the bucket; an existing bucket keeps its own setting.
	TTL time.Duration
}

// Sanitize sets defaults for empty fields.
func (c *NATSConfig) Sanitize() {
	if strings.TrimSpace(c.Bucket) == "" {
		c.Bucket = defaultBucket
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
}

// Validate checks the config after Sanitize.
func (c *NATSConfig) Validate() error {
	var err error
	if strings.TrimSpace(c.URL) == "" {
		err = multierr.Append(err, errors.New("URL must not be empty"))
	}
	if c.TTL < minTTL {
		err = multierr.Append(err, fmt.Errorf("TTL %s must be at least %s", c.TTL, minTTL))
	}
	if !namePattern.MatchString(c.Bucket) {
		err = multierr.Append(err, fmt.Errorf("bucket %q must be alphanumeric, dashes or underscores", c.Bucket))
	}
	if err != nil {
		return fmt.Errorf("registry/nats: invalid config: %w", err)
	}
	return nil
}

// NATS is a Registry stored in a JetStream KeyValue bucket. Keys are broker
// names and values are JSON encoded Refs, so every process connected to the
// same NATS server sees the same set of brokers.
type NATS struct {
	mu      sync.Mutex
	conn    *nats.Conn
	kv      nats.KeyValue
	refresh time.Duration
	bound   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

var _ Registry = (*NATS)(nil)

// NewNATS connects to the server, retrying with backoff, and opens or creates the bucket.
func NewNATS(config *NATSConfig) (*NATS, error) {
	if config == nil {
		return nil, errors.New("registry/nats: config is nil")
	}
	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var conn *nats.Conn
	retrier := retry.NewRetrier(config.MaxRetries, 100*time.Millisecond, 2*time.Second)
	err := retrier.Run(func() error {
		var err error
		conn, err = nats.Connect(config.URL, nats.Timeout(config.ConnectTimeout), nats.Name("mqbox"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry/nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry/nats: jetstream: %w", err)
	}

	kv, err := js.KeyValue(config.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      config.Bucket,
			Description: "mqbox broker names",
			TTL:         config.TTL,
		})
		// another process may have created the bucket first
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			kv, err = js.KeyValue(config.Bucket)
		}
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("registry/nats: create bucket: %w", err)
		}
	}

	return &NATS{
		conn:    conn,
		kv:      kv,
		refresh: config.TTL / 3,
		bound:   make(map[string]context.CancelFunc),
	}, nil
}

func (n *NATS) bucket() (nats.KeyValue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil, ErrClosed
	}
	return n.kv, nil
}

func (n *NATS) Bind(_ context.Context, name string, ref Ref) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	kv, err := n.bucket()
	if err != nil {
		return err
	}
	ref.Name = name
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	revision, err := kv.Create(name, payload)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrNameTaken
		}
		return fmt.Errorf("registry/nats: bind: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.bound[name] = cancel
	n.wg.Add(1)
	go n.keepAlive(ctx, kv, name, payload, revision)
	return nil
}

// keepAlive rewrites the entry for name before the bucket TTL expires it.
// It stops once the entry changed under it, since the name is then no
// longer ours.
func (n *NATS) keepAlive(ctx context.Context, kv nats.KeyValue, name string, payload []byte, revision uint64) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := kv.Update(name, payload, revision)
		if err != nil {
			return
		}
		revision = next
	}
}

// release stops refreshing name.
func (n *NATS) release(name string) {
	n.mu.Lock()
	cancel, ok := n.bound[name]
	delete(n.bound, name)
	n.mu.Unlock()
	if ok {
		cancel()
	}
}

func (n *NATS) Unbind(_ context.Context, name string) error {
	kv, err := n.bucket()
	if err != nil {
		return err
	}
	n.release(name)
	if err := kv.Delete(name); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			return nil
		}
		return fmt.Errorf("registry/nats: unbind: %w", err)
	}
	return nil
}

func (n *NATS) Lookup(_ context.Context, name string) (Ref, error) {
	kv, err := n.bucket()
	if err != nil {
		return Ref{}, err
	}
	if ValidateName(name) != nil {
		return Ref{}, ErrNotFound
	}
	entry, err := kv.Get(name)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			return Ref{}, ErrNotFound
		}
		return Ref{}, fmt.Errorf("registry/nats: lookup: %w", err)
	}
	var ref Ref
	if err := json.Unmarshal(entry.Value(), &ref); err != nil {
		return Ref{}, fmt.Errorf("registry/nats: decode %q: %w", name, err)
	}
	return ref, nil
}

func (n *NATS) List(_ context.Context, pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	kv, err := n.bucket()
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("registry/nats: list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var names []string
	for key := range lister.Keys() {
		if Match(pattern, key) {
			names = append(names, key)
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return nil, fmt.Errorf("registry/nats: list keys: %w", err)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (n *NATS) Watch(ctx context.Context, pattern string) (<-chan Event, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	kv, err := n.bucket()
	if err != nil {
		return nil, err
	}
	watcher, err := kv.Watch(nats.AllKeys, nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("registry/nats: watch: %w", err)
	}

	w := NewWatcher(ctx, pattern)
	go func() {
		defer w.Stop()
		defer func() { _ = watcher.Stop() }()
		// refreshes rewrite the same ref; only changes are events
		known := make(map[string]Ref)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				ev, ok := toEvent(entry)
				if !ok {
					continue
				}
				if ev.Type == Bound {
					if cur, seen := known[ev.Ref.Name]; seen && cur == ev.Ref {
						continue
					}
					known[ev.Ref.Name] = ev.Ref
				} else {
					delete(known, ev.Ref.Name)
				}
				w.Offer(ev)
			}
		}
	}()
	return w.C(), nil
}

func toEvent(entry nats.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case nats.KeyValuePut:
		var ref Ref
		if err := json.Unmarshal(entry.Value(), &ref); err != nil {
			return Event{}, false
		}
		return Event{Type: Bound, Ref: ref}, true
	case nats.KeyValueDelete, nats.KeyValuePurge:
		return Event{Type: Unbound, Ref: Ref{Name: entry.Key()}}, true
	default:
		return Event{}, false
	}
}

// Close stops refreshing bound names and releases the NATS connection. It
// does not unbind; names expire after the bucket TTL. Close is idempotent.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.conn == nil {
		n.mu.Unlock()
		return nil
	}
	for name, cancel := range n.bound {
		cancel()
		delete(n.bound, name)
	}
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()

	n.wg.Wait()
	conn.Close()
	return nil
}
