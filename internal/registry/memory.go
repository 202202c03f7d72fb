package registry

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Registry.
type Memory struct {
	mu       sync.Mutex
	refs     map[string]Ref
	watchers map[*Watcher]struct{}
	closed   bool
	done     chan struct{}
}

var _ Registry = (*Memory)(nil)

// NewMemory returns an empty in-process registry
func NewMemory() *Memory {
	return &Memory{
		refs:     make(map[string]Ref),
		watchers: make(map[*Watcher]struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Memory) Bind(_ context.Context, name string, ref Ref) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.refs[name]; ok {
		return ErrNameTaken
	}
	ref.Name = name
	m.refs[name] = ref
	m.emitLocked(Event{Type: Bound, Ref: ref})
	return nil
}

func (m *Memory) Unbind(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.refs[name]; !ok {
		return nil
	}
	delete(m.refs, name)
	m.emitLocked(Event{Type: Unbound, Ref: Ref{Name: name}})
	return nil
}

func (m *Memory) Lookup(ctx context.Context, name string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Ref{}, ErrClosed
	}
	ref, ok := m.refs[name]
	if !ok {
		return Ref{}, ErrNotFound
	}
	return ref, nil
}

func (m *Memory) List(_ context.Context, pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var names []string
	for name := range m.refs {
		if Match(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Watch(ctx context.Context, pattern string) (<-chan Event, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w := NewWatcher(ctx, pattern)
	m.watchers[w] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeLocked(w)
	}()
	return w.C(), nil
}

// emitLocked is called with m.mu held so watchers see events in bind order.
// Offer does not block.
func (m *Memory) emitLocked(ev Event) {
	for w := range m.watchers {
		w.Offer(ev)
	}
}

func (m *Memory) removeLocked(w *Watcher) {
	if _, ok := m.watchers[w]; ok {
		delete(m.watchers, w)
		w.Stop()
	}
}

// Close ends every watch. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for w := range m.watchers {
		m.removeLocked(w)
	}
	m.refs = make(map[string]Ref)
	return nil
}
