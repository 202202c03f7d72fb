// Package registry maps broker names to network addresses. Brokers bind their
// name on startup; senders, receivers and monitors resolve names before
// talking to a broker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
)

var (
	// ErrNameTaken is returned by Bind when the name is already bound.
	ErrNameTaken = errors.New("registry: name already bound")
	// ErrNotFound is returned by Lookup for an unbound name.
	ErrNotFound = errors.New("registry: name not found")
	// ErrInvalidName is returned for names outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("registry: invalid name")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry: closed")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Ref locates a bound broker.
type Ref struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// EventType tells whether a name appeared or disappeared.
type EventType int

const (
	Bound EventType = iota + 1
	Unbound
)

func (t EventType) String() string {
	switch t {
	case Bound:
		return "bound"
	case Unbound:
		return "unbound"
	default:
		return "unknown"
	}
}

// Event is emitted by Watch. For Unbound events only Ref.Name is guaranteed.
type Event struct {
	Type EventType
	Ref  Ref
}

// Registry is a name service for brokers.
type Registry interface {
	// Bind publishes ref under name. It fails with ErrNameTaken if the name is in use.
	Bind(ctx context.Context, name string, ref Ref) error
	// Unbind removes name. Unbinding an unknown name is not an error.
	Unbind(ctx context.Context, name string) error
	// Lookup resolves name.
	Lookup(ctx context.Context, name string) (Ref, error)
	// List returns the bound names matching pattern, sorted. An empty pattern matches everything.
	List(ctx context.Context, pattern string) ([]string, error)
	// Watch streams bind and unbind events for names matching pattern until ctx is done.
	// The channel is closed when the watch ends.
	Watch(ctx context.Context, pattern string) (<-chan Event, error)
	Close() error
}

// ValidateName checks that name can be bound in every backend.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Match reports whether name matches the glob pattern. A malformed pattern matches nothing.
func Match(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// ValidatePattern rejects malformed glob patterns.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("registry: bad pattern %q: %w", pattern, err)
	}
	return nil
}
