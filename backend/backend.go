// Package backend defines the abstract operations a configuration storage
// backend must expose, and a registry mapping a backend identifier string to
// a constructor so the daemon can assemble its backend chain from a plain
// list of identifiers.
package backend

import (
	"fmt"
	"sync"

	"github.com/dconfd/dconfd/common/cfgvalue"
)

// ChangeCallback is invoked by a Backend whenever a user-facing Set or Reset
// changes a property's effective value. It fires after the backend's
// in-memory tree has been updated, on the goroutine that called Set or
// Reset; callers (the broker) must not block substantially inside it.
type ChangeCallback func(channel, property string)

// Backend is the contract every storage implementation must satisfy.
type Backend interface {
	// Init prepares the backend for use (e.g. locating and parsing files).
	// A failing Init means this backend takes no part in broker operations.
	Init() error

	// Get returns the effective value of a property, or ErrPropertyNotFound.
	Get(channel, property string) (cfgvalue.Value, error)

	// GetAll returns every property at or below base (base may be "/" for
	// the whole channel), keyed by full path.
	GetAll(channel, base string) (map[string]cfgvalue.Value, error)

	// Exists reports whether a property has an effective value.
	Exists(channel, property string) (bool, error)

	// Set creates or updates a property on this backend's writable layer.
	// Returns ErrPermissionDenied if this backend considers the property
	// locked.
	Set(channel, property string, v cfgvalue.Value) error

	// Reset removes a property (and its subtree, if recursive) from this
	// backend's writable layer only.
	Reset(channel, property string, recursive bool) error

	// ListChannels returns the channel names this backend knows about.
	ListChannels() ([]string, error)

	// IsPropertyLocked reports whether this backend considers the property
	// immutable to user-level writes.
	IsPropertyLocked(channel, property string) (bool, error)

	// Flush persists any pending in-memory changes.
	Flush() error

	// RegisterChangeCallback installs the callback invoked on every
	// effective-value change. A backend need not support more than one
	// registered callback; the broker registers exactly one.
	RegisterChangeCallback(cb ChangeCallback)
}

// Constructor builds a Backend instance from a free-form configuration map
// (e.g. the perchannel-xml backend expects "writable-root" and
// "system-roots").
type Constructor func(config map[string]string) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Constructor{}
)

// Register adds a named backend constructor to the registry. It is intended
// to be called from a backend package's init(), the way database/sql drivers
// register themselves.
func Register(id string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = ctor
}

// New constructs and initializes a backend by its registered identifier. The
// returned error is ErrNoBackend-flavored at the call site (see broker.New)
// if construction fails for every requested identifier.
func New(id string, config map[string]string) (Backend, error) {
	registryMu.Lock()
	ctor, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered for identifier %q", id)
	}
	b, err := ctor(config)
	if err != nil {
		return nil, fmt.Errorf("constructing backend %q: %w", id, err)
	}
	if err := b.Init(); err != nil {
		return nil, fmt.Errorf("initializing backend %q: %w", id, err)
	}
	return b, nil
}
