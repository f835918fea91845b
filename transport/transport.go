// Package transport defines, as Go interfaces, the wire surface the client
// cache consumes and the broker emits. The IPC mechanism itself — an
// inter-process object bus with method calls and signals — is deliberately
// not implemented here; this package is the boundary a real bus binding
// would implement. transport/local is the one shipped implementation: a
// fully in-process client that talks directly to a *broker.Broker with no
// wire hop.
package transport

import (
	"context"

	"github.com/dconfd/dconfd/common/cfgvalue"
)

// ChangeHandler is invoked when a subscribed channel's property changes.
type ChangeHandler func(channel, property string, v cfgvalue.Value)

// RemoveHandler is invoked when a subscribed channel's property is removed.
type RemoveHandler func(channel, property string)

// CallHandle represents an in-flight asynchronous SetProperty call.
// Cancellation is a first-class operation: re-writing a property while a
// write to it is still in flight cancels the superseded call.
type CallHandle interface {
	// Wait blocks until the call completes or ctx is done, returning the
	// broker's outcome (nil on success).
	Wait(ctx context.Context) error

	// Cancel asks the transport to suppress delivery of this call, or to
	// discard whatever reply eventually arrives. It is always safe to call,
	// including after the call has already completed.
	Cancel()
}

// Subscription is returned by Subscribe; Close drops the subscription.
type Subscription interface {
	Close()
}

// Client is the broker's wire surface as consumed by a client cache.
type Client interface {
	// SetProperty issues an asynchronous write and returns immediately with
	// a call handle. onComplete, if non-nil, is invoked exactly once — on an
	// implementation-determined goroutine — with the broker's outcome; this
	// is what drives the cache's set-reply reconciliation.
	SetProperty(ctx context.Context, channel, property string, v cfgvalue.Value, onComplete func(error)) (CallHandle, error)
	GetProperty(ctx context.Context, channel, property string) (cfgvalue.Value, error)
	GetAllProperties(ctx context.Context, channel, base string) (map[string]cfgvalue.Value, error)
	PropertyExists(ctx context.Context, channel, property string) (bool, error)
	ResetProperty(ctx context.Context, channel, property string, recursive bool) error
	ListChannels(ctx context.Context) ([]string, error)
	IsPropertyLocked(ctx context.Context, channel, property string) (bool, error)

	// Subscribe registers interest in a channel's PropertyChanged/
	// PropertyRemoved signals.
	Subscribe(channel string, onChange ChangeHandler, onRemove RemoveHandler) Subscription

	// Close releases this client's hold on the transport connection. Whether
	// the underlying connection is per-client or process-global and
	// reference-counted is left to the concrete implementation.
	Close()
}
