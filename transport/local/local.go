// Package local implements transport.Client directly against a
// *broker.Broker, with no wire hop.
//
// SetProperty still runs asynchronously (on its own goroutine) even though
// the broker is a direct call away, so the client cache's optimistic-update
// and cancellation machinery has real asynchrony to exercise when there is
// no process boundary.
package local

import (
	"context"
	"sync"

	"github.com/satori/uuid"

	"github.com/dconfd/dconfd/broker"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/transport"
)

// Client is the in-process transport.Client implementation.
type Client struct {
	b *broker.Broker
}

// New wraps a broker for direct, in-process use by client caches.
func New(b *broker.Broker) *Client {
	return &Client{b: b}
}

type callHandle struct {
	id string

	mu       sync.Mutex
	canceled bool
	finished bool
	err      error
	done     chan struct{}
}

func newCallHandle() *callHandle {
	return &callHandle{id: uuid.NewV4().String(), done: make(chan struct{})}
}

// Cancel marks the call as canceled. If the call has not yet been issued to
// the broker, it never will be; if it already completed, Cancel is a no-op.
func (h *callHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = true
}

func (h *callHandle) isCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

func (h *callHandle) finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the call completes or ctx is done.
func (h *callHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetProperty issues an asynchronous write. onComplete, if non-nil, is
// invoked exactly once with the broker's outcome — this is what drives the
// cache's set-reply reconciliation.
func (c *Client) SetProperty(ctx context.Context, channel, property string, v cfgvalue.Value, onComplete func(error)) (transport.CallHandle, error) {
	h := newCallHandle()
	go func() {
		var err error
		if h.isCanceled() {
			err = context.Canceled
		} else {
			err = c.b.Set(channel, property, v)
		}
		h.finish(err)
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return h, nil
}

// GetProperty is a synchronous broker read.
func (c *Client) GetProperty(ctx context.Context, channel, property string) (cfgvalue.Value, error) {
	return c.b.Get(channel, property)
}

// GetAllProperties is a synchronous broker read.
func (c *Client) GetAllProperties(ctx context.Context, channel, base string) (map[string]cfgvalue.Value, error) {
	return c.b.GetAll(channel, base)
}

// PropertyExists is a synchronous broker read.
func (c *Client) PropertyExists(ctx context.Context, channel, property string) (bool, error) {
	return c.b.Exists(channel, property)
}

// ResetProperty is a synchronous broker write.
func (c *Client) ResetProperty(ctx context.Context, channel, property string, recursive bool) error {
	return c.b.Reset(channel, property, recursive)
}

// ListChannels is a synchronous broker read.
func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	return c.b.ListChannels()
}

// IsPropertyLocked is a synchronous broker read.
func (c *Client) IsPropertyLocked(ctx context.Context, channel, property string) (bool, error) {
	return c.b.IsPropertyLocked(channel, property)
}

type subscription struct {
	s *broker.Subscription
}

func (s *subscription) Close() { s.s.Close() }

// Subscribe registers interest in a channel's change signals directly with
// the broker.
func (c *Client) Subscribe(channel string, onChange transport.ChangeHandler, onRemove transport.RemoveHandler) transport.Subscription {
	s := c.b.Subscribe(channel, broker.ChangeHandler(onChange), broker.RemoveHandler(onRemove))
	return &subscription{s: s}
}

// Close is a no-op for the in-process transport: there is no connection to
// release, and the broker itself is owned by whoever constructed it.
func (c *Client) Close() {}
