// Package cfgcache implements the client-side write-through property cache
// with optimistic speculative updates. A Set updates the local cache and
// notifies observers immediately while the broker write runs
// asynchronously; a shadow table of in-flight writes remembers each
// property's pre-write value so a rejected write rolls back to it, and
// suppresses the broker's echo of our own writes in the meantime.
package cfgcache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/transport"
)

// ChangedFunc is a local subscriber callback. A call with v.IsEmpty() true
// denotes removal.
type ChangedFunc func(path string, v cfgvalue.Value)

// pendingWrite tracks one in-flight broker write originated by this cache.
type pendingWrite struct {
	path   string
	prior  *cfgvalue.Value // nil means "was absent"
	handle transport.CallHandle
}

// Cache is a per-channel client-side property cache. It is safe for
// concurrent use by multiple goroutines.
type Cache struct {
	channel string
	client  transport.Client
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	properties   map[string]cfgvalue.Value
	pendingCalls map[transport.CallHandle]*pendingWrite
	shadowPrior  map[string]*pendingWrite
	closed       bool

	subMu       sync.Mutex
	subscribers []ChangedFunc

	sub transport.Subscription
}

// New creates a cache for channel, subscribing to the transport's change
// signals for it immediately. The cache starts empty; call Prefetch to warm
// it, or rely on on-demand Lookup.
func New(channel string, client transport.Client, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Cache{
		channel:      channel,
		client:       client,
		logger:       logger,
		properties:   make(map[string]cfgvalue.Value),
		pendingCalls: make(map[transport.CallHandle]*pendingWrite),
		shadowPrior:  make(map[string]*pendingWrite),
	}
	c.sub = client.Subscribe(channel, c.onBrokerChanged, c.onBrokerRemoved)
	return c
}

// Channel returns the channel name this cache serves.
func (c *Cache) Channel() string { return c.channel }

// Subscribe registers a local observer, returning an unsubscribe function.
func (c *Cache) Subscribe(fn ChangedFunc) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
	idx := len(c.subscribers) - 1
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if idx < len(c.subscribers) {
			c.subscribers[idx] = nil
		}
	}
}

func (c *Cache) emitChanged(path string, v cfgvalue.Value) {
	c.subMu.Lock()
	subs := make([]ChangedFunc, len(c.subscribers))
	copy(subs, c.subscribers)
	c.subMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(path, v)
		}
	}
}

func isRecoverable(err error) bool {
	return isNotFound(err) || isChannelNotFound(err)
}

// Prefetch populates the cache from a broker-side subtree read. It is only
// permitted on an empty cache.
func (c *Cache) Prefetch(ctx context.Context, base string) error {
	c.mu.Lock()
	empty := len(c.properties) == 0
	c.mu.Unlock()
	if !empty {
		return fmt.Errorf("cfgcache: prefetch is only permitted on an empty cache")
	}
	if base == "" {
		base = "/"
	}
	props, err := c.client.GetAllProperties(ctx, c.channel, base)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for p, v := range props {
		c.properties[p] = v
	}
	c.mu.Unlock()
	return nil
}

// Lookup returns the current value of path, (value, true) on a hit
// (served from cache or freshly fetched), (zero, false) if the property does
// not exist, or an error for anything else.
func (c *Cache) Lookup(ctx context.Context, path string) (cfgvalue.Value, bool, error) {
	c.mu.Lock()
	if v, ok := c.properties[path]; ok {
		c.mu.Unlock()
		return v, true, nil
	}
	c.mu.Unlock()

	v, err := c.client.GetProperty(ctx, c.channel, path)
	if err == nil {
		c.mu.Lock()
		c.properties[path] = v
		c.mu.Unlock()
		return v, true, nil
	}
	if isRecoverable(err) {
		return cfgvalue.Value{}, false, nil
	}
	return cfgvalue.Value{}, false, err
}

// Set performs an apparent-synchronous write with optimistic local update.
// The returned bool is true whenever the write was accepted for asynchronous
// processing; the error return is reserved for failures discovered
// synchronously (an unrecoverable prior-value lookup, or an immediate
// transport submission failure). A broker rejection arriving later is not
// returned to the caller — it rolls the cache back and notifies observers.
//
// Re-writing a path while a write to it is in flight cancels the superseded
// call but keeps the original pre-first-write prior, so a later rollback
// restores the value observers saw before the whole burst began.
func (c *Cache) Set(ctx context.Context, path string, v cfgvalue.Value) (bool, error) {
	c.mu.Lock()

	cur, known := c.properties[path]
	if !known {
		c.mu.Unlock()
		got, err := c.client.GetProperty(ctx, c.channel, path)
		c.mu.Lock()
		if err == nil {
			cur, known = got, true
		} else if !isRecoverable(err) {
			c.mu.Unlock()
			return false, err
		}
	}

	if known && cfgvalue.Equal(cur, v) {
		c.mu.Unlock()
		return true, nil
	}

	var freshPrior *cfgvalue.Value
	if known {
		cp := cur
		freshPrior = &cp
	}

	var pw *pendingWrite
	if existing, ok := c.shadowPrior[path]; ok {
		existing.handle.Cancel()
		delete(c.pendingCalls, existing.handle)
		pw = &pendingWrite{path: path, prior: existing.prior}
	} else {
		pw = &pendingWrite{path: path, prior: freshPrior}
	}
	c.shadowPrior[path] = pw

	handle, err := c.client.SetProperty(ctx, c.channel, path, v, func(callErr error) {
		c.reconcile(pw, callErr)
	})
	if err != nil {
		delete(c.shadowPrior, path)
		c.mu.Unlock()
		return false, err
	}
	pw.handle = handle
	c.pendingCalls[handle] = pw
	c.properties[path] = v
	c.mu.Unlock()

	c.emitChanged(path, v)
	return true, nil
}

// reconcile commits or rolls back a pending write, invoked on the
// transport's completion callback for pw's write.
func (c *Cache) reconcile(pw *pendingWrite, callErr error) {
	c.mu.Lock()
	tracked, ok := c.pendingCalls[pw.handle]
	if !ok || tracked != pw {
		// Finalizing, or this write was superseded by a later one.
		c.mu.Unlock()
		return
	}
	delete(c.pendingCalls, pw.handle)
	delete(c.shadowPrior, pw.path)

	if callErr == nil {
		c.mu.Unlock()
		return
	}

	var rolledBack cfgvalue.Value
	if pw.prior != nil {
		c.properties[pw.path] = *pw.prior
		rolledBack = *pw.prior
	} else {
		delete(c.properties, pw.path)
		rolledBack = cfgvalue.Empty()
	}
	c.mu.Unlock()

	c.emitChanged(pw.path, rolledBack)
}

// onBrokerChanged is the broker-originated PropertyChanged handler. A signal
// for a path with an in-flight write is the echo of our own write (or races
// a cancelled one the reply path will reconcile) and must be ignored.
func (c *Cache) onBrokerChanged(channel, path string, v cfgvalue.Value) {
	if channel != c.channel {
		return
	}
	c.mu.Lock()
	if _, inFlight := c.shadowPrior[path]; inFlight {
		c.mu.Unlock()
		return
	}
	old, existed := c.properties[path]
	changed := !existed || !cfgvalue.Equal(old, v)
	c.properties[path] = v
	c.mu.Unlock()

	if changed {
		c.emitChanged(path, v)
	}
}

// onBrokerRemoved is the broker-originated PropertyRemoved handler, gated on
// in-flight writes the same way onBrokerChanged is.
func (c *Cache) onBrokerRemoved(channel, path string) {
	if channel != c.channel {
		return
	}
	c.mu.Lock()
	if _, inFlight := c.shadowPrior[path]; inFlight {
		c.mu.Unlock()
		return
	}
	delete(c.properties, path)
	c.mu.Unlock()

	c.emitChanged(path, cfgvalue.Empty())
}

// Reset calls the broker's ResetProperty synchronously, then prunes the
// local cache to match. It is synchronous so a follow-up existence check
// never observes the cache lagging the reset.
func (c *Cache) Reset(ctx context.Context, base string, recursive bool) error {
	if err := c.client.ResetProperty(ctx, c.channel, base, recursive); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.properties, base)
	if recursive {
		prefix := base + "/"
		if base == "/" {
			prefix = "/"
		}
		for k := range c.properties {
			if strings.HasPrefix(k, prefix) {
				delete(c.properties, k)
			}
		}
	}
	c.mu.Unlock()
	return nil
}

// Close finalizes the cache: it disconnects broker subscriptions, then
// drains in-flight writes by waiting for each reply (without emitting local
// signals: the pending table is swapped out first, so reconcile finds no
// entry and returns), and finally releases the cached state.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pendingCalls
	c.pendingCalls = make(map[transport.CallHandle]*pendingWrite)
	c.mu.Unlock()

	if c.sub != nil {
		c.sub.Close()
	}

	for _, pw := range pending {
		if err := pw.handle.Wait(context.Background()); err != nil {
			c.logger.Warnw("pending write did not complete cleanly during cache shutdown",
				"channel", c.channel, "path", pw.path, "error", err)
		}
	}

	c.mu.Lock()
	c.properties = nil
	c.shadowPrior = nil
	c.mu.Unlock()
}
