// Package broker implements the daemon-side request dispatch and
// multi-backend resolution: an ordered backend list, first-success read
// semantics, locked-write enforcement, apply-to-every-backend reset, and
// deferred change-signal fan-out.
//
// Change signals are never emitted from inside a backend's change callback;
// the callback only enqueues, and a worker goroutine drains the queue and
// emits on a later turn. That breaks the re-entrancy a callback firing
// straight into signal emission would otherwise create, and means the
// emitted value is re-read across all backends rather than snapshotted.
package broker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dconfd/dconfd/backend"
	"github.com/dconfd/dconfd/common/cfgapi"
	"github.com/dconfd/dconfd/common/cfgvalidate"
	"github.com/dconfd/dconfd/common/cfgvalue"
)

// ChangeHandler is invoked when a subscribed channel's property changes.
type ChangeHandler func(channel, property string, v cfgvalue.Value)

// RemoveHandler is invoked when a subscribed channel's property is removed.
type RemoveHandler func(channel, property string)

type subscription struct {
	channel  string
	onChange ChangeHandler
	onRemove RemoveHandler
}

// Subscription is a handle returned by Broker.Subscribe; Close drops it.
type Subscription struct {
	b   *Broker
	sub *subscription
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.subsMu.Lock()
	defer s.b.subsMu.Unlock()
	list := s.b.subs[s.sub.channel]
	for i, sub := range list {
		if sub == s.sub {
			s.b.subs[s.sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

type deferredSignal struct {
	channel  string
	property string
}

// Broker owns an ordered list of backend instances and routes every request
// through them.
type Broker struct {
	backends []backend.Backend
	logger   *zap.SugaredLogger

	subsMu sync.Mutex
	subs   map[string][]*subscription

	deferCh   chan deferredSignal
	closeOnce sync.Once
	done      chan struct{}

	metrics *metrics
}

// New constructs a Broker from an ordered list of backend identifiers,
// looking up each one's configuration in configs. At least one backend must
// construct and initialize successfully, or ErrNoBackend is returned.
func New(ids []string, configs map[string]map[string]string, logger *zap.SugaredLogger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &Broker{
		logger:  logger,
		subs:    make(map[string][]*subscription),
		deferCh: make(chan deferredSignal, 256),
		done:    make(chan struct{}),
		metrics: newMetrics(),
	}

	for _, id := range ids {
		be, err := backend.New(id, configs[id])
		if err != nil {
			logger.Warnw("backend failed to initialize", "backend", id, "error", err)
			continue
		}
		be.RegisterChangeCallback(b.onBackendChange)
		b.backends = append(b.backends, be)
	}
	if len(b.backends) == 0 {
		return nil, cfgapi.ErrNoBackend
	}

	go b.runDeferred()
	return b, nil
}

// onBackendChange is the callback every backend was registered with; it must
// not block and must not call back into the broker synchronously, so it only
// enqueues for the deferred worker.
func (b *Broker) onBackendChange(channel, property string) {
	select {
	case b.deferCh <- deferredSignal{channel, property}:
	case <-b.done:
	}
}

func (b *Broker) runDeferred() {
	for {
		select {
		case sig := <-b.deferCh:
			b.emitEffective(sig.channel, sig.property)
		case <-b.done:
			return
		}
	}
}

func (b *Broker) emitEffective(channel, property string) {
	v, err := b.Get(channel, property)
	if err != nil {
		b.emitRemoved(channel, property)
		return
	}
	b.emitChanged(channel, property, v)
}

func (b *Broker) emitChanged(channel, property string, v cfgvalue.Value) {
	for _, sub := range b.subscribersFor(channel) {
		sub.onChange(channel, property, v)
	}
}

func (b *Broker) emitRemoved(channel, property string) {
	for _, sub := range b.subscribersFor(channel) {
		sub.onRemove(channel, property)
	}
}

func (b *Broker) subscribersFor(channel string) []*subscription {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	list := b.subs[channel]
	out := make([]*subscription, len(list))
	copy(out, list)
	return out
}

// Subscribe registers interest in a channel's change signals.
func (b *Broker) Subscribe(channel string, onChange ChangeHandler, onRemove RemoveHandler) *Subscription {
	sub := &subscription{channel: channel, onChange: onChange, onRemove: onRemove}
	b.subsMu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.subsMu.Unlock()
	return &Subscription{b: b, sub: sub}
}

// Close stops the deferred-signal worker and flushes every backend.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		for _, be := range b.backends {
			if ferr := be.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}
	})
	return err
}

func validate(channel, property string) error {
	if !cfgvalidate.IsValidChannel(channel) {
		return fmt.Errorf("%w: %s", cfgapi.ErrInvalidChannel, channel)
	}
	if property != "" && !cfgvalidate.IsValidPropertyBase(property) {
		return fmt.Errorf("%w: %s", cfgapi.ErrInvalidProperty, property)
	}
	return nil
}

// Get consults backends in order; the first success wins. If every backend
// fails, the last error is reported.
func (b *Broker) Get(channel, property string) (cfgvalue.Value, error) {
	if err := validate(channel, property); err != nil {
		return cfgvalue.Value{}, err
	}
	b.metrics.reads.Inc()
	var lastErr error
	for _, be := range b.backends {
		v, err := be.Get(channel, property)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cfgapi.ErrPropertyNotFound
	}
	return cfgvalue.Value{}, lastErr
}

// GetAll merges every backend's view of the subtree at base; earlier
// backends' keys shadow later ones.
func (b *Broker) GetAll(channel, base string) (map[string]cfgvalue.Value, error) {
	if err := validate(channel, base); err != nil {
		return nil, err
	}
	b.metrics.reads.Inc()
	merged := make(map[string]cfgvalue.Value)
	var lastErr error
	any := false
	for _, be := range b.backends {
		props, err := be.GetAll(channel, base)
		if err != nil {
			lastErr = err
			continue
		}
		any = true
		for p, v := range props {
			if _, exists := merged[p]; !exists {
				merged[p] = v
			}
		}
	}
	if !any && lastErr != nil {
		return nil, lastErr
	}
	return merged, nil
}

// Exists reports whether any backend has an effective value for property.
// If every backend fails, the last error is reported.
func (b *Broker) Exists(channel, property string) (bool, error) {
	if err := validate(channel, property); err != nil {
		return false, err
	}
	var lastErr error
	anyOK := false
	for _, be := range b.backends {
		ok, err := be.Exists(channel, property)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
		anyOK = true
	}
	if !anyOK && lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// IsPropertyLocked reports whether any backend considers property locked.
func (b *Broker) IsPropertyLocked(channel, property string) (bool, error) {
	if err := validate(channel, property); err != nil {
		return false, err
	}
	for _, be := range b.backends {
		locked, err := be.IsPropertyLocked(channel, property)
		if err == nil && locked {
			return true, nil
		}
	}
	return false, nil
}

// Set commits to the first backend only, after confirming no backend
// reports the property locked.
func (b *Broker) Set(channel, property string, v cfgvalue.Value) error {
	if err := validate(channel, property); err != nil {
		return err
	}
	locked, err := b.IsPropertyLocked(channel, property)
	if err != nil {
		return err
	}
	if locked {
		b.metrics.writeRejects.Inc()
		return fmt.Errorf("%w: %s%s", cfgapi.ErrPermissionDenied, channel, property)
	}
	b.metrics.writes.Inc()
	return b.backends[0].Set(channel, property, v)
}

// Reset applies to every backend, so a removed writable entry cannot
// resurface from a stale lower layer; success if any backend succeeds.
func (b *Broker) Reset(channel, property string, recursive bool) error {
	if err := validate(channel, property); err != nil {
		return err
	}
	b.metrics.resets.Inc()
	var lastErr error
	anyOK := false
	for _, be := range b.backends {
		if err := be.Reset(channel, property, recursive); err != nil {
			lastErr = err
		} else {
			anyOK = true
		}
	}
	if !anyOK {
		return lastErr
	}
	return nil
}

// propertyCounter is implemented by backends that can report their current
// per-channel tree size (e.g. xmlfile.Backend.ChannelPropertyCount); the
// broker uses it opportunistically to drive the dconfd_channel_properties
// gauge and does not require every backend to support it.
type propertyCounter interface {
	ChannelPropertyCount(channel string) (int, error)
}

// RefreshTreeSizeMetrics polls every backend that supports per-channel
// property counting and updates the dconfd_channel_properties gauge. Intended
// to be called periodically (e.g. from a ticker in cmd/dconfd); computing a
// tree size is too expensive to do inline on every mutation.
func (b *Broker) RefreshTreeSizeMetrics() {
	channels, err := b.ListChannels()
	if err != nil {
		return
	}
	for _, be := range b.backends {
		pc, ok := be.(propertyCounter)
		if !ok {
			continue
		}
		for _, ch := range channels {
			if n, err := pc.ChannelPropertyCount(ch); err == nil {
				b.metrics.treeSize.WithLabelValues(ch).Set(float64(n))
			}
		}
	}
}

// ListChannels returns the union of every backend's channel list,
// de-duplicated here so callers never see the same channel twice.
func (b *Broker) ListChannels() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, be := range b.backends {
		chans, err := be.ListChannels()
		if err != nil {
			continue
		}
		for _, c := range chans {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}
