package cfgcache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconfd/dconfd/common/cfgapi"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/transport"
)

// fakeCallHandle is a controllable transport.CallHandle: the test decides
// when (and with what error) a SetProperty call completes, by calling
// complete() directly rather than waiting on a real transport round trip.
type fakeCallHandle struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	cancelled bool
}

func newFakeCallHandle() *fakeCallHandle {
	return &fakeCallHandle{done: make(chan struct{})}
}

func (h *fakeCallHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeCallHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *fakeCallHandle) complete(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

type fakeSub struct{ closed bool }

func (s *fakeSub) Close() { s.closed = true }

// fakeClient is a scriptable transport.Client. Tests drive broker-originated
// signals by calling fireChanged/fireRemoved, and drive set-reply arrival by
// calling complete() on the handle returned from SetProperty.
type fakeClient struct {
	mu         sync.Mutex
	properties map[string]cfgvalue.Value
	onChange   transport.ChangeHandler
	onRemove   transport.RemoveHandler

	// setCalls records every SetProperty invocation in order, so a test can
	// grab the Nth call's handle and onComplete callback.
	setCalls []*setCall
}

type setCall struct {
	channel, property string
	value             cfgvalue.Value
	handle            *fakeCallHandle
	onComplete        func(error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{properties: make(map[string]cfgvalue.Value)}
}

func (f *fakeClient) SetProperty(ctx context.Context, channel, property string, v cfgvalue.Value, onComplete func(error)) (transport.CallHandle, error) {
	h := newFakeCallHandle()
	f.mu.Lock()
	f.setCalls = append(f.setCalls, &setCall{channel: channel, property: property, value: v, handle: h, onComplete: onComplete})
	f.mu.Unlock()
	// Drive onComplete from the handle's completion, on its own goroutine,
	// mirroring a real transport's "callback fires on an implementation
	// goroutine" contract.
	go func() {
		<-h.done
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return h, nil
}

func (f *fakeClient) GetProperty(ctx context.Context, channel, property string) (cfgvalue.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.properties[property]
	if !ok {
		return cfgvalue.Value{}, cfgapi.ErrPropertyNotFound
	}
	return v, nil
}

func (f *fakeClient) GetAllProperties(ctx context.Context, channel, base string) (map[string]cfgvalue.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]cfgvalue.Value)
	for p, v := range f.properties {
		out[p] = v
	}
	return out, nil
}

func (f *fakeClient) PropertyExists(ctx context.Context, channel, property string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.properties[property]
	return ok, nil
}

func (f *fakeClient) ResetProperty(ctx context.Context, channel, property string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.properties, property)
	if recursive {
		for p := range f.properties {
			if strings.HasPrefix(p, property+"/") {
				delete(f.properties, p)
			}
		}
	}
	return nil
}

func (f *fakeClient) ListChannels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeClient) IsPropertyLocked(ctx context.Context, channel, property string) (bool, error) {
	return false, nil
}

func (f *fakeClient) Subscribe(channel string, onChange transport.ChangeHandler, onRemove transport.RemoveHandler) transport.Subscription {
	f.mu.Lock()
	f.onChange = onChange
	f.onRemove = onRemove
	f.mu.Unlock()
	return &fakeSub{}
}

func (f *fakeClient) Close() {}

func (f *fakeClient) fireChanged(channel, path string, v cfgvalue.Value) {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb(channel, path, v)
	}
}

func (f *fakeClient) fireRemoved(channel, path string) {
	f.mu.Lock()
	cb := f.onRemove
	f.mu.Unlock()
	if cb != nil {
		cb(channel, path)
	}
}

func (f *fakeClient) lastSetCall() *setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setCalls) == 0 {
		return nil
	}
	return f.setCalls[len(f.setCalls)-1]
}

func awaitCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition did not become true in time")
}

func TestLookupServesFromCacheWithoutRoundTrip(t *testing.T) {
	fc := newFakeClient()
	c := New("net", fc, nil)
	defer c.Close()

	fc.properties["/p"] = cfgvalue.NewString("v")
	_, _, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)

	// Once cached, the value is served without asking the broker again.
	fc.mu.Lock()
	delete(fc.properties, "/p")
	fc.mu.Unlock()

	v, ok, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.RawString()
	assert.Equal(t, "v", s)
}

func TestLookupMissingPropertyIsAbsentNotError(t *testing.T) {
	fc := newFakeClient()
	c := New("net", fc, nil)
	defer c.Close()

	_, ok, err := c.Lookup(context.Background(), "/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetIsOptimisticBeforeReplyArrives(t *testing.T) {
	fc := newFakeClient()
	c := New("net", fc, nil)
	defer c.Close()

	ok, err := c.Set(context.Background(), "/p", cfgvalue.NewString("new"))
	require.NoError(t, err)
	assert.True(t, ok)

	v, ok, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.RawString()
	assert.Equal(t, "new", s, "the optimistic value must be visible before the broker replies")

	// Let the write finish so the deferred Close, which waits for every
	// pending reply, can return.
	fc.lastSetCall().handle.complete(nil)
}

// An optimistic write that the broker later rejects must roll the cache
// back to its pre-write value and notify subscribers of the rollback.
func TestSetRollsBackOnBrokerRejection(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/p"] = cfgvalue.NewString("orig")
	c := New("net", fc, nil)
	defer c.Close()

	// Warm the cache so Set sees a known prior value synchronously.
	_, _, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)

	var notified []cfgvalue.Value
	var mu sync.Mutex
	c.Subscribe(func(path string, v cfgvalue.Value) {
		mu.Lock()
		notified = append(notified, v)
		mu.Unlock()
	})

	ok, err := c.Set(context.Background(), "/p", cfgvalue.NewString("new"))
	require.NoError(t, err)
	assert.True(t, ok)

	call := fc.lastSetCall()
	require.NotNil(t, call)
	call.handle.complete(cfgapi.ErrPermissionDenied)

	awaitCondition(t, func() bool {
		v, ok, _ := c.Lookup(context.Background(), "/p")
		if !ok {
			return false
		}
		s, _ := v.RawString()
		return s == "orig"
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 2, "expected one optimistic-change notification and one rollback notification")
	s0, _ := notified[0].RawString()
	assert.Equal(t, "new", s0)
	s1, _ := notified[1].RawString()
	assert.Equal(t, "orig", s1)
}

// Re-writing a path while a write to it is still in flight must cancel the
// first call, and the eventual rollback (if the second call also fails) must
// restore the *original* pre-write value, not the first write's value.
func TestRapidRewriteCancelsPriorAndPreservesOriginalPrior(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/p"] = cfgvalue.NewString("orig")
	c := New("net", fc, nil)
	defer c.Close()

	_, _, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)

	ok, err := c.Set(context.Background(), "/p", cfgvalue.NewString("first"))
	require.NoError(t, err)
	require.True(t, ok)
	firstCall := fc.lastSetCall()
	require.NotNil(t, firstCall)

	ok, err = c.Set(context.Background(), "/p", cfgvalue.NewString("second"))
	require.NoError(t, err)
	require.True(t, ok)

	firstCall.handle.mu.Lock()
	firstCancelled := firstCall.handle.cancelled
	firstCall.handle.mu.Unlock()
	assert.True(t, firstCancelled, "re-writing an in-flight path must cancel the superseded call")

	secondCall := fc.lastSetCall()
	require.NotNil(t, secondCall)
	require.NotEqual(t, firstCall.handle, secondCall.handle)

	// The superseded first call's reply (if it ever arrives) must be ignored.
	firstCall.handle.complete(nil)

	v, ok, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.RawString()
	assert.Equal(t, "second", s, "a stale completion for a superseded call must not affect the cache")

	secondCall.handle.complete(cfgapi.ErrPermissionDenied)

	awaitCondition(t, func() bool {
		v, ok, _ := c.Lookup(context.Background(), "/p")
		if !ok {
			return false
		}
		s, _ := v.RawString()
		return s == "orig"
	})
}

func TestBrokerChangeSignalIsSuppressedDuringInFlightWrite(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/p"] = cfgvalue.NewString("orig")
	c := New("net", fc, nil)
	defer c.Close()

	_, _, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)

	ok, err := c.Set(context.Background(), "/p", cfgvalue.NewString("mine"))
	require.NoError(t, err)
	require.True(t, ok)

	// The broker echoes back our own write before our local call completes;
	// this must not be allowed to clobber the optimistic value.
	fc.fireChanged("net", "/p", cfgvalue.NewString("mine"))

	v, ok, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.RawString()
	assert.Equal(t, "mine", s)

	call := fc.lastSetCall()
	call.handle.complete(nil)

	// An unrelated broker-originated change (no in-flight write on that
	// path) must still be applied.
	fc.fireChanged("net", "/other", cfgvalue.NewString("from-broker"))
	v, ok, err = c.Lookup(context.Background(), "/other")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ = v.RawString()
	assert.Equal(t, "from-broker", s)
}

func TestResetRecursivePrunesSubtreeLocally(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/a"] = cfgvalue.NewInt32(1)
	fc.properties["/a/b"] = cfgvalue.NewInt32(2)
	fc.properties["/z"] = cfgvalue.NewInt32(9)
	c := New("net", fc, nil)
	defer c.Close()

	require.NoError(t, c.Prefetch(context.Background(), "/"))

	require.NoError(t, c.Reset(context.Background(), "/a", true))

	_, ok, err := c.Lookup(context.Background(), "/a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Lookup(context.Background(), "/a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	fc.properties["/z"] = cfgvalue.NewInt32(9)
	v, ok, err := c.Lookup(context.Background(), "/z")
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := v.Int64()
	assert.Equal(t, int64(9), n)
}

func TestPrefetchRejectedOnNonEmptyCache(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/p"] = cfgvalue.NewString("v")
	c := New("net", fc, nil)
	defer c.Close()

	require.NoError(t, c.Prefetch(context.Background(), "/"))
	err := c.Prefetch(context.Background(), "/")
	assert.Error(t, err)
}

func TestSetNoOpWhenValueUnchanged(t *testing.T) {
	fc := newFakeClient()
	fc.properties["/p"] = cfgvalue.NewString("same")
	c := New("net", fc, nil)
	defer c.Close()

	_, _, err := c.Lookup(context.Background(), "/p")
	require.NoError(t, err)

	ok, err := c.Set(context.Background(), "/p", cfgvalue.NewString("same"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, fc.lastSetCall(), "setting the already-current value must not issue a broker call")
}
