package cfgapi

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconfd/dconfd/client/cfgcache"
	"github.com/dconfd/dconfd/common/cfgapi"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/transport"
)

// fakeCallHandle/fakeClient mirror the cfgcache package's test doubles,
// kept minimal here since this package only exercises the typed-sugar layer
// sitting on top of an already-proven cache.
type fakeCallHandle struct{ done chan struct{} }

func newFakeCallHandle() *fakeCallHandle { return &fakeCallHandle{done: make(chan struct{})} }
func (h *fakeCallHandle) Wait(ctx context.Context) error {
	<-h.done
	return nil
}
func (h *fakeCallHandle) Cancel() {}

type fakeSub struct{}

func (s *fakeSub) Close() {}

type fakeClient struct {
	mu         sync.Mutex
	properties map[string]cfgvalue.Value
	locked     map[string]bool
	channels   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{properties: make(map[string]cfgvalue.Value), locked: make(map[string]bool)}
}

func (f *fakeClient) SetProperty(ctx context.Context, channel, property string, v cfgvalue.Value, onComplete func(error)) (transport.CallHandle, error) {
	f.mu.Lock()
	f.properties[property] = v
	f.mu.Unlock()
	h := newFakeCallHandle()
	close(h.done)
	if onComplete != nil {
		go onComplete(nil)
	}
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
	return nil
}

func (f *fakeClient) ListChannels(ctx context.Context) ([]string, error) { return f.channels, nil }

func (f *fakeClient) IsPropertyLocked(ctx context.Context, channel, property string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[property], nil
}

func (f *fakeClient) Subscribe(channel string, onChange transport.ChangeHandler, onRemove transport.RemoveHandler) transport.Subscription {
	return &fakeSub{}
}

func (f *fakeClient) Close() {}

func newTestHandle() (*Handle, *fakeClient) {
	fc := newFakeClient()
	cache := cfgcache.New("net", fc, nil)
	return NewHandle(cache, fc), fc
}

func TestGetStringDefaultsWhenAbsent(t *testing.T) {
	h, _ := newTestHandle()
	assert.Equal(t, "fallback", h.GetString(context.Background(), "/missing", "fallback"))
}

func TestGetStringReturnsStoredValue(t *testing.T) {
	h, fc := newTestHandle()
	fc.properties["/p"] = cfgvalue.NewString("stored")
	assert.Equal(t, "stored", h.GetString(context.Background(), "/p", "fallback"))
}

func TestSetThenGetRoundTrips(t *testing.T) {
	h, _ := newTestHandle()
	ok, err := h.SetInt64(context.Background(), "/n", 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), h.GetInt64(context.Background(), "/n", -1))
}

func TestGetBoolDefaultsOnTypeMismatch(t *testing.T) {
	h, fc := newTestHandle()
	fc.properties["/p"] = cfgvalue.NewString("not-a-bool")
	assert.Equal(t, true, h.GetBool(context.Background(), "/p", true), "an uncoercible stored value must fall back to the default")
}

func TestGetArrayRoundTrips(t *testing.T) {
	h, _ := newTestHandle()
	elems := []cfgvalue.Value{cfgvalue.NewBool(true), cfgvalue.NewString("x")}
	ok, err := h.SetArray(context.Background(), "/arr", elems)
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok := h.GetArray(context.Background(), "/arr")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, cfgvalue.TagBool, got[0].Tag())
	assert.Equal(t, cfgvalue.TagString, got[1].Tag())
}

func TestNamedStructRoundTrip(t *testing.T) {
	RegisterNamedStruct("cfgapi-test.point", []cfgvalue.Tag{cfgvalue.TagInt64, cfgvalue.TagInt64})

	h, _ := newTestHandle()
	ok, err := h.SetNamedStruct(context.Background(), "/pt", "cfgapi-test.point",
		[]cfgvalue.Value{cfgvalue.NewInt32(3), cfgvalue.NewInt32(4)})
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok := h.GetNamedStruct(context.Background(), "/pt", "cfgapi-test.point")
	require.True(t, ok)
	require.Len(t, got, 2)
	x, _ := got[0].Int64()
	y, _ := got[1].Int64()
	assert.Equal(t, int64(3), x)
	assert.Equal(t, int64(4), y)
}

func TestNamedStructRejectsWrongArity(t *testing.T) {
	RegisterNamedStruct("cfgapi-test.triple", []cfgvalue.Tag{cfgvalue.TagInt64, cfgvalue.TagInt64, cfgvalue.TagInt64})

	h, _ := newTestHandle()
	_, err := h.SetNamedStruct(context.Background(), "/t", "cfgapi-test.triple",
		[]cfgvalue.Value{cfgvalue.NewInt32(1), cfgvalue.NewInt32(2)})
	assert.Error(t, err)
}

func TestNamedStructUnregisteredNameFails(t *testing.T) {
	h, _ := newTestHandle()
	_, err := h.SetNamedStruct(context.Background(), "/t", "cfgapi-test.does-not-exist", nil)
	assert.Error(t, err)
	_, ok := h.GetNamedStruct(context.Background(), "/t", "cfgapi-test.does-not-exist")
	assert.False(t, ok)
}

func TestRegisterNamedStructPanicsOnDuplicate(t *testing.T) {
	RegisterNamedStruct("cfgapi-test.dup", []cfgvalue.Tag{cfgvalue.TagBool})
	assert.Panics(t, func() {
		RegisterNamedStruct("cfgapi-test.dup", []cfgvalue.Tag{cfgvalue.TagBool})
	})
}

func TestIsPropertyLockedDelegatesToClient(t *testing.T) {
	h, fc := newTestHandle()
	fc.locked["/p"] = true
	locked, err := h.IsPropertyLocked(context.Background(), "/p")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestExistsReflectsCacheState(t *testing.T) {
	h, _ := newTestHandle()
	ok, err := h.Exists(context.Background(), "/p")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.SetString(context.Background(), "/p", "v")
	require.NoError(t, err)
	ok, err = h.Exists(context.Background(), "/p")
	require.NoError(t, err)
	assert.True(t, ok)
}
