// Package cfgapi is the typed client facade: getters/setters over a
// cfgcache.Cache, plus the named-struct array sugar. The caller's default is
// folded directly into each getter, since absence and a coercion failure
// are treated the same way — the typed getters never return an error.
package cfgapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/dconfd/dconfd/client/cfgcache"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/transport"
)

// namedStructMu and namedStructs back the process-global named-struct
// registry: a name maps to the ordered member-type tags that make up a
// heterogeneous array tuple, registered once at process startup and looked
// up by every handle thereafter.
var (
	namedStructMu sync.Mutex
	namedStructs  = map[string][]cfgvalue.Tag{}
)

// RegisterNamedStruct declares a named tuple type: name maps to the ordered
// list of value tags its members carry. A duplicate name is a programming
// error and panics rather than silently shadowing the first registration.
func RegisterNamedStruct(name string, memberTags []cfgvalue.Tag) {
	namedStructMu.Lock()
	defer namedStructMu.Unlock()
	if _, exists := namedStructs[name]; exists {
		panic(fmt.Sprintf("cfgapi: named struct %q is already registered", name))
	}
	tags := make([]cfgvalue.Tag, len(memberTags))
	copy(tags, memberTags)
	namedStructs[name] = tags
}

func lookupNamedStruct(name string) ([]cfgvalue.Tag, bool) {
	namedStructMu.Lock()
	defer namedStructMu.Unlock()
	tags, ok := namedStructs[name]
	return tags, ok
}

// Handle is the typed client facade for one channel.
type Handle struct {
	cache  *cfgcache.Cache
	client transport.Client
}

// NewHandle builds a facade over an already-constructed cache. client is
// used only for operations that are not channel-local (ListChannels,
// IsPropertyLocked).
func NewHandle(cache *cfgcache.Cache, client transport.Client) *Handle {
	return &Handle{cache: cache, client: client}
}

// Channel returns the channel name this handle serves.
func (h *Handle) Channel() string { return h.cache.Channel() }

// Prefetch warms the cache; see cfgcache.Cache.Prefetch.
func (h *Handle) Prefetch(ctx context.Context, base string) error {
	return h.cache.Prefetch(ctx, base)
}

// Exists reports whether path currently has an effective value.
func (h *Handle) Exists(ctx context.Context, path string) (bool, error) {
	_, ok, err := h.cache.Lookup(ctx, path)
	return ok, err
}

// Reset resets path (and its subtree, if recursive) via the broker.
func (h *Handle) Reset(ctx context.Context, path string, recursive bool) error {
	return h.cache.Reset(ctx, path, recursive)
}

// ListChannels lists every channel known to the broker.
func (h *Handle) ListChannels(ctx context.Context) ([]string, error) {
	return h.client.ListChannels(ctx)
}

// IsPropertyLocked reports whether path is provided by a locked overlay.
func (h *Handle) IsPropertyLocked(ctx context.Context, path string) (bool, error) {
	return h.client.IsPropertyLocked(ctx, h.cache.Channel(), path)
}

// Subscribe registers a local change observer; see cfgcache.Cache.Subscribe.
func (h *Handle) Subscribe(fn cfgcache.ChangedFunc) func() {
	return h.cache.Subscribe(fn)
}

// Close finalizes the underlying cache.
func (h *Handle) Close() { h.cache.Close() }

func (h *Handle) lookupCoerced(ctx context.Context, path string, target cfgvalue.Tag) (cfgvalue.Value, bool) {
	v, ok, err := h.cache.Lookup(ctx, path)
	if err != nil || !ok {
		return cfgvalue.Value{}, false
	}
	cv, ok := cfgvalue.Coerce(v, target)
	return cv, ok
}

// GetString returns path's value coerced to string, or def if absent or
// uncoercible.
func (h *Handle) GetString(ctx context.Context, path, def string) string {
	if v, ok := h.lookupCoerced(ctx, path, cfgvalue.TagString); ok {
		s, _ := v.RawString()
		return s
	}
	return def
}

// GetBool returns path's value coerced to bool, or def if absent or
// uncoercible.
func (h *Handle) GetBool(ctx context.Context, path string, def bool) bool {
	if v, ok := h.lookupCoerced(ctx, path, cfgvalue.TagBool); ok {
		b, _ := v.Bool()
		return b
	}
	return def
}

// GetInt64 returns path's value coerced to int64, or def if absent or
// uncoercible.
func (h *Handle) GetInt64(ctx context.Context, path string, def int64) int64 {
	if v, ok := h.lookupCoerced(ctx, path, cfgvalue.TagInt64); ok {
		n, _ := v.Int64()
		return n
	}
	return def
}

// GetUint64 returns path's value coerced to uint64, or def if absent or
// uncoercible.
func (h *Handle) GetUint64(ctx context.Context, path string, def uint64) uint64 {
	if v, ok := h.lookupCoerced(ctx, path, cfgvalue.TagUint64); ok {
		n, _ := v.Uint64()
		return n
	}
	return def
}

// GetFloat64 returns path's value coerced to float64, or def if absent or
// uncoercible.
func (h *Handle) GetFloat64(ctx context.Context, path string, def float64) float64 {
	if v, ok := h.lookupCoerced(ctx, path, cfgvalue.TagFloat64); ok {
		f, _ := v.Float64()
		return f
	}
	return def
}

// GetArray returns path's raw array elements, or (nil, false) if absent or
// not array-tagged. Unlike the scalar getters, there is no sensible
// "default" for a heterogeneous array, so absence is reported rather than
// silently substituted.
func (h *Handle) GetArray(ctx context.Context, path string) ([]cfgvalue.Value, bool) {
	v, ok, err := h.cache.Lookup(ctx, path)
	if err != nil || !ok || v.Tag() != cfgvalue.TagArray {
		return nil, false
	}
	return v.Array(), true
}

// SetString writes a string-tagged value.
func (h *Handle) SetString(ctx context.Context, path, v string) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewString(v))
}

// SetBool writes a bool-tagged value.
func (h *Handle) SetBool(ctx context.Context, path string, v bool) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewBool(v))
}

// SetInt64 writes an i64-tagged value.
func (h *Handle) SetInt64(ctx context.Context, path string, v int64) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewInt64(v))
}

// SetUint64 writes a u64-tagged value.
func (h *Handle) SetUint64(ctx context.Context, path string, v uint64) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewUint64(v))
}

// SetFloat64 writes an f64-tagged value.
func (h *Handle) SetFloat64(ctx context.Context, path string, v float64) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewFloat64(v))
}

// SetArray writes a heterogeneous array value built from already-tagged
// elements.
func (h *Handle) SetArray(ctx context.Context, path string, vals []cfgvalue.Value) (bool, error) {
	return h.cache.Set(ctx, path, cfgvalue.NewArray(vals))
}

// GetNamedStruct reads path as an instance of the struct previously
// registered under name, coercing each array member to its declared tag. It
// returns (nil, false) if the property is absent, not array-tagged, the
// wrong length, or any member fails to coerce — the same "equivalent to
// absence" treatment scalar getters give an uncoercible value.
func (h *Handle) GetNamedStruct(ctx context.Context, path, name string) ([]cfgvalue.Value, bool) {
	tags, ok := lookupNamedStruct(name)
	if !ok {
		return nil, false
	}
	elems, ok := h.GetArray(ctx, path)
	if !ok || len(elems) != len(tags) {
		return nil, false
	}
	out := make([]cfgvalue.Value, len(elems))
	for i, e := range elems {
		cv, ok := cfgvalue.Coerce(e, tags[i])
		if !ok {
			return nil, false
		}
		out[i] = cv
	}
	return out, true
}

// SetNamedStruct writes vals as an instance of the struct registered under
// name: vals must match its registered member count, and each element must
// coerce to the corresponding declared tag.
func (h *Handle) SetNamedStruct(ctx context.Context, path, name string, vals []cfgvalue.Value) (bool, error) {
	tags, ok := lookupNamedStruct(name)
	if !ok {
		return false, fmt.Errorf("cfgapi: no named struct registered as %q", name)
	}
	if len(vals) != len(tags) {
		return false, fmt.Errorf("cfgapi: named struct %q has %d members, got %d values", name, len(tags), len(vals))
	}
	members := make([]cfgvalue.Value, len(vals))
	for i, v := range vals {
		cv, ok := cfgvalue.Coerce(v, tags[i])
		if !ok {
			return false, fmt.Errorf("cfgapi: named struct %q member %d: value not coercible to %s", name, i, tags[i])
		}
		members[i] = cv
	}
	return h.SetArray(ctx, path, members)
}
