// Package xmlfile implements the per-channel XML backend: a writable user
// layer plus zero or more read-only "locked" system overlays, loaded lazily
// per channel, merged for reads, and persisted atomically
// (write-to-temp-then-rename, with a single rotated .bak). All filesystem
// access goes through afero so tests can run against an in-memory fs.
package xmlfile

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dconfd/dconfd/backend"
	"github.com/dconfd/dconfd/common/cfgapi"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/internal/dlog"
	"github.com/dconfd/dconfd/internal/xerr"
)

func init() {
	backend.Register("perchannel-xml", newFromConfig)
}

var (
	slog = zap.NewNop().Sugar()

	// flushThrottle is keyed by channel name: a channel whose deferred
	// flush keeps failing (full disk, bad mount) retries at write rate,
	// and must not drown out the first failure on a different channel.
	flushThrottle = dlog.NewThrottle(slog, 10*time.Second, 10*time.Minute)
)

// SetLogger installs the process logger for this package. Call before the
// first backend operation; the default logger discards everything.
func SetLogger(l *zap.SugaredLogger) {
	slog = l
	flushThrottle = dlog.NewThrottle(l, 10*time.Second, 10*time.Minute)
}

// CurrentVersion is the schema version this backend writes; see
// RegisterUpgradeHook and the "version upgrades" decision in DESIGN.md.
const CurrentVersion = 1

// node is one element of an in-memory property tree. The channel root is
// represented by a node with an empty name; it is never itself a property.
type node struct {
	name     string
	value    cfgvalue.Value
	locked   bool
	children []*node
}

func newNode(name string) *node {
	return &node{name: name, value: cfgvalue.Empty()}
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) ensureChild(name string) *node {
	if c := n.child(name); c != nil {
		return c
	}
	c := newNode(name)
	n.children = append(n.children, c)
	return c
}

func (n *node) removeChild(name string) bool {
	for i, c := range n.children {
		if c.name == name {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	if path == "/" || path == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

func lookup(root *node, path string) *node {
	segs := splitPath(path)
	cur := root
	for _, s := range segs {
		cur = cur.child(s)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func ensurePath(root *node, path string) *node {
	segs := splitPath(path)
	cur := root
	for _, s := range segs {
		cur = cur.ensureChild(s)
	}
	return cur
}

// walk invokes fn with the full path of every node at or below root that
// carries a non-empty value.
func walk(root *node, prefix string, fn func(path string, n *node)) {
	if !root.value.IsEmpty() {
		fn(prefix, root)
	}
	for _, c := range root.children {
		childPath := prefix + "/" + c.name
		if prefix == "" {
			childPath = "/" + c.name
		}
		walk(c, childPath, fn)
	}
}

// pruneEmpty removes children that carry neither a value nor descendants
// with a value; a node holding neither has no reason to persist. It returns
// whether n itself is now prunable.
func pruneEmpty(n *node) bool {
	kept := n.children[:0]
	for _, c := range n.children {
		if !pruneEmpty(c) {
			kept = append(kept, c)
		}
	}
	n.children = kept
	return n.value.IsEmpty() && len(n.children) == 0
}

// layer is one file contributing to a channel's merged view.
type layer struct {
	path   string
	locked bool
	root   *node
	loaded bool
}

type channelState struct {
	mu       sync.Mutex
	name     string
	writable *layer
	overlays []*layer
	dirty    bool
	flushAt  *time.Timer
}

// Backend is the perchannel-xml implementation of backend.Backend.
type Backend struct {
	fs           afero.Fs
	writableRoot string
	systemRoots  []string

	mu       sync.Mutex
	channels map[string]*channelState
	callback backend.ChangeCallback

	upgradeMu    sync.Mutex
	upgradeHooks map[int]func(channel string, root *node) error
}

// NewWithFS builds a Backend against an arbitrary afero.Fs, bypassing XDG
// environment resolution. Production code uses New/newFromConfig; tests use
// this directly with afero.NewMemMapFs().
func NewWithFS(fs afero.Fs, writableRoot string, systemRoots []string) *Backend {
	return &Backend{
		fs:           fs,
		writableRoot: writableRoot,
		systemRoots:  systemRoots,
		channels:     make(map[string]*channelState),
		upgradeHooks: make(map[int]func(string, *node) error),
	}
}

// newFromConfig is registered under the "perchannel-xml" identifier.
// config["app"] names the application subdirectory searched for under each
// XDG root; an empty app name is an error.
func newFromConfig(config map[string]string) (backend.Backend, error) {
	app := config["app"]
	if app == "" {
		return nil, fmt.Errorf("perchannel-xml backend requires an \"app\" config value")
	}
	writable, roots := ResolveRoots(app)
	return NewWithFS(afero.NewOsFs(), writable, roots), nil
}

// ResolveRoots implements the XDG file-search rule: the writable root is
// $XDG_CONFIG_HOME/<app>, falling back to $HOME/.config/<app>; the read-only
// roots are each entry of $XDG_CONFIG_DIRS/<app>, in order.
func ResolveRoots(app string) (writable string, systemRoots []string) {
	home := os.Getenv("XDG_CONFIG_HOME")
	if home == "" {
		home = filepath.Join(os.Getenv("HOME"), ".config")
	}
	writable = filepath.Join(home, app)

	dirs := os.Getenv("XDG_CONFIG_DIRS")
	if dirs != "" {
		for _, d := range strings.Split(dirs, ":") {
			if d != "" {
				systemRoots = append(systemRoots, filepath.Join(d, app))
			}
		}
	}
	return writable, systemRoots
}

// RegisterUpgradeHook installs a migration function run against a channel's
// writable layer when that channel's persisted version is older than
// CurrentVersion and has just reached `version`.
func (b *Backend) RegisterUpgradeHook(version int, hook func(channel string, root *node) error) {
	b.upgradeMu.Lock()
	defer b.upgradeMu.Unlock()
	b.upgradeHooks[version] = hook
}

// Init ensures the writable root directory exists. System roots are
// read-only and are not created.
func (b *Backend) Init() error {
	if err := b.fs.MkdirAll(b.writableRoot, 0755); err != nil {
		return fmt.Errorf("%w: creating writable root %s: %v", cfgapi.ErrInternalError, b.writableRoot, err)
	}
	return nil
}

// RegisterChangeCallback installs the callback fired on every effective
// change.
func (b *Backend) RegisterChangeCallback(cb backend.ChangeCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = cb
}

func (b *Backend) notify(channel, property string) {
	b.mu.Lock()
	cb := b.callback
	b.mu.Unlock()
	if cb != nil {
		cb(channel, property)
	}
}

func (b *Backend) channelFile(root, channel string) string {
	return filepath.Join(root, channel+".xml")
}

// ensureChannel lazily loads (or initializes empty) the writable and overlay
// layers for a channel.
func (b *Backend) ensureChannel(channel string) (*channelState, error) {
	b.mu.Lock()
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{name: channel}
		b.channels[channel] = cs
	}
	b.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.writable != nil {
		return cs, nil
	}

	writablePath := b.channelFile(b.writableRoot, channel)
	wroot, version, err := b.loadFile(writablePath)
	if err != nil {
		wrapped := pkgerrors.Wrapf(err, "loading %s", writablePath)
		return nil, fmt.Errorf("%w: %v", cfgapi.ErrReadFailure, wrapped)
	}
	if wroot == nil {
		wroot = newNode("")
		version = CurrentVersion
	}
	cs.writable = &layer{path: writablePath, root: wroot}

	if err := b.upgrade(channel, cs.writable.root, version); err != nil {
		return nil, err
	}

	for _, root := range b.systemRoots {
		p := b.channelFile(root, channel)
		oroot, _, err := b.loadFile(p)
		if err != nil {
			wrapped := pkgerrors.Wrapf(err, "loading overlay %s", p)
			return nil, fmt.Errorf("%w: %v", cfgapi.ErrReadFailure, wrapped)
		}
		if oroot != nil {
			cs.overlays = append(cs.overlays, &layer{path: p, locked: true, root: oroot, loaded: true})
		}
	}
	return cs, nil
}

func (b *Backend) upgrade(channel string, root *node, fileVersion int) error {
	if fileVersion > CurrentVersion {
		structured := xerr.Errorw("properties file version is newer than this daemon",
			"channel", channel, "file_version", fileVersion, "max_version", CurrentVersion)
		return fmt.Errorf("%w: %v", cfgapi.ErrInternalError, structured)
	}
	if fileVersion == CurrentVersion {
		return nil
	}
	slog.Infow("properties file version is older than this daemon, running upgrade hooks",
		"channel", channel, "file_version", fileVersion, "current_version", CurrentVersion)
	b.upgradeMu.Lock()
	defer b.upgradeMu.Unlock()
	for v := fileVersion + 1; v <= CurrentVersion; v++ {
		if hook, ok := b.upgradeHooks[v]; ok {
			if err := hook(channel, root); err != nil {
				structured := xerr.Wrap(err, "upgrade hook failed", "channel", channel, "to_version", v)
				return fmt.Errorf("%w: %v", cfgapi.ErrInternalError, structured)
			}
		}
	}
	return nil
}

// loadFile returns (nil, 0, nil) if the file does not exist.
func (b *Backend) loadFile(path string) (*node, int, error) {
	exists, err := afero.Exists(b.fs, path)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, nil
	}
	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return nil, 0, err
	}
	var xc xmlChannel
	if err := xml.Unmarshal(data, &xc); err != nil {
		return nil, 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	version := CurrentVersion
	if xc.Version != "" {
		if v, err := parseVersion(xc.Version); err == nil {
			version = v
		}
	}
	root := newNode("")
	for _, p := range xc.Properties {
		n, err := xmlToNode(p)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing %s: %w", path, err)
		}
		root.children = append(root.children, n)
	}
	return root, version, nil
}

func parseVersion(s string) (int, error) {
	major := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		major = s[:i]
	}
	return strconv.Atoi(major)
}

// Get returns the effective value of a property. Precedence: a locked
// overlay entry always wins; otherwise the writable layer wins; an
// overlay entry that is present but not locked is a soft default, used only
// when the writable layer has no value of its own.
func (b *Backend) Get(channel, property string) (cfgvalue.Value, error) {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return cfgvalue.Value{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	v, ok := b.getLocked(cs, property)
	if !ok {
		return cfgvalue.Value{}, fmt.Errorf("%w: %s%s", cfgapi.ErrPropertyNotFound, channel, property)
	}
	return v, nil
}

// Exists reports whether Get would succeed.
func (b *Backend) Exists(channel, property string) (bool, error) {
	_, err := b.Get(channel, property)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	return errors.Is(err, cfgapi.ErrPropertyNotFound)
}

// GetAll returns the effective values of every property at or below base.
func (b *Backend) GetAll(channel, base string) (map[string]cfgvalue.Value, error) {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	paths := make(map[string]bool)
	collect := func(root *node) {
		var start *node
		var prefix string
		if base == "/" || base == "" {
			start = root
			prefix = ""
		} else {
			start = lookup(root, base)
			prefix = base
		}
		if start == nil {
			return
		}
		walk(start, prefix, func(path string, n *node) {
			paths[path] = true
		})
	}
	for _, ov := range cs.overlays {
		collect(ov.root)
	}
	collect(cs.writable.root)

	out := make(map[string]cfgvalue.Value, len(paths))
	for p := range paths {
		if v, ok := b.getLocked(cs, p); ok {
			out[p] = v
		}
	}
	return out, nil
}

// getLocked resolves property's effective value under cs's lock, honoring
// the precedence documented on Get: locked overlay > writable > soft-default
// overlay.
func (b *Backend) getLocked(cs *channelState, property string) (cfgvalue.Value, bool) {
	for _, ov := range cs.overlays {
		if n := lookup(ov.root, property); n != nil && n.locked && !n.value.IsEmpty() {
			return n.value, true
		}
	}
	if n := lookup(cs.writable.root, property); n != nil && !n.value.IsEmpty() {
		return n.value, true
	}
	for _, ov := range cs.overlays {
		if n := lookup(ov.root, property); n != nil && !n.value.IsEmpty() {
			return n.value, true
		}
	}
	return cfgvalue.Value{}, false
}

// IsPropertyLocked reports whether any overlay carries a locked entry at
// property. A soft-default overlay entry (no locked attribute) does not
// count: the writable layer may still override it.
func (b *Backend) IsPropertyLocked(channel, property string) (bool, error) {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return false, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ov := range cs.overlays {
		if n := lookup(ov.root, property); n != nil && n.locked && !n.value.IsEmpty() {
			return true, nil
		}
	}
	return false, nil
}

// Set writes a property to the writable layer, refusing if any overlay
// reports it locked.
func (b *Backend) Set(channel, property string, v cfgvalue.Value) error {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	for _, ov := range cs.overlays {
		if n := lookup(ov.root, property); n != nil && n.locked && !n.value.IsEmpty() {
			cs.mu.Unlock()
			return fmt.Errorf("%w: %s%s is set by a locked overlay", cfgapi.ErrPermissionDenied, channel, property)
		}
	}
	n := ensurePath(cs.writable.root, property)
	n.value = v
	cs.dirty = true
	b.scheduleFlush(cs)
	cs.mu.Unlock()

	b.notify(channel, property)
	return nil
}

// Reset removes a property (and its subtree, if recursive) from the
// writable layer only.
func (b *Backend) Reset(channel, property string, recursive bool) error {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	var removed bool
	if property == "/" {
		removed = len(cs.writable.root.children) > 0
		cs.writable.root.children = nil
	} else if recursive {
		segs := splitPath(property)
		parent := cs.writable.root
		for _, s := range segs[:len(segs)-1] {
			parent = parent.child(s)
			if parent == nil {
				break
			}
		}
		if parent != nil {
			removed = parent.removeChild(segs[len(segs)-1])
		}
	} else {
		if n := lookup(cs.writable.root, property); n != nil {
			n.value = cfgvalue.Empty()
			removed = true
		}
	}
	if removed {
		cs.dirty = true
		b.scheduleFlush(cs)
	}
	cs.mu.Unlock()

	if removed {
		b.notify(channel, property)
	}
	return nil
}

// ChannelPropertyCount returns the number of effective (valued) properties in
// channel's merged tree, for the daemon's per-channel tree-size gauge.
func (b *Backend) ChannelPropertyCount(channel string) (int, error) {
	cs, err := b.ensureChannel(channel)
	if err != nil {
		return 0, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	paths := make(map[string]bool)
	collect := func(root *node) {
		walk(root, "", func(path string, n *node) { paths[path] = true })
	}
	for _, ov := range cs.overlays {
		collect(ov.root)
	}
	collect(cs.writable.root)
	return len(paths), nil
}

// ListChannels returns the union of channel-file stems across the writable
// root and every system root.
func (b *Backend) ListChannels() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	roots := append([]string{b.writableRoot}, b.systemRoots...)
	for _, root := range roots {
		entries, err := afero.ReadDir(b.fs, root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".xml") {
				continue
			}
			stem := strings.TrimSuffix(name, ".xml")
			if !seen[stem] {
				seen[stem] = true
				out = append(out, stem)
			}
		}
	}
	return out, nil
}

// scheduleFlush debounces rapid writes into a single deferred persist.
func (b *Backend) scheduleFlush(cs *channelState) {
	const debounce = 50 * time.Millisecond
	if cs.flushAt != nil {
		cs.flushAt.Stop()
	}
	cs.flushAt = time.AfterFunc(debounce, func() {
		cs.mu.Lock()
		dirty := cs.dirty
		path := cs.writable.path
		cs.mu.Unlock()
		if !dirty {
			return
		}
		// The channel stays dirty on failure and every subsequent write
		// re-arms the timer, so a broken disk retries this at write rate.
		if err := b.flushChannel(cs); err != nil {
			flushThrottle.Errorw(cs.name, "deferred channel flush failed",
				"error", xerr.Wrap(err, "persisting channel", "channel", cs.name, "file", path))
		} else {
			flushThrottle.Clear(cs.name)
		}
	})
}

// Flush persists every dirty channel immediately, synchronously.
func (b *Backend) Flush() error {
	b.mu.Lock()
	channels := make([]*channelState, 0, len(b.channels))
	for _, cs := range b.channels {
		channels = append(channels, cs)
	}
	b.mu.Unlock()

	var firstErr error
	for _, cs := range channels {
		cs.mu.Lock()
		dirty := cs.dirty
		cs.mu.Unlock()
		if dirty {
			if err := b.flushChannel(cs); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Backend) flushChannel(cs *channelState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pruneEmpty(cs.writable.root)

	xc := xmlChannel{
		Name:    cs.name,
		Version: strconv.Itoa(CurrentVersion),
	}
	for _, c := range cs.writable.root.children {
		xc.Properties = append(xc.Properties, nodeToXML(c))
	}
	data, err := xml.MarshalIndent(&xc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", cfgapi.ErrWriteFailure, pkgerrors.Wrapf(err, "marshaling %s", cs.name))
	}

	path := cs.writable.path
	if exists, _ := afero.Exists(b.fs, path); exists {
		backupPath := path + ".bak"
		_ = b.fs.Remove(backupPath)
		if err := b.fs.Rename(path, backupPath); err != nil {
			return fmt.Errorf("%w: %v", cfgapi.ErrWriteFailure, pkgerrors.Wrapf(err, "backing up %s", path))
		}
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", cfgapi.ErrWriteFailure, pkgerrors.Wrapf(err, "writing %s", tmp))
	}
	if err := b.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", cfgapi.ErrWriteFailure, pkgerrors.Wrapf(err, "renaming %s", tmp))
	}
	cs.dirty = false
	return nil
}

// --- XML wire shapes ---

type xmlChannel struct {
	XMLName    xml.Name      `xml:"channel"`
	Name       string        `xml:"name,attr"`
	Version    string        `xml:"version,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	XMLName    xml.Name      `xml:"property"`
	Name       string        `xml:"name,attr"`
	Type       string        `xml:"type,attr"`
	Value      string        `xml:"value,attr,omitempty"`
	Locked     string        `xml:"locked,attr,omitempty"`
	Properties []xmlProperty `xml:"property"`
	Values     []xmlValue    `xml:"value"`
}

type xmlValue struct {
	XMLName xml.Name   `xml:"value"`
	Type    string     `xml:"type,attr"`
	Value   string     `xml:"value,attr,omitempty"`
	Values  []xmlValue `xml:"value"`
}

func nodeToXML(n *node) xmlProperty {
	p := xmlProperty{Name: n.name}
	if n.locked {
		p.Locked = "true"
	}
	if n.value.Tag() == cfgvalue.TagArray {
		p.Type = cfgvalue.TagArray.String()
		for _, e := range n.value.Array() {
			p.Values = append(p.Values, valueToXML(e))
		}
	} else if !n.value.IsEmpty() {
		p.Type = n.value.Tag().String()
		p.Value = cfgvalue.ToString(n.value)
	} else {
		p.Type = cfgvalue.TagEmpty.String()
	}
	for _, c := range n.children {
		p.Properties = append(p.Properties, nodeToXML(c))
	}
	return p
}

func xmlToNode(p xmlProperty) (*node, error) {
	n := newNode(p.Name)
	n.locked = p.Locked == "true"
	tag, err := cfgvalue.ParseTag(p.Type)
	if err != nil {
		return nil, err
	}
	switch tag {
	case cfgvalue.TagArray:
		elems := make([]cfgvalue.Value, 0, len(p.Values))
		for _, xv := range p.Values {
			e, err := xmlToValue(xv)
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
		}
		n.value = cfgvalue.NewArray(elems)
	case cfgvalue.TagEmpty:
		n.value = cfgvalue.Empty()
	default:
		v, err := cfgvalue.FromString(tag, p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Name, err)
		}
		n.value = v
	}
	for _, c := range p.Properties {
		cn, err := xmlToNode(c)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

func valueToXML(v cfgvalue.Value) xmlValue {
	xv := xmlValue{Type: v.Tag().String()}
	if v.Tag() == cfgvalue.TagArray {
		for _, e := range v.Array() {
			xv.Values = append(xv.Values, valueToXML(e))
		}
		return xv
	}
	xv.Value = cfgvalue.ToString(v)
	return xv
}

func xmlToValue(xv xmlValue) (cfgvalue.Value, error) {
	tag, err := cfgvalue.ParseTag(xv.Type)
	if err != nil {
		return cfgvalue.Value{}, err
	}
	if tag == cfgvalue.TagArray {
		elems := make([]cfgvalue.Value, 0, len(xv.Values))
		for _, child := range xv.Values {
			e, err := xmlToValue(child)
			if err != nil {
				return cfgvalue.Value{}, err
			}
			elems = append(elems, e)
		}
		return cfgvalue.NewArray(elems), nil
	}
	return cfgvalue.FromString(tag, xv.Value)
}
