// Package dlog builds the process-wide zap logger and provides a
// per-subject log throttle. The throttle is keyed by a caller-chosen
// subject string — a channel name, or a channel/property pair — so one
// flapping subject cannot flood the log while a different subject's first
// failure still gets through at full volume.
package dlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var atomicLevel = zap.NewAtomicLevel()

// New returns the sugared logger for name (normally "dconfd" or
// "dconfctl"). Each line carries a timestamp, level, the process name, and
// the emitting file:line.
func New(name string) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atomicLevel
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name).Sugar(), nil
}

// SetLevel adjusts the running process's log level, e.g. from a signal
// handler or an admin endpoint.
func SetLevel(level string) error {
	var l zapcore.Level
	if err := (&l).UnmarshalText([]byte(level)); err != nil {
		return err
	}
	atomicLevel.SetLevel(l)
	return nil
}

// Throttle rate-limits structured log output per subject. Each subject
// backs off independently: its first message is emitted immediately, and
// every emission doubles its quiet window up to max. Messages arriving
// inside the window are counted, and the count is attached to the next
// emitted line as a "suppressed" field so the log still records how hard
// the subject was flapping.
//
// Throttle is safe for concurrent use; the backend's deferred-flush timers
// fire on independent goroutines.
type Throttle struct {
	slog      *zap.SugaredLogger
	base, max time.Duration

	mu       sync.Mutex
	subjects map[string]*throttleState
}

type throttleState struct {
	next       time.Time
	delay      time.Duration
	suppressed int
}

// NewThrottle wraps slog with a per-subject throttle whose quiet window
// starts at base and doubles per emission up to max.
func NewThrottle(slog *zap.SugaredLogger, base, max time.Duration) *Throttle {
	return &Throttle{
		slog:     slog,
		base:     base,
		max:      max,
		subjects: make(map[string]*throttleState),
	}
}

// ready reports whether subject may emit now, and if so returns how many
// messages were suppressed since its last emission.
func (t *Throttle) ready(subject string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.subjects[subject]
	if !ok {
		st = &throttleState{delay: t.base}
		t.subjects[subject] = st
	}
	now := time.Now()
	if now.Before(st.next) {
		st.suppressed++
		return false, 0
	}
	st.next = now.Add(st.delay)
	st.delay *= 2
	if st.delay > t.max {
		st.delay = t.max
	}
	n := st.suppressed
	st.suppressed = 0
	return true, n
}

// Clear forgets subject's backoff state, so its next message emits
// immediately. Call it when the subject recovers (e.g. a channel whose
// flush finally succeeded).
func (t *Throttle) Clear(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subjects, subject)
}

// Warnw issues a structured WARN line for subject unless it is inside its
// quiet window. Values implementing zapcore.ObjectMarshaler (such as
// *xerr.Error) are expanded into structured fields by zap.
func (t *Throttle) Warnw(subject, msg string, kv ...interface{}) {
	if ok, n := t.ready(subject); ok {
		t.slog.Warnw(msg, append(kv, "subject", subject, "suppressed", n)...)
	}
}

// Errorw issues a structured ERROR line for subject unless it is inside
// its quiet window.
func (t *Throttle) Errorw(subject, msg string, kv ...interface{}) {
	if ok, n := t.ready(subject); ok {
		t.slog.Errorw(msg, append(kv, "subject", subject, "suppressed", n)...)
	}
}
