// Package xerr implements structured errors: an error type that carries a
// message plus key/value pairs and can be logged by zap in structured (and
// nested) fashion via MarshalLogObject, largely following the
// field-sweetening code in zap.SugaredLogger.
//
// An Error may also carry a cause, so it can wrap one of the common/cfgapi
// sentinels while still being matched with errors.Is/errors.As.
package xerr

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is the structured error type.
type Error struct {
	msg   string
	kv    []interface{}
	cause error
	stack string
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// MarshalLogObject lets zap log the message plus every key/value pair as
// structured fields, tolerating a dangling key or a non-string key rather
// than failing the whole log call.
func (e *Error) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	var invalid invalidPairs

	enc.AddString("msg", e.msg)
	if e.cause != nil {
		enc.AddString("cause", e.cause.Error())
	}
	if e.stack != "" {
		enc.AddString("stack", e.stack)
	}

	for i := 0; i < len(e.kv); {
		if field, ok := e.kv[i].(zapcore.Field); ok {
			field.AddTo(enc)
			i++
			continue
		}
		if i == len(e.kv)-1 {
			zap.Any("ignored", e.kv[i]).AddTo(enc)
			break
		}
		key, val := e.kv[i], e.kv[i+1]
		if keyStr, ok := key.(string); ok {
			zap.Any(keyStr, val).AddTo(enc)
		} else {
			if cap(invalid) == 0 {
				invalid = make(invalidPairs, 0, len(e.kv)/2)
			}
			invalid = append(invalid, invalidPair{i, key, val})
		}
		i += 2
	}

	if len(invalid) > 0 {
		zap.Array("invalid", invalid).AddTo(enc)
	}
	return nil
}

type invalidPair struct {
	position   int
	key, value interface{}
}

func (p invalidPair) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("position", int64(p.position))
	zap.Any("key", p.key).AddTo(enc)
	zap.Any("value", p.value).AddTo(enc)
	return nil
}

type invalidPairs []invalidPair

func (ps invalidPairs) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for i := range ps {
		enc.AppendObject(ps[i])
	}
	return nil
}

// Errorw builds a structured error carrying msg and the given key/value
// pairs, with no wrapped cause.
func Errorw(msg string, kv ...interface{}) *Error {
	return &Error{msg: msg, kv: kv}
}

// Wrap builds a structured error around cause, so the sentinel taxonomy in
// common/cfgapi stays matchable via errors.Is (Unwrap returns cause
// unmodified) while the log line also carries a captured stack trace, via
// github.com/pkg/errors.WithStack, of where the wrap happened.
func Wrap(cause error, msg string, kv ...interface{}) *Error {
	stack := fmt.Sprintf("%+v", pkgerrors.WithStack(cause))
	return &Error{msg: msg, kv: kv, cause: cause, stack: stack}
}
