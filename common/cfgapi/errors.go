// Package cfgapi is the shared error taxonomy: every layer — backend,
// broker, transport, cache — returns one of these sentinels (directly, or
// wrapped with fmt.Errorf's %w verb) rather than an ad-hoc error string, so callers
// can match with errors.Is. It is kept a leaf package (no dependency on
// cfgcache or broker) so that client/cfgapi, which builds the typed facade
// on top of cfgcache, can depend on it without forming a cycle.
package cfgapi

import "errors"

// Every layer — backend, broker, transport, cache — returns one of these
// (directly, or wrapped with fmt.Errorf's %w verb) rather than an ad-hoc error
// string, so callers can match with errors.Is.
var (
	ErrUnknown          = errors.New("unknown error")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrReadFailure      = errors.New("read failure")
	ErrWriteFailure     = errors.New("write failure")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInternalError    = errors.New("internal error")
	ErrNoBackend        = errors.New("no backend initialized")
	ErrInvalidProperty  = errors.New("invalid property")
	ErrInvalidChannel   = errors.New("invalid channel")
)

// errorNames maps each sentinel to the name it carries on the wire surface.
var errorNames = map[error]string{
	ErrUnknown:          "Unknown",
	ErrChannelNotFound:  "ChannelNotFound",
	ErrPropertyNotFound: "PropertyNotFound",
	ErrReadFailure:      "ReadFailure",
	ErrWriteFailure:     "WriteFailure",
	ErrPermissionDenied: "PermissionDenied",
	ErrInternalError:    "InternalError",
	ErrNoBackend:        "NoBackend",
	ErrInvalidProperty:  "InvalidProperty",
	ErrInvalidChannel:   "InvalidChannel",
}

// ErrorName returns the wire name for one of the sentinel errors above,
// unwrapping as needed. Errors that don't match any sentinel map to
// "Unknown".
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, name := range errorNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "Unknown"
}
