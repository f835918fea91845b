// Package cfgvalidate implements the syntactic rules for channel names and
// property paths. It is intentionally a thin, pure-function layer: a grammar
// check only — the configuration service does not enforce a schema.
package cfgvalidate

import "fmt"

// InvalidChannelError and InvalidPropertyError are returned by the two
// validators below; callers compare with errors.As when they need the
// offending string rather than just the message.
type InvalidChannelError struct {
	Channel string
	Reason  string
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("invalid channel %q: %s", e.Channel, e.Reason)
}

// InvalidPropertyError reports a malformed property path.
type InvalidPropertyError struct {
	Property string
	Reason   string
}

func (e *InvalidPropertyError) Error() string {
	return fmt.Sprintf("invalid property %q: %s", e.Property, e.Reason)
}

// isPropertyChar reports whether c may appear in a property path: the
// permitted segment characters plus the '/' separator.
func isPropertyChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '-', ':', '.', ',', '[', ']', '{', '}', '<', '>', '|', '/':
		return true
	}
	return false
}

// isChannelChar reports whether c may appear in a channel name; the channel
// set is the property set minus '/', '<' and '>'.
func isChannelChar(c byte) bool {
	return c != '/' && c != '<' && c != '>' && isPropertyChar(c)
}

// IsValidProperty reports whether s is a well-formed property path: it must
// start with '/', have length > 1, contain no empty segments ("//"), not end
// with '/', and be built entirely from the permitted character set.
func IsValidProperty(s string) bool {
	return ValidateProperty(s) == nil
}

// ValidateProperty is IsValidProperty with a descriptive error on failure.
func ValidateProperty(s string) error {
	if len(s) == 0 || s[0] != '/' {
		return &InvalidPropertyError{s, "must start with '/'"}
	}
	if len(s) == 1 {
		return &InvalidPropertyError{s, "'/' alone is not a valid property name"}
	}
	if s[len(s)-1] == '/' {
		return &InvalidPropertyError{s, "must not end with '/'"}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' && i > 0 && s[i-1] == '/' {
			return &InvalidPropertyError{s, "must not contain an empty segment"}
		}
		if !isPropertyChar(c) {
			return &InvalidPropertyError{s, fmt.Sprintf("illegal character %q", c)}
		}
	}
	return nil
}

// IsValidPropertyBase reports whether s is a valid recursive base for
// GetAllProperties/ResetProperty — either "/" (the whole tree) or a valid
// property path.
func IsValidPropertyBase(s string) bool {
	return s == "/" || IsValidProperty(s)
}

// IsValidChannel reports whether s is a well-formed channel name: non-empty,
// no slashes, no spaces, drawn from the permitted character set.
func IsValidChannel(s string) bool {
	return ValidateChannel(s) == nil
}

// ValidateChannel is IsValidChannel with a descriptive error on failure.
func ValidateChannel(s string) error {
	if len(s) == 0 {
		return &InvalidChannelError{s, "must not be empty"}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' {
			return &InvalidChannelError{s, "must not contain spaces"}
		}
		if c == '/' {
			return &InvalidChannelError{s, "must not contain '/'"}
		}
		if !isChannelChar(c) {
			return &InvalidChannelError{s, fmt.Sprintf("illegal character %q", c)}
		}
	}
	return nil
}
