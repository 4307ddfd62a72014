// ABOUTME: Error types shared by configuration loading and status file parsing.
// ABOUTME: ConfigError is fatal at startup; StatusFormatError aborts a single reload.

package openvpn2dns

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSection     = errors.New("missing section")
	ErrMissingOption      = errors.New("missing option")
	ErrDuplicateInstance  = errors.New("instance already defined")
	ErrInvalidValue       = errors.New("invalid value")
	ErrUnknownRecordType  = errors.New("unknown record type")
	ErrUnknownClientRoute = errors.New("route references unlisted client")
	ErrUnknownInstance    = errors.New("unknown instance")
	ErrNotLoaded          = errors.New("zones not loaded yet")
)

// ConfigError reports a problem in the INI configuration. Section and Option
// are empty when the error is not tied to a specific location.
type ConfigError struct {
	Section string
	Option  string
	Err     error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Section != "" && e.Option != "":
		return fmt.Sprintf("config [%s] %s: %v", e.Section, e.Option, e.Err)
	case e.Section != "":
		return fmt.Sprintf("config [%s]: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(section, option string, format string, args ...any) *ConfigError {
	return &ConfigError{Section: section, Option: option, Err: fmt.Errorf(format, args...)}
}

// StatusFormatError reports an unreadable or malformed status snapshot.
// Line is zero when the failure is not tied to a line.
type StatusFormatError struct {
	Path string
	Line int
	Err  error
}

func (e *StatusFormatError) Error() string {
	where := e.Path
	if where == "" {
		where = "status"
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", where, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *StatusFormatError) Unwrap() error { return e.Err }
