package errs

import (
	"errors"
	"fmt"
)

// Kind classifies supervisor failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindPortConflict
	KindLaunch
	KindHealthCheckTimeout
	KindUnexpectedExit
	KindRestartExhausted
	KindShutdownTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPortConflict:
		return "port_conflict"
	case KindLaunch:
		return "launch"
	case KindHealthCheckTimeout:
		return "health_check_timeout"
	case KindUnexpectedExit:
		return "unexpected_exit"
	case KindRestartExhausted:
		return "restart_exhausted"
	case KindShutdownTimeout:
		return "shutdown_timeout"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the supervisor core.
// Service is empty for errors that are not tied to one service (configuration).
type Error struct {
	Kind    Kind
	Service string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Kind.String() + " error"
	if e.Service != "" {
		prefix += " [" + e.Service + "]"
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Msg != "":
		return prefix + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Service == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrPortConflict       = &Error{Kind: KindPortConflict}
	ErrLaunch             = &Error{Kind: KindLaunch}
	ErrHealthCheckTimeout = &Error{Kind: KindHealthCheckTimeout}
	ErrUnexpectedExit     = &Error{Kind: KindUnexpectedExit}
	ErrRestartExhausted   = &Error{Kind: KindRestartExhausted}
	ErrShutdownTimeout    = &Error{Kind: KindShutdownTimeout}
)

func New(kind Kind, service, msg string, err error) error {
	return &Error{Kind: kind, Service: service, Msg: msg, Err: err}
}

// Configuration builds a ConfigurationError with a formatted message.
func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
