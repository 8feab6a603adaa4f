package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its
// kind under errors.Is.
var (
	// ErrConfiguration indicates an unknown backend type or missing assets.
	ErrConfiguration = errors.New("configuration error")

	// ErrLoad indicates a backend failed to initialize.
	ErrLoad = errors.New("engine load failed")

	// ErrSynthesis indicates a backend raised during synthesis.
	ErrSynthesis = errors.New("synthesis failed")

	// ErrCacheIO indicates a cache read or write failure.
	ErrCacheIO = errors.New("cache i/o failed")

	// ErrResourceExhausted indicates no engine slot became free in time.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCancelled indicates cooperative cancellation was observed.
	ErrCancelled = errors.New("operation cancelled")
)

// Kind identifies the class of a failure.
type Kind string

const (
	KindConfiguration     Kind = "CONFIGURATION"
	KindLoad              Kind = "LOAD"
	KindSynthesis         Kind = "SYNTHESIS"
	KindCacheIO           Kind = "CACHE_IO"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindCancellation      Kind = "CANCELLATION"
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindLoad:
		return ErrLoad
	case KindSynthesis:
		return ErrSynthesis
	case KindCacheIO:
		return ErrCacheIO
	case KindResourceExhausted:
		return ErrResourceExhausted
	case KindCancellation:
		return ErrCancelled
	default:
		return nil
	}
}

// Error carries the kind of a failure together with the operation and the
// engine or cache key it concerns.
type Error struct {
	Kind    Kind
	Op      string
	Key     string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" [%s]", e.Key)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New creates an error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// WithKey attaches the engine or cache key the error concerns.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// Configuration is shorthand for New(KindConfiguration, ...).
func Configuration(op, message string, cause error) *Error {
	return New(KindConfiguration, op, message, cause)
}

// Load is shorthand for New(KindLoad, ...).
func Load(op, message string, cause error) *Error {
	return New(KindLoad, op, message, cause)
}

// Synthesis is shorthand for New(KindSynthesis, ...).
func Synthesis(op, message string, cause error) *Error {
	return New(KindSynthesis, op, message, cause)
}

// CacheIO is shorthand for New(KindCacheIO, ...).
func CacheIO(op, message string, cause error) *Error {
	return New(KindCacheIO, op, message, cause)
}

// ResourceExhausted is shorthand for New(KindResourceExhausted, ...).
func ResourceExhausted(op, message string, cause error) *Error {
	return New(KindResourceExhausted, op, message, cause)
}

// Cancelled is shorthand for New(KindCancellation, ...).
func Cancelled(op string, cause error) *Error {
	return New(KindCancellation, op, "", cause)
}

// KindOf returns the kind of err. A bare context.Canceled maps to
// KindCancellation.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation, true
	}
	return "", false
}

// IsRetryable reports whether a task that failed with err may be retried.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		// Unclassified backend errors are treated as synthesis failures.
		return err != nil
	}
	switch kind {
	case KindSynthesis, KindLoad, KindResourceExhausted:
		return true
	default:
		return false
	}
}
