// Package errors classifies the failures the transactional storage core can
// surface, so callers can branch on kind instead of matching message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a core error the way the storage engine's error handler
// groups failures by category.
type Kind int

const (
	// KindUnknown is the zero value; never constructed directly by this package.
	KindUnknown Kind = iota
	// KindResourceExhausted covers tid space exhaustion, a full buffer pool,
	// an oversized tuple, or a command counter overflow.
	KindResourceExhausted
	// KindStateMisuse covers commit/abort attempted from a terminal or
	// otherwise invalid transaction state.
	KindStateMisuse
	// KindCorruption covers malformed on-disk structures: an empty log at
	// startup, a header that fails to parse.
	KindCorruption
	// KindIO covers failures propagated from the buffer manager.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindStateMisuse:
		return "STATE_MISUSE"
	case KindCorruption:
		return "CORRUPTION"
	case KindIO:
		return "IO"
	default:
		return "UNKNOWN"
	}
}

// CoreError is a classified error with the operation that raised it.
type CoreError struct {
	Kind      Kind
	Operation string
	Err       error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Operation)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Operation, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New constructs a CoreError carrying no underlying cause.
func New(kind Kind, operation string) error {
	return &CoreError{Kind: kind, Operation: operation}
}

// Wrap attaches a kind and operation name to an underlying error.
func Wrap(kind Kind, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Operation: operation, Err: err}
}

// KindOf extracts the Kind carried by err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
