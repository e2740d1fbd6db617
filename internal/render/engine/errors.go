package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures
type Kind int

const (
	// KindUnknown is any failure the implementation could not classify. Not fatal.
	KindUnknown Kind = iota
	// KindContent means the page has no renderable content or reported an application error
	KindContent
	// KindNavigation covers target-site failures (DNS, refused connection, HTTP errors)
	KindNavigation
	// KindNavigationTimeout means the wait policy deadline elapsed
	KindNavigationTimeout
	// KindProtocol is a DevTools protocol level failure
	KindProtocol
	// KindCallTimeout is a low-level engine call that exceeded its own deadline
	KindCallTimeout
	// KindTargetClosed means the tab or its target went away underneath us
	KindTargetClosed
	// KindUnreachable means the engine process cannot be reached or started
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindNavigation:
		return "navigation"
	case KindNavigationTimeout:
		return "navigation_timeout"
	case KindProtocol:
		return "protocol"
	case KindCallTimeout:
		return "call_timeout"
	case KindTargetClosed:
		return "target_closed"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Fatal reports whether failures of this kind leave the engine unusable
func (k Kind) Fatal() bool {
	switch k {
	case KindProtocol, KindCallTimeout, KindTargetClosed, KindUnreachable:
		return true
	}
	return false
}

// Error is the structured failure returned across the engine boundary
type Error struct {
	Kind Kind
	Op   string // Operation that failed (launch, navigate, content, ...)
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel causes used by implementations
var (
	ErrSelectorMissing = errors.New("expected content selector not found")
	ErrPageReported    = errors.New("page reported an application error")
	ErrWaitTimeout     = errors.New("wait timeout exceeded")
	ErrClosed          = errors.New("session closed")
)

// KindOf extracts the Kind from err. Errors that are not *Error are KindUnknown.
func KindOf(err error) Kind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err means the engine must be torn down
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}
