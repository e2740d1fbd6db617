package types

import "fmt"

// RenderMode selects the artifact a render job produces
type RenderMode string

const (
	// ModeHTML produces the serialized document after scripts have run
	ModeHTML RenderMode = "html"
	// ModePreview produces a clipped PNG for social previews
	ModePreview RenderMode = "preview"
)

// ParseRenderMode validates a mode string, defaulting to ModeHTML when empty
func ParseRenderMode(s string) (RenderMode, error) {
	switch RenderMode(s) {
	case "", ModeHTML:
		return ModeHTML, nil
	case ModePreview:
		return ModePreview, nil
	default:
		return "", fmt.Errorf("unknown render mode %q (must be html or preview)", s)
	}
}

// ContentType returns the MIME type of artifacts produced in this mode
func (m RenderMode) ContentType() string {
	if m == ModePreview {
		return "image/png"
	}
	return "text/html; charset=utf-8"
}

// Lifecycle event constants for wait_for
const (
	LifecycleEventDOMContentLoaded  = "DOMContentLoaded"
	LifecycleEventLoad              = "load"
	LifecycleEventNetworkIdle       = "networkIdle"
	LifecycleEventNetworkAlmostIdle = "networkAlmostIdle"
)

// IsValidLifecycleEvent reports whether event can be used as a wait_for value
func IsValidLifecycleEvent(event string) bool {
	switch event {
	case LifecycleEventDOMContentLoaded, LifecycleEventLoad,
		LifecycleEventNetworkIdle, LifecycleEventNetworkAlmostIdle:
		return true
	}
	return false
}

// Error type constants reported to HTTP clients
const (
	ErrorTypeContent           = "content_error"
	ErrorTypeNavigationTimeout = "navigation_timeout"
	ErrorTypeNavigationFailed  = "navigation_failed"
	ErrorTypeEngineFatal       = "engine_fatal"
	ErrorTypeInvalidURL        = "invalid_url"
	ErrorTypeInvalidRequest    = "invalid_request"
	ErrorTypeInternal          = "internal"
)

// Cache lookup results reported in X-Cache
const (
	CacheResultHit   = "hit"
	CacheResultStore = "store"
	CacheResultMiss  = "miss"
)
