// Package engine defines the capability set the render core consumes from a
// headless browser: launch a browser, open sessions (tabs), navigate, extract
// content or a screenshot, close. Implementations report failures as *Error
// values carrying a Kind so callers never inspect error text.
package engine

import (
	"context"
	"time"
)

// LaunchOptions configures a browser process
type LaunchOptions struct {
	ExecPath    string        // Browser binary; empty uses the implementation default
	NoSandbox   bool          // Disable sandboxing (required in most containers)
	Headless    bool          // Run without a display
	CallTimeout time.Duration // Upper bound for every non-navigation engine call
}

// Launcher starts browser processes
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running engine instance. One per EngineSupervisor generation.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
	Connected() bool
	Close() error
}

// WaitPolicy decides when a navigation is complete
type WaitPolicy struct {
	Event         string // Lifecycle event name (networkIdle, DOMContentLoaded, ...)
	Selector      string // Optional selector that must appear after Event
	ErrorSelector string // Optional selector whose presence means the page reported an error
}

// Region is a clip rectangle in CSS pixels
type Region struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// SessionConfig is the per-job setup applied before navigation
type SessionConfig struct {
	UserAgent            string
	ViewportWidth        int
	ViewportHeight       int
	BlockedResourceTypes []string // CDP resource types (Image, Media, Font, WebSocket, ...)
	BlockedPatterns      []string // URL patterns (wildcard or ~regexp)

	// OnPageError receives uncaught page script errors. It must not block.
	OnPageError func(message string)
}

// Session is one browser tab
type Session interface {
	ID() string

	// Reset clears per-job listeners and interception rules. It does not
	// navigate away from the current page.
	Reset(ctx context.Context) error
	Configure(ctx context.Context, cfg SessionConfig) error
	Navigate(ctx context.Context, url string, wait WaitPolicy, timeout time.Duration) error
	Content(ctx context.Context) ([]byte, error)
	ApplyStyle(ctx context.Context, css string) error
	Screenshot(ctx context.Context, region Region) ([]byte, error)
	Close() error
}
