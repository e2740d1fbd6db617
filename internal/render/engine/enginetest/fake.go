// Package enginetest provides an in-memory engine for tests. Behaviour is
// scripted through Hooks; unset hooks succeed immediately.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/littb/snapshot/internal/render/engine"
)

// Hooks override session behaviour. They are read concurrently and must be
// set before the launcher is used.
type Hooks struct {
	NewSession func(b *Browser) error
	Reset      func(s *Session) error
	Navigate   func(ctx context.Context, s *Session, url string, wait engine.WaitPolicy, timeout time.Duration) error
	Content    func(ctx context.Context, s *Session) ([]byte, error)
	Screenshot func(ctx context.Context, s *Session, region engine.Region) ([]byte, error)
}

// Launcher is a fake engine.Launcher
type Launcher struct {
	Hooks       Hooks
	LaunchDelay time.Duration

	launches  atomic.Int32
	mu        sync.Mutex
	launchErr error
	browsers  []*Browser
}

// NewLauncher returns a launcher with no hooks
func NewLauncher() *Launcher {
	return &Launcher{}
}

// SetLaunchError makes subsequent launches fail with err (nil clears it)
func (l *Launcher) SetLaunchError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

func (l *Launcher) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	l.launches.Add(1)
	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, engine.NewError(engine.KindUnreachable, "launch", ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, engine.NewError(engine.KindUnreachable, "launch", l.launchErr)
	}

	b := &Browser{id: len(l.browsers), hooks: &l.Hooks, opts: opts}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Launches counts Launch calls, including failed ones
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Browsers returns every browser launched so far
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Browser, len(l.browsers))
	copy(out, l.browsers)
	return out
}

// Browser is a fake engine.Browser
type Browser struct {
	id    int
	hooks *Hooks
	opts  engine.LaunchOptions

	mu       sync.Mutex
	closed   bool
	sessions []*Session
}

func (b *Browser) NewSession(ctx context.Context) (engine.Session, error) {
	if b.hooks.NewSession != nil {
		if err := b.hooks.NewSession(b); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, engine.NewError(engine.KindUnreachable, "new_session", engine.ErrClosed)
	}

	s := &Session{
		id:      fmt.Sprintf("b%d-s%d", b.id, len(b.sessions)),
		browser: b,
		hooks:   b.hooks,
	}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closed = true
	sessions := append([]*Session(nil), b.sessions...)
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// Options returns the options the browser was launched with
func (b *Browser) Options() engine.LaunchOptions {
	return b.opts
}

// Sessions returns every session created on this browser
func (b *Browser) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, len(b.sessions))
	copy(out, b.sessions)
	return out
}

// OpenSessions counts sessions not yet closed
func (b *Browser) OpenSessions() int {
	open := 0
	for _, s := range b.Sessions() {
		if !s.Closed() {
			open++
		}
	}
	return open
}

// Session is a fake engine.Session
type Session struct {
	id      string
	browser *Browser
	hooks   *Hooks

	mu     sync.Mutex
	closed bool
	resets int
	url    string
	config engine.SessionConfig
	styles []string
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Reset(ctx context.Context) error {
	if err := s.checkOpen("reset"); err != nil {
		return err
	}
	if s.hooks.Reset != nil {
		if err := s.hooks.Reset(s); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.config = engine.SessionConfig{}
	s.styles = nil
	return nil
}

func (s *Session) Configure(ctx context.Context, cfg engine.SessionConfig) error {
	if err := s.checkOpen("configure"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string, wait engine.WaitPolicy, timeout time.Duration) error {
	if err := s.checkOpen("navigate"); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	if s.hooks.Navigate != nil {
		return s.hooks.Navigate(ctx, s, url, wait, timeout)
	}
	return nil
}

func (s *Session) Content(ctx context.Context) ([]byte, error) {
	if err := s.checkOpen("content"); err != nil {
		return nil, err
	}
	if s.hooks.Content != nil {
		return s.hooks.Content(ctx, s)
	}
	return []byte(fmt.Sprintf("<html><body>%s</body></html>", s.URL())), nil
}

func (s *Session) ApplyStyle(ctx context.Context, css string) error {
	if err := s.checkOpen("apply_style"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.styles = append(s.styles, css)
	return nil
}

func (s *Session) Screenshot(ctx context.Context, region engine.Region) ([]byte, error) {
	if err := s.checkOpen("screenshot"); err != nil {
		return nil, err
	}
	if s.hooks.Screenshot != nil {
		return s.hooks.Screenshot(ctx, s, region)
	}
	return []byte(fmt.Sprintf("png:%s:%.0fx%.0f", s.URL(), region.Width, region.Height)), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Resets counts successful Reset calls
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// URL returns the last navigated URL
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Config returns the last applied SessionConfig
func (s *Session) Config() engine.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Styles returns style overrides applied since the last reset
func (s *Session) Styles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.styles...)
}

func (s *Session) checkOpen(op string) error {
	if s.Closed() {
		return engine.NewError(engine.KindTargetClosed, op, engine.ErrClosed)
	}
	return nil
}

// WaitOrTimeout blocks for d, returning a navigation timeout if d exceeds
// timeout. Useful as the body of a Navigate hook.
func WaitOrTimeout(ctx context.Context, d, timeout time.Duration) error {
	if timeout > 0 && d > timeout {
		select {
		case <-time.After(timeout):
			return engine.NewError(engine.KindNavigationTimeout, "navigate", engine.ErrWaitTimeout)
		case <-ctx.Done():
			return engine.NewError(engine.KindNavigationTimeout, "navigate", ctx.Err())
		}
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return engine.NewError(engine.KindNavigationTimeout, "navigate", ctx.Err())
	}
}
