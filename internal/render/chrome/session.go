package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
)

const (
	defaultWaitEvent     = "load"
	selectorPollInterval = 100 * time.Millisecond
	fetchCommandTimeout  = 2 * time.Second
	extractAttempts      = 3
	extractRetryDelay    = 300 * time.Millisecond
	lifecycleBuffer      = 256
)

// Session is one Chrome tab
type Session struct {
	id          string
	tabCtx      context.Context
	cancel      context.CancelFunc
	callTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	closed    bool
	jobCancel context.CancelFunc // removes the listeners installed by Configure
}

func newSession(id string, tabCtx context.Context, cancel context.CancelFunc, callTimeout time.Duration, logger *zap.Logger) *Session {
	return &Session{
		id:          id,
		tabCtx:      tabCtx,
		cancel:      cancel,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Reset drops per-job listeners and request interception. The current page
// stays loaded.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.mu.Unlock()

	return s.run(ctx, "reset",
		fetch.Disable(),
		emulation.ClearDeviceMetricsOverride(),
	)
}

// Configure installs interception, the page error side channel, the client
// signature and the viewport
func (s *Session) Configure(ctx context.Context, cfg engine.SessionConfig) error {
	if err := s.checkOpen("configure"); err != nil {
		return err
	}

	blocklist := NewBlocklist(cfg.BlockedPatterns, cfg.BlockedResourceTypes)

	jobCtx, jobCancel := context.WithCancel(s.tabCtx)
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
	}
	s.jobCancel = jobCancel
	s.mu.Unlock()

	chromedp.ListenTarget(jobCtx, s.listener(blocklist, cfg.OnPageError))

	actions := []chromedp.Action{
		network.Enable(),
		fetch.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		cdpruntime.Enable(),
	}
	if cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(
			int64(cfg.ViewportWidth),
			int64(cfg.ViewportHeight),
			1.0,
			cfg.ViewportWidth < 768, // Mobile if width < 768px
		))
	}

	return s.run(ctx, "configure", actions...)
}

func (s *Session) listener(blocklist *Blocklist, onPageError func(string)) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			// must not block the event loop with a CDP round trip
			go s.continueOrBlock(blocklist, e)

		case *cdpruntime.EventExceptionThrown:
			if onPageError != nil {
				onPageError(exceptionMessage(e.ExceptionDetails))
			}

		case *cdpruntime.EventConsoleAPICalled:
			if onPageError != nil && e.Type == cdpruntime.APITypeError {
				if msg := consoleMessage(e.Args); msg != "" {
					onPageError(msg)
				}
			}
		}
	}
}

func (s *Session) continueOrBlock(blocklist *Blocklist, ev *fetch.EventRequestPaused) {
	cmdCtx, cancel := context.WithTimeout(s.tabCtx, fetchCommandTimeout)
	defer cancel()

	c := chromedp.FromContext(cmdCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctxExecutor := cdp.WithExecutor(cmdCtx, c.Target)

	if blocklist.IsResourceTypeBlocked(string(ev.ResourceType)) || blocklist.IsBlocked(ev.Request.URL) {
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(ctxExecutor); err != nil {
			s.logger.Debug("Failed to block request",
				zap.String("session_id", s.id),
				zap.String("url", ev.Request.URL),
				zap.Error(err))
		}
		return
	}

	if err := fetch.ContinueRequest(ev.RequestID).Do(ctxExecutor); err != nil {
		s.logger.Debug("Failed to continue request, failing instead",
			zap.String("session_id", s.id),
			zap.String("url", ev.Request.URL),
			zap.Error(err))
		// a request left paused would hang the navigation
		fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(ctxExecutor)
	}
}

// Navigate loads url and waits for the policy, all within timeout
func (s *Session) Navigate(ctx context.Context, url string, wait engine.WaitPolicy, timeout time.Duration) error {
	if err := s.checkOpen("navigate"); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.callTimeout
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	event := wait.Event
	if event == "" {
		event = defaultWaitEvent
	}

	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		// listen before navigating so early lifecycle events are not missed
		events := make(chan *page.EventLifecycleEvent, lifecycleBuffer)
		listenerCtx, stopListening := context.WithCancel(ctx)
		defer stopListening()
		chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok {
				select {
				case events <- e:
				default:
				}
			}
		})

		frameID, loaderID, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("%w: %s", ErrNavigateFailed, errorText)
		}

		if err := waitForEvent(ctx, events, event, frameID, loaderID); err != nil {
			return err
		}
		return waitForSelectors(ctx, wait, selectorPresent, s.tabCtx.Err)
	}))

	return s.navigationError(ctx, navCtx, err)
}

func (s *Session) navigationError(ctx, navCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if s.tabCtx.Err() != nil {
		return engine.NewError(engine.KindTargetClosed, "navigate", err)
	}

	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		return err
	}

	if errors.Is(navCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
		return engine.NewError(engine.KindNavigationTimeout, "navigate",
			fmt.Errorf("%w: %v", engine.ErrWaitTimeout, err))
	}
	return classify("navigate", err, nil)
}

// waitForEvent blocks until the named lifecycle event arrives for the loader
// started by this navigation
func waitForEvent(ctx context.Context, events <-chan *page.EventLifecycleEvent, name string, frameID cdp.FrameID, loaderID cdp.LoaderID) error {
	for {
		select {
		case e := <-events:
			if e.FrameID == frameID && e.LoaderID == loaderID && e.Name == name {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// selectorProbe reports whether a selector matches in the current document
type selectorProbe func(ctx context.Context, selector string) (bool, error)

// waitForSelectors applies the selector parts of a wait policy. An error
// selector found in the page, or a content selector still missing at the
// deadline, is a content failure. A failed poll counts as not present, as
// happens when the page replaces its document after the lifecycle event.
// Poll errors escalate only when the tab or its transport is gone.
func waitForSelectors(ctx context.Context, wait engine.WaitPolicy, probe selectorProbe, tabErr func() error) error {
	if wait.Selector == "" && wait.ErrorSelector == "" {
		return nil
	}

	ticker := time.NewTicker(selectorPollInterval)
	defer ticker.Stop()

	poll := func(selector string) (bool, error) {
		present, err := probe(ctx, selector)
		if err == nil {
			return present, nil
		}
		if tabErr() != nil || errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidTarget) {
			return false, err
		}
		return false, nil
	}

	for {
		if wait.ErrorSelector != "" {
			present, err := poll(wait.ErrorSelector)
			if err != nil {
				return err
			}
			if present {
				return engine.NewError(engine.KindContent, "navigate",
					fmt.Errorf("%w: %s", engine.ErrPageReported, wait.ErrorSelector))
			}
		}

		if wait.Selector == "" {
			return nil
		}

		present, err := poll(wait.Selector)
		if err != nil {
			return err
		}
		if present {
			return nil
		}

		select {
		case <-ctx.Done():
			return engine.NewError(engine.KindContent, "navigate",
				fmt.Errorf("%w: %s", engine.ErrSelectorMissing, wait.Selector))
		case <-ticker.C:
		}
	}
}

func selectorPresent(ctx context.Context, selector string) (bool, error) {
	var present bool
	err := chromedp.Evaluate(selectorScript(selector), &present).Do(ctx)
	return present, err
}

func selectorScript(selector string) string {
	return fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector))
}

func styleScript(css string) string {
	return fmt.Sprintf(`(function() {
	var style = document.createElement('style');
	style.setAttribute('data-snapshot', '');
	style.textContent = %s;
	(document.head || document.documentElement).appendChild(style);
})()`, jsString(css))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Content serializes the current document
func (s *Session) Content(ctx context.Context) ([]byte, error) {
	var html string
	if err := s.run(ctx, "content", extractHTML(&html)); err != nil {
		return nil, err
	}
	return []byte(html), nil
}

// extractHTML extracts the page HTML with retry logic
func extractHTML(output *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error

		for attempt := 0; attempt < extractAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(extractRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			html, err := dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			*output = html
			return nil
		}

		return fmt.Errorf("%w after %d attempts: %w", ErrExtractHTML, extractAttempts, lastErr)
	}
}

// ApplyStyle appends a style element to the current document
func (s *Session) ApplyStyle(ctx context.Context, css string) error {
	return s.run(ctx, "apply_style", chromedp.Evaluate(styleScript(css), nil))
}

// Screenshot captures a PNG of region
func (s *Session) Screenshot(ctx context.Context, region engine.Region) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, "screenshot", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      region.X,
				Y:      region.Y,
				Width:  region.Width,
				Height: region.Height,
				Scale:  1,
			}).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the tab. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.cancel()
	return nil
}

// run executes actions on the tab, bounded by the per-call timeout and ctx
func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(s.tabCtx, s.callTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(callCtx, actions...)
	switch {
	case err == nil:
		return nil
	case s.tabCtx.Err() != nil:
		return engine.NewError(engine.KindTargetClosed, op, err)
	case ctx.Err() != nil:
		return engine.NewError(engine.KindUnknown, op, ctx.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return callTimeoutError(op, s.callTimeout)
	default:
		return classify(op, err, nil)
	}
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return engine.NewError(engine.KindTargetClosed, op, engine.ErrClosed)
	}
	if err := s.tabCtx.Err(); err != nil {
		return engine.NewError(engine.KindTargetClosed, op, err)
	}
	return nil
}
