package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
)

const defaultCallTimeout = 10 * time.Second

// Launcher starts Chrome processes through chromedp
type Launcher struct {
	logger *zap.Logger
}

func NewLauncher(logger *zap.Logger) *Launcher {
	return &Launcher{logger: logger}
}

// browserFlags returns the command line switches for a launch
func browserFlags(opts engine.LaunchOptions) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                      opts.Headless,
		"disable-gpu":                   true,
		"disable-dev-shm-usage":         true,
		"no-first-run":                  true,
		"disable-extensions":            true,
		"disable-background-networking": true,
		"mute-audio":                    true,
		"disable-sync":                  true,
		"disable-translate":             true,
		"hide-scrollbars":               true,
	}
	if opts.NoSandbox {
		flags["no-sandbox"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

func allocatorOptions(opts engine.LaunchOptions) []chromedp.ExecAllocatorOption {
	allocatorOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range browserFlags(opts) {
		allocatorOpts = append(allocatorOpts, chromedp.Flag(name, value))
	}
	if opts.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(opts.ExecPath))
	}
	return allocatorOpts
}

// Launch starts a browser. ctx bounds startup only; the browser lives until
// Close.
func (l *Launcher) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	cancelAll := func() {
		browserCancel()
		allocatorCancel()
	}

	// The first Run starts the process; it must run on browserCtx itself, not
	// a derived context, or the browser dies with that context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			cancelAll()
			return nil, engine.NewError(engine.KindUnreachable, "launch", fmt.Errorf("failed to start Chrome: %w", err))
		}
	case <-ctx.Done():
		cancelAll()
		return nil, engine.NewError(engine.KindUnreachable, "launch", ctx.Err())
	}

	b := &Browser{
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
		opts:            opts,
		logger:          l.logger,
	}

	versionCtx, cancel := context.WithTimeout(browserCtx, opts.CallTimeout)
	defer cancel()
	if err := chromedp.Run(versionCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		b.version = product
		return nil
	})); err != nil {
		l.logger.Warn("Failed to capture browser version", zap.Error(err))
	}

	l.logger.Info("Chrome started",
		zap.String("version", b.version),
		zap.Bool("no_sandbox", opts.NoSandbox),
		zap.Bool("headless", opts.Headless))

	return b, nil
}

// Browser is a running Chrome process. Sessions are tabs in it.
type Browser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	opts            engine.LaunchOptions
	logger          *zap.Logger
	version         string // e.g. "HeadlessChrome/120.0.6099.109"

	seq atomic.Int64
}

// NewSession opens a tab
func (b *Browser) NewSession(ctx context.Context) (engine.Session, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, engine.NewError(engine.KindUnreachable, "new_session", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)

	created := make(chan error, 1)
	go func() { created <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(b.opts.CallTimeout)
	defer timer.Stop()

	select {
	case err := <-created:
		if err != nil {
			tabCancel()
			return nil, classify("new_session", err, b.ctx.Err())
		}
	case <-timer.C:
		tabCancel()
		return nil, callTimeoutError("new_session", b.opts.CallTimeout)
	case <-ctx.Done():
		tabCancel()
		return nil, engine.NewError(engine.KindUnknown, "new_session", ctx.Err())
	}

	id := fmt.Sprintf("tab-%d", b.seq.Add(1))
	return newSession(id, tabCtx, tabCancel, b.opts.CallTimeout, b.logger), nil
}

// Connected reports whether the browser context is still alive
func (b *Browser) Connected() bool {
	return b.ctx.Err() == nil
}

// Version returns the product string reported at startup
func (b *Browser) Version() string {
	return b.version
}

// Close shuts the browser down and kills the process
func (b *Browser) Close() error {
	var err error
	if b.ctx.Err() == nil {
		err = chromedp.Cancel(b.ctx)
	}
	b.cancel()
	b.allocatorCancel()
	return err
}
