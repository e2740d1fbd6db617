package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"

	"github.com/littb/snapshot/internal/render/engine"
)

var (
	ErrNavigateFailed = errors.New("navigation failed")
	ErrExtractHTML    = errors.New("HTML extraction failed")
)

// classify wraps a chromedp error in an *engine.Error. tabErr is the state of
// the owning tab context: a dead tab means the target is gone regardless of
// what the call itself reported.
func classify(op string, err error, tabErr error) error {
	if err == nil {
		return nil
	}

	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		return err
	}

	if tabErr != nil {
		return engine.NewError(engine.KindTargetClosed, op, err)
	}

	var protoErr *cdproto.Error
	switch {
	case errors.As(err, &protoErr):
		return engine.NewError(engine.KindProtocol, op, err)
	case errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidContext):
		return engine.NewError(engine.KindTargetClosed, op, err)
	case errors.Is(err, ErrNavigateFailed):
		return engine.NewError(engine.KindNavigation, op, err)
	default:
		return engine.NewError(engine.KindUnknown, op, err)
	}
}

// callTimeoutError reports a CDP call that ran past the per-call bound
func callTimeoutError(op string, timeout time.Duration) error {
	return engine.NewError(engine.KindCallTimeout, op,
		fmt.Errorf("exceeded %s: %w", timeout, context.DeadlineExceeded))
}
