package orchestrator

import (
	"errors"
	"fmt"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/pkg/types"
)

var ErrInvalidJob = errors.New("invalid render job")

// RenderFailure is returned for every job that did not produce a payload
type RenderFailure struct {
	URL   string
	Kind  engine.Kind
	Cause error
}

func newFailure(url string, err error) *RenderFailure {
	return &RenderFailure{URL: url, Kind: engine.KindOf(err), Cause: err}
}

func (f *RenderFailure) Error() string {
	return fmt.Sprintf("render %s: %v", f.URL, f.Cause)
}

func (f *RenderFailure) Unwrap() error {
	return f.Cause
}

// Fatal reports whether the failure tore down, or should tear down, the engine
func (f *RenderFailure) Fatal() bool {
	return f.Kind.Fatal()
}

// ErrorType maps the failure onto the user-visible error taxonomy
func (f *RenderFailure) ErrorType() string {
	switch {
	case f.Kind == engine.KindContent:
		return types.ErrorTypeContent
	case f.Kind == engine.KindNavigationTimeout:
		return types.ErrorTypeNavigationTimeout
	case f.Kind.Fatal():
		return types.ErrorTypeEngineFatal
	case f.Kind == engine.KindNavigation:
		return types.ErrorTypeNavigationFailed
	default:
		return types.ErrorTypeInternal
	}
}

// AsFailure unwraps a *RenderFailure from err
func AsFailure(err error) (*RenderFailure, bool) {
	var f *RenderFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
