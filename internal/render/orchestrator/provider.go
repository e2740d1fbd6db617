package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/pool"
)

var ErrSessionReleased = errors.New("session already released")

// SessionProvider supplies the session a job runs on and takes it back
// afterwards. Release is always called exactly once per successful Acquire.
type SessionProvider interface {
	Acquire(ctx context.Context) (engine.Session, error)
	Release(s engine.Session)
}

// PooledProvider borrows sessions from a pool
type PooledProvider struct {
	pool *pool.Pool
}

func NewPooledProvider(p *pool.Pool) *PooledProvider {
	return &PooledProvider{pool: p}
}

func (p *PooledProvider) Acquire(ctx context.Context) (engine.Session, error) {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PooledProvider) Release(s engine.Session) {
	if ps, ok := s.(*pool.Session); ok {
		p.pool.Release(ps)
	}
}

// AdHocProvider serves one caller-supplied session and closes it on release
type AdHocProvider struct {
	session engine.Session

	mu       sync.Mutex
	released bool
}

func NewAdHocProvider(s engine.Session) *AdHocProvider {
	return &AdHocProvider{session: s}
}

func (p *AdHocProvider) Acquire(ctx context.Context) (engine.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, engine.NewError(engine.KindTargetClosed, "acquire",
			fmt.Errorf("%s: %w", p.session.ID(), ErrSessionReleased))
	}
	return p.session, nil
}

// Release closes the session. Later calls are no-ops.
func (p *AdHocProvider) Release(engine.Session) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	p.session.Close()
}
