// Package supervisor owns the browser engine lifecycle: lazy start on the
// first job, teardown on fatal failure, respawn on the next job.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/metrics"
	"github.com/littb/snapshot/internal/render/pool"
)

var (
	ErrShutdown     = errors.New("supervisor is shut down")
	ErrDisconnected = errors.New("engine disconnected")
)

// Engine is the ready engine a job runs against. Generation identifies the
// engine instance so failures from an instance that was already replaced are
// not allowed to tear down its successor.
type Engine struct {
	Pool       *pool.Pool
	Generation uint64
}

// Health is a snapshot of supervisor state
type Health struct {
	Ready          bool       `json:"ready"`
	Connected      bool       `json:"connected"`
	LastFatalError *string    `json:"last_fatal_error"`
	LastFatalAt    *time.Time `json:"last_fatal_at,omitempty"`
	Launches       int        `json:"launches"`
	Pool           pool.Stats `json:"pool"`
}

// Supervisor serializes NotStarted -> Ready transitions
type Supervisor struct {
	launcher         engine.Launcher
	opts             engine.LaunchOptions
	poolSize         int
	metricsCollector *metrics.MetricsCollector
	logger           *zap.Logger
	now              func() time.Time

	// startMu serializes launches and shutdown; mu guards the fields below
	// and is never held across engine I/O
	startMu sync.Mutex

	mu          sync.Mutex
	ready       bool
	closed      bool
	browser     engine.Browser
	pool        *pool.Pool
	generation  uint64
	lastFatal   string
	lastFatalAt time.Time
	launches    int
}

// New creates a supervisor in the NotStarted state
func New(launcher engine.Launcher, opts engine.LaunchOptions, poolSize int, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		launcher:         launcher,
		opts:             opts,
		poolSize:         poolSize,
		metricsCollector: metricsCollector,
		logger:           logger,
		now:              time.Now,
	}
}

// EnsureReady returns the current engine, launching one if none is ready.
// Concurrent callers during a cold start share a single launch. A successful
// launch clears the recorded fatal failure.
func (s *Supervisor) EnsureReady(ctx context.Context) (Engine, error) {
	if eng, ok := s.current(); ok {
		return eng, nil
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	// another caller may have finished the launch while we waited
	if eng, ok := s.current(); ok {
		return eng, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Engine{}, ErrShutdown
	}
	stale := s.detachLocked()
	s.launches++
	s.mu.Unlock()

	if stale.browser != nil {
		s.logger.Warn("Engine lost connection, relaunching")
		s.teardown(stale)
	}

	start := time.Now()
	browser, err := s.launcher.Launch(ctx, s.opts)
	if err != nil {
		s.metricsCollector.RecordEngineLaunch(false)
		s.recordFatal(err)
		s.logger.Error("Failed to launch engine", zap.Error(err))
		return Engine{}, fmt.Errorf("launch engine: %w", err)
	}
	s.metricsCollector.RecordEngineLaunch(true)

	p := pool.New(browser, s.metricsCollector, s.logger)
	p.Init(ctx, s.poolSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.teardown(detached{browser: browser, pool: p})
		return Engine{}, ErrShutdown
	}
	s.generation++
	s.browser = browser
	s.pool = p
	s.ready = true
	s.lastFatal = ""
	s.lastFatalAt = time.Time{}
	eng := Engine{Pool: p, Generation: s.generation}
	s.mu.Unlock()

	s.logger.Info("Engine ready",
		zap.Uint64("generation", eng.Generation),
		zap.Int("pool_size", s.poolSize),
		zap.Duration("startup", time.Since(start)))
	return eng, nil
}

// ReportFailure tears the engine down if err is fatal and was produced by the
// current generation. Returns true when a teardown happened.
func (s *Supervisor) ReportFailure(generation uint64, err error) bool {
	if !engine.IsFatal(err) {
		return false
	}

	s.mu.Lock()
	if !s.ready || generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug("Ignoring fatal error from replaced engine",
			zap.Uint64("generation", generation),
			zap.Error(err))
		return false
	}
	d := s.detachLocked()
	s.lastFatal = err.Error()
	s.lastFatalAt = s.now()
	s.mu.Unlock()

	kind := engine.KindOf(err)
	s.metricsCollector.RecordEngineTeardown(kind.String())
	s.logger.Warn("Fatal engine error, tearing down",
		zap.Uint64("generation", generation),
		zap.String("kind", kind.String()),
		zap.Error(err))
	s.teardown(d)
	return true
}

// Health returns readiness, connectivity, the last fatal failure and pool
// statistics. It never starts or stops anything.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	h := Health{
		Ready:    s.ready,
		Launches: s.launches,
	}
	if s.lastFatal != "" {
		msg := s.lastFatal
		at := s.lastFatalAt
		h.LastFatalError = &msg
		h.LastFatalAt = &at
	}
	browser := s.browser
	p := s.pool
	s.mu.Unlock()

	if browser != nil {
		h.Connected = browser.Connected()
	}
	// A dead engine process is not ready even before a job notices it
	h.Ready = h.Ready && h.Connected
	if p != nil {
		h.Pool = p.Stats()
	}
	return h
}

// Shutdown destroys the pool and closes the engine. Later EnsureReady calls
// fail with ErrShutdown.
func (s *Supervisor) Shutdown() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	s.closed = true
	d := s.detachLocked()
	s.mu.Unlock()

	s.teardown(d)
	s.logger.Info("Supervisor shut down")
}

func (s *Supervisor) current() (Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.browser == nil || !s.browser.Connected() {
		return Engine{}, false
	}
	return Engine{Pool: s.pool, Generation: s.generation}, true
}

type detached struct {
	browser engine.Browser
	pool    *pool.Pool
}

// detachLocked moves the engine out of the supervisor and marks it not ready.
// A ready engine found disconnected is recorded as a fatal failure.
func (s *Supervisor) detachLocked() detached {
	if s.ready && s.browser != nil && !s.browser.Connected() {
		s.lastFatal = ErrDisconnected.Error()
		s.lastFatalAt = s.now()
	}
	d := detached{browser: s.browser, pool: s.pool}
	s.browser = nil
	s.pool = nil
	s.ready = false
	return d
}

func (s *Supervisor) recordFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFatal = err.Error()
	s.lastFatalAt = s.now()
}

func (s *Supervisor) teardown(d detached) {
	if d.pool != nil {
		d.pool.Destroy()
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			s.logger.Warn("Error closing engine", zap.Error(err))
		}
	}
}
