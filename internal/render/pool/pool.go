package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/metrics"
)

// Factory creates engine sessions. engine.Browser satisfies it.
type Factory interface {
	NewSession(ctx context.Context) (engine.Session, error)
}

// State is the lifecycle state of a pooled session
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is an engine session owned by a Pool. Temporary sessions are
// overflow created when no idle session exists and are closed on release.
type Session struct {
	engine.Session
	temporary bool
	state     atomic.Int32
}

// Temporary reports whether the session is pool overflow
func (s *Session) Temporary() bool {
	return s.temporary
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Capacity      int   `json:"capacity"`
	Available     int   `json:"available"`
	Busy          int   `json:"busy"`
	Temporary     int   `json:"temporary"`
	Initialized   bool  `json:"initialized"`
	OverflowTotal int64 `json:"overflow_total"`
	ReplacedTotal int64 `json:"replaced_total"`
}

// Pool hands out reusable sessions. When every pooled session is busy it
// creates temporary sessions without limit; admission control belongs to the
// caller.
type Pool struct {
	factory          Factory
	metricsCollector *metrics.MetricsCollector
	logger           *zap.Logger

	mu          sync.Mutex
	capacity    int
	available   []*Session            // FIFO of idle sessions
	busy        map[*Session]struct{} // includes temporaries while in use
	initialized bool
	generation  uint64 // bumped by Destroy so late Init results are discarded

	overflowTotal atomic.Int64
	replacedTotal atomic.Int64
}

// New creates an empty pool. metricsCollector may be nil.
func New(factory Factory, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) *Pool {
	return &Pool{
		factory:          factory,
		metricsCollector: metricsCollector,
		logger:           logger,
		busy:             make(map[*Session]struct{}),
	}
}

// Init pre-creates capacity sessions. Sessions that fail to create are
// skipped, so the pool may start partial. Calling Init on an initialized pool
// is a no-op.
func (p *Pool) Init(ctx context.Context, capacity int) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.capacity = capacity
	generation := p.generation
	p.mu.Unlock()

	created := 0
	for i := 0; i < capacity; i++ {
		es, err := p.factory.NewSession(ctx)
		if err != nil {
			p.logger.Warn("Failed to pre-create session",
				zap.Int("slot", i),
				zap.Error(err))
			continue
		}

		s := &Session{Session: es}
		s.setState(StateIdle)

		p.mu.Lock()
		stale := p.generation != generation
		if !stale {
			p.available = append(p.available, s)
		}
		p.mu.Unlock()

		if stale {
			s.setState(StateClosed)
			p.closeSession(s, "destroyed during init")
			continue
		}
		created++
	}

	p.logger.Info("Session pool initialized",
		zap.Int("capacity", capacity),
		zap.Int("created", created))
	p.publish()
}

// Acquire returns an idle session, or a temporary one when none is idle.
// It never blocks waiting for a release.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if len(p.available) > 0 {
		s := p.available[0]
		p.available[0] = nil
		p.available = p.available[1:]
		s.setState(StateBusy)
		p.busy[s] = struct{}{}
		p.mu.Unlock()

		if err := s.Reset(ctx); err != nil {
			p.logger.Warn("Session reset failed, replacing",
				zap.String("session_id", s.ID()),
				zap.Error(err))
			return p.replace(ctx, s)
		}

		p.logger.Debug("Session acquired",
			zap.String("session_id", s.ID()))
		p.publish()
		return s, nil
	}
	p.mu.Unlock()

	es, err := p.factory.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create overflow session: %w", err)
	}

	s := &Session{Session: es, temporary: true}
	s.setState(StateBusy)

	p.mu.Lock()
	p.busy[s] = struct{}{}
	p.mu.Unlock()

	p.overflowTotal.Add(1)
	p.metricsCollector.RecordOverflowSession()
	p.logger.Debug("Pool exhausted, created temporary session",
		zap.String("session_id", s.ID()))
	p.publish()
	return s, nil
}

// replace closes a busy pooled session whose reset failed and puts a fresh
// session in its place
func (p *Pool) replace(ctx context.Context, old *Session) (*Session, error) {
	p.mu.Lock()
	delete(p.busy, old)
	p.mu.Unlock()
	old.setState(StateClosed)
	p.closeSession(old, "reset failed")

	es, err := p.factory.NewSession(ctx)
	if err != nil {
		p.publish()
		return nil, fmt.Errorf("create replacement session: %w", err)
	}

	s := &Session{Session: es}
	s.setState(StateBusy)

	p.mu.Lock()
	p.busy[s] = struct{}{}
	p.mu.Unlock()

	p.replacedTotal.Add(1)
	p.metricsCollector.RecordSessionReplaced()
	p.logger.Info("Replaced broken session",
		zap.String("old_session_id", old.ID()),
		zap.String("session_id", s.ID()))
	p.publish()
	return s, nil
}

// Release returns a session to the pool, or closes it if temporary. Releasing
// a session that is not busy is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.busy[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, s)

	if s.temporary {
		s.setState(StateClosed)
		p.mu.Unlock()
		p.closeSession(s, "temporary")
		p.publish()
		return
	}

	s.setState(StateIdle)
	p.available = append(p.available, s)
	p.mu.Unlock()

	p.logger.Debug("Session released",
		zap.String("session_id", s.ID()))
	p.publish()
}

// Destroy closes every session, idle or busy, and marks the pool
// uninitialized. Close errors are logged and ignored.
func (p *Pool) Destroy() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.available)+len(p.busy))
	sessions = append(sessions, p.available...)
	for s := range p.busy {
		sessions = append(sessions, s)
	}
	p.available = nil
	p.busy = make(map[*Session]struct{})
	p.initialized = false
	p.generation++
	p.mu.Unlock()

	for _, s := range sessions {
		s.setState(StateClosed)
		p.closeSession(s, "pool destroyed")
	}

	p.logger.Info("Session pool destroyed",
		zap.Int("closed_sessions", len(sessions)))
	p.publish()
}

// Stats returns current pool counts without side effects
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	temporary := 0
	for s := range p.busy {
		if s.temporary {
			temporary++
		}
	}

	return Stats{
		Capacity:      p.capacity,
		Available:     len(p.available),
		Busy:          len(p.busy),
		Temporary:     temporary,
		Initialized:   p.initialized,
		OverflowTotal: p.overflowTotal.Load(),
		ReplacedTotal: p.replacedTotal.Load(),
	}
}

func (p *Pool) closeSession(s *Session, reason string) {
	if err := s.Close(); err != nil {
		p.logger.Warn("Error closing session",
			zap.String("session_id", s.ID()),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	p.logger.Debug("Session closed",
		zap.String("session_id", s.ID()),
		zap.String("reason", reason))
}

func (p *Pool) publish() {
	if p.metricsCollector == nil {
		return
	}
	stats := p.Stats()
	p.metricsCollector.UpdatePoolStats(stats.Capacity, stats.Available, stats.Busy)
}
