// Package orchestrator runs render jobs: result lookup, engine readiness,
// session setup, navigation, extraction and guaranteed session cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/metrics"
	"github.com/littb/snapshot/internal/render/resultcache"
	"github.com/littb/snapshot/internal/render/supervisor"
	"github.com/littb/snapshot/pkg/types"
)

// RenderJob describes one render request
type RenderJob struct {
	URL                  string
	Mode                 types.RenderMode
	Wait                 engine.WaitPolicy
	Timeout              time.Duration
	BlockedResourceTypes []string
	BlockedPatterns      []string
}

// CacheKey identifies the artifact a job produces
func (j RenderJob) CacheKey() string {
	return string(j.Mode) + ":" + j.URL
}

// Result is a produced or cached artifact
type Result struct {
	Payload  []byte
	Source   string // types.CacheResult*
	Duration time.Duration
}

// SnapshotStore is a slower, shared result tier consulted after the memory
// cache. Implementations handle their own failures; a miss and an error look
// the same to the orchestrator.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte)
}

// Options configures per-session setup
type Options struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	DefaultTimeout time.Duration
	Preview        PreviewOptions
	DedupeInflight bool
}

// Orchestrator executes render jobs against the supervised engine
type Orchestrator struct {
	supervisor       *supervisor.Supervisor
	cache            *resultcache.Cache
	store            SnapshotStore
	opts             Options
	metricsCollector *metrics.MetricsCollector
	logger           *zap.Logger
	inflight         singleflight.Group
}

// New creates an orchestrator. store and metricsCollector may be nil.
func New(sup *supervisor.Supervisor, cache *resultcache.Cache, store SnapshotStore, opts Options, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		supervisor:       sup,
		cache:            cache,
		store:            store,
		opts:             opts,
		metricsCollector: metricsCollector,
		logger:           logger,
	}
}

// Render returns the artifact for job, from cache when fresh, otherwise by
// rendering on a pooled session. Fatal engine failures are reported to the
// supervisor before the failure is returned.
func (o *Orchestrator) Render(ctx context.Context, job RenderJob) (*Result, error) {
	if err := o.prepare(&job); err != nil {
		return nil, err
	}
	key := job.CacheKey()

	if payload, ok := o.cache.Get(key); ok {
		o.metricsCollector.RecordCacheLookup(types.CacheResultHit)
		return &Result{Payload: payload, Source: types.CacheResultHit}, nil
	}

	if o.store != nil {
		if payload, ok := o.store.Get(ctx, key); ok {
			o.cache.Put(key, payload)
			o.metricsCollector.RecordCacheLookup(types.CacheResultStore)
			return &Result{Payload: payload, Source: types.CacheResultStore}, nil
		}
	}
	o.metricsCollector.RecordCacheLookup(types.CacheResultMiss)

	if !o.opts.DedupeInflight {
		return o.renderMiss(ctx, job)
	}

	// shared callers run on the first caller's context
	v, err, shared := o.inflight.Do(key, func() (interface{}, error) {
		return o.renderMiss(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	if shared {
		o.logger.Debug("Joined in-flight render", zap.String("url", job.URL))
	}
	return &res, nil
}

func (o *Orchestrator) renderMiss(ctx context.Context, job RenderJob) (*Result, error) {
	start := time.Now()

	eng, err := o.supervisor.EnsureReady(ctx)
	if err != nil {
		failure := newFailure(job.URL, err)
		o.recordOutcome(job, failure, time.Since(start))
		return nil, failure
	}

	payload, err := o.RenderWithSession(ctx, NewPooledProvider(eng.Pool), job)
	elapsed := time.Since(start)
	if err != nil {
		if failure, ok := AsFailure(err); ok && failure.Fatal() {
			o.supervisor.ReportFailure(eng.Generation, failure)
		}
		o.recordOutcome(job, err, elapsed)
		return nil, err
	}

	key := job.CacheKey()
	o.cache.Put(key, payload)
	if o.store != nil {
		o.store.Put(ctx, key, payload)
	}

	o.recordOutcome(job, nil, elapsed)
	o.logger.Debug("Render completed",
		zap.String("url", job.URL),
		zap.String("mode", string(job.Mode)),
		zap.Int("bytes", len(payload)),
		zap.Duration("duration", elapsed))

	return &Result{Payload: payload, Source: types.CacheResultMiss, Duration: elapsed}, nil
}

// RenderWithSession runs job on a session from provider and returns the
// payload. It neither reads nor writes the cache and does not report to the
// supervisor. The session is released on every path.
func (o *Orchestrator) RenderWithSession(ctx context.Context, provider SessionProvider, job RenderJob) ([]byte, error) {
	if err := o.prepare(&job); err != nil {
		return nil, err
	}

	s, err := provider.Acquire(ctx)
	if err != nil {
		return nil, newFailure(job.URL, err)
	}
	defer provider.Release(s)

	payload, err := o.execute(ctx, s, job)
	if err != nil {
		return nil, newFailure(job.URL, err)
	}
	return payload, nil
}

func (o *Orchestrator) execute(ctx context.Context, s engine.Session, job RenderJob) ([]byte, error) {
	logger := o.logger.With(
		zap.String("url", job.URL),
		zap.String("session_id", s.ID()))

	cfg := engine.SessionConfig{
		UserAgent:            o.opts.UserAgent,
		ViewportWidth:        o.opts.ViewportWidth,
		ViewportHeight:       o.opts.ViewportHeight,
		BlockedResourceTypes: job.BlockedResourceTypes,
		BlockedPatterns:      job.BlockedPatterns,
		OnPageError: func(message string) {
			logger.Warn("Page script error", zap.String("message", message))
		},
	}
	if job.Mode == types.ModePreview {
		cfg.ViewportWidth = o.opts.Preview.Width
		cfg.ViewportHeight = o.opts.Preview.Height
	}

	if err := s.Configure(ctx, cfg); err != nil {
		return nil, err
	}

	if err := s.Navigate(ctx, job.URL, job.Wait, job.Timeout); err != nil {
		logger.Debug("Navigation failed",
			zap.String("kind", engine.KindOf(err).String()),
			zap.Error(err))
		return nil, err
	}

	if job.Mode == types.ModeHTML {
		return s.Content(ctx)
	}

	if css := PreviewCSS(o.opts.Preview); css != "" {
		if err := s.ApplyStyle(ctx, css); err != nil {
			return nil, err
		}
	}
	return s.Screenshot(ctx, engine.Region{
		Width:  float64(o.opts.Preview.Width),
		Height: float64(o.opts.Preview.Height),
	})
}

func (o *Orchestrator) prepare(job *RenderJob) error {
	if strings.TrimSpace(job.URL) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidJob)
	}
	if job.Mode == "" {
		job.Mode = types.ModeHTML
	}
	if _, err := types.ParseRenderMode(string(job.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = o.opts.DefaultTimeout
	}
	return nil
}

func (o *Orchestrator) recordOutcome(job RenderJob, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = types.ErrorTypeInternal
		if failure, ok := AsFailure(err); ok {
			status = failure.ErrorType()
		}
	}
	o.metricsCollector.RecordRender(string(job.Mode), status, elapsed.Seconds())
}
