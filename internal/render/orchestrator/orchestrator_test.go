package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/engine/enginetest"
	"github.com/littb/snapshot/internal/render/pool"
	"github.com/littb/snapshot/internal/render/resultcache"
	"github.com/littb/snapshot/internal/render/supervisor"
	"github.com/littb/snapshot/pkg/types"
)

var testOptions = Options{
	UserAgent:      "snapshot-test/1.0",
	ViewportWidth:  1280,
	ViewportHeight: 800,
	DefaultTimeout: time.Second,
	Preview: PreviewOptions{
		Width:           1200,
		Height:          630,
		HideSelectors:   []string{"nav", ".toolbar"},
		ContentSelector: "#content",
		TextWidth:       600,
	},
}

type testEnv struct {
	launcher *enginetest.Launcher
	sup      *supervisor.Supervisor
	cache    *resultcache.Cache
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, hooks enginetest.Hooks, opts Options, store SnapshotStore, logger *zap.Logger) *testEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	launcher := enginetest.NewLauncher()
	launcher.Hooks = hooks
	sup := supervisor.New(launcher, engine.LaunchOptions{NoSandbox: true}, 2, nil, logger)
	cache := resultcache.New(time.Minute, 100)
	t.Cleanup(sup.Shutdown)
	return &testEnv{
		launcher: launcher,
		sup:      sup,
		cache:    cache,
		orch:     New(sup, cache, store, opts, nil, logger),
	}
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memStore) Put(_ context.Context, key string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = payload
	m.puts++
}

func TestRender_MissThenHit(t *testing.T) {
	var navigations atomic.Int32
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(context.Context, *enginetest.Session, string, engine.WaitPolicy, time.Duration) error {
			navigations.Add(1)
			return nil
		},
	}, testOptions, nil, nil)
	ctx := context.Background()
	job := RenderJob{URL: "https://litteraturbanken.se/a", Mode: types.ModeHTML}

	res, err := env.orch.Render(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, types.CacheResultMiss, res.Source)
	assert.Equal(t, "<html><body>https://litteraturbanken.se/a</body></html>", string(res.Payload))

	res, err = env.orch.Render(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, types.CacheResultHit, res.Source)
	assert.Equal(t, int32(1), navigations.Load())

	h := env.sup.Health()
	assert.Equal(t, 0, h.Pool.Busy)
	assert.Equal(t, 2, h.Pool.Available)
}

func TestRender_ModesAreCachedSeparately(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{}, testOptions, nil, nil)
	ctx := context.Background()
	url := "https://litteraturbanken.se/b"

	html, err := env.orch.Render(ctx, RenderJob{URL: url, Mode: types.ModeHTML})
	require.NoError(t, err)
	preview, err := env.orch.Render(ctx, RenderJob{URL: url, Mode: types.ModePreview})
	require.NoError(t, err)

	assert.Equal(t, types.CacheResultMiss, preview.Source)
	assert.NotEqual(t, html.Payload, preview.Payload)
	assert.Equal(t, 2, env.cache.Len())
}

func TestRender_ConfiguresSession(t *testing.T) {
	var seen engine.SessionConfig
	var seenWait engine.WaitPolicy
	var seenTimeout time.Duration
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(_ context.Context, s *enginetest.Session, _ string, wait engine.WaitPolicy, timeout time.Duration) error {
			seen = s.Config()
			seenWait = wait
			seenTimeout = timeout
			return nil
		},
	}, testOptions, nil, nil)

	job := RenderJob{
		URL:                  "https://litteraturbanken.se/c",
		Wait:                 engine.WaitPolicy{Event: types.LifecycleEventNetworkIdle, Selector: ".page"},
		BlockedResourceTypes: []string{"Image", "Media", "Font", "WebSocket"},
		BlockedPatterns:      []string{"*google-analytics.com*"},
	}
	_, err := env.orch.Render(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "snapshot-test/1.0", seen.UserAgent)
	assert.Equal(t, 1280, seen.ViewportWidth)
	assert.Equal(t, job.BlockedResourceTypes, seen.BlockedResourceTypes)
	assert.Equal(t, job.BlockedPatterns, seen.BlockedPatterns)
	assert.NotNil(t, seen.OnPageError)
	assert.Equal(t, job.Wait, seenWait)
	assert.Equal(t, time.Second, seenTimeout, "default timeout applies when job has none")
}

func TestRender_Preview(t *testing.T) {
	var styles []string
	var viewport int
	env := newTestEnv(t, enginetest.Hooks{
		Screenshot: func(_ context.Context, s *enginetest.Session, region engine.Region) ([]byte, error) {
			styles = s.Styles()
			viewport = s.Config().ViewportWidth
			return []byte(fmt.Sprintf("png %.0fx%.0f", region.Width, region.Height)), nil
		},
	}, testOptions, nil, nil)

	res, err := env.orch.Render(context.Background(), RenderJob{URL: "https://litteraturbanken.se/d", Mode: types.ModePreview})
	require.NoError(t, err)

	assert.Equal(t, "png 1200x630", string(res.Payload))
	assert.Equal(t, 1200, viewport)
	require.Len(t, styles, 1)
	assert.Contains(t, styles[0], "nav, .toolbar { display: none !important; }")
	assert.Contains(t, styles[0], "#content { max-width: 600px !important; }")
}

func TestRender_ContentErrorIsNotFatal(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(context.Context, *enginetest.Session, string, engine.WaitPolicy, time.Duration) error {
			return engine.NewError(engine.KindContent, "navigate", engine.ErrSelectorMissing)
		},
	}, testOptions, nil, nil)

	_, err := env.orch.Render(context.Background(), RenderJob{URL: "https://litteraturbanken.se/empty"})
	require.Error(t, err)

	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindContent, failure.Kind)
	assert.False(t, failure.Fatal())
	assert.Equal(t, types.ErrorTypeContent, failure.ErrorType())
	assert.ErrorIs(t, err, engine.ErrSelectorMissing)

	h := env.sup.Health()
	assert.True(t, h.Ready)
	assert.Nil(t, h.LastFatalError)
	assert.Equal(t, 0, h.Pool.Busy, "session released after failure")
	assert.Equal(t, 0, env.cache.Len())
}

func TestRender_PageErrorsAreLoggedOnly(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(_ context.Context, s *enginetest.Session, _ string, _ engine.WaitPolicy, _ time.Duration) error {
			s.Config().OnPageError("ReferenceError: foo is not defined")
			return nil
		},
	}, testOptions, nil, zap.New(core))

	_, err := env.orch.Render(context.Background(), RenderJob{URL: "https://litteraturbanken.se/js"})
	require.NoError(t, err)

	entries := logs.FilterMessage("Page script error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ReferenceError: foo is not defined", entries[0].ContextMap()["message"])
	assert.Equal(t, "https://litteraturbanken.se/js", entries[0].ContextMap()["url"])
}

func TestRender_SnapshotStoreTier(t *testing.T) {
	var navigations atomic.Int32
	store := newMemStore()
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(context.Context, *enginetest.Session, string, engine.WaitPolicy, time.Duration) error {
			navigations.Add(1)
			return nil
		},
	}, testOptions, store, nil)
	ctx := context.Background()

	store.data["html:https://litteraturbanken.se/stored"] = []byte("from store")
	res, err := env.orch.Render(ctx, RenderJob{URL: "https://litteraturbanken.se/stored"})
	require.NoError(t, err)
	assert.Equal(t, types.CacheResultStore, res.Source)
	assert.Equal(t, "from store", string(res.Payload))
	assert.Equal(t, int32(0), navigations.Load())

	// copied into memory
	res, err = env.orch.Render(ctx, RenderJob{URL: "https://litteraturbanken.se/stored"})
	require.NoError(t, err)
	assert.Equal(t, types.CacheResultHit, res.Source)

	_, err = env.orch.Render(ctx, RenderJob{URL: "https://litteraturbanken.se/new"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.puts)
	assert.Contains(t, store.data, "html:https://litteraturbanken.se/new")
}

func TestRender_DedupeInflight(t *testing.T) {
	var navigations atomic.Int32
	release := make(chan struct{})
	opts := testOptions
	opts.DedupeInflight = true
	env := newTestEnv(t, enginetest.Hooks{
		Navigate: func(context.Context, *enginetest.Session, string, engine.WaitPolicy, time.Duration) error {
			navigations.Add(1)
			<-release
			return nil
		},
	}, opts, nil, nil)

	job := RenderJob{URL: "https://litteraturbanken.se/same"}
	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.orch.Render(context.Background(), job)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return navigations.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), navigations.Load())
	assert.Equal(t, results[0].Payload, results[1].Payload)
}

func TestRender_InvalidJob(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{}, testOptions, nil, nil)

	_, err := env.orch.Render(context.Background(), RenderJob{URL: " "})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = env.orch.Render(context.Background(), RenderJob{URL: "https://litteraturbanken.se", Mode: "pdf"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	assert.Equal(t, 0, env.launcher.Launches(), "invalid jobs never start the engine")
}

func TestRender_LaunchFailure(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{}, testOptions, nil, nil)
	env.launcher.SetLaunchError(errors.New("no chrome binary"))

	_, err := env.orch.Render(context.Background(), RenderJob{URL: "https://litteraturbanken.se/x"})
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindUnreachable, failure.Kind)
	assert.Equal(t, types.ErrorTypeEngineFatal, failure.ErrorType())
}

func TestRenderWithSession_AdHoc(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{}, testOptions, nil, nil)
	b, err := env.launcher.Launch(context.Background(), engine.LaunchOptions{})
	require.NoError(t, err)
	raw, err := b.NewSession(context.Background())
	require.NoError(t, err)

	provider := NewAdHocProvider(raw)
	payload, err := env.orch.RenderWithSession(context.Background(), provider, RenderJob{URL: "https://litteraturbanken.se/adhoc"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), "/adhoc")
	assert.True(t, raw.(*enginetest.Session).Closed())
	assert.Equal(t, 0, env.cache.Len(), "caller owns cache insertion")

	_, err = env.orch.RenderWithSession(context.Background(), provider, RenderJob{URL: "https://litteraturbanken.se/adhoc"})
	assert.ErrorIs(t, err, ErrSessionReleased)
}

func TestRenderWithSession_ReleasesOnFailure(t *testing.T) {
	env := newTestEnv(t, enginetest.Hooks{
		Content: func(context.Context, *enginetest.Session) ([]byte, error) {
			return nil, engine.NewError(engine.KindCallTimeout, "content", context.DeadlineExceeded)
		},
	}, testOptions, nil, nil)

	eng, err := env.sup.EnsureReady(context.Background())
	require.NoError(t, err)

	_, err = env.orch.RenderWithSession(context.Background(), NewPooledProvider(eng.Pool), RenderJob{URL: "https://litteraturbanken.se/slow"})
	require.Error(t, err)

	st := eng.Pool.Stats()
	assert.Equal(t, 0, st.Busy)
	assert.Equal(t, 2, st.Available)
	assert.True(t, env.sup.Health().Ready, "RenderWithSession leaves reporting to the caller")
}

func TestPooledProvider_IgnoresForeignSessions(t *testing.T) {
	launcher := enginetest.NewLauncher()
	b, err := launcher.Launch(context.Background(), engine.LaunchOptions{})
	require.NoError(t, err)
	p := pool.New(b, nil, zap.NewNop())
	p.Init(context.Background(), 1)

	raw, err := b.NewSession(context.Background())
	require.NoError(t, err)

	NewPooledProvider(p).Release(raw)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestRenderFailure_ErrorType(t *testing.T) {
	tests := []struct {
		kind     engine.Kind
		expected string
	}{
		{engine.KindContent, types.ErrorTypeContent},
		{engine.KindNavigationTimeout, types.ErrorTypeNavigationTimeout},
		{engine.KindNavigation, types.ErrorTypeNavigationFailed},
		{engine.KindProtocol, types.ErrorTypeEngineFatal},
		{engine.KindCallTimeout, types.ErrorTypeEngineFatal},
		{engine.KindTargetClosed, types.ErrorTypeEngineFatal},
		{engine.KindUnreachable, types.ErrorTypeEngineFatal},
		{engine.KindUnknown, types.ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			f := newFailure("https://x", engine.NewError(tt.kind, "op", errors.New("cause")))
			assert.Equal(t, tt.expected, f.ErrorType())
			assert.Equal(t, tt.kind.Fatal(), f.Fatal())
			assert.Contains(t, f.Error(), "render https://x")
		})
	}
}

func TestPreviewCSS(t *testing.T) {
	assert.Equal(t, "", PreviewCSS(PreviewOptions{}))
	assert.Equal(t, "header { display: none !important; }\n",
		PreviewCSS(PreviewOptions{HideSelectors: []string{"header"}}))
	assert.Equal(t, "", PreviewCSS(PreviewOptions{TextWidth: 500}), "width needs a content selector")
	assert.Equal(t, "main { max-width: 500px !important; }\n",
		PreviewCSS(PreviewOptions{ContentSelector: "main", TextWidth: 500}))
}
