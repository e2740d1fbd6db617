package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/engine/enginetest"
)

func newTestSupervisor(launcher *enginetest.Launcher, poolSize int) *Supervisor {
	return New(launcher, engine.LaunchOptions{NoSandbox: true, Headless: true}, poolSize, nil, zap.NewNop())
}

func TestSupervisor_LazyStart(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 2)

	h := s.Health()
	assert.False(t, h.Ready)
	assert.False(t, h.Connected)
	assert.Nil(t, h.LastFatalError)
	assert.Equal(t, 0, launcher.Launches())

	eng, err := s.EnsureReady(context.Background())
	require.NoError(t, err)
	require.NotNil(t, eng.Pool)
	assert.Equal(t, uint64(1), eng.Generation)

	h = s.Health()
	assert.True(t, h.Ready)
	assert.True(t, h.Connected)
	assert.Equal(t, 2, h.Pool.Capacity)
	assert.Equal(t, 2, h.Pool.Available)
	assert.Equal(t, 1, h.Launches)

	browsers := launcher.Browsers()
	require.Len(t, browsers, 1)
	assert.True(t, browsers[0].Options().NoSandbox)

	// already ready: no second launch
	again, err := s.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Same(t, eng.Pool, again.Pool)
	assert.Equal(t, 1, launcher.Launches())
}

func TestSupervisor_ConcurrentColdStart(t *testing.T) {
	launcher := enginetest.NewLauncher()
	launcher.LaunchDelay = 50 * time.Millisecond
	s := newTestSupervisor(launcher, 2)

	const callers = 10
	engines := make([]Engine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eng, err := s.EnsureReady(context.Background())
			assert.NoError(t, err)
			engines[i] = eng
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.Launches())
	require.Len(t, launcher.Browsers(), 1)
	assert.Len(t, launcher.Browsers()[0].Sessions(), 2, "exactly one pool was initialized")
	for _, eng := range engines {
		assert.Same(t, engines[0].Pool, eng.Pool)
	}
}

func TestSupervisor_FatalFailureTearsDown(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 2)
	ctx := context.Background()

	eng, err := s.EnsureReady(ctx)
	require.NoError(t, err)

	fatal := engine.NewError(engine.KindProtocol, "content", errors.New("websocket closed"))
	assert.True(t, s.ReportFailure(eng.Generation, fatal))

	h := s.Health()
	assert.False(t, h.Ready)
	require.NotNil(t, h.LastFatalError)
	assert.Contains(t, *h.LastFatalError, "websocket closed")
	assert.NotNil(t, h.LastFatalAt)
	assert.False(t, eng.Pool.Stats().Initialized)

	first := launcher.Browsers()[0]
	assert.False(t, first.Connected())
	assert.Equal(t, 0, first.OpenSessions())

	// next job respawns and clears the recorded failure
	eng2, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), eng2.Generation)
	assert.NotSame(t, eng.Pool, eng2.Pool)

	h = s.Health()
	assert.True(t, h.Ready)
	assert.Nil(t, h.LastFatalError)
	assert.Equal(t, 2, launcher.Launches())
}

func TestSupervisor_NonFatalIgnored(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"content", engine.NewError(engine.KindContent, "navigate", engine.ErrSelectorMissing)},
		{"navigation timeout", engine.NewError(engine.KindNavigationTimeout, "navigate", engine.ErrWaitTimeout)},
		{"navigation", engine.NewError(engine.KindNavigation, "navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))},
		{"unclassified", errors.New("something odd")},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(enginetest.NewLauncher(), 1)
			eng, err := s.EnsureReady(context.Background())
			require.NoError(t, err)

			assert.False(t, s.ReportFailure(eng.Generation, tt.err))
			h := s.Health()
			assert.True(t, h.Ready)
			assert.Nil(t, h.LastFatalError)
		})
	}
}

func TestSupervisor_StaleGenerationIgnored(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 1)
	ctx := context.Background()

	old, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	fatal := engine.NewError(engine.KindTargetClosed, "navigate", engine.ErrClosed)
	require.True(t, s.ReportFailure(old.Generation, fatal))

	current, err := s.EnsureReady(ctx)
	require.NoError(t, err)

	// a late failure from a job that ran on the first engine
	assert.False(t, s.ReportFailure(old.Generation, fatal))
	assert.True(t, s.Health().Ready)
	assert.True(t, current.Pool.Stats().Initialized)
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	launcher := enginetest.NewLauncher()
	launcher.SetLaunchError(errors.New("chrome not found"))
	s := newTestSupervisor(launcher, 1)
	ctx := context.Background()

	_, err := s.EnsureReady(ctx)
	require.Error(t, err)
	assert.Equal(t, engine.KindUnreachable, engine.KindOf(err))

	h := s.Health()
	assert.False(t, h.Ready)
	require.NotNil(t, h.LastFatalError)
	assert.Contains(t, *h.LastFatalError, "chrome not found")

	launcher.SetLaunchError(nil)
	_, err = s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.Health().LastFatalError)
	assert.Equal(t, 2, s.Health().Launches)
}

func TestSupervisor_RelaunchesDisconnectedEngine(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 1)
	ctx := context.Background()

	first, err := s.EnsureReady(ctx)
	require.NoError(t, err)

	// engine process died without any job reporting it
	require.NoError(t, launcher.Browsers()[0].Close())
	assert.False(t, s.Health().Connected)

	second, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, 2, launcher.Launches())
	assert.True(t, s.Health().Connected)
}

func TestSupervisor_HealthNotReadyWhileDisconnected(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 1)

	_, err := s.EnsureReady(context.Background())
	require.NoError(t, err)
	require.True(t, s.Health().Ready)

	require.NoError(t, launcher.Browsers()[0].Close())

	h := s.Health()
	assert.False(t, h.Ready)
	assert.False(t, h.Connected)
	assert.Nil(t, h.LastFatalError)
	assert.Equal(t, 1, launcher.Launches(), "health must not relaunch")
}

func TestSupervisor_Shutdown(t *testing.T) {
	launcher := enginetest.NewLauncher()
	s := newTestSupervisor(launcher, 2)
	ctx := context.Background()

	eng, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	_, err = eng.Pool.Acquire(ctx)
	require.NoError(t, err)

	s.Shutdown()

	browser := launcher.Browsers()[0]
	assert.False(t, browser.Connected())
	assert.Equal(t, 0, browser.OpenSessions())
	assert.False(t, s.Health().Ready)

	_, err = s.EnsureReady(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, 1, launcher.Launches())
}
