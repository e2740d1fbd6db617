package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/engine/enginetest"
	"github.com/littb/snapshot/internal/render/orchestrator"
	"github.com/littb/snapshot/internal/render/resultcache"
	"github.com/littb/snapshot/internal/render/supervisor"
	"github.com/littb/snapshot/pkg/types"
)

type harness struct {
	launcher *enginetest.Launcher
	sup      *supervisor.Supervisor
	cache    *resultcache.Cache
	orch     *orchestrator.Orchestrator
}

func newHarness(poolSize int, hooks enginetest.Hooks) *harness {
	launcher := enginetest.NewLauncher()
	launcher.Hooks = hooks
	sup := supervisor.New(launcher, engine.LaunchOptions{NoSandbox: true, Headless: true}, poolSize, nil, zap.NewNop())
	cache := resultcache.New(time.Minute, 100)
	DeferCleanup(sup.Shutdown)

	return &harness{
		launcher: launcher,
		sup:      sup,
		cache:    cache,
		orch: orchestrator.New(sup, cache, nil, orchestrator.Options{
			UserAgent:      "snapshot-test",
			DefaultTimeout: time.Second,
		}, nil, zap.NewNop()),
	}
}

// gate blocks navigations until opened, counting how many are waiting
type gate struct {
	waiting atomic.Int32
	open    chan struct{}
}

func newGate() *gate {
	return &gate{open: make(chan struct{})}
}

func (g *gate) navigate(ctx context.Context, _ *enginetest.Session, _ string, _ engine.WaitPolicy, _ time.Duration) error {
	g.waiting.Add(1)
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ = Describe("Render orchestration", func() {
	ctx := context.Background()

	Context("when the pool is exhausted", func() {
		It("serves the overflow job from a temporary session that is closed afterwards", func() {
			g := newGate()
			h := newHarness(2, enginetest.Hooks{Navigate: g.navigate})

			By("Warming the engine so the pool exists before jobs start")
			_, err := h.sup.EnsureReady(ctx)
			Expect(err).NotTo(HaveOccurred())

			By("Starting three concurrent renders for distinct URLs")
			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := h.orch.Render(ctx, orchestrator.RenderJob{URL: fmt.Sprintf("https://litteraturbanken.se/p%d", i)})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			Eventually(g.waiting.Load).Should(BeEquivalentTo(3))

			stats := h.sup.Health().Pool
			Expect(stats.Busy).To(Equal(3))
			Expect(stats.Temporary).To(Equal(1))
			Expect(stats.Available).To(Equal(0))

			close(g.open)
			wg.Wait()

			By("Verifying only pooled sessions survive")
			stats = h.sup.Health().Pool
			Expect(stats.Available).To(Equal(2))
			Expect(stats.Busy).To(Equal(0))
			Expect(stats.OverflowTotal).To(BeEquivalentTo(1))

			browser := h.launcher.Browsers()[0]
			Expect(browser.Sessions()).To(HaveLen(3))
			Expect(browser.OpenSessions()).To(Equal(2))
		})
	})

	Context("when two jobs race for the same URL", func() {
		It("renders both and keeps one of the produced payloads", func() {
			g := newGate()
			var produced atomic.Int32
			h := newHarness(2, enginetest.Hooks{
				Navigate: g.navigate,
				Content: func(context.Context, *enginetest.Session) ([]byte, error) {
					return []byte(fmt.Sprintf("<html>render %d</html>", produced.Add(1))), nil
				},
			})

			job := orchestrator.RenderJob{URL: "https://litteraturbanken.se/same"}
			payloads := make([]string, 2)
			var wg sync.WaitGroup
			for i := range payloads {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					res, err := h.orch.Render(ctx, job)
					Expect(err).NotTo(HaveOccurred())
					Expect(res.Source).To(Equal(types.CacheResultMiss))
					payloads[i] = string(res.Payload)
				}(i)
			}
			Eventually(g.waiting.Load).Should(BeEquivalentTo(2))
			close(g.open)
			wg.Wait()

			Expect(produced.Load()).To(BeEquivalentTo(2))
			cached, ok := h.cache.Get(job.CacheKey())
			Expect(ok).To(BeTrue())
			Expect(payloads).To(ContainElement(string(cached)))
		})
	})

	Context("when the engine is cold", func() {
		It("launches exactly one engine for concurrent first jobs", func() {
			h := newHarness(2, enginetest.Hooks{})
			h.launcher.LaunchDelay = 50 * time.Millisecond

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := h.orch.Render(ctx, orchestrator.RenderJob{URL: fmt.Sprintf("https://litteraturbanken.se/cold%d", i)})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()

			Expect(h.launcher.Launches()).To(Equal(1))
			Expect(h.launcher.Browsers()).To(HaveLen(1))
			Expect(h.sup.Health().Pool.Capacity).To(Equal(2))
		})
	})

	Context("when a navigation exceeds its timeout", func() {
		It("reports a navigation timeout and renders the same URL on retry", func() {
			var calls atomic.Int32
			h := newHarness(1, enginetest.Hooks{
				Navigate: func(ctx context.Context, _ *enginetest.Session, _ string, _ engine.WaitPolicy, timeout time.Duration) error {
					if calls.Add(1) == 1 {
						return enginetest.WaitOrTimeout(ctx, time.Second, timeout)
					}
					return nil
				},
			})
			job := orchestrator.RenderJob{URL: "https://litteraturbanken.se/slow", Timeout: 20 * time.Millisecond}

			_, err := h.orch.Render(ctx, job)
			Expect(err).To(HaveOccurred())
			failure, ok := orchestrator.AsFailure(err)
			Expect(ok).To(BeTrue())
			Expect(failure.ErrorType()).To(Equal(types.ErrorTypeNavigationTimeout))
			Expect(failure.Fatal()).To(BeFalse())

			Expect(h.sup.Health().Ready).To(BeTrue())

			res, err := h.orch.Render(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Payload).NotTo(BeEmpty())
			Expect(h.launcher.Launches()).To(Equal(1))
		})
	})

	Context("when content extraction hits a protocol error", func() {
		It("tears the engine down and respawns on the next job", func() {
			var fail atomic.Bool
			fail.Store(true)
			h := newHarness(2, enginetest.Hooks{
				Content: func(_ context.Context, s *enginetest.Session) ([]byte, error) {
					if fail.CompareAndSwap(true, false) {
						return nil, engine.NewError(engine.KindProtocol, "content", errors.New("websocket: close 1006"))
					}
					return []byte("<html>ok</html>"), nil
				},
			})

			_, err := h.orch.Render(ctx, orchestrator.RenderJob{URL: "https://litteraturbanken.se/a"})
			Expect(err).To(HaveOccurred())
			failure, _ := orchestrator.AsFailure(err)
			Expect(failure.ErrorType()).To(Equal(types.ErrorTypeEngineFatal))

			health := h.sup.Health()
			Expect(health.Ready).To(BeFalse())
			Expect(health.LastFatalError).NotTo(BeNil())
			Expect(*health.LastFatalError).To(ContainSubstring("websocket"))
			Expect(h.launcher.Browsers()[0].OpenSessions()).To(Equal(0))

			res, err := h.orch.Render(ctx, orchestrator.RenderJob{URL: "https://litteraturbanken.se/a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Payload)).To(Equal("<html>ok</html>"))

			health = h.sup.Health()
			Expect(health.Ready).To(BeTrue())
			Expect(health.LastFatalError).To(BeNil())
			Expect(h.launcher.Launches()).To(Equal(2))
		})
	})

	Context("when the page has no content", func() {
		It("fails the job without touching the engine", func() {
			h := newHarness(1, enginetest.Hooks{
				Navigate: func(context.Context, *enginetest.Session, string, engine.WaitPolicy, time.Duration) error {
					return engine.NewError(engine.KindContent, "navigate", engine.ErrPageReported)
				},
			})

			_, err := h.orch.Render(ctx, orchestrator.RenderJob{URL: "https://litteraturbanken.se/404"})
			failure, ok := orchestrator.AsFailure(err)
			Expect(ok).To(BeTrue())
			Expect(failure.ErrorType()).To(Equal(types.ErrorTypeContent))
			Expect(h.sup.Health().Ready).To(BeTrue())
			Expect(h.sup.Health().LastFatalError).To(BeNil())
		})
	})
})
