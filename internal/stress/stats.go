package stress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackedMillis is the histogram ceiling; slower responses are clamped
const maxTrackedMillis = 300000

// Stats accumulates response times across concurrent requests
type Stats struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
	requests  int
	errors    int
	byCache   map[string]int
}

func NewStats() *Stats {
	return &Stats{
		histogram: hdrhistogram.New(1, maxTrackedMillis, 3),
		byCache:   make(map[string]int),
	}
}

// Record adds one response. Failed requests count as errors and are kept
// out of the latency distribution.
func (s *Stats) Record(r *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if !r.OK() {
		s.errors++
		return
	}
	ms := r.Elapsed.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > maxTrackedMillis {
		ms = maxTrackedMillis
	}
	_ = s.histogram.RecordValue(ms)
	if r.Cache != "" {
		s.byCache[r.Cache]++
	}
}

// Summary is a point-in-time view of Stats
type Summary struct {
	Requests int
	Errors   int
	P50      time.Duration
	P90      time.Duration
	P99      time.Duration
	Max      time.Duration
	ByCache  map[string]int
	Total    time.Duration
}

func (s *Stats) Summary(total time.Duration) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCache := make(map[string]int, len(s.byCache))
	for k, v := range s.byCache {
		byCache[k] = v
	}
	return Summary{
		Requests: s.requests,
		Errors:   s.errors,
		P50:      millis(s.histogram.ValueAtQuantile(50)),
		P90:      millis(s.histogram.ValueAtQuantile(90)),
		P99:      millis(s.histogram.ValueAtQuantile(99)),
		Max:      millis(s.histogram.Max()),
		ByCache:  byCache,
		Total:    total,
	}
}

// Print writes the summary block shown at the end of a run
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\nRequests: %d  Errors: %d\n", s.Requests, s.Errors)
	fmt.Fprintf(w, "p50 %s  p90 %s  p99 %s  max %s\n", s.P50, s.P90, s.P99, s.Max)
	if len(s.ByCache) > 0 {
		fmt.Fprintf(w, "cache hit %d  store %d  miss %d\n", s.ByCache["hit"], s.ByCache["store"], s.ByCache["miss"])
	}
	fmt.Fprintf(w, "Done. %.2fs\n", s.Total.Seconds())
}

func millis(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
