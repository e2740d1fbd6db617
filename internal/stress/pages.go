package stress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PagePaths expands a printf pattern with one %d verb over [from, to)
func PagePaths(pattern string, from, to int) ([]string, error) {
	verbs := strings.Count(pattern, "%d") + strings.Count(pattern, "%s")
	if verbs != 1 || strings.Count(pattern, "%") != 1 {
		return nil, fmt.Errorf("pattern must contain exactly one %%d or %%s verb: %q", pattern)
	}
	if to <= from {
		return nil, fmt.Errorf("empty page range [%d, %d)", from, to)
	}

	pattern = strings.Replace(pattern, "%s", "%d", 1)
	paths := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		paths = append(paths, fmt.Sprintf(pattern, i))
	}
	return paths, nil
}

// RunPages requests every path, at most concurrency at a time (0 means all
// at once), printing one line per response to out as it completes
func RunPages(ctx context.Context, fetcher *Fetcher, paths []string, concurrency int, out io.Writer) Summary {
	stats := NewStats()
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	start := time.Now()
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			resp := fetcher.Fetch(path)
			stats.Record(resp)

			outMu.Lock()
			defer outMu.Unlock()
			if resp.Err != nil {
				fmt.Fprintf(out, "%-30s %5.2f error: %v\n", path, resp.Elapsed.Seconds(), resp.Err)
			} else {
				fmt.Fprintf(out, "%-30s %5.2f %d %s\n", path, resp.Elapsed.Seconds(), resp.StatusCode, cacheLabel(resp))
			}
			return nil
		})
	}
	_ = g.Wait()

	return stats.Summary(time.Since(start))
}
