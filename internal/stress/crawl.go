package stress

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/littb/snapshot/internal/common/htmlprocessor"
)

// CrawlResult lists every path discovered under the prefix
type CrawlResult struct {
	Paths  []string
	Failed []string
	Stats  Summary
}

// Crawl fetches start, harvests links beginning with prefix and follows the
// new ones level by level until no unseen link remains. Pages that fail to
// load or parse contribute no links.
func Crawl(ctx context.Context, fetcher *Fetcher, start, prefix string, concurrency int, logger *zap.Logger) (*CrawlResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	begin := time.Now()
	stats := NewStats()
	seen := map[string]bool{start: true}
	var failed []string
	frontier := []string{start}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var mu sync.Mutex
		var next []string

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, path := range frontier {
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				resp := fetcher.Fetch(path)
				stats.Record(resp)

				links, ok := harvest(resp, prefix)

				mu.Lock()
				defer mu.Unlock()
				if !ok {
					failed = append(failed, path)
					logger.Debug("Page fetch failed",
						zap.String("path", path),
						zap.Int("status", resp.StatusCode),
						zap.Error(resp.Err))
					return nil
				}
				var fresh []string
				for _, link := range links {
					if !seen[link] {
						seen[link] = true
						fresh = append(fresh, link)
					}
				}
				if len(fresh) > 0 {
					logger.Info("New links", zap.String("from", path), zap.Strings("links", fresh))
				}
				next = append(next, fresh...)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		sort.Strings(next)
		frontier = next
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	sort.Strings(failed)

	return &CrawlResult{Paths: paths, Failed: failed, Stats: stats.Summary(time.Since(begin))}, nil
}

func harvest(resp *Response, prefix string) ([]string, bool) {
	if !resp.OK() {
		return nil, false
	}
	doc, err := htmlprocessor.Parse(resp.Body)
	if err != nil {
		return nil, false
	}
	return doc.LinksWithPrefix(prefix), true
}
