package webimg

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/webimg/webimg/internal/imagecache"
)

// PrefetchStats summarizes one Prefetch run.
type PrefetchStats struct {
	// Downloaded is the number of URLs fetched from the network.
	Downloaded int64
	// Cached is the number of URLs already present in a cache tier.
	Cached int64
	// Failed is the number of URLs that could not be retrieved.
	Failed int64
}

// Prefetcher warms the cache for a set of URLs ahead of time. Work is
// bounded by its own worker pool on top of the downloader's concurrency
// limit so a large batch cannot starve interactive requests.
type Prefetcher struct {
	client      *Client
	concurrency int
	log         *slog.Logger
}

// NewPrefetcher creates a prefetcher over an existing client. concurrency
// caps the in-flight URLs; values below one fall back to the downloader
// default.
func NewPrefetcher(c *Client, concurrency int) *Prefetcher {
	if concurrency < 1 {
		concurrency = DefaultPrefetchConcurrency
	}
	return &Prefetcher{
		client:      c,
		concurrency: concurrency,
		log:         slog.Default().With("component", "prefetcher"),
	}
}

// DefaultPrefetchConcurrency bounds a prefetch batch when no explicit
// concurrency is given.
const DefaultPrefetchConcurrency = 3

// Prefetch resolves every URL through the cache, downloading misses, and
// blocks until all of them settle or ctx is cancelled. Cancelling the
// context aborts URLs that have not finished yet.
func (p *Prefetcher) Prefetch(ctx context.Context, urls []string) PrefetchStats {
	var stats PrefetchStats

	workers := pool.New().WithMaxGoroutines(p.concurrency)
	for _, url := range urls {
		workers.Go(func() {
			p.one(ctx, url, &stats)
		})
	}
	workers.Wait()

	p.log.Info("prefetch finished",
		"urls", len(urls),
		"downloaded", stats.Downloaded,
		"cached", stats.Cached,
		"failed", stats.Failed)

	return stats
}

func (p *Prefetcher) one(ctx context.Context, url string, stats *PrefetchStats) {
	if ctx.Err() != nil {
		atomic.AddInt64(&stats.Failed, 1)
		return
	}

	results := make(chan Result, 1)
	op, err := p.client.Get(url, GetOptions{}, nil, func(r Result) {
		results <- r
	})
	if err != nil {
		p.log.Warn("prefetch rejected", "url", url, "err", err)
		atomic.AddInt64(&stats.Failed, 1)
		return
	}

	select {
	case r := <-results:
		switch {
		case r.Err != nil:
			p.log.Warn("prefetch failed", "url", url, "err", r.Err)
			atomic.AddInt64(&stats.Failed, 1)
		case r.Tier != imagecache.TierNone:
			atomic.AddInt64(&stats.Cached, 1)
		default:
			atomic.AddInt64(&stats.Downloaded, 1)
		}
	case <-ctx.Done():
		op.Cancel()
		atomic.AddInt64(&stats.Failed, 1)
	}
}
