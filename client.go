// Package webimg is a client-side asynchronous image retrieval and caching
// library: images are fetched over HTTP, decoded once, and retained in a
// two-tier cache (process memory and local disk) so repeated requests for
// the same URL avoid redundant network and decode work.
package webimg

import (
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"

	"github.com/spf13/afero"

	"github.com/webimg/webimg/internal/codec"
	"github.com/webimg/webimg/internal/config"
	"github.com/webimg/webimg/internal/downloader"
	"github.com/webimg/webimg/internal/imagecache"
)

// Result is delivered to the Get completion callback.
type Result struct {
	URL   string
	Image image.Image
	Data  []byte
	// Tier reports where the image came from; TierNone means it was
	// downloaded.
	Tier imagecache.Tier
	// Partial marks an intermediate progressive decode; the callback will
	// fire again with the final result.
	Partial bool
	Err     error
}

// GetOptions tweaks a single Get call.
type GetOptions struct {
	// Download configures the network fetch on a cache miss.
	Download downloader.Options
	// Query configures the cache lookup.
	Query imagecache.QueryOptions
	// NoDiskCache keeps a downloaded image out of the disk tier.
	NoDiskCache bool
}

// Operation is a cancellable handle for one Get. Cancelling during the
// cache phase suppresses the completion; cancelling during the download
// detaches this caller's registration from the shared transfer.
type Operation struct {
	client  *Client
	cacheOp *imagecache.QueryOperation

	mu        sync.Mutex
	token     *downloader.Token
	cancelled bool
}

// Cancel aborts the operation. Sibling requests for the same URL are not
// affected.
func (op *Operation) Cancel() {
	op.mu.Lock()
	op.cancelled = true
	token := op.token
	op.mu.Unlock()

	op.cacheOp.Cancel()
	if token != nil {
		op.client.Downloader.Cancel(token)
	}
}

// attach records the download token, or cancels it immediately when the
// operation was already cancelled between the cache and download phases.
func (op *Operation) attach(token *downloader.Token) {
	op.mu.Lock()
	op.token = token
	cancelled := op.cancelled
	op.mu.Unlock()

	if cancelled {
		op.client.Downloader.Cancel(token)
	}
}

// Client ties the image cache and the download coordinator together: Get
// serves from memory, then disk, then the network, writing downloads back
// into the cache. Construct with New and share one instance per process.
type Client struct {
	Cache      *imagecache.Cache
	Downloader *downloader.Coordinator

	// defaults carries configuration-level download options merged into
	// every Get.
	defaults downloader.Options
	log      *slog.Logger
}

// New creates a client over the OS filesystem.
func New(cfg *config.Config) (*Client, error) {
	return NewWithFs(afero.NewOsFs(), cfg)
}

// NewWithFs creates a client over an explicit filesystem (tests use an
// in-memory one). A nil cfg uses defaults.
func NewWithFs(fsys afero.Fs, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	engine := codec.NewStdEngine()

	cache, err := imagecache.New(fsys, imagecache.Config{
		Root:           cfg.Cache.Root,
		SearchPaths:    cfg.Cache.SearchPaths,
		MaxMemoryCost:  cfg.Cache.MaxMemoryCost,
		MaxMemoryCount: cfg.Cache.MaxMemoryCount,
		MaxDiskAge:     cfg.Cache.MaxDiskAge,
		MaxDiskSize:    cfg.Cache.MaxDiskSize,
		DisableMemory:  cfg.Cache.DisableMemory,
		DisableDisk:    cfg.Cache.DisableDisk,
	}, engine)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}

	dlCfg := downloader.Config{
		Concurrency: cfg.Downloader.Concurrency,
		Timeout:     cfg.Downloader.Timeout,
		Username:    cfg.Downloader.Username,
		Password:    cfg.Downloader.Password,
	}
	if cfg.Downloader.ExecutionOrder == "lifo" {
		dlCfg.ExecutionOrder = downloader.LIFO
	}
	for k, v := range cfg.Downloader.Headers {
		if dlCfg.Headers == nil {
			dlCfg.Headers = make(http.Header)
		}
		dlCfg.Headers.Set(k, v)
	}

	c := &Client{
		Cache:      cache,
		Downloader: downloader.New(dlCfg, engine),
		defaults: downloader.Options{
			Progressive:              cfg.Downloader.Progressive,
			AllowInvalidCertificates: cfg.Downloader.AllowInvalidCertificates,
			HandleCookies:            cfg.Downloader.HandleCookies,
		},
		log: slog.Default().With("component", "webimg"),
	}

	if cfg.Cache.JanitorSchedule != "" {
		if err := cache.StartJanitor(cfg.Cache.JanitorSchedule); err != nil {
			c.Close()
			return nil, fmt.Errorf("start cache janitor: %w", err)
		}
	}

	return c, nil
}

// Get resolves a URL through the cache tiers and falls back to a download,
// storing the result back into the cache. done fires exactly once unless
// the operation is cancelled first.
func (c *Client) Get(url string, opts GetOptions, progress downloader.ProgressFunc, done func(Result)) (*Operation, error) {
	if url == "" {
		return nil, fmt.Errorf("image url required")
	}

	opts.Download.Progressive = opts.Download.Progressive || c.defaults.Progressive
	opts.Download.AllowInvalidCertificates = opts.Download.AllowInvalidCertificates || c.defaults.AllowInvalidCertificates
	opts.Download.HandleCookies = opts.Download.HandleCookies || c.defaults.HandleCookies

	op := &Operation{client: c}
	op.cacheOp = c.Cache.Query(url, opts.Query, func(qr imagecache.QueryResult) {
		if qr.Tier != imagecache.TierNone {
			if done != nil {
				done(Result{URL: url, Image: qr.Image, Data: qr.Data, Tier: qr.Tier})
			}
			return
		}
		c.download(url, opts, progress, done, op)
	})

	return op, nil
}

func (c *Client) download(url string, opts GetOptions, progress downloader.ProgressFunc, done func(Result), op *Operation) {
	token, err := c.Downloader.Download(url, opts.Download, progress,
		func(img image.Image, data []byte, err error, finished bool) {
			if !finished {
				// Progressive partial: forward without caching.
				if done != nil {
					done(Result{URL: url, Image: img, Partial: true})
				}
				return
			}
			if err != nil {
				if done != nil {
					done(Result{URL: url, Err: err})
				}
				return
			}
			if img != nil {
				c.Cache.Store(img, data, url, !opts.NoDiskCache, nil)
			}
			if done != nil {
				done(Result{URL: url, Image: img, Data: data})
			}
		})
	if err != nil {
		c.log.Warn("download request rejected", "url", url, "err", err)
		if done != nil {
			done(Result{URL: url, Err: err})
		}
		return
	}
	op.attach(token)
}

// Close shuts down the downloader and the cache, cancelling outstanding
// work.
func (c *Client) Close() {
	c.Downloader.Close()
	c.Cache.Close()
}
