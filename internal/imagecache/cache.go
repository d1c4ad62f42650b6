// Package imagecache composes the memory and disk stores behind a unified
// query/store/remove API. Memory lookups are synchronous; every disk
// operation runs on a single serial I/O goroutine so filesystem state is
// never touched concurrently.
package imagecache

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/webimg/webimg/internal/codec"
	"github.com/webimg/webimg/internal/diskstore"
	"github.com/webimg/webimg/internal/memstore"
)

// Tier reports where a query result originated.
type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return "none"
	}
}

// ErrDecodeFailed is reported when cached bytes cannot be decoded, or decode
// to a zero-area image.
var ErrDecodeFailed = errors.New("cached image data could not be decoded")

// Config controls both cache tiers.
type Config struct {
	// Root is the disk cache directory.
	Root string
	// SearchPaths are read-only fallback directories for pre-seeded images.
	SearchPaths []string
	// MaxMemoryCost caps the memory tier's total cost in pixels. Zero means no limit.
	MaxMemoryCost int64
	// MaxMemoryCount caps the number of images held in memory. Zero means no limit.
	MaxMemoryCount int
	// MaxDiskAge is how long a disk record stays valid. Zero disables age eviction.
	MaxDiskAge time.Duration
	// MaxDiskSize caps total disk usage in bytes. Zero disables size eviction.
	MaxDiskSize int64
	// DisableMemory turns the memory tier off entirely.
	DisableMemory bool
	// DisableDisk turns the disk tier off entirely.
	DisableDisk bool
}

// DefaultConfig mirrors the library defaults: a week of disk retention and
// unbounded memory.
func DefaultConfig(root string) Config {
	return Config{
		Root:       root,
		MaxDiskAge: 7 * 24 * time.Hour,
	}
}

// QueryOptions tweaks a single Query call.
type QueryOptions struct {
	// QueryDataWhenInMemory forces the disk phase even on a memory hit, so
	// the completion also carries the raw bytes.
	QueryDataWhenInMemory bool
	// QueryDiskSync runs the disk phase synchronously instead of on the I/O
	// goroutine (the call still serializes with all other disk work).
	QueryDiskSync bool
}

// QueryResult is handed to the Query completion callback.
type QueryResult struct {
	Image image.Image
	Data  []byte
	Tier  Tier
}

// QueryOperation is a cancellable handle for an in-flight query. Cancelling
// before the disk phase starts suppresses the completion callback; once the
// disk read began the operation runs to completion.
type QueryOperation struct {
	cancelled atomic.Bool
}

// Cancel marks the operation cancelled.
func (op *QueryOperation) Cancel() {
	op.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (op *QueryOperation) Cancelled() bool {
	return op.cancelled.Load()
}

// Cache is the two-tier image cache. Construct with New; the zero value is
// not usable.
type Cache struct {
	cfg    Config
	mem    *memstore.Store
	disk   *diskstore.Store
	engine codec.Engine
	io     *serialQueue
	cron   *cron.Cron
	log    *slog.Logger
}

// New builds a cache over the given filesystem. A nil engine falls back to
// the standard codec.
func New(fsys afero.Fs, cfg Config, engine codec.Engine) (*Cache, error) {
	if engine == nil {
		engine = codec.NewStdEngine()
	}

	c := &Cache{
		cfg:    cfg,
		engine: engine,
		io:     newSerialQueue(),
		log:    slog.Default().With("component", "imagecache"),
	}

	if !cfg.DisableMemory {
		mem, err := memstore.New(memstore.Config{
			MaxCost:  cfg.MaxMemoryCost,
			MaxCount: cfg.MaxMemoryCount,
		})
		if err != nil {
			return nil, fmt.Errorf("create memory store: %w", err)
		}
		c.mem = mem
	}

	if !cfg.DisableDisk {
		opts := make([]diskstore.Option, 0, len(cfg.SearchPaths))
		for _, p := range cfg.SearchPaths {
			opts = append(opts, diskstore.WithSearchPath(p))
		}
		disk, err := diskstore.New(fsys, cfg.Root, opts...)
		if err != nil {
			return nil, fmt.Errorf("create disk store: %w", err)
		}
		c.disk = disk
	}

	return c, nil
}

// ImageFromMemory is the synchronous memory-only lookup.
func (c *Cache) ImageFromMemory(key string) (image.Image, bool) {
	if c.mem == nil || key == "" {
		return nil, false
	}
	return c.mem.Get(key)
}

// Pin declares external liveness for a memory entry, keeping it recoverable
// across memory-pressure purges. Returns nil when the key is not in memory.
func (c *Cache) Pin(key string) *memstore.Pin {
	if c.mem == nil {
		return nil
	}
	return c.mem.Pin(key)
}

// Query looks the key up in memory then on disk and reports the result
// through done exactly once, unless the operation is cancelled before the
// disk phase begins. done runs on the caller's goroutine for pure memory
// hits and on the I/O goroutine otherwise (caller's goroutine again with
// QueryDiskSync).
func (c *Cache) Query(key string, opts QueryOptions, done func(QueryResult)) *QueryOperation {
	op := &QueryOperation{}
	if key == "" {
		if done != nil {
			done(QueryResult{Tier: TierNone})
		}
		return op
	}

	memImg, memHit := c.ImageFromMemory(key)
	if memHit && !opts.QueryDataWhenInMemory {
		if done != nil {
			done(QueryResult{Image: memImg, Tier: TierMemory})
		}
		return op
	}

	if c.disk == nil {
		if done != nil {
			if memHit {
				done(QueryResult{Image: memImg, Tier: TierMemory})
			} else {
				done(QueryResult{Tier: TierNone})
			}
		}
		return op
	}

	diskPhase := func() {
		if op.Cancelled() {
			return
		}
		result := c.queryDisk(key, memImg, memHit)
		if done != nil {
			done(result)
		}
	}

	if opts.QueryDiskSync {
		c.io.sync(diskPhase)
	} else {
		c.io.async(diskPhase)
	}
	return op
}

// queryDisk runs on the I/O goroutine.
func (c *Cache) queryDisk(key string, memImg image.Image, memHit bool) QueryResult {
	data, err := c.disk.Read(key)
	if err != nil {
		data = nil
	}

	if memHit {
		return QueryResult{Image: memImg, Data: data, Tier: TierMemory}
	}
	if data == nil {
		return QueryResult{Tier: TierNone}
	}

	img, err := c.engine.Decode(data)
	if err != nil || img == nil || img.Bounds().Empty() {
		c.log.Debug("disk entry failed to decode, treating as miss", "key", key, "err", err)
		return QueryResult{Tier: TierNone}
	}

	if c.mem != nil {
		c.mem.Put(key, img, memstore.CostFor(img))
	}
	return QueryResult{Image: img, Data: data, Tier: TierDisk}
}

// Store places an image in the memory tier and, when toDisk is set, writes
// its bytes to the disk tier asynchronously. When data is nil the image is
// encoded first: PNG for images with transparency, JPEG otherwise. done (if
// non-nil) fires after all requested tiers are updated.
func (c *Cache) Store(img image.Image, data []byte, key string, toDisk bool, done func()) {
	if key == "" || (img == nil && data == nil) {
		if done != nil {
			done()
		}
		return
	}

	if c.mem != nil && img != nil {
		c.mem.Put(key, img, memstore.CostFor(img))
	}

	if !toDisk || c.disk == nil {
		if done != nil {
			done()
		}
		return
	}

	c.io.async(func() {
		defer func() {
			if done != nil {
				done()
			}
		}()

		payload := data
		if payload == nil {
			encoded, err := c.engine.Encode(img, codec.PreferredFormat(c.engine, img))
			if err != nil {
				c.log.Warn("failed to encode image for disk cache", "key", key, "err", err)
				return
			}
			payload = encoded
		}

		if err := c.disk.Write(key, payload); err != nil {
			c.log.Warn("failed to write disk cache entry", "key", key, "err", err)
		}
	})
}

// DiskExists asynchronously checks the disk tier for a key.
func (c *Cache) DiskExists(key string, done func(bool)) {
	if c.disk == nil {
		if done != nil {
			done(false)
		}
		return
	}
	c.io.async(func() {
		exists := c.disk.Exists(key)
		if done != nil {
			done(exists)
		}
	})
}

// DiskExistsSync is the synchronous variant of DiskExists.
func (c *Cache) DiskExistsSync(key string) bool {
	if c.disk == nil {
		return false
	}
	var exists bool
	c.io.sync(func() {
		exists = c.disk.Exists(key)
	})
	return exists
}

// Remove drops a key from memory and, when fromDisk is set, from disk.
func (c *Cache) Remove(key string, fromDisk bool, done func()) {
	if c.mem != nil {
		c.mem.Remove(key)
	}

	if !fromDisk || c.disk == nil {
		if done != nil {
			done()
		}
		return
	}

	c.io.async(func() {
		if err := c.disk.Remove(key); err != nil {
			c.log.Warn("failed to remove disk cache entry", "key", key, "err", err)
		}
		if done != nil {
			done()
		}
	})
}

// ClearMemory empties the memory tier.
func (c *Cache) ClearMemory() {
	if c.mem != nil {
		c.mem.Clear()
	}
}

// HandleMemoryPressure purges owned memory entries while keeping pinned
// associations recoverable.
func (c *Cache) HandleMemoryPressure() {
	if c.mem != nil {
		c.mem.HandleMemoryPressure()
	}
}

// ClearDisk wipes the whole disk tier asynchronously.
func (c *Cache) ClearDisk(done func()) {
	if c.disk == nil {
		if done != nil {
			done()
		}
		return
	}
	c.io.async(func() {
		if err := c.disk.RemoveAll(); err != nil {
			c.log.Warn("failed to clear disk cache", "err", err)
		}
		if done != nil {
			done()
		}
	})
}

// DeleteExpired reclaims expired and over-budget disk records asynchronously.
func (c *Cache) DeleteExpired(done func(diskstore.PurgeStats)) {
	if c.disk == nil {
		if done != nil {
			done(diskstore.PurgeStats{})
		}
		return
	}
	c.io.async(func() {
		stats, err := c.disk.Purge(c.cfg.MaxDiskAge, c.cfg.MaxDiskSize)
		if err != nil {
			c.log.Warn("disk purge failed", "err", err)
		} else if stats.FilesRemoved > 0 {
			c.log.Info("disk purge reclaimed space",
				"files", stats.FilesRemoved,
				"bytes", stats.BytesFreed)
		}
		if done != nil {
			done(stats)
		}
	})
}

// SizeAndCount enumerates the disk tier synchronously.
func (c *Cache) SizeAndCount() (int64, int) {
	if c.disk == nil {
		return 0, 0
	}
	var (
		size  int64
		count int
	)
	c.io.sync(func() {
		size, count = c.disk.SizeAndCount()
	})
	return size, count
}

// SizeAndCountAsync enumerates the disk tier on the I/O goroutine.
func (c *Cache) SizeAndCountAsync(done func(int64, int)) {
	if c.disk == nil {
		if done != nil {
			done(0, 0)
		}
		return
	}
	c.io.async(func() {
		size, count := c.disk.SizeAndCount()
		if done != nil {
			done(size, count)
		}
	})
}

// MemoryStats exposes the memory tier counters.
func (c *Cache) MemoryStats() memstore.Stats {
	if c.mem == nil {
		return memstore.Stats{}
	}
	return c.mem.Stats()
}

// StartJanitor schedules periodic DeleteExpired runs with a cron expression
// (e.g. "@hourly"). Stopped by Close.
func (c *Cache) StartJanitor(spec string) error {
	if c.cron != nil {
		return errors.New("janitor already started")
	}

	cr := cron.New()
	if _, err := cr.AddFunc(spec, func() {
		c.DeleteExpired(nil)
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	cr.Start()
	c.cron = cr
	c.log.Info("cache janitor started", "schedule", spec)
	return nil
}

// Close stops the janitor and drains pending disk work.
func (c *Cache) Close() {
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
	c.io.close()
}
