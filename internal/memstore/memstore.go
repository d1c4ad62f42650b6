// Package memstore implements the in-process tier of the image cache: a
// cost-bounded LRU owning store plus a non-owning resurrection index.
//
// The resurrection index keeps a key -> image association alive as long as
// some other holder has declared the image live through a Pin. After a
// memory-pressure purge empties the owning store, a pinned image can be
// served again without a disk round-trip; once the last pin is released the
// association is dead and reads fall through to a genuine miss. The index
// references an image only between Pin and the final Release, so it never
// extends an unpinned image's lifetime past its eviction.
package memstore

import (
	"image"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Config bounds the owning store. Zero values mean "no limit".
type Config struct {
	// MaxCost caps the sum of entry costs, in pixels.
	MaxCost int64
	// MaxCount caps the number of live entries.
	MaxCount int
}

// Stats reports hit/miss counters for observability.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Resurrections uint64
	Cost          int64
	Count         int
}

type entry struct {
	img  image.Image
	cost int64
}

// resEntry is a resurrection-index slot. The image reference is captured at
// pin time and exists only while pins > 0; the slot is deleted when the last
// pin goes, so the index owns nothing.
type resEntry struct {
	img  image.Image
	pins int
}

// Store is the owning in-memory cache. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, entry]
	cost     int64
	maxCost  int64
	maxCount int
	res      map[string]*resEntry

	hits          atomic.Uint64
	misses        atomic.Uint64
	resurrections atomic.Uint64
}

// New creates a memory store with the given limits.
func New(cfg Config) (*Store, error) {
	s := &Store{
		maxCost:  cfg.MaxCost,
		maxCount: cfg.MaxCount,
		res:      make(map[string]*resEntry),
	}

	// The LRU only tracks recency; both limits are enforced in put so the
	// list size never evicts on its own.
	lru, err := simplelru.NewLRU[string, entry](math.MaxInt32, func(key string, e entry) {
		s.cost -= e.cost
	})
	if err != nil {
		return nil, err
	}
	s.lru = lru

	return s, nil
}

// CostFor is the canonical cost function: the image's pixel area.
func CostFor(img image.Image) int64 {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	return int64(bounds.Dx()) * int64(bounds.Dy())
}

// Get returns the image for key. An owning-store miss consults the
// resurrection index: a pinned association is re-promoted into the owning
// store with its cost recomputed and counts as a hit.
func (s *Store) Get(key string) (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lru.Get(key); ok {
		s.hits.Add(1)
		return e.img, true
	}

	re, ok := s.res[key]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}

	s.put(key, re.img, CostFor(re.img))
	s.hits.Add(1)
	s.resurrections.Add(1)
	return re.img, true
}

// Put inserts or replaces an entry in the owning store. A pinned
// resurrection slot for the key is updated to the new image so pins always
// track the current association.
func (s *Store) Put(key string, img image.Image, cost int64) {
	if img == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, img, cost)

	if re, ok := s.res[key]; ok {
		re.img = img
	}
}

// put inserts into the owning store and evicts least-recently-used entries
// until both budgets hold again. Caller holds s.mu.
func (s *Store) put(key string, img image.Image, cost int64) {
	if cost < 0 {
		cost = 0
	}

	if old, ok := s.lru.Peek(key); ok {
		s.cost -= old.cost
	}
	s.lru.Add(key, entry{img: img, cost: cost})
	s.cost += cost

	for s.overBudget() {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (s *Store) overBudget() bool {
	if s.lru.Len() == 0 {
		return false
	}
	if s.maxCount > 0 && s.lru.Len() > s.maxCount {
		return true
	}
	if s.maxCost > 0 && s.cost > s.maxCost {
		return true
	}
	return false
}

// Pin declares that the caller holds the image for key and keeps its
// resurrection association alive until Release. The image reference is
// captured now, from the owning store or an existing pin. Returns nil when
// the key is not live anywhere.
func (s *Store) Pin(key string) *Pin {
	s.mu.Lock()
	defer s.mu.Unlock()

	if re, ok := s.res[key]; ok {
		re.pins++
		return &Pin{store: s, key: key}
	}

	e, ok := s.lru.Peek(key)
	if !ok {
		return nil
	}
	s.res[key] = &resEntry{img: e.img, pins: 1}
	return &Pin{store: s, key: key}
}

// Pin is a counted liveness handle issued by Pin. Release is idempotent.
type Pin struct {
	store    *Store
	key      string
	released atomic.Bool
}

// Release drops the liveness claim. Once every pin on a key is released, the
// slot and its image reference are gone; only the owning store can still
// serve the key.
func (p *Pin) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	re, ok := p.store.res[p.key]
	if !ok {
		return
	}
	re.pins--
	if re.pins <= 0 {
		delete(p.store.res, p.key)
	}
}

// Remove drops the key from the owning store and the resurrection index.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Remove(key)
	delete(s.res, key)
}

// Clear empties both the owning store and the resurrection index.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
	s.res = make(map[string]*resEntry)
}

// HandleMemoryPressure empties the owning store but leaves the resurrection
// index intact, so images still held elsewhere stay recoverable while the
// bulk of cache memory is released.
func (s *Store) HandleMemoryPressure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
}

// Stats returns current counters and occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Resurrections: s.resurrections.Load(),
		Cost:          s.cost,
		Count:         s.lru.Len(),
	}
}
