package viewer

import (
	"fmt"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
)

const (
	// BaseEntryCost is charged for every resident entry regardless of size.
	BaseEntryCost int64 = 512
	bytesPerPixel int64 = 4
)

// EntryCost approximates the memory the UI will hold for meta: the decoded
// RGBA footprint of the image plus a fixed bookkeeping overhead.
func EntryCost(meta indexing.ImageMetadata) int64 {
	w, h := int64(meta.Dimensions.Width), int64(meta.Dimensions.Height)
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return BaseEntryCost + w*h*bytesPerPixel
}

type cacheKey struct {
	tab  TabID
	path string
}

// CacheEntry is the memory manager's view of one resident metadata value.
type CacheEntry struct {
	Tab        TabID
	Path       string
	Cost       int64
	LastAccess time.Time
	Seq        uint64
}

// MemoryStats is a snapshot of the accounting.
type MemoryStats struct {
	TotalCost int64   `json:"total_cost"`
	Budget    int64   `json:"budget"`
	Threshold float64 `json:"threshold"`
	Entries   int     `json:"entries"`
	Folders   int     `json:"folders"`
	Evictions uint64  `json:"evictions"`
}

// MemoryManager owns the single mutex that guards every FolderContext's
// metadata cache, cursor and failure map together with the cost accounting,
// so an observer never sees a cache entry without its CacheEntry or the
// reverse.
type MemoryManager struct {
	mu sync.Mutex

	budget         int64
	threshold      float64
	prefetchRadius int

	total     int64
	seq       uint64
	evictions uint64
	entries   map[cacheKey]*CacheEntry
	folders   map[TabID]*FolderContext

	now func() time.Time
}

// NewMemoryManager returns a capacity error when budget cannot hold a
// single minimal entry.
func NewMemoryManager(budget int64, threshold float64, prefetchRadius int) (*MemoryManager, error) {
	if budget < BaseEntryCost {
		return nil, errs.Capacity("new memory manager", fmt.Errorf("budget %d bytes is below one entry (%d bytes)", budget, BaseEntryCost))
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("pressure threshold must be in (0, 1], got %v", threshold)
	}
	if prefetchRadius < 0 {
		prefetchRadius = 0
	}
	return &MemoryManager{
		budget:         budget,
		threshold:      threshold,
		prefetchRadius: prefetchRadius,
		entries:        make(map[cacheKey]*CacheEntry),
		folders:        make(map[TabID]*FolderContext),
		now:            time.Now,
	}, nil
}

func (m *MemoryManager) PrefetchRadius() int { return m.prefetchRadius }

func (m *MemoryManager) register(f *FolderContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[f.tab] = f
}

// Unregister drops every entry owned by tab and forgets its folder.
func (m *MemoryManager) Unregister(tab TabID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.folders[tab]
	if f == nil {
		return
	}
	for path := range f.cache {
		m.removeLocked(cacheKey{tab: tab, path: path})
	}
	f.closed = true
	clear(f.failures)
	delete(m.folders, tab)
	m.publishLocked()
}

// insertLocked stores meta in f's cache, charges its cost and evicts under
// pressure. An entry larger than the whole budget is still accepted and
// left to eviction. Callers hold m.mu.
func (m *MemoryManager) insertLocked(f *FolderContext, meta indexing.ImageMetadata) error {
	if f.closed {
		return errs.NotFound("insert", meta.Path, fmt.Errorf("tab %s is closed", f.tab))
	}
	if _, listed := f.index[meta.Path]; !listed {
		return errs.NotFound("insert", meta.Path, fmt.Errorf("not listed in %s", f.dir))
	}
	cost := EntryCost(meta)

	key := cacheKey{tab: f.tab, path: meta.Path}
	if old, ok := m.entries[key]; ok {
		m.total -= old.Cost
	}
	m.seq++
	m.entries[key] = &CacheEntry{
		Tab:        f.tab,
		Path:       meta.Path,
		Cost:       cost,
		LastAccess: m.now(),
		Seq:        m.seq,
	}
	m.total += cost
	f.cache[meta.Path] = meta
	delete(f.failures, meta.Path)

	m.evictLocked()
	m.publishLocked()
	return nil
}

func (m *MemoryManager) overThreshold() bool {
	return float64(m.total)/float64(m.budget) > m.threshold
}

// evictLocked removes the least recently accessed entries that lie outside
// their tab's prefetch window until the pressure drops or nothing is left
// to evict.
func (m *MemoryManager) evictLocked() {
	for m.overThreshold() {
		var victim *CacheEntry
		for _, e := range m.entries {
			f := m.folders[e.Tab]
			if f != nil && f.inPrefetchWindowLocked(e.Path) {
				continue
			}
			if victim == nil || olderThan(e, victim) {
				victim = e
			}
		}
		if victim == nil {
			logger.Debugf("Memory pressure %.2f with nothing evictable (%d exempt entries)", float64(m.total)/float64(m.budget), len(m.entries))
			return
		}
		m.removeLocked(cacheKey{tab: victim.Tab, path: victim.Path})
		m.evictions++
		metrics.RecordEviction()
	}
}

func olderThan(a, b *CacheEntry) bool {
	if !a.LastAccess.Equal(b.LastAccess) {
		return a.LastAccess.Before(b.LastAccess)
	}
	return a.Seq < b.Seq
}

func (m *MemoryManager) removeLocked(key cacheKey) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	m.total -= e.Cost
	if f := m.folders[key.tab]; f != nil {
		delete(f.cache, key.path)
	}
}

// touchLocked marks key as just read.
func (m *MemoryManager) touchLocked(key cacheKey) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	m.seq++
	e.LastAccess = m.now()
	e.Seq = m.seq
}

// Touch marks the cached metadata of path in tab as just read.
func (m *MemoryManager) Touch(tab TabID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(cacheKey{tab: tab, path: path})
}

// Invalidate drops the cached metadata and any recorded failure of path in
// tab. It reports whether an entry was resident.
func (m *MemoryManager) Invalidate(tab TabID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey{tab: tab, path: path}
	_, resident := m.entries[key]
	m.removeLocked(key)
	if f := m.folders[tab]; f != nil {
		delete(f.failures, path)
	}
	m.publishLocked()
	return resident
}

// Entry returns a copy of the accounting record for path in tab.
func (m *MemoryManager) Entry(tab TabID, path string) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cacheKey{tab: tab, path: path}]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

func (m *MemoryManager) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		TotalCost: m.total,
		Budget:    m.budget,
		Threshold: m.threshold,
		Entries:   len(m.entries),
		Folders:   len(m.folders),
		Evictions: m.evictions,
	}
}

func (m *MemoryManager) publishLocked() {
	metrics.SetCacheUsage(m.total, len(m.entries))
}
