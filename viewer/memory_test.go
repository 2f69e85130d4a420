package viewer

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
)

func listing(dir string, n int) []indexing.FileEntry {
	entries := make([]indexing.FileEntry, n)
	for i := range entries {
		name := fmt.Sprintf("img%03d.png", i)
		entries[i] = indexing.FileEntry{Name: name, Path: filepath.Join(dir, name), IsImage: true}
	}
	return entries
}

func meta(path string, w, h int) indexing.ImageMetadata {
	return indexing.ImageMetadata{Path: path, Name: filepath.Base(path), Dimensions: indexing.Dimensions{Width: w, Height: h}}
}

// tickClock returns monotonically increasing instants one second apart.
func tickClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newManager(t *testing.T, budget int64, threshold float64, radius int) *MemoryManager {
	t.Helper()
	mm, err := NewMemoryManager(budget, threshold, radius)
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	mm.now = tickClock()
	return mm
}

func insert(mm *MemoryManager, f *FolderContext, i, w, h int) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.insertLocked(f, meta(f.entries[i].Path, w, h))
}

func setCursor(f *FolderContext, i int) {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	f.setCursorLocked(i)
}

func names(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

func TestEntryCost(t *testing.T) {
	if got := EntryCost(meta("/x.png", 0, 0)); got != BaseEntryCost {
		t.Errorf("empty image cost = %d, want %d", got, BaseEntryCost)
	}
	if got := EntryCost(meta("/x.png", 10, 20)); got != BaseEntryCost+800 {
		t.Errorf("10x20 cost = %d, want %d", got, BaseEntryCost+800)
	}
}

func TestNewMemoryManagerCapacity(t *testing.T) {
	if _, err := NewMemoryManager(BaseEntryCost-1, 0.8, 2); !errors.Is(err, errs.ErrCapacity) {
		t.Fatalf("budget below one entry: err = %v, want capacity error", err)
	}
	if _, err := NewMemoryManager(BaseEntryCost, 0.8, 2); err != nil {
		t.Fatalf("budget of exactly one entry: %v", err)
	}
	if _, err := NewMemoryManager(1<<20, 0, 2); err == nil {
		t.Fatal("zero threshold accepted")
	}
}

func TestOversizedEntryIsAccepted(t *testing.T) {
	mm := newManager(t, 1024, 0.8, 0)
	f := newFolderContext("t", "/g", listing("/g", 3), mm, nil)

	if err := insert(mm, f, 2, 100, 100); err != nil {
		t.Fatalf("insert outside the window: %v", err)
	}
	if st := mm.Stats(); st.Entries != 0 || st.TotalCost != 0 || st.Evictions != 1 {
		t.Fatalf("oversized entry outside the window was kept: %+v", st)
	}

	if err := insert(mm, f, 0, 100, 100); err != nil {
		t.Fatalf("insert at the cursor: %v", err)
	}
	if st := mm.Stats(); st.Entries != 1 || st.TotalCost != BaseEntryCost+40000 {
		t.Fatalf("oversized entry at the cursor was not kept: %+v", st)
	}
}

func TestInsertRejectsUnlistedAndClosed(t *testing.T) {
	mm := newManager(t, 1<<20, 0.8, 2)
	f := newFolderContext("t", "/g", listing("/g", 3), mm, nil)

	mm.mu.Lock()
	err := mm.insertLocked(f, meta("/elsewhere/a.png", 1, 1))
	mm.mu.Unlock()
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unlisted insert: err = %v", err)
	}

	mm.Unregister("t")
	if err := insert(mm, f, 0, 1, 1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("insert into closed folder: err = %v", err)
	}
}

func TestEvictionSparesPrefetchWindow(t *testing.T) {
	// 8x8 entries cost 768; the budget holds four.
	mm := newManager(t, 4*768, 1.0, 1)
	f := newFolderContext("t", "/g", listing("/g", 10), mm, nil)

	for i := 0; i < 10; i++ {
		if err := insert(mm, f, i, 8, 8); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	want := []string{"img000.png", "img001.png", "img008.png", "img009.png"}
	if got := names(f.CachedPaths()); !slices.Equal(got, want) {
		t.Fatalf("resident = %v, want %v", got, want)
	}
	st := mm.Stats()
	if st.TotalCost != 4*768 || st.Evictions != 6 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEvictionPrefersLeastRecentlyTouched(t *testing.T) {
	mm := newManager(t, 4*768, 1.0, 0)
	f := newFolderContext("t", "/g", listing("/g", 10), mm, nil)
	setCursor(f, 9)

	for i := 0; i < 4; i++ {
		if err := insert(mm, f, i, 8, 8); err != nil {
			t.Fatal(err)
		}
	}
	mm.Touch("t", f.entries[0].Path)
	if err := insert(mm, f, 4, 8, 8); err != nil {
		t.Fatal(err)
	}

	want := []string{"img000.png", "img002.png", "img003.png", "img004.png"}
	if got := names(f.CachedPaths()); !slices.Equal(got, want) {
		t.Fatalf("resident = %v, want %v", got, want)
	}
}

func TestWindowEntriesSurviveOverBudget(t *testing.T) {
	mm := newManager(t, 4*768, 0.5, 2)
	f := newFolderContext("t", "/g", listing("/g", 5), mm, nil)
	setCursor(f, 2)

	for i := 0; i < 5; i++ {
		if err := insert(mm, f, i, 8, 8); err != nil {
			t.Fatal(err)
		}
	}
	if st := mm.Stats(); st.Entries != 5 || st.Evictions != 0 {
		t.Fatalf("window entries were evicted: %+v", st)
	}
}

func TestReinsertReplacesCost(t *testing.T) {
	mm := newManager(t, 1<<20, 0.8, 2)
	f := newFolderContext("t", "/g", listing("/g", 3), mm, nil)

	if err := insert(mm, f, 0, 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := insert(mm, f, 0, 2, 2); err != nil {
		t.Fatal(err)
	}
	if st := mm.Stats(); st.Entries != 1 || st.TotalCost != BaseEntryCost+16 {
		t.Fatalf("stats after reinsert = %+v", st)
	}
}

func TestInvalidateAndUnregisterRelease(t *testing.T) {
	mm := newManager(t, 1<<20, 0.8, 2)
	a := newFolderContext("a", "/g", listing("/g", 3), mm, nil)
	b := newFolderContext("b", "/g", listing("/g", 3), mm, nil)
	for i := 0; i < 3; i++ {
		_ = insert(mm, a, i, 4, 4)
		_ = insert(mm, b, i, 4, 4)
	}

	if !mm.Invalidate("a", a.entries[1].Path) {
		t.Fatal("Invalidate reported nothing resident")
	}
	if mm.Invalidate("a", a.entries[1].Path) {
		t.Fatal("second Invalidate reported a resident entry")
	}
	if a.Cached(a.entries[1].Path) || !b.Cached(b.entries[1].Path) {
		t.Fatal("invalidation leaked across tabs")
	}

	mm.Unregister("a")
	st := mm.Stats()
	if st.Entries != 3 || st.Folders != 1 || st.TotalCost != 3*(BaseEntryCost+64) {
		t.Fatalf("stats after unregister = %+v", st)
	}
	if !a.Closed() {
		t.Fatal("unregistered folder not marked closed")
	}
}

// checkAccounting verifies that the manager's records and the folders'
// caches describe the same set of entries. Right after an insert, pressure
// above the threshold may only remain when every entry is exempt.
func checkAccounting(t *testing.T, mm *MemoryManager, afterInsert bool) {
	t.Helper()
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var sum int64
	for key, e := range mm.entries {
		sum += e.Cost
		f := mm.folders[key.tab]
		if f == nil {
			t.Fatalf("entry %v belongs to an unregistered tab", key)
		}
		if _, ok := f.cache[key.path]; !ok {
			t.Fatalf("entry %v missing from its folder cache", key)
		}
	}
	if sum != mm.total {
		t.Fatalf("total = %d, sum of costs = %d", mm.total, sum)
	}
	cached := 0
	for _, f := range mm.folders {
		cached += len(f.cache)
	}
	if cached != len(mm.entries) {
		t.Fatalf("folders hold %d entries, manager tracks %d", cached, len(mm.entries))
	}
	if afterInsert && mm.overThreshold() {
		for key := range mm.entries {
			if !mm.folders[key.tab].inPrefetchWindowLocked(key.path) {
				t.Fatalf("over threshold with evictable entry %v", key)
			}
		}
	}
}

func windowResidents(mm *MemoryManager) map[cacheKey]bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make(map[cacheKey]bool)
	for key := range mm.entries {
		if mm.folders[key.tab].inPrefetchWindowLocked(key.path) {
			out[key] = true
		}
	}
	return out
}

func TestMemoryManagerRandomized(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			mm := newManager(t, 64<<10, 0.75, 2)
			folders := make([]*FolderContext, 3)
			for i := range folders {
				tab := TabID(fmt.Sprintf("tab%d", i))
				folders[i] = newFolderContext(tab, "/g", listing("/g", 30), mm, nil)
			}

			for op := 0; op < 500; op++ {
				f := folders[rng.Intn(len(folders))]
				idx := rng.Intn(len(f.entries))
				inserted := false
				switch r := rng.Intn(100); {
				case r < 60:
					inserted = true
					before := windowResidents(mm)
					if err := insert(mm, f, idx, rng.Intn(50), rng.Intn(50)); err != nil {
						t.Fatalf("op %d insert: %v", op, err)
					}
					after := windowResidents(mm)
					for key := range before {
						if !after[key] {
							t.Fatalf("op %d evicted window entry %v", op, key)
						}
					}
				case r < 80:
					f.AdvanceCursor(rng.Intn(11) - 5)
				case r < 90:
					mm.Touch(f.tab, f.entries[idx].Path)
				default:
					mm.Invalidate(f.tab, f.entries[idx].Path)
				}
				checkAccounting(t, mm, inserted)
			}
		})
	}
}
