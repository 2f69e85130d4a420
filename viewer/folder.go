package viewer

import (
	"context"
	"fmt"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
)

// TabID identifies an open tab.
type TabID string

// List asks the gateway for dir and returns the entries in display order.
func List(ctx context.Context, gw indexing.Gateway, dir string) ([]indexing.FileEntry, error) {
	entries, err := gw.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	indexing.SortEntries(entries)
	return entries, nil
}

// FolderContext is one tab's view of a directory: the listing taken when
// the tab was opened, the metadata loaded so far and the cursor. The
// listing is immutable; everything else is guarded by the memory manager's
// mutex.
type FolderContext struct {
	tab     TabID
	dir     string
	entries []indexing.FileEntry
	index   map[string]int

	mm     *MemoryManager
	loader *Loader

	// guarded by mm.mu
	cache    map[string]indexing.ImageMetadata
	failures map[string]error
	cursor   int
	closed   bool
}

func newFolderContext(tab TabID, dir string, entries []indexing.FileEntry, mm *MemoryManager, loader *Loader) *FolderContext {
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		index[e.Path] = i
	}
	f := &FolderContext{
		tab:      tab,
		dir:      dir,
		entries:  entries,
		index:    index,
		mm:       mm,
		loader:   loader,
		cache:    make(map[string]indexing.ImageMetadata),
		failures: make(map[string]error),
	}
	mm.register(f)
	return f
}

func (f *FolderContext) Tab() TabID  { return f.tab }
func (f *FolderContext) Dir() string { return f.dir }
func (f *FolderContext) Len() int    { return len(f.entries) }

// Entries returns the listing. Callers must not modify it.
func (f *FolderContext) Entries() []indexing.FileEntry {
	return f.entries
}

// IndexOf returns the position of path in the listing.
func (f *FolderContext) IndexOf(path string) (int, bool) {
	i, ok := f.index[path]
	return i, ok
}

// Cursor returns the current position, or -1 for an empty folder.
func (f *FolderContext) Cursor() int {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	if len(f.entries) == 0 {
		return -1
	}
	return f.cursor
}

// CurrentPath returns the path under the cursor, or "" for an empty folder.
func (f *FolderContext) CurrentPath() string {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	if len(f.entries) == 0 {
		return ""
	}
	return f.entries[f.cursor].Path
}

// Window returns the current prefetch window as an inclusive index range.
func (f *FolderContext) Window() (lo, hi int) {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	return f.windowLocked(f.mm.prefetchRadius)
}

func (f *FolderContext) windowLocked(radius int) (lo, hi int) {
	return ComputeWindow(f.cursor, len(f.entries), radius)
}

func (f *FolderContext) inPrefetchWindowLocked(path string) bool {
	idx, ok := f.index[path]
	if !ok {
		return false
	}
	lo, hi := f.windowLocked(f.mm.prefetchRadius)
	return inWindow(idx, lo, hi)
}

// AdvanceCursor moves the cursor by delta, clamped to the listing, and
// dispatches prefetch for the new window. It returns the new cursor; an
// empty folder is left alone and reports -1.
func (f *FolderContext) AdvanceCursor(delta int) int {
	f.mm.mu.Lock()
	if len(f.entries) == 0 || f.closed {
		f.mm.mu.Unlock()
		return -1
	}
	f.cursor = clamp(f.cursor+delta, 0, len(f.entries)-1)
	cursor := f.cursor
	f.mm.mu.Unlock()

	f.prefetch()
	return cursor
}

// Seek moves the cursor to a listed path.
func (f *FolderContext) Seek(path string) error {
	idx, ok := f.index[path]
	if !ok {
		return errs.NotFound("seek", path, fmt.Errorf("not listed in %s", f.dir))
	}
	f.mm.mu.Lock()
	if f.closed {
		f.mm.mu.Unlock()
		return errs.NotFound("seek", path, fmt.Errorf("tab %s is closed", f.tab))
	}
	f.cursor = idx
	f.mm.mu.Unlock()

	f.prefetch()
	return nil
}

func (f *FolderContext) setCursorLocked(idx int) {
	if len(f.entries) == 0 {
		f.cursor = 0
		return
	}
	f.cursor = clamp(idx, 0, len(f.entries)-1)
}

func (f *FolderContext) prefetch() {
	if f.loader != nil {
		f.loader.Prefetch(f)
	}
}

// MetadataFor returns the metadata of path, loading it if needed. A cache
// hit refreshes the entry's access time. A miss blocks until the load
// resolves, fails or ctx ends.
func (f *FolderContext) MetadataFor(ctx context.Context, path string) (indexing.ImageMetadata, error) {
	if _, ok := f.index[path]; !ok {
		return indexing.ImageMetadata{}, errs.NotFound("metadata", path, fmt.Errorf("not listed in %s", f.dir))
	}
	if meta, ok := f.cached(path); ok {
		return meta, nil
	}
	if f.loader == nil {
		return indexing.ImageMetadata{}, fmt.Errorf("metadata %s: no loader", path)
	}
	return f.loader.Request(ctx, f, path)
}

// cached returns the resident metadata of path and touches it.
func (f *FolderContext) cached(path string) (indexing.ImageMetadata, bool) {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	meta, ok := f.cache[path]
	if ok {
		f.mm.touchLocked(cacheKey{tab: f.tab, path: path})
	}
	return meta, ok
}

// Cached reports whether path is resident without touching it.
func (f *FolderContext) Cached(path string) bool {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	_, ok := f.cache[path]
	return ok
}

// CachedPaths returns the resident paths in listing order.
func (f *FolderContext) CachedPaths() []string {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	out := make([]string, 0, len(f.cache))
	for _, e := range f.entries {
		if _, ok := f.cache[e.Path]; ok {
			out = append(out, e.Path)
		}
	}
	return out
}

// Failure returns the last load failure recorded for path.
func (f *FolderContext) Failure(path string) error {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	return f.failures[path]
}

func (f *FolderContext) recordFailureLocked(path string, err error) {
	if f.closed {
		return
	}
	if _, ok := f.index[path]; ok {
		f.failures[path] = err
	}
}

// Closed reports whether the owning tab has been closed.
func (f *FolderContext) Closed() bool {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()
	return f.closed
}

// Snapshot is a consistent read of a folder's state for the API.
type Snapshot struct {
	Tab         TabID                `json:"tab_id"`
	Dir         string               `json:"dir"`
	Entries     []indexing.FileEntry `json:"entries"`
	Cursor      int                  `json:"cursor"`
	CurrentPath string               `json:"current_path,omitempty"`
	WindowLo    int                  `json:"window_lo"`
	WindowHi    int                  `json:"window_hi"`
	Cached      []string             `json:"cached"`
	Failures    map[string]string    `json:"failures,omitempty"`
}

func (f *FolderContext) Snapshot() Snapshot {
	f.mm.mu.Lock()
	defer f.mm.mu.Unlock()

	s := Snapshot{
		Tab:     f.tab,
		Dir:     f.dir,
		Entries: f.entries,
		Cursor:  -1,
		Cached:  make([]string, 0, len(f.cache)),
	}
	if len(f.entries) > 0 {
		s.Cursor = f.cursor
		s.CurrentPath = f.entries[f.cursor].Path
	}
	s.WindowLo, s.WindowHi = f.windowLocked(f.mm.prefetchRadius)
	for _, e := range f.entries {
		if _, ok := f.cache[e.Path]; ok {
			s.Cached = append(s.Cached, e.Path)
		}
	}
	if len(f.failures) > 0 {
		s.Failures = make(map[string]string, len(f.failures))
		for p, err := range f.failures {
			s.Failures[p] = err.Error()
		}
	}
	return s
}
