package viewer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
)

// FolderWatch is notified when a tab starts or stops showing a directory.
type FolderWatch interface {
	Watch(f *FolderContext) error
	Unwatch(f *FolderContext)
}

type tab struct {
	id     TabID
	order  int
	folder *FolderContext
}

// TabInfo is the public projection of a tab.
type TabInfo struct {
	ID          TabID  `json:"id"`
	Order       int    `json:"order"`
	Dir         string `json:"dir"`
	CurrentPath string `json:"current_path"`
	Cursor      int    `json:"cursor"`
	Count       int    `json:"count"`
	Active      bool   `json:"active"`
}

// Registry owns the open tabs. Orders always form a dense permutation of
// [0, len(tabs)).
type Registry struct {
	gw     indexing.Gateway
	mm     *MemoryManager
	loader *Loader
	watch  FolderWatch

	mu     sync.Mutex
	tabs   map[TabID]*tab
	active TabID
}

func NewRegistry(gw indexing.Gateway, mm *MemoryManager, loader *Loader) *Registry {
	return &Registry{
		gw:     gw,
		mm:     mm,
		loader: loader,
		tabs:   make(map[TabID]*tab),
	}
}

// SetWatcher installs w for tabs opened afterwards.
func (r *Registry) SetWatcher(w FolderWatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watch = w
}

// Open creates a tab for path and makes it active. An image path opens its
// parent folder with the cursor on it; a directory path opens that
// directory with the cursor on its first image.
func (r *Registry) Open(ctx context.Context, path string) (TabID, error) {
	return r.OpenWithID(ctx, "", path)
}

// OpenWithID is Open with a preferred identifier. The preference is used
// only when it is non-empty and not taken; otherwise a new one is minted.
func (r *Registry) OpenWithID(ctx context.Context, preferred TabID, path string) (TabID, error) {
	norm, err := indexing.NormalizePath(path)
	if err != nil {
		return "", errs.NotFound("open", path, err)
	}
	target, err := r.gw.Stat(ctx, norm)
	if err != nil {
		return "", err
	}

	dir := target.Path
	if !target.IsDirectory {
		dir = indexing.ParentDir(target.Path)
	}
	entries, err := List(ctx, r.gw, dir)
	if err != nil {
		return "", err
	}

	cursor := 0
	if target.IsDirectory {
		for i, e := range entries {
			if e.IsImage {
				cursor = i
				break
			}
		}
	} else {
		found := false
		for i, e := range entries {
			if e.Path == target.Path {
				cursor, found = i, true
				break
			}
		}
		if !found {
			logger.Warnf("Opened %s but it is not part of the listing of %s; starting at the first entry", target.Path, dir)
		}
	}

	r.mu.Lock()
	id := preferred
	if _, taken := r.tabs[id]; id == "" || taken {
		id = TabID(uuid.NewString())
	}
	f := newFolderContext(id, dir, entries, r.mm, r.loader)
	f.mm.mu.Lock()
	f.setCursorLocked(cursor)
	f.mm.mu.Unlock()
	r.tabs[id] = &tab{id: id, order: len(r.tabs), folder: f}
	r.active = id
	count := len(r.tabs)
	watch := r.watch
	r.mu.Unlock()

	metrics.SetOpenTabs(count)
	if watch != nil {
		if err := watch.Watch(f); err != nil {
			logger.Warnf("Failed to watch %s: %v", dir, err)
		}
	}
	f.prefetch()
	logger.Debugf("Opened tab %s on %s (%d entries, cursor %d)", id, dir, len(entries), cursor)
	return id, nil
}

// Close releases tab id: its loads are cancelled, its cached metadata is
// dropped and the remaining orders are renumbered. When the active tab
// closes, activation moves to the tab just below it, else to the lowest.
func (r *Registry) Close(id TabID) error {
	r.mu.Lock()
	t, ok := r.tabs[id]
	if !ok {
		r.mu.Unlock()
		return errs.NotFound("close tab", string(id), nil)
	}
	delete(r.tabs, id)
	for _, other := range r.tabs {
		if other.order > t.order {
			other.order--
		}
	}
	if r.active == id {
		r.active = ""
		want := t.order - 1
		if want < 0 {
			want = 0
		}
		for _, other := range r.tabs {
			if other.order == want {
				r.active = other.id
				break
			}
		}
	}
	count := len(r.tabs)
	watch := r.watch
	r.mu.Unlock()

	r.release(t.folder, watch)
	metrics.SetOpenTabs(count)
	return nil
}

func (r *Registry) release(f *FolderContext, watch FolderWatch) {
	if r.loader != nil {
		r.loader.CancelFolder(f)
	}
	r.mm.Unregister(f.tab)
	if watch != nil {
		watch.Unwatch(f)
	}
}

// CloseAll closes every tab.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tabs := make([]*tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	r.tabs = make(map[TabID]*tab)
	r.active = ""
	watch := r.watch
	r.mu.Unlock()

	for _, t := range tabs {
		r.release(t.folder, watch)
	}
	metrics.SetOpenTabs(0)
}

// Reorder moves tab id to newOrder, shifting the tabs in between. An out
// of range newOrder is ignored.
func (r *Registry) Reorder(id TabID, newOrder int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[id]
	if !ok {
		return errs.NotFound("reorder tab", string(id), nil)
	}
	if newOrder < 0 || newOrder >= len(r.tabs) || newOrder == t.order {
		return nil
	}
	old := t.order
	for _, other := range r.tabs {
		switch {
		case newOrder < old && other.order >= newOrder && other.order < old:
			other.order++
		case newOrder > old && other.order > old && other.order <= newOrder:
			other.order--
		}
	}
	t.order = newOrder
	return nil
}

// SwitchTo makes id the active tab.
func (r *Registry) SwitchTo(id TabID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		return errs.NotFound("switch tab", string(id), nil)
	}
	r.active = id
	return nil
}

// Active returns the active tab id, "" when no tab is open.
func (r *Registry) Active() TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Get returns the folder of tab id.
func (r *Registry) Get(id TabID) (*FolderContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[id]
	if !ok {
		return nil, errs.NotFound("get tab", string(id), nil)
	}
	return t.folder, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Tabs lists the open tabs by order.
func (r *Registry) Tabs() []TabInfo {
	r.mu.Lock()
	tabs := make([]*tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	active := r.active
	orders := make(map[TabID]int, len(tabs))
	for _, t := range tabs {
		orders[t.id] = t.order
	}
	r.mu.Unlock()

	sort.Slice(tabs, func(i, j int) bool { return orders[tabs[i].id] < orders[tabs[j].id] })
	out := make([]TabInfo, 0, len(tabs))
	for _, t := range tabs {
		f := t.folder
		out = append(out, TabInfo{
			ID:          t.id,
			Order:       orders[t.id],
			Dir:         f.Dir(),
			CurrentPath: f.CurrentPath(),
			Cursor:      f.Cursor(),
			Count:       f.Len(),
			Active:      t.id == active,
		})
	}
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry{tabs=%d active=%s}", r.Len(), r.Active())
}
