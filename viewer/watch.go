package viewer

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mordilloSan/go_logger/logger"
)

// Change describes a filesystem event on a listed file.
type Change struct {
	Path string  `json:"path"`
	Op   string  `json:"op"`
	Tabs []TabID `json:"tabs"`
}

// FolderWatcher watches the directories of open tabs and drops cached
// metadata of listed files that are written, removed or replaced. Listings
// themselves are not refreshed.
type FolderWatcher struct {
	mm *MemoryManager
	w  *fsnotify.Watcher

	mu       sync.Mutex
	dirs     map[string]map[TabID]*FolderContext
	onChange func(Change)

	done chan struct{}
	wg   sync.WaitGroup
}

func NewFolderWatcher(mm *MemoryManager) (*FolderWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FolderWatcher{
		mm:   mm,
		w:    w,
		dirs: make(map[string]map[TabID]*FolderContext),
		done: make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.run()
	return fw, nil
}

// OnChange installs a hook called after each invalidating event.
func (fw *FolderWatcher) OnChange(fn func(Change)) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.onChange = fn
}

func (fw *FolderWatcher) Watch(f *FolderContext) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	tabs, ok := fw.dirs[f.dir]
	if !ok {
		if err := fw.w.Add(f.dir); err != nil {
			return err
		}
		tabs = make(map[TabID]*FolderContext)
		fw.dirs[f.dir] = tabs
	}
	tabs[f.tab] = f
	return nil
}

func (fw *FolderWatcher) Unwatch(f *FolderContext) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	tabs, ok := fw.dirs[f.dir]
	if !ok {
		return
	}
	delete(tabs, f.tab)
	if len(tabs) > 0 {
		return
	}
	delete(fw.dirs, f.dir)
	if err := fw.w.Remove(f.dir); err != nil {
		logger.Debugf("Failed to stop watching %s: %v", f.dir, err)
	}
}

// Watched returns the number of directories being watched.
func (fw *FolderWatcher) Watched() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.dirs)
}

func (fw *FolderWatcher) Close() error {
	select {
	case <-fw.done:
		return nil
	default:
	}
	close(fw.done)
	err := fw.w.Close()
	fw.wg.Wait()
	return err
}

func (fw *FolderWatcher) run() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			fw.handle(ev)
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			logger.Warnf("Folder watcher error: %v", err)
		}
	}
}

func (fw *FolderWatcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
		return
	}
	path := filepath.Clean(ev.Name)

	fw.mu.Lock()
	var folders []*FolderContext
	for _, f := range fw.dirs[filepath.Dir(path)] {
		if _, listed := f.IndexOf(path); listed {
			folders = append(folders, f)
		}
	}
	hook := fw.onChange
	fw.mu.Unlock()

	if len(folders) == 0 {
		return
	}
	change := Change{Path: path, Op: ev.Op.String()}
	for _, f := range folders {
		if f.loader != nil {
			f.loader.Invalidate(f, path)
		}
		fw.mm.Invalidate(f.tab, path)
		change.Tabs = append(change.Tabs, f.tab)
		f.prefetch()
	}
	logger.Debugf("Invalidated %s in %d tab(s) after %s", path, len(folders), change.Op)
	if hook != nil {
		hook(change)
	}
}
