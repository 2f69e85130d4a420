package viewer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
)

// fakeGateway serves listings and metadata from memory. When gate is set,
// every read blocks until gate is closed or the read's context ends.
type fakeGateway struct {
	mu      sync.Mutex
	dirs    map[string][]indexing.FileEntry
	dims    map[string]indexing.Dimensions
	fail    map[string]error
	reads   map[string]int
	order   []string
	gate    chan struct{}
	started chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		dirs:    make(map[string][]indexing.FileEntry),
		dims:    make(map[string]indexing.Dimensions),
		fail:    make(map[string]error),
		reads:   make(map[string]int),
		started: make(chan string, 256),
	}
}

// addDir registers dir with the given child names. Names ending in "/" are
// directories.
func (g *fakeGateway) addDir(dir string, names ...string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var paths []string
	entries := make([]indexing.FileEntry, 0, len(names))
	for _, name := range names {
		isDir := len(name) > 0 && name[len(name)-1] == '/'
		if isDir {
			name = name[:len(name)-1]
		}
		p := filepath.Join(dir, name)
		entries = append(entries, indexing.FileEntry{
			Name:        name,
			Path:        p,
			IsDirectory: isDir,
			IsImage:     !isDir && indexing.IsImageName(name),
		})
		paths = append(paths, p)
	}
	g.dirs[dir] = entries
	return paths
}

// addGallery registers dir with n w x h PNG images and returns their paths
// in listing order.
func (g *fakeGateway) addGallery(dir string, n, w, h int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("img%03d.png", i)
	}
	paths := g.addDir(dir, names...)
	g.mu.Lock()
	for _, p := range paths {
		g.dims[p] = indexing.Dimensions{Width: w, Height: h}
	}
	g.mu.Unlock()
	return paths
}

func (g *fakeGateway) setDims(path string, w, h int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dims[path] = indexing.Dimensions{Width: w, Height: h}
}

func (g *fakeGateway) setFailure(path string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[path] = err
}

func (g *fakeGateway) readCount(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[path]
}

func (g *fakeGateway) readOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func (g *fakeGateway) List(ctx context.Context, dir string) ([]indexing.FileEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries, ok := g.dirs[dir]
	if !ok {
		return nil, errs.NotFound("list", dir, nil)
	}
	return append([]indexing.FileEntry(nil), entries...), nil
}

func (g *fakeGateway) Stat(ctx context.Context, path string) (indexing.FileEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.dirs[path]; ok {
		return indexing.FileEntry{Name: filepath.Base(path), Path: path, IsDirectory: true}, nil
	}
	for _, e := range g.dirs[filepath.Dir(path)] {
		if e.Path == path {
			return e, nil
		}
	}
	return indexing.FileEntry{}, errs.NotFound("stat", path, nil)
}

func (g *fakeGateway) ReadMetadata(ctx context.Context, path string) (indexing.ImageMetadata, error) {
	g.mu.Lock()
	g.reads[path]++
	g.order = append(g.order, path)
	gate := g.gate
	g.mu.Unlock()

	select {
	case g.started <- path:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return indexing.ImageMetadata{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[path]; err != nil {
		return indexing.ImageMetadata{}, err
	}
	return indexing.ImageMetadata{
		Path:       path,
		Name:       filepath.Base(path),
		Dimensions: g.dims[path],
		Format:     "png",
	}, nil
}

type stackOptions struct {
	budget    int64
	threshold float64
	prefetch  int
	tolerance int
	workers   int
	onResult  func(Result)
}

func defaultStackOptions() stackOptions {
	return stackOptions{budget: 64 << 20, threshold: 0.8, prefetch: 2, tolerance: 4, workers: 2}
}

// newStack wires a memory manager, a started loader and a registry over gw.
func newStack(t *testing.T, gw indexing.Gateway, opts stackOptions) (*MemoryManager, *Loader, *Registry) {
	t.Helper()
	mm, err := NewMemoryManager(opts.budget, opts.threshold, opts.prefetch)
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	l := NewLoader(gw, opts.workers, opts.tolerance)
	if opts.onResult != nil {
		l.OnResult(opts.onResult)
	}
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return mm, l, NewRegistry(gw, mm, l)
}

// waitIdle polls until the loader has nothing queued or running.
func waitIdle(t *testing.T, l *Loader) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("loader still has %d pending requests", l.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, g *fakeGateway, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-g.started:
			if p == want {
				return
			}
		case <-timeout:
			t.Fatalf("read of %s never started", want)
		}
	}
}

func waitersFor(l *Loader, tab TabID, path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req, ok := l.inflight[cacheKey{tab: tab, path: path}]; ok {
		return req.waiters
	}
	return -1
}

// resultLog collects loader outcomes.
type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultLog) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) count(path string, outcome Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.results {
		if res.Path == path && res.Outcome == outcome {
			n++
		}
	}
	return n
}

// waitOutcome polls until log holds n results of outcome for path.
func waitOutcome(t *testing.T, log *resultLog, path string, outcome Outcome, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for log.count(path, outcome) < n {
		if time.Now().After(deadline) {
			t.Fatalf("%s: %d %s results, want %d", path, log.count(path, outcome), outcome, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustGet(t *testing.T, r *Registry, id TabID) *FolderContext {
	t.Helper()
	f, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return f
}
