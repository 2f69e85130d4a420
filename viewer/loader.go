package viewer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
)

// ErrLoaderStopped is returned for requests made after Stop.
var ErrLoaderStopped = errors.New("loader stopped")

// Outcome of a finished load.
type Outcome string

const (
	OutcomeLoaded    Outcome = "loaded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

// Result is reported once per underlying read.
type Result struct {
	Tab      TabID
	Path     string
	Outcome  Outcome
	Meta     indexing.ImageMetadata
	Err      error
	Duration time.Duration
}

// Loader schedules metadata reads. Requests are keyed by (tab, path) and
// served by a fixed pool of workers in (distance to cursor, arrival) order.
// Concurrent requests for the same key share one read.
//
// Lock order: Loader.mu before MemoryManager.mu. Gateway I/O runs with
// neither held.
type Loader struct {
	gw              indexing.Gateway
	workers         int
	toleranceRadius int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    requestQueue
	inflight map[cacheKey]*request
	seq      uint64
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onResult func(Result)
}

func NewLoader(gw indexing.Gateway, workers, toleranceRadius int) *Loader {
	if workers < 1 {
		workers = 1
	}
	if toleranceRadius < 0 {
		toleranceRadius = 0
	}
	l := &Loader{
		gw:              gw,
		workers:         workers,
		toleranceRadius: toleranceRadius,
		inflight:        make(map[cacheKey]*request),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// OnResult installs a hook called after every read finishes. Set it before
// Start; it runs on a worker goroutine and must not block.
func (l *Loader) OnResult(fn func(Result)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onResult = fn
}

// Start launches the worker pool. Reads use ctx; cancelling it has the same
// effect as Stop for in-flight reads.
func (l *Loader) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	logger.Debugf("Loader started with %d workers", l.workers)
}

// Stop fails queued requests, aborts in-flight reads and waits for the
// workers to exit.
func (l *Loader) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for l.queue.Len() > 0 {
		req := heap.Pop(&l.queue).(*request)
		delete(l.inflight, req.key)
		l.finishLocked(req, indexing.ImageMetadata{}, ErrLoaderStopped)
	}
	cancel := l.cancel
	l.cond.Broadcast()
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	metrics.SetQueueDepth(0)
}

// Pending is the number of queued plus running requests.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Prefetch brings f's load set in line with its cursor: window paths that
// are neither resident, in flight nor previously failed are enqueued; the
// tab's requests that left the tolerance window are cancelled; queued
// requests are re-prioritized by their distance to the new cursor.
func (l *Loader) Prefetch(f *FolderContext) {
	var discarded []Result

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	f.mm.mu.Lock()
	if f.closed || len(f.entries) == 0 {
		f.mm.mu.Unlock()
		l.mu.Unlock()
		return
	}
	cursor := f.cursor
	lo, hi := f.windowLocked(f.mm.prefetchRadius)
	tlo, thi := f.windowLocked(l.toleranceRadius)
	want := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		e := f.entries[i]
		if !e.IsImage {
			continue
		}
		if _, ok := f.cache[e.Path]; ok {
			continue
		}
		if _, failed := f.failures[e.Path]; failed {
			continue
		}
		want = append(want, i)
	}
	f.mm.mu.Unlock()

	for key, req := range l.inflight {
		if req.folder != f {
			continue
		}
		idx, listed := f.index[key.path]
		if !listed || !inWindow(idx, tlo, thi) {
			if r, dropped := l.cancelLocked(req); dropped {
				discarded = append(discarded, r)
			}
			continue
		}
		if req.index >= 0 {
			req.priority = abs(idx - cursor)
			heap.Fix(&l.queue, req.index)
		}
	}

	for _, i := range want {
		key := cacheKey{tab: f.tab, path: f.entries[i].Path}
		if req, ok := l.inflight[key]; ok && req.folder == f {
			// Back inside the window: whatever was decided before, the
			// result is wanted again.
			req.cancelled = false
			continue
		}
		l.enqueueLocked(f, key, abs(i-cursor))
	}

	l.cond.Broadcast()
	depth := l.queue.Len()
	hook := l.onResult
	l.mu.Unlock()

	metrics.SetQueueDepth(depth)
	for _, r := range discarded {
		metrics.RecordLoad(string(r.Outcome), 0)
		if hook != nil {
			hook(r)
		}
	}
}

// Request returns the metadata of path in f, joining an in-flight read when
// there is one. It blocks until the read finishes or ctx ends. A request
// that had been cancelled by cursor movement is revived, since a caller is
// now waiting for it.
func (l *Loader) Request(ctx context.Context, f *FolderContext, path string) (indexing.ImageMetadata, error) {
	idx, listed := f.index[path]
	if !listed {
		return indexing.ImageMetadata{}, errs.NotFound("metadata", path, fmt.Errorf("not listed in %s", f.dir))
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return indexing.ImageMetadata{}, ErrLoaderStopped
	}

	// A read may have landed between the caller's cache check and here.
	f.mm.mu.Lock()
	if f.closed {
		f.mm.mu.Unlock()
		l.mu.Unlock()
		return indexing.ImageMetadata{}, errs.NotFound("metadata", path, fmt.Errorf("tab %s is closed", f.tab))
	}
	if meta, ok := f.cache[path]; ok {
		f.mm.touchLocked(cacheKey{tab: f.tab, path: path})
		f.mm.mu.Unlock()
		l.mu.Unlock()
		return meta, nil
	}
	cursor := f.cursor
	f.mm.mu.Unlock()

	key := cacheKey{tab: f.tab, path: path}
	req, ok := l.inflight[key]
	if ok && req.folder == f {
		req.cancelled = false
	} else {
		req = l.enqueueLocked(f, key, abs(idx-cursor))
		l.cond.Signal()
	}
	req.waiters++
	depth := l.queue.Len()
	l.mu.Unlock()
	metrics.SetQueueDepth(depth)

	select {
	case <-req.done:
		return req.meta, req.err
	case <-ctx.Done():
		l.mu.Lock()
		req.waiters--
		l.mu.Unlock()
		return indexing.ImageMetadata{}, ctx.Err()
	}
}

// CancelFolder cancels every request of f. Queued ones are dropped without
// I/O; running ones finish and are discarded. Both leave the in-flight set
// at once, so a folder reopened under the same tab starts fresh reads.
func (l *Loader) CancelFolder(f *FolderContext) {
	var discarded []Result

	l.mu.Lock()
	for key, req := range l.inflight {
		if req.folder != f {
			continue
		}
		req.cancelled = true
		delete(l.inflight, key)
		if req.index >= 0 {
			heap.Remove(&l.queue, req.index)
			l.finishLocked(req, indexing.ImageMetadata{}, errs.NotFound("metadata", key.path, fmt.Errorf("tab %s closed", f.tab)))
			discarded = append(discarded, Result{Tab: f.tab, Path: key.path, Outcome: OutcomeDiscarded})
		}
	}
	depth := l.queue.Len()
	hook := l.onResult
	l.mu.Unlock()

	metrics.SetQueueDepth(depth)
	for _, r := range discarded {
		metrics.RecordLoad(string(r.Outcome), 0)
		if hook != nil {
			hook(r)
		}
	}
}

// Invalidate discards a read of path in f that is already running, since
// it may return content that has since been replaced. Its waiters still
// get that result, but it is not cached and the next prefetch or request
// starts a new read. Queued reads have not touched the file yet and stay.
func (l *Loader) Invalidate(f *FolderContext, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := cacheKey{tab: f.tab, path: path}
	req, ok := l.inflight[key]
	if !ok || req.folder != f || req.index >= 0 {
		return
	}
	req.cancelled = true
	delete(l.inflight, key)
}

func (l *Loader) enqueueLocked(f *FolderContext, key cacheKey, priority int) *request {
	l.seq++
	req := &request{
		key:      key,
		folder:   f,
		priority: priority,
		seq:      l.seq,
		done:     make(chan struct{}),
	}
	heap.Push(&l.queue, req)
	l.inflight[key] = req
	return req
}

// cancelLocked marks req cancelled. A queued request nobody waits for is
// dropped on the spot; the returned Result describes the drop.
func (l *Loader) cancelLocked(req *request) (Result, bool) {
	req.cancelled = true
	if req.index < 0 || req.waiters > 0 {
		return Result{}, false
	}
	heap.Remove(&l.queue, req.index)
	delete(l.inflight, req.key)
	l.finishLocked(req, indexing.ImageMetadata{}, context.Canceled)
	return Result{Tab: req.key.tab, Path: req.key.path, Outcome: OutcomeDiscarded, Err: context.Canceled}, true
}

func (l *Loader) finishLocked(req *request, meta indexing.ImageMetadata, err error) {
	req.meta, req.err = meta, err
	close(req.done)
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for l.queue.Len() == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		req := heap.Pop(&l.queue).(*request)
		req.running = true
		depth := l.queue.Len()
		ctx := l.ctx
		l.mu.Unlock()
		metrics.SetQueueDepth(depth)

		start := time.Now()
		meta, err := l.gw.ReadMetadata(ctx, req.key.path)
		l.complete(req, meta, err, time.Since(start))
	}
}

// complete settles req. A cancelled read is handed to its waiters but never
// cached or charged; a successful one is inserted before any waiter wakes.
func (l *Loader) complete(req *request, meta indexing.ImageMetadata, err error, took time.Duration) {
	f := req.folder

	l.mu.Lock()
	if l.inflight[req.key] == req {
		delete(l.inflight, req.key)
	}

	outcome := OutcomeLoaded
	switch {
	case req.cancelled:
		outcome = OutcomeDiscarded
	case err != nil:
		outcome = OutcomeFailed
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			f.mm.mu.Lock()
			f.recordFailureLocked(req.key.path, err)
			f.mm.mu.Unlock()
		}
	default:
		f.mm.mu.Lock()
		if f.closed {
			outcome = OutcomeDiscarded
		} else if insErr := f.mm.insertLocked(f, meta); insErr != nil {
			outcome = OutcomeFailed
			err = insErr
			f.recordFailureLocked(req.key.path, insErr)
		}
		f.mm.mu.Unlock()
	}

	l.finishLocked(req, meta, err)
	hook := l.onResult
	l.mu.Unlock()

	metrics.RecordLoad(string(outcome), took)
	if outcome == OutcomeFailed {
		logger.Debugf("Metadata load failed for %s: %v", req.key.path, err)
	}
	if hook != nil {
		hook(Result{Tab: req.key.tab, Path: req.key.path, Outcome: outcome, Meta: meta, Err: err, Duration: took})
	}
}
