package viewer

import (
	"github.com/mordilloSan/imageviewer/indexing"
)

// request is one pending or running metadata read. Every field except done
// is guarded by Loader.mu; meta and err are written once before done is
// closed.
type request struct {
	key    cacheKey
	folder *FolderContext

	priority int
	seq      uint64
	index    int // position in the heap, -1 once popped or removed

	running   bool
	cancelled bool
	waiters   int

	done chan struct{}
	meta indexing.ImageMetadata
	err  error
}

// requestQueue is a min-heap on (priority, seq).
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}
