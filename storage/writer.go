package storage

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"
)

const (
	batchSize     = 500
	batchTimeout  = 1 * time.Second
	touchChBuffer = 1000
)

type accessTouch struct {
	path string
	at   int64
}

// accessWriter batches last_accessed updates so cache hits never wait on a
// write transaction.
type accessWriter struct {
	db      *sql.DB
	touchCh chan accessTouch
	syncCh  chan chan error
	doneCh  chan error
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	errVal  atomic.Value
	closed  atomic.Bool
}

func newAccessWriter(ctx context.Context, db *sql.DB) *accessWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &accessWriter{
		db:      db,
		touchCh: make(chan accessTouch, touchChBuffer),
		syncCh:  make(chan chan error),
		doneCh:  make(chan error, 1),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w
}

// Touch queues an access-time bump. It never blocks on the database; when
// the buffer is full the touch is dropped (access times are advisory).
func (w *accessWriter) Touch(path string, at time.Time) {
	if w.closed.Load() {
		return
	}
	select {
	case w.touchCh <- accessTouch{path: path, at: at.UnixNano()}:
	case <-w.ctx.Done():
	default:
	}
}

// Sync writes everything queued so far.
func (w *accessWriter) Sync() error {
	reply := make(chan error, 1)
	select {
	case w.syncCh <- reply:
	case <-w.ctx.Done():
		return w.err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.ctx.Done():
		return w.err()
	}
}

// Close flushes pending touches and stops the writer.
func (w *accessWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.stopCh)
	return <-w.doneCh
}

func (w *accessWriter) err() error {
	if v, ok := w.errVal.Load().(error); ok && v != nil {
		return v
	}
	return w.ctx.Err()
}

func (w *accessWriter) run() {
	var err error
	defer func() {
		if err != nil {
			w.errVal.Store(err)
		}
		w.doneCh <- err
		w.cancel()
	}()

	// Latest access per path; repeated hits collapse into one UPDATE.
	batch := make(map[string]int64, batchSize)
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if e := w.writeBatch(batch); e != nil {
			return e
		}
		clear(batch)
		return nil
	}
	drain := func() {
		for {
			select {
			case t := <-w.touchCh:
				if t.at > batch[t.path] {
					batch[t.path] = t.at
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case t := <-w.touchCh:
			if t.at > batch[t.path] {
				batch[t.path] = t.at
			}
			if len(batch) >= batchSize {
				if err = flush(); err != nil {
					return
				}
			}
		case reply := <-w.syncCh:
			drain()
			reply <- flush()
		case <-ticker.C:
			if err = flush(); err != nil {
				return
			}
		case <-w.stopCh:
			drain()
			err = flush()
			return
		case <-w.ctx.Done():
			err = w.ctx.Err()
			return
		}
	}
}

func (w *accessWriter) writeBatch(batch map[string]int64) (err error) {
	tx, err := w.db.BeginTx(w.ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(w.ctx, `
		UPDATE image_metadata SET last_accessed = ?
		WHERE file_path = ? AND last_accessed < ?;
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for path, at := range batch {
		if _, err = stmt.ExecContext(w.ctx, at, path, at); err != nil {
			return err
		}
	}

	return tx.Commit()
}
