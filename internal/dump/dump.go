// Package dump writes masks to disk as PNG files without holding up the
// mailbox loop. Masks that do not fit the queue are dropped.
package dump

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/mask-shm/internal/logger"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dump: writer closed")

type frame struct {
	seq    uint64
	width  int
	height int
	mask   []byte
}

// Writer queues masks and encodes them on a worker pool.
type Writer struct {
	dir    string
	prefix string
	log    *logrus.Entry

	q    *queuepkg.RingBuffer
	pool *ants.Pool
	wg   sync.WaitGroup // in-flight encodes
	done chan struct{}  // drain loop exited

	closed  atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New creates dir and starts a writer with the given worker count and queue capacity.
func New(dir, prefix string, workers, queueSize int, log *logrus.Entry) (*Writer, error) {
	if workers <= 0 || queueSize <= 0 {
		return nil, fmt.Errorf("dump: workers (%d) and queue size (%d) must be positive", workers, queueSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("dump: worker pool: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	w := &Writer{
		dir:    dir,
		prefix: prefix,
		log:    log.WithField("dump_dir", dir),
		q:      queuepkg.NewRingBuffer(uint64(queueSize)),
		pool:   pool,
		done:   make(chan struct{}),
	}
	go w.drain()
	return w, nil
}

// Submit copies mask and queues it. It never blocks; false means the mask was dropped.
func (w *Writer) Submit(seq uint64, width, height int, mask []byte) (bool, error) {
	if w.closed.Load() {
		return false, ErrClosed
	}
	if len(mask) != width*height {
		return false, fmt.Errorf("dump: mask is %d bytes, want %dx%d", len(mask), width, height)
	}
	f := frame{seq: seq, width: width, height: height, mask: append([]byte(nil), mask...)}
	ok, err := w.q.Offer(f)
	if err != nil {
		return false, ErrClosed
	}
	if !ok {
		w.dropped.Add(1)
	}
	return ok, nil
}

func (w *Writer) drain() {
	defer close(w.done)
	for {
		item, err := w.q.Get()
		if err != nil {
			return
		}
		f := item.(frame)
		w.wg.Add(1)
		if err := w.pool.Submit(func() {
			defer w.wg.Done()
			w.write(f)
		}); err != nil {
			w.wg.Done()
			w.failed.Add(1)
			w.log.WithError(err).Warn("dump: submit to pool")
		}
	}
}

// Path is where the mask with seq is written.
func (w *Writer) Path(seq uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%06d.png", w.prefix, seq))
}

func (w *Writer) write(f frame) {
	img := &image.Gray{Pix: f.mask, Stride: f.width, Rect: image.Rect(0, 0, f.width, f.height)}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := png.Encode(buf, img); err != nil {
		w.failed.Add(1)
		w.log.WithError(err).WithField("seq", f.seq).Warn("dump: encode")
		return
	}
	if err := os.WriteFile(w.Path(f.seq), buf.B, 0644); err != nil {
		w.failed.Add(1)
		w.log.WithError(err).WithField("seq", f.seq).Warn("dump: write")
		return
	}
	w.written.Add(1)
}

// Stats returns written, dropped and failed counts.
func (w *Writer) Stats() (written, dropped, failed uint64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

// Close stops accepting masks, waits up to timeout for queued ones to be
// written, and releases the pool.
func (w *Writer) Close(timeout time.Duration) error {
	if w.closed.Swap(true) {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for w.q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := w.q.Len(); n > 0 {
		w.dropped.Add(n)
	}
	w.q.Dispose()
	<-w.done
	w.wg.Wait()
	return w.pool.ReleaseTimeout(time.Until(deadline) + time.Second)
}
