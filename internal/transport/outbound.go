package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
)

var ErrWriteBufferFull = errors.New("transport: write buffer full")

// connWriter queues encoded frames for one connection and writes them
// from a single goroutine. Queued bytes never exceed budget.
type connWriter struct {
	conn    net.Conn
	budget  int
	timeout time.Duration
	onError func(error)

	mu      sync.Mutex
	queue   [][]byte
	pending int
	closed  bool
	err     error

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newConnWriter(conn net.Conn, budget int, timeout time.Duration, onError func(error)) *connWriter {
	return &connWriter{
		conn:    conn,
		budget:  budget,
		timeout: timeout,
		onError: onError,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Capacity reports how many more bytes may be queued right now.
func (w *connWriter) Capacity() int {
	if w.budget <= 0 {
		return pipeline.Unbounded
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return max(w.budget-w.pending, 0)
}

func (w *connWriter) Write(b []byte) error {
	w.mu.Lock()
	if w.closed {
		err := w.err
		w.mu.Unlock()
		if err == nil {
			err = protocol.ErrSessionClosed
		}
		return err
	}
	if w.budget > 0 && w.pending+len(b) > w.budget {
		pending := w.pending
		w.mu.Unlock()
		return fmt.Errorf("%w: pending=%d frame=%d budget=%d", ErrWriteBufferFull, pending, len(b), w.budget)
	}
	w.queue = append(w.queue, b)
	w.pending += len(b)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of queued bytes not yet written.
func (w *connWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *connWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
		case <-w.stop:
			return
		}
		if err := w.flush(); err != nil {
			w.fail(err)
			return
		}
	}
}

func (w *connWriter) flush() error {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}

		size := 0
		for _, b := range batch {
			size += len(b)
		}
		if w.timeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
		}
		bufs := net.Buffers(batch)
		_, err := bufs.WriteTo(w.conn)

		w.mu.Lock()
		w.pending -= size
		w.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (w *connWriter) fail(err error) {
	w.mu.Lock()
	w.closed = true
	w.err = err
	w.queue = nil
	w.mu.Unlock()
	if w.onError != nil {
		w.onError(err)
	}
}

// close stops the writer goroutine and waits for it. Frames still
// queued are dropped.
func (w *connWriter) close() {
	w.mu.Lock()
	stopping := !w.closed
	w.closed = true
	w.queue = nil
	w.mu.Unlock()
	if stopping {
		close(w.stop)
	}
	<-w.done
}
