// Package queue provides time-windowed micro-batching.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue closed")

type Mode int

const (
	// KeepAll delivers every item pushed during the window, in order.
	KeepAll Mode = iota
	// KeepLatest delivers only the newest item pushed during the window.
	KeepLatest
)

// FlushFunc receives one window's items. Calls are sequential.
type FlushFunc[T any] func(ctx context.Context, items []T)

// Window collects items for a fixed duration after the first push, then
// hands them to a single worker goroutine.
type Window[T any] struct {
	window time.Duration
	mode   Mode
	flush  FlushFunc[T]
	ctx    context.Context

	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	ready   []job[T]
	signal  chan struct{}
	closed  bool
	stopped chan struct{}
}

type job[T any] struct {
	items []T
	done  chan struct{}
}

// New starts the worker. Flushes run with a context detached from ctx's
// cancellation so buffered items still reach the sink during shutdown.
func New[T any](ctx context.Context, window time.Duration, mode Mode, flush FlushFunc[T]) *Window[T] {
	w := &Window[T]{
		window:  window,
		mode:    mode,
		flush:   flush,
		ctx:     context.WithoutCancel(ctx),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Push adds an item and starts the window timer if it is not running.
func (w *Window[T]) Push(item T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.mode == KeepLatest {
		w.items = append(w.items[:0], item)
	} else {
		w.items = append(w.items, item)
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.window, w.expire)
	}
	return nil
}

// Pending returns the number of buffered items not yet handed to the worker.
func (w *Window[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

func (w *Window[T]) expire() {
	w.mu.Lock()
	w.timer = nil
	w.enqueueLocked(nil)
	w.mu.Unlock()
}

// enqueueLocked moves buffered items to the worker. A non-nil done is
// closed once the worker has finished everything queued before it.
func (w *Window[T]) enqueueLocked(done chan struct{}) {
	if len(w.items) == 0 && done == nil {
		return
	}
	w.ready = append(w.ready, job[T]{items: w.items, done: done})
	w.items = nil
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Flush hands buffered items to the worker immediately and waits until
// they and everything before them have been flushed.
func (w *Window[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	done := w.flushLocked()
	w.mu.Unlock()
	return wait(ctx, done)
}

func (w *Window[T]) flushLocked() chan struct{} {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	done := make(chan struct{})
	w.enqueueLocked(done)
	return done
}

// Close flushes what is buffered, rejects further pushes and stops the
// worker once the flush completes. It waits for that only until ctx is done.
func (w *Window[T]) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return wait(ctx, w.stopped)
	}
	w.closed = true
	w.flushLocked()
	w.mu.Unlock()
	return wait(ctx, w.stopped)
}

func (w *Window[T]) run() {
	defer close(w.stopped)
	for range w.signal {
		w.mu.Lock()
		jobs := w.ready
		w.ready = nil
		closed := w.closed
		w.mu.Unlock()

		for _, j := range jobs {
			if len(j.items) > 0 {
				w.flush(w.ctx, j.items)
			}
			if j.done != nil {
				close(j.done)
			}
		}
		if closed {
			w.mu.Lock()
			drained := len(w.ready) == 0
			w.mu.Unlock()
			if drained {
				return
			}
		}
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
