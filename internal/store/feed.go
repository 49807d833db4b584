package store

import (
	"context"
	"sync"
)

// feed buffers values for one subscriber and delivers them in order from its
// own goroutine, so publishers never block on a slow reader.
type feed[T any] struct {
	mu      sync.Mutex
	pending []T
	signal  chan struct{}
	out     chan T
}

func newFeed[T any](ctx context.Context, onDone func()) *feed[T] {
	f := &feed[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
	}
	go f.pump(ctx, onDone)
	return f
}

func (f *feed[T]) publish(value T) {
	f.mu.Lock()
	f.pending = append(f.pending, value)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed[T]) pump(ctx context.Context, onDone func()) {
	defer close(f.out)
	defer onDone()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.signal:
		}
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()
		for _, value := range batch {
			select {
			case f.out <- value:
			case <-ctx.Done():
				return
			}
		}
	}
}
