package agent

import (
	"context"
	"io"
	"slices"
	"sync"
)

// Stream is an unbounded FIFO with blocking reads. Values pushed before
// End are still delivered; Next returns io.EOF once the stream is ended
// and drained.
type Stream[T any] struct {
	mu      sync.Mutex
	queue   []T
	waiting []chan T
	done    bool
}

// NewStream creates an empty stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{}
}

// Push appends v. It reports false if the stream has ended.
func (s *Stream[T]) Push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if len(s.waiting) > 0 {
		w := s.waiting[0]
		s.waiting = s.waiting[1:]
		w <- v
		return true
	}
	s.queue = append(s.queue, v)
	return true
}

// End stops accepting values and wakes blocked readers once the queue is
// empty.
func (s *Stream[T]) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	// Waiters only exist while the queue is empty.
	for _, w := range s.waiting {
		close(w)
	}
	s.waiting = nil
}

// Next returns the next value, blocking until one is pushed, the stream
// ends (io.EOF) or ctx is done.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s.mu.Lock()
	if len(s.queue) > 0 {
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return v, nil
	}
	if s.done {
		s.mu.Unlock()
		return zero, io.EOF
	}
	w := make(chan T, 1)
	s.waiting = append(s.waiting, w)
	s.mu.Unlock()

	select {
	case v, ok := <-w:
		if !ok {
			return zero, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		if i := slices.Index(s.waiting, w); i >= 0 {
			s.waiting = slices.Delete(s.waiting, i, i+1)
			return zero, ctx.Err()
		}
		// A value was handed over concurrently; put it back in front.
		if v, ok := <-w; ok {
			s.queue = append([]T{v}, s.queue...)
		}
		return zero, ctx.Err()
	}
}
