package order

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when the submission queue cannot take more work.
var ErrQueueFull = errors.New("submission queue full")

// Queue buffers client order ids awaiting submission.
type Queue struct {
	ch chan string
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan string, size)}
}

// Enqueue adds id without blocking.
func (q *Queue) Enqueue(id string) error {
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain consumes ids with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			handler(id)
		}
	}
}
