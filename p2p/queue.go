// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"sync"

	"github.com/groundx/meshnet/common"
)

// Queue is a bounded, closeable channel wrapper shared by the request
// queue the dealer workers drain, the broadcast queue the transport's
// broadcast loop drains, and the router's reply queue. Closing is idempotent and unblocks any pending Dequeue.
type Queue[T any] struct {
	ch     chan T
	once   sync.Once
	closed chan struct{}
}

// NewQueue creates a queue with the given bounded capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking until there is room, the context is
// cancelled, or the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ErrCancelled
	}
}

// Dequeue blocks until an item is available, the context is
// cancelled, or the queue is closed and drained.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return zero, ErrCancelled
	case <-q.closed:
		// Closed while we were waiting -- one last non-blocking
		// check so whatever was already buffered still gets
		// delivered instead of silently dropped.
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrQueueClosed
		}
	}
}

// Close stops accepting new items. Buffered items remain available to
// Dequeue until the channel drains. q.ch itself is never closed, since
// Enqueue may still be blocked on `q.ch <- item` concurrently with
// Close -- closing the data channel out from under a live sender would
// panic.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.closed)
	})
}

// BroadcastJob is one fan-out unit: a message to send to every known
// peer address except those in Exclude (typically the originator, to
// avoid an immediate echo).
type BroadcastJob struct {
	Message Message
	Exclude map[common.Address]struct{}
}
