// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// maxRetries bounds how many times the dealer will re-send a request
// before giving up and failing it with ErrTimeout.
const maxRetries = 10

// MessageRequest tracks one outbound request awaiting 0..N replies. It
// is the completion handle returned by SendWithReply: callers either
// block on Wait or register a callback via OnComplete.
type MessageRequest struct {
	ID              uuid.UUID
	Target          BoundPeer
	Message         Message
	ExpectedReplies int
	Timeout         time.Duration

	mu       sync.Mutex
	retries  int
	replies  []*Envelope
	err      error
	done     chan struct{}
	closed   bool
	callback func([]*Envelope, error)
}

// NewMessageRequest creates a request with a freshly generated ID.
func NewMessageRequest(target BoundPeer, msg Message, expectedReplies int, timeout time.Duration) *MessageRequest {
	return &MessageRequest{
		ID:              uuid.NewV4(),
		Target:          target,
		Message:         msg,
		ExpectedReplies: expectedReplies,
		Timeout:         timeout,
		done:            make(chan struct{}),
	}
}

// Retryable reports whether the dealer may attempt another send.
func (r *MessageRequest) Retryable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries < maxRetries
}

// MarkRetry records one retry attempt.
func (r *MessageRequest) MarkRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

// OnComplete registers a callback invoked exactly once, when the
// request finishes (successfully, on timeout, or on cancellation). If
// the request has already finished the callback runs immediately.
func (r *MessageRequest) OnComplete(cb func([]*Envelope, error)) {
	r.mu.Lock()
	if r.closed {
		replies, err := r.replies, r.err
		r.mu.Unlock()
		cb(replies, err)
		return
	}
	r.callback = cb
	r.mu.Unlock()
}

// Reply records one reply envelope. Once ExpectedReplies have arrived
// the request is completed successfully.
func (r *MessageRequest) Reply(env *Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.replies = append(r.replies, env)
	full := r.ExpectedReplies > 0 && len(r.replies) >= r.ExpectedReplies
	r.mu.Unlock()
	if full {
		r.finish(nil)
	}
}

// Fail completes the request with an error (timeout, cancellation, or
// an unexpected send failure after retries are exhausted).
func (r *MessageRequest) Fail(err error) {
	r.finish(err)
}

func (r *MessageRequest) finish(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	replies := r.replies
	cb := r.callback
	close(r.done)
	r.mu.Unlock()
	if cb != nil {
		cb(replies, err)
	}
}

// Wait blocks until the request completes, the context is cancelled,
// or Timeout elapses, whichever comes first.
func (r *MessageRequest) Wait(ctx context.Context) ([]*Envelope, error) {
	timer := time.NewTimer(r.Timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.replies, r.err
	case <-timer.C:
		r.Fail(ErrTimeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.Fail(ErrCancelled)
		return nil, ErrCancelled
	}
}
