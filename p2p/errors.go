// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import "github.com/pkg/errors"

// Error taxonomy. Sentinels are compared with errors.Is/errors.Cause
// since lower layers wrap them with github.com/pkg/errors for context.
var (
	// ErrInvalidMessage: malformed frames or signature failure. Dropped
	// silently with a log line; never surfaced to the application.
	ErrInvalidMessage = errors.New("p2p: invalid message")

	// ErrDifferentVersion: remote peer's AppProtocolVersion rejected by
	// the compatibility predicate.
	ErrDifferentVersion = errors.New("p2p: different protocol version")

	// ErrTimeout: per-request deadline exceeded.
	ErrTimeout = errors.New("p2p: timeout")

	// ErrCancelled: cooperative cancellation, never logged as an error.
	ErrCancelled = errors.New("p2p: cancelled")

	// ErrAlreadyRunning: Start invoked on a transport that is already
	// running (lifecycle error, surfaced synchronously).
	ErrAlreadyRunning = errors.New("p2p: transport already running")

	// ErrDisposed: use-after-dispose (lifecycle error, surfaced
	// synchronously).
	ErrDisposed = errors.New("p2p: transport disposed")

	// ErrBadConfig: NewTransport rejected the config in Validate (e.g.
	// neither host nor ice_servers supplied).
	ErrBadConfig = errors.New("p2p: invalid configuration")

	// ErrQueueClosed: the request or broadcast queue has been disposed.
	ErrQueueClosed = errors.New("p2p: queue closed")
)
