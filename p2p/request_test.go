// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRequestRetryBound(t *testing.T) {
	req := NewMessageRequest(BoundPeer{}, Message{Type: appMessageType}, 1, time.Second)

	for i := 0; i < maxRetries; i++ {
		require.True(t, req.Retryable(), "attempt %d should still be retryable", i)
		req.MarkRetry()
	}
	assert.False(t, req.Retryable(), "an 11th attempt must not be retryable")
}

func TestMessageRequestReplyCompletesOnExpectedCount(t *testing.T) {
	req := NewMessageRequest(BoundPeer{}, Message{Type: appMessageType}, 2, time.Second)

	req.Reply(&Envelope{Message: Message{Type: MsgPong}})
	select {
	case <-req.done:
		t.Fatal("request completed after only one of two expected replies")
	default:
	}

	req.Reply(&Envelope{Message: Message{Type: MsgPong}})
	replies, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestMessageRequestFailIsSticky(t *testing.T) {
	req := NewMessageRequest(BoundPeer{}, Message{Type: appMessageType}, 1, time.Second)

	req.Fail(ErrTimeout)
	req.Fail(ErrCancelled) // must be a no-op: the first failure wins

	_, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	// A reply arriving after the request already failed must be dropped.
	req.Reply(&Envelope{Message: Message{Type: MsgPong}})
	replies, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, replies)
}

func TestMessageRequestOnCompleteFiresOnceEvenAfterClose(t *testing.T) {
	req := NewMessageRequest(BoundPeer{}, Message{Type: appMessageType}, 1, time.Second)
	req.Fail(ErrTimeout)

	called := make(chan error, 1)
	req.OnComplete(func(_ []*Envelope, err error) {
		called <- err
	})

	select {
	case err := <-called:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("OnComplete callback never fired for an already-closed request")
	}
}

func TestMessageRequestWaitTimesOutOnItsOwnDeadline(t *testing.T) {
	req := NewMessageRequest(BoundPeer{}, Message{Type: appMessageType}, 1, 50*time.Millisecond)

	start := time.Now()
	_, err := req.Wait(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Second)
}
