// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package discover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/groundx/meshnet/peer"
)

func boundPeerWithAddr(b byte) peer.BoundPeer {
	var p peer.BoundPeer
	p.Identity.PublicKey = []byte{b}
	p.Endpoint = peer.Endpoint{Host: "127.0.0.1", Port: uint16(b)}
	return p
}

func newTestEntry(b byte) *entry {
	return newEntry(boundPeerWithAddr(b))
}

func TestBucketAddIfRoomFillsThenRejects(t *testing.T) {
	b := newBucket(2, 4)
	assert.True(t, b.addIfRoom(newTestEntry(1)))
	assert.True(t, b.addIfRoom(newTestEntry(2)))
	assert.False(t, b.addIfRoom(newTestEntry(3)), "bucket at capacity should reject further entries")
	assert.Equal(t, 2, b.len())
}

func TestBucketBumpMovesToFront(t *testing.T) {
	b := newBucket(3, 4)
	e1, e2, e3 := newTestEntry(1), newTestEntry(2), newTestEntry(3)
	b.addIfRoom(e1)
	b.addIfRoom(e2)
	b.addIfRoom(e3)

	assert.True(t, b.bump(e1.address()))
	snap := b.snapshot()
	assert.Equal(t, e1.address(), snap[0].address())
}

func TestBucketBumpUnknownReturnsFalse(t *testing.T) {
	b := newBucket(3, 4)
	assert.False(t, b.bump(boundPeerWithAddr(9).Address()))
}

func TestBucketReplacementPromotionOnEvict(t *testing.T) {
	b := newBucket(1, 4)
	live := newTestEntry(1)
	b.addIfRoom(live)
	b.addReplacement(newTestEntry(2))

	b.evict(live.address())

	assert.Equal(t, 1, b.len())
	snap := b.snapshot()
	assert.Equal(t, newTestEntry(2).address(), snap[0].address())
}

func TestBucketEvictNonMemberIsNoop(t *testing.T) {
	b := newBucket(2, 4)
	b.addIfRoom(newTestEntry(1))
	b.evict(boundPeerWithAddr(99).Address())
	assert.Equal(t, 1, b.len())
}

func TestBucketPromoteReplacementRequiresRoom(t *testing.T) {
	b := newBucket(1, 4)
	b.addIfRoom(newTestEntry(1))
	b.addReplacement(newTestEntry(2))

	assert.False(t, b.promoteReplacement(), "bucket is full, nothing to promote into")

	b.replaceLast()
	assert.Equal(t, 1, b.len())
	snap := b.snapshot()
	assert.Equal(t, newTestEntry(2).address(), snap[0].address())
}
