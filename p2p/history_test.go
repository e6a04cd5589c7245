// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/groundx/meshnet/common"
)

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func TestMessageHistoryAddAndContains(t *testing.T) {
	h := NewMessageHistory()
	id := hashOf(1)

	assert.False(t, h.Contains(id))
	assert.True(t, h.Add(id))
	assert.True(t, h.Contains(id))
	assert.False(t, h.Add(id), "re-adding an already-seen id should report false")
	assert.Equal(t, 1, h.Len())
}

func TestMessageHistoryBoundedEviction(t *testing.T) {
	h := NewMessageHistory()
	for i := 0; i < messageHistorySize+10; i++ {
		h.Add(hashOf(byte(i)))
	}
	assert.Equal(t, messageHistorySize, h.Len())

	// The earliest entries should have been evicted.
	assert.False(t, h.Contains(hashOf(0)))
	// The most recent entries should still be present.
	assert.True(t, h.Contains(hashOf(byte(messageHistorySize+9))))
}
