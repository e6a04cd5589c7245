// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"sync"

	"github.com/groundx/meshnet/common"
)

// messageHistorySize bounds the number of recently observed message
// identifiers kept for duplicate suppression of inbound messages.
const messageHistorySize = 30

// MessageHistory remembers the last messageHistorySize message
// identifiers seen, so the router does not re-handle a message it has
// already processed. It is written from N producers --
// the router's recv loop for inbound messages, and every dealer worker
// for replies it receives -- so all access goes through mu.
type MessageHistory struct {
	mu   sync.Mutex
	seen *common.RingBuffer[common.Hash]
	set  map[common.Hash]struct{}
}

// NewMessageHistory creates an empty, fixed-capacity history.
func NewMessageHistory() *MessageHistory {
	return &MessageHistory{
		seen: common.NewRingBuffer[common.Hash](messageHistorySize),
		set:  make(map[common.Hash]struct{}, messageHistorySize),
	}
}

// Contains reports whether id has already been recorded.
func (h *MessageHistory) Contains(id common.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contains(id)
}

func (h *MessageHistory) contains(id common.Hash) bool {
	_, ok := h.set[id]
	return ok
}

// Add records id, evicting the oldest entry once the history is full.
// Returns false without modifying the history if id was already present.
func (h *MessageHistory) Add(id common.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.contains(id) {
		return false
	}
	if h.seen.Len() == h.seen.Cap() {
		evicted := h.seen.Snapshot()[0]
		delete(h.set, evicted)
	}
	h.seen.Push(id)
	h.set[id] = struct{}{}
	return true
}

// Len reports how many identifiers are currently recorded.
func (h *MessageHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen.Len()
}
