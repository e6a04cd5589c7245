// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package discover

import (
	"sync"
	"time"

	"github.com/groundx/meshnet/common"
)

// bucket holds up to size live entries, most-recently-seen first, plus
// a replacement list of candidates waiting for a dead entry to evict.
type bucket struct {
	mu           sync.Mutex
	size         int
	maxReplace   int
	entries      []*entry
	replacements []*entry
}

func newBucket(size, maxReplacements int) *bucket {
	return &bucket{size: size, maxReplace: maxReplacements}
}

// bump moves addr to the front if present, refreshing its liveness,
// and reports whether it was found.
func (b *bucket) bump(addr common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.address() == addr {
			e.lastLiveAt = time.Now()
			e.fails = 0
			copy(b.entries[1:i+1], b.entries[:i])
			b.entries[0] = e
			return true
		}
	}
	return false
}

// addIfRoom appends e to the bucket if there is space, reporting
// whether it was added.
func (b *bucket) addIfRoom(e *entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.size {
		return false
	}
	b.entries = append([]*entry{e}, b.entries...)
	return true
}

// addReplacement stashes e as a replacement candidate, evicting the
// oldest replacement if the replacement list is full.
func (b *bucket) addReplacement(e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.replacements {
		if r.address() == e.address() {
			return
		}
	}
	if len(b.replacements) >= b.maxReplace {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, e)
}

// last returns the least-recently-seen live entry, or nil if empty.
func (b *bucket) last() *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[len(b.entries)-1]
}

// replaceLast evicts the least-recently-seen entry and promotes the
// newest replacement candidate in its place, if any is queued.
func (b *bucket) replaceLast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return
	}
	b.entries = b.entries[:len(b.entries)-1]
	if len(b.replacements) == 0 {
		return
	}
	next := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.entries = append([]*entry{next}, b.entries...)
}

// evict removes addr from the live set, if present, promoting the
// newest replacement candidate into its place.
func (b *bucket) evict(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.address() != addr {
			continue
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		if len(b.replacements) > 0 {
			next := b.replacements[len(b.replacements)-1]
			b.replacements = b.replacements[:len(b.replacements)-1]
			b.entries = append(b.entries, next)
		}
		return
	}
}

// snapshot returns a copy of the live entries.
func (b *bucket) snapshot() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// promoteReplacement moves the newest replacement candidate into the
// live set when the bucket has room; used by CheckReplacementCache to
// heal buckets that lost entries to expiry.
func (b *bucket) promoteReplacement() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.size || len(b.replacements) == 0 {
		return false
	}
	next := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.entries = append([]*entry{next}, b.entries...)
	return true
}
