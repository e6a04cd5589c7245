// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

// Package discover implements the bucketed Kademlia-style routing
// table the transport facade consults for broadcast fan-out and peer
// discovery, keyed by a single BoundPeer table with no node-type
// concept.
package discover

import (
	"time"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/peer"
)

// entry is one routing table slot: a bound peer plus liveness
// bookkeeping (addedAt/lastLiveAt). fails is cleared on bump; the
// failure count that drives eviction is kept in Table.findFails.
type entry struct {
	peer       peer.BoundPeer
	addedAt    time.Time
	lastLiveAt time.Time
	fails      int
}

func newEntry(p peer.BoundPeer) *entry {
	now := time.Now()
	return &entry{peer: p, addedAt: now, lastLiveAt: now}
}

func (e *entry) address() common.Address { return e.peer.Address() }
