// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.
//
// A bucketed-by-XOR-distance table, refresh/revalidate split, and
// bond-before-trust discipline in the Kademlia tradition, collapsed
// from a per-node-type storage dispatch down to the single table this
// transport needs.
package discover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/log"
	"github.com/groundx/meshnet/peer"
)

// Pinger sends a PING to a peer and waits for a PONG.
type Pinger func(ctx context.Context, target peer.BoundPeer, timeout time.Duration) error

// Finder asks via for the peers it knows closest to target.
type Finder func(ctx context.Context, via peer.BoundPeer, target common.Address, timeout time.Duration) ([]peer.BoundPeer, error)

// Table is a bucketed Kademlia-style routing table keyed by peer
// address. Bucket i holds peers whose XOR distance to self has
// logarithmic length i+1 (common.LogDist).
type Table struct {
	logger     *log.Logger
	self       peer.BoundPeer
	selfAddr   common.Address
	bucketSize int
	buckets    []*bucket

	ping Pinger
	find Finder

	// findFails counts ping and findnode failures per address, the
	// signal used to evacuate unresponsive entries; bounded via an LRU
	// so a churn of short-lived addresses cannot grow this without
	// limit. A count is cleared only when its address is added to a
	// bucket; a successful ping of an entry already present does not
	// clear it.
	findFails common.Cache

	mu      sync.Mutex
	nursery []peer.BoundPeer
}

// NewTable creates an empty table. tableSize is the number of buckets
// (commonly the bit length of the address, 160 for a 20-byte address);
// bucketSize is the per-bucket k parameter.
func NewTable(logger *log.Logger, self peer.BoundPeer, tableSize, bucketSize int, ping Pinger, find Finder) *Table {
	if tableSize <= 0 {
		tableSize = common.AddressLength * 8
	}
	if bucketSize <= 0 {
		bucketSize = 16
	}
	buckets := make([]*bucket, tableSize)
	for i := range buckets {
		buckets[i] = newBucket(bucketSize, maxReplacements)
	}
	failCache, _ := common.NewLRUCache(1024)
	return &Table{
		logger:     logger,
		self:       self,
		selfAddr:   self.Address(),
		bucketSize: bucketSize,
		buckets:    buckets,
		ping:       ping,
		find:       find,
		findFails:  failCache,
	}
}

const maxFindnodeFailures = 5
const maxReplacements = 10

// bucketFor returns the bucket the given address belongs in, or nil
// if addr is the local address (which has no bucket).
func (t *Table) bucketFor(addr common.Address) *bucket {
	if addr == t.selfAddr {
		return nil
	}
	dist := common.LogDist(t.selfAddr, addr)
	idx := dist - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return t.buckets[idx]
}

// Receive updates liveness from an inbound (or reply) message's
// sender, satisfying the p2p.routingTable contract the router and
// dealer pool consume.
func (t *Table) Receive(sender peer.BoundPeer) {
	addr := sender.Address()
	b := t.bucketFor(addr)
	if b == nil {
		return
	}
	if b.bump(addr) {
		return
	}
	e := newEntry(sender)
	if b.addIfRoom(e) {
		t.findFails.Remove(addr)
		return
	}
	b.addReplacement(e)
	go t.revalidateOldest(b)
}

const revalidateOldestTimeout = 2 * time.Second

// revalidateOldest bond-checks a bucket's least-recently-seen live
// entry when a new candidate showed up with no room for it: Kademlia's
// bond-before-trust discipline prefers a long-lived peer over a new
// one unless the old one has actually gone unresponsive, so the new
// candidate only gets a seat if the oldest entry fails to answer.
func (t *Table) revalidateOldest(b *bucket) {
	oldest := b.last()
	if oldest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), revalidateOldestTimeout)
	defer cancel()
	if err := t.ping(ctx, oldest.peer, revalidateOldestTimeout); err != nil {
		b.replaceLast()
	} else {
		b.bump(oldest.address())
	}
}

// PeersToBroadcast selects the broadcast fan-out set: every live entry
// across all buckets, excluding the given addresses.
func (t *Table) PeersToBroadcast(except map[common.Address]struct{}) []peer.BoundPeer {
	var out []peer.BoundPeer
	for _, b := range t.buckets {
		for _, e := range b.snapshot() {
			if _, skip := except[e.address()]; skip {
				continue
			}
			out = append(out, e.peer)
		}
	}
	return out
}

// Bootstrap primes the table from seed nodes: ping each seed, then
// issue FindSpecificPeer against the local address via each responsive
// seed, repeating for depth rounds.
func (t *Table) Bootstrap(ctx context.Context, seeds []peer.BoundPeer, pingTimeout, findTimeout time.Duration, depth int) error {
	t.mu.Lock()
	t.nursery = append([]peer.BoundPeer(nil), seeds...)
	t.mu.Unlock()

	frontier := make([]peer.BoundPeer, 0, len(seeds))
	for _, s := range seeds {
		if err := t.Ping(ctx, s, pingTimeout); err != nil {
			t.logger.Debug("bootstrap: seed unreachable", "peer", s, "error", err)
			continue
		}
		t.Receive(s)
		frontier = append(frontier, s)
	}

	for round := 0; round < depth && len(frontier) > 0; round++ {
		var next []peer.BoundPeer
		for _, via := range frontier {
			found, err := t.FindSpecificPeer(ctx, t.selfAddr, via, depth, findTimeout)
			if err != nil {
				continue
			}
			if found != nil {
				next = append(next, *found)
			}
		}
		frontier = next
	}
	return nil
}

// Ping pings target directly, recording liveness on success and
// bumping the failure counter on failure.
func (t *Table) Ping(ctx context.Context, target peer.BoundPeer, timeout time.Duration) error {
	if err := t.ping(ctx, target, timeout); err != nil {
		t.bumpFailure(target.Address())
		return err
	}
	t.Receive(target)
	return nil
}

// FindSpecificPeer asks via for peers close to target, up to depth
// hops, returning the closest match it can reach (or nil if none).
func (t *Table) FindSpecificPeer(ctx context.Context, target common.Address, via peer.BoundPeer, depth int, timeout time.Duration) (*peer.BoundPeer, error) {
	candidates, err := t.find(ctx, via, target, timeout)
	if err != nil {
		t.bumpFailure(via.Address())
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return common.DistCmp(target, candidates[i].Address(), candidates[j].Address()) < 0
	})
	for _, c := range candidates {
		t.Receive(c)
		if c.Address() == target {
			return &c, nil
		}
	}
	if depth <= 1 || len(candidates) == 0 {
		if len(candidates) > 0 {
			return &candidates[0], nil
		}
		return nil, nil
	}
	return t.FindSpecificPeer(ctx, target, candidates[0], depth-1, timeout)
}

func (t *Table) bumpFailure(addr common.Address) {
	n := 1
	if v, ok := t.findFails.Get(addr); ok {
		n = v.(int) + 1
	}
	t.findFails.Add(addr, n)
	if n >= maxFindnodeFailures {
		b := t.bucketFor(addr)
		if b != nil {
			b.evict(addr)
		}
	}
}

// RefreshTable re-pings every live entry older than maxAge
// (last-seen), counting a failure against any that fail to respond;
// an entry is evicted once its count reaches maxFindnodeFailures.
func (t *Table) RefreshTable(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for _, b := range t.buckets {
		for _, e := range b.snapshot() {
			if e.lastLiveAt.After(cutoff) {
				continue
			}
			if err := t.ping(ctx, e.peer, 2*time.Second); err != nil {
				t.bumpFailure(e.address())
			} else {
				b.bump(e.address())
			}
		}
	}
}

// CheckReplacementCache promotes queued replacement candidates into
// any bucket that has room, healing buckets that lost entries to
// RefreshTable evictions.
func (t *Table) CheckReplacementCache() {
	for _, b := range t.buckets {
		b.promoteReplacement()
	}
}

// RebuildConnection attempts to re-establish a useful neighborhood by
// re-running Bootstrap from the original nursery nodes.
func (t *Table) RebuildConnection(ctx context.Context, pingTimeout, findTimeout time.Duration, depth int) error {
	t.mu.Lock()
	seeds := append([]peer.BoundPeer(nil), t.nursery...)
	t.mu.Unlock()
	if len(seeds) == 0 {
		return nil
	}
	return t.Bootstrap(ctx, seeds, pingTimeout, findTimeout, depth)
}

// ClosestPeers returns up to n live entries ordered by XOR distance to
// target, closest first. Used to answer inbound FIND_NODE queries.
func (t *Table) ClosestPeers(target common.Address, n int) []peer.BoundPeer {
	var all []peer.BoundPeer
	for _, b := range t.buckets {
		for _, e := range b.snapshot() {
			all = append(all, e.peer)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return common.DistCmp(target, all[i].Address(), all[j].Address()) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Len reports the total number of live entries across all buckets.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}
