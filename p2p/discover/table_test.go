// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package discover

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/crypto"
	"github.com/groundx/meshnet/log"
	"github.com/groundx/meshnet/peer"
)

func newRandomBoundPeer(t *testing.T, port uint16) peer.BoundPeer {
	pub, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	return peer.BoundPeer{
		Peer:     peer.Peer{Identity: peer.Identity{PublicKey: pub}},
		Endpoint: peer.Endpoint{Host: "127.0.0.1", Port: port},
	}
}

func noopPing(context.Context, peer.BoundPeer, time.Duration) error { return nil }
func noopFind(context.Context, peer.BoundPeer, common.Address, time.Duration) ([]peer.BoundPeer, error) {
	return nil, nil
}

// testBucketSize is large enough that every peer created in these tests
// stays live (never evicted to the replacement cache), so assertions
// about Len() and ClosestPeers don't depend on distance-to-self
// distribution across buckets.
const testBucketSize = 32

func newTestTable(t *testing.T) (*Table, peer.BoundPeer) {
	self := newRandomBoundPeer(t, 30303)
	tbl := NewTable(log.NewModuleLogger("discover-test"), self, 160, testBucketSize, noopPing, noopFind)
	return tbl, self
}

func TestTableReceiveBucketsByDistance(t *testing.T) {
	tbl, self := newTestTable(t)

	var peers []peer.BoundPeer
	for i := 0; i < 20; i++ {
		p := newRandomBoundPeer(t, uint16(40000+i))
		peers = append(peers, p)
		tbl.Receive(p)
	}

	assert.Equal(t, 20, tbl.Len())
	for _, p := range peers {
		idx := common.LogDist(self.Address(), p.Address()) - 1
		found := false
		for _, e := range tbl.buckets[idx].snapshot() {
			if e.address() == p.Address() {
				found = true
			}
		}
		assert.True(t, found, "peer %s not in bucket %d", p, idx)
	}
}

func TestTableReceiveIgnoresSelf(t *testing.T) {
	tbl, self := newTestTable(t)
	tbl.Receive(self)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableReceiveBumpsExisting(t *testing.T) {
	tbl, _ := newTestTable(t)
	p := newRandomBoundPeer(t, 1)
	tbl.Receive(p)
	tbl.Receive(p)
	assert.Equal(t, 1, tbl.Len(), "receiving the same peer twice must not duplicate it")
}

func TestTableClosestPeersOrdering(t *testing.T) {
	tbl, _ := newTestTable(t)

	var peers []peer.BoundPeer
	for i := 0; i < 15; i++ {
		p := newRandomBoundPeer(t, uint16(50000+i))
		peers = append(peers, p)
		tbl.Receive(p)
	}

	target := peers[0].Address()
	closest := tbl.ClosestPeers(target, 5)
	require.Len(t, closest, 5)

	sort.Slice(peers, func(i, j int) bool {
		return common.DistCmp(target, peers[i].Address(), peers[j].Address()) < 0
	})
	expected := make(map[common.Address]bool, 5)
	for _, p := range peers[:5] {
		expected[p.Address()] = true
	}
	for _, c := range closest {
		assert.True(t, expected[c.Address()], "closest peer %s not in expected top-5 set", c)
	}
}

func TestTablePingRecordsLivenessOnSuccess(t *testing.T) {
	tbl, _ := newTestTable(t)
	target := newRandomBoundPeer(t, 2)

	err := tbl.Ping(context.Background(), target, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
}

func TestTablePingFailureBumpsFindFails(t *testing.T) {
	self := newRandomBoundPeer(t, 30303)
	failingPing := func(context.Context, peer.BoundPeer, time.Duration) error {
		return assertError{"unreachable"}
	}
	tbl := NewTable(log.NewModuleLogger("discover-test"), self, 160, 4, failingPing, noopFind)

	target := newRandomBoundPeer(t, 3)
	err := tbl.Ping(context.Background(), target, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, tbl.Len())

	fails, ok := tbl.findFails.Get(target.Address())
	require.True(t, ok, "a failed ping must record a failure for the target")
	assert.Equal(t, 1, fails)
}

func TestTableRepeatedPingFailuresEvictLiveEntry(t *testing.T) {
	self := newRandomBoundPeer(t, 30303)
	target := newRandomBoundPeer(t, 4)

	failing := false
	ping := func(context.Context, peer.BoundPeer, time.Duration) error {
		if failing {
			return assertError{"unreachable"}
		}
		return nil
	}
	tbl := NewTable(log.NewModuleLogger("discover-test"), self, 160, 4, ping, noopFind)

	require.NoError(t, tbl.Ping(context.Background(), target, time.Second))
	assert.Equal(t, 1, tbl.Len())

	failing = true
	for i := 0; i < maxFindnodeFailures; i++ {
		tbl.bumpFailure(target.Address())
	}
	assert.Equal(t, 0, tbl.Len(), "entry should be evicted after maxFindnodeFailures")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
