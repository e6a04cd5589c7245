// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/crypto"
	"github.com/groundx/meshnet/log"
)

// appMessageType is an application-level message tag, distinct from
// the four reserved routing-protocol tags, used by tests that exercise
// the application message handler rather than the PING/FIND_NODE
// protocol the router answers itself.
const appMessageType byte = 0x10

func newLoopbackConfig(t *testing.T, handler MessageHandler) *Config {
	pub, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &Config{
		PrivateKey:     priv,
		PublicKey:      pub,
		AppVersion:     AppProtocolVersion{Version: 1},
		Host:           "127.0.0.1",
		ListenPort:     0,
		MessageHandler: handler,
	}
}

func startTransport(t *testing.T, ctx context.Context, cfg *Config) *Transport {
	tr, err := NewTransport(cfg, log.NewModuleLogger("transport-test"))
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	go tr.Run(ctx)
	select {
	case <-tr.WaitForRunning():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not reach Running in time")
	}
	return tr
}

func boundPeerOf(tr *Transport) BoundPeer {
	self := tr.LocalPeer()
	return BoundPeer{Peer: self, Endpoint: Endpoint{Host: "127.0.0.1", Port: tr.ListenPort()}}
}

func TestScenarioPingPong(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startTransport(t, ctx, newLoopbackConfig(t, nil))
	a := startTransport(t, ctx, newLoopbackConfig(t, nil))
	defer a.Dispose()
	defer b.Dispose()

	req, err := a.SendWithReply(ctx, boundPeerOf(b), Message{Type: MsgPing}, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, req.replies, 1)
	assert.Equal(t, MsgPong, req.replies[0].Message.Type)
	assert.Equal(t, b.LocalPeer().Address(), req.replies[0].Sender.Address())
}

func TestScenarioTimeoutAgainstUnboundPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startTransport(t, ctx, newLoopbackConfig(t, nil))
	defer a.Dispose()

	unbound := BoundPeer{
		Peer:     Peer{Identity: PeerIdentity{PublicKey: a.LocalPeer().Identity.PublicKey}},
		Endpoint: Endpoint{Host: "127.0.0.1", Port: 1},
	}

	start := time.Now()
	_, err := a.SendWithReply(ctx, unbound, Message{Type: MsgPing}, 200*time.Millisecond, 1)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.InDelta(t, 200*time.Millisecond, elapsed, float64(150*time.Millisecond))
}

// TestRouterRejectsIncompatibleVersion covers property 7 and the
// different-version half of S3: a mismatched AppProtocolVersion fires
// the different-version handler and never reaches the application
// message handler. PING itself is exempt from this check (see
// DESIGN.md), so this exercises a plain application message instead.
func TestRouterRejectsIncompatibleVersion(t *testing.T) {
	var handlerCalled int32
	var differentVersionPeer BoundPeer
	var mu sync.Mutex

	localPub, localPriv, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfgB := &Config{
		PrivateKey: localPriv,
		PublicKey:  localPub,
		AppVersion: AppProtocolVersion{Version: 2},
		Host:       "127.0.0.1",
		MessageHandler: func(sender BoundPeer, msg Message) {
			atomic.AddInt32(&handlerCalled, 1)
		},
		DifferentVersionHandler: func(remote BoundPeer, remoteVersion AppProtocolVersion) {
			mu.Lock()
			differentVersionPeer = remote
			mu.Unlock()
		},
	}

	remotePub, remotePriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	remoteSelf := Peer{Identity: PeerIdentity{PublicKey: remotePub}, AppVersion: AppProtocolVersion{Version: 1}}

	history := NewMessageHistory()
	tbl := noopRoutingTable{}
	r := newRouter(log.NewModuleLogger("router-test"), cfgB, history, tbl, new(uint64), Peer{Identity: PeerIdentity{PublicKey: localPub}, AppVersion: cfgB.AppVersion}, localPriv)
	cfgB.Compatibility = DefaultCompatibility

	frames, err := encode(Message{Type: appMessageType}, remotePriv, remoteSelf)
	require.NoError(t, err)
	withIdentity := append([][]byte{[]byte("fake-identity")}, frames...)

	r.handle(context.Background(), withIdentity)

	assert.Equal(t, int32(0), atomic.LoadInt32(&handlerCalled))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, remoteSelf.Address(), differentVersionPeer.Address())
}

type noopRoutingTable struct{}

func (noopRoutingTable) Receive(BoundPeer)                            {}
func (noopRoutingTable) ClosestPeers(common.Address, int) []BoundPeer { return nil }

func TestScenarioBroadcastFanoutExcludesOnePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type receiver struct {
		tr  *Transport
		got chan struct{}
	}

	receivers := make([]receiver, 5)
	for i := range receivers {
		got := make(chan struct{}, 4)
		cfg := newLoopbackConfig(t, func(sender BoundPeer, msg Message) {
			got <- struct{}{}
		})
		receivers[i] = receiver{tr: startTransport(t, ctx, cfg), got: got}
		defer receivers[i].tr.Dispose()
	}

	a := startTransport(t, ctx, newLoopbackConfig(t, nil))
	defer a.Dispose()

	excludeIdx := 2
	var excludeAddr common.Address
	for i, r := range receivers {
		bp := boundPeerOf(r.tr)
		a.table.Receive(bp)
		if i == excludeIdx {
			excludeAddr = bp.Address()
		}
	}

	err := a.BroadcastMessage(ctx, map[common.Address]struct{}{excludeAddr: {}}, Message{Type: appMessageType, Body: [][]byte{{1}}})
	require.NoError(t, err)

	for i, r := range receivers {
		if i == excludeIdx {
			select {
			case <-r.got:
				t.Fatalf("excluded peer %d received a broadcast message", i)
			case <-time.After(300 * time.Millisecond):
			}
			continue
		}
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("peer %d never received the broadcast message", i)
		}
	}
}
