// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/log"
	"github.com/groundx/meshnet/p2p/discover"
	turnclient "github.com/groundx/meshnet/p2p/turn"
	"github.com/groundx/meshnet/peer"
)

// State is one of the transport's one-way lifecycle states.
// Stopped -> Starting is forbidden: a transport is single-use after
// Dispose.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Transport wires the envelope codec, TURN client, relay proxy, router
// endpoint, dealer pool, request/broadcast queues and routing table
// into the send/broadcast/reply surface the embedding program uses.
type Transport struct {
	cfg    *Config
	logger *log.Logger
	self   Peer

	mu           sync.Mutex
	state        State
	runningCh    chan struct{}
	disposeOnce  sync.Once
	cancelAll    context.CancelFunc

	router         *router
	dealer         *dealerPool
	relay          *relayProxy
	table          *discover.Table
	turnClient     *turnclient.Client
	requestQueue   *Queue[*MessageRequest]
	broadcastQueue *Queue[BroadcastJob]
	requestCount   uint64

	wg sync.WaitGroup
}

// NewTransport validates cfg and constructs a Transport in state New.
// It does not bind any socket; that happens in Start.
func NewTransport(cfg *Config, logger *log.Logger) (*Transport, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self := Peer{
		Identity:   PeerIdentity{PublicKey: cfg.PublicKey},
		AppVersion: cfg.AppVersion,
		PublicIP:   cfg.Host,
	}
	t := &Transport{
		cfg:       cfg,
		logger:    logger,
		self:      self,
		state:     StateNew,
		runningCh: make(chan struct{}),
	}
	return t, nil
}

// Start binds the router socket, optionally stands up a TURN client
// and relay proxy when behind NAT, and constructs the routing table,
// request queue and dealer pool. It does not start the periodic
// refresh/rebuild loops -- that happens in Run.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateRunning || t.state == StateStarting {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	if t.state == StateDisposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	t.state = StateStarting
	t.mu.Unlock()

	t.table = discover.NewTable(t.logger.With("component", "discover"), BoundPeer{Peer: t.self}, t.cfg.TableSize, t.cfg.BucketSize, t.pingPeer, t.findPeer)

	history := NewMessageHistory()
	t.router = newRouter(t.logger.With("component", "router"), t.cfg, history, t.table, &t.requestCount, t.self, t.cfg.PrivateKey)
	if err := t.router.Bind(); err != nil {
		return errors.Wrap(err, "transport: start")
	}
	t.self.ListenPort = t.router.Port()

	behindNAT := t.cfg.Host == "" && len(t.cfg.ICEServers) > 0
	if behindNAT {
		server := turnclient.Server{Addr: t.cfg.ICEServers[0].URL, Username: t.cfg.ICEServers[0].Username, Password: t.cfg.ICEServers[0].Password}
		tc, err := turnclient.NewClient(server, t.logger.With("component", "turn"))
		if err != nil {
			return errors.Wrap(err, "transport: start turn client")
		}
		t.turnClient = tc
		relayAddr, err := t.turnClient.Allocate(turnclient.DefaultAllocationLifetime)
		if err != nil {
			return errors.Wrap(err, "transport: turn allocate")
		}
		// Peers must dial us at the TURN-allocated relay address, not
		// the (likely unreachable) local router bind -- advertise that
		// instead so NEIGHBORS/sender frames carry a dialable address.
		if host, portStr, splitErr := net.SplitHostPort(relayAddr.String()); splitErr == nil {
			t.self.PublicIP = host
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				t.self.ListenPort = uint16(port)
			}
		} else {
			t.logger.Warn("turn: could not parse relay address", "addr", relayAddr.String(), "error", splitErr)
		}
		t.relay = newRelayProxy(t.logger.With("component", "relay"), t.turnClient, t.router.Port(), t.cfg.RelayProxyWorkers)
	}

	// The router was constructed (and its self snapshotted) before the
	// TURN relay address was known; propagate the final advertised
	// address now that it's settled.
	t.router.self = t.self

	t.requestQueue = NewQueue[*MessageRequest](1024)
	t.broadcastQueue = NewQueue[BroadcastJob](256)
	t.dealer = newDealerPool(t.logger.With("component", "dealer"), t.cfg, t.requestQueue, t.self, t.cfg.PrivateKey, t.table, t.turnClient, history)

	return nil
}

// Run marks the transport Running and launches the RefreshTable,
// RebuildConnection, dealer pool, router recv/reply loops and (if
// applicable) the relay proxy and TURN refresh loops. It returns nil
// once ctx or the run context is cancelled (Stop and Dispose cancel
// it); the launched loops exit only on that cancellation or when Stop
// closes their queues, and Run does not wait for them to finish.
func (t *Transport) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelAll = cancel
	t.state = StateRunning
	close(t.runningCh)
	t.mu.Unlock()

	errCh := make(chan error, 1)

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.router.RecvLoop(runCtx) }()
	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.router.ReplyLoop(runCtx) }()
	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.dealer.Run(runCtx) }()
	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.broadcastLoop(runCtx) }()
	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.refreshTableLoop(runCtx) }()
	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.rebuildConnectionLoop(runCtx) }()

	if t.relay != nil {
		t.wg.Add(1)
		go func() { defer t.wg.Done(); t.relay.Run(runCtx) }()
	}
	if t.turnClient != nil {
		t.wg.Add(1)
		go func() { defer t.wg.Done(); t.turnRefreshAllocationLoop(runCtx) }()
		t.wg.Add(1)
		go func() { defer t.wg.Done(); t.turnRefreshPermissionsLoop(runCtx) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		return nil
	}
}

func (t *Transport) refreshTableLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RefreshTableInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.table.RefreshTable(ctx, t.cfg.RefreshTableInterval)
			t.table.CheckReplacementCache()
		}
	}
}

func (t *Transport) rebuildConnectionLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RebuildConnectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.table.RebuildConnection(ctx, time.Second, time.Second, 3); err != nil {
				t.logger.Warn("rebuild connection failed", "error", err)
			}
		}
	}
}

// turnAllocationRefreshMargin mirrors turn.Client's own refreshMargin:
// the allocation is renewed this long before its lease expires.
const turnAllocationRefreshMargin = 60 * time.Second

// turnRefreshAllocationLoop renews the TURN allocation at
// lease-60s, per RFC 5766's recommended schedule, so the relay
// address stays valid for as long as the transport runs.
func (t *Transport) turnRefreshAllocationLoop(ctx context.Context) {
	interval := turnclient.DefaultAllocationLifetime - turnAllocationRefreshMargin
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.turnClient.RefreshAllocation(turnclient.DefaultAllocationLifetime); err != nil {
				t.logger.Warn("turn allocation refresh failed", "error", err)
			}
		}
	}
}

// turnRefreshPermissionsLoop re-authorizes every peer permission due
// to expire soon, so a relayed peer that stops being chatty for a
// while doesn't silently lose its ability to reach us.
func (t *Transport) turnRefreshPermissionsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failures := t.turnClient.RefreshPermissions(func(peerAddr string) error {
				addr, err := net.ResolveUDPAddr("udp4", peerAddr)
				if err != nil {
					return err
				}
				return t.turnClient.CreatePermission(addr)
			})
			for addr, err := range failures {
				t.logger.Warn("turn permission refresh failed", "peer", addr, "error", err)
			}
		}
	}
}

func (t *Transport) broadcastLoop(ctx context.Context) {
	sem := make(chan struct{}, t.cfg.BroadcastConcurrency)
	for {
		job, err := t.broadcastQueue.Dequeue(ctx)
		if err != nil {
			return
		}
		targets := t.table.PeersToBroadcast(job.Exclude)
		var wg sync.WaitGroup
		for _, target := range targets {
			target := target
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := t.SendMessage(ctx, target, job.Message); err != nil {
					t.logger.Debug("broadcast send failed", "peer", target, "error", err)
				}
			}()
		}
		wg.Wait()
	}
}

// Stop cancels the worker pool's lifetime token, waits waitFor for
// in-flight work to settle, then closes the request and broadcast
// queues, the router (its reply queue and socket) and the TURN client.
func (t *Transport) Stop(waitFor time.Duration) error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopping
	cancel := t.cancelAll
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	time.Sleep(waitFor)

	t.requestQueue.Close()
	t.broadcastQueue.Close()
	if err := t.router.Close(); err != nil {
		t.logger.Warn("router close failed", "error", err)
	}
	if t.turnClient != nil {
		if err := t.turnClient.Close(); err != nil {
			t.logger.Warn("turn client close failed", "error", err)
		}
	}

	t.mu.Lock()
	t.state = StateStopped
	t.runningCh = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// Dispose cancels and joins the worker pool, permanently retiring the
// instance.
func (t *Transport) Dispose() error {
	t.disposeOnce.Do(func() {
		t.mu.Lock()
		if t.cancelAll != nil {
			t.cancelAll()
		}
		t.state = StateDisposed
		t.mu.Unlock()
		t.wg.Wait()
	})
	return nil
}

// ListenPort reports the TCP port the router actually bound to. Only
// meaningful after a successful Start.
func (t *Transport) ListenPort() uint16 {
	return t.router.Port()
}

// LocalPeer returns the identity this transport advertises as sender.
func (t *Transport) LocalPeer() Peer {
	return t.self
}

// WaitForRunning returns a channel closed when Running first becomes
// true. Callers must not cache the channel across a Stop/Start cycle.
func (t *Transport) WaitForRunning() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningCh
}

// SendWithReply enqueues a request and blocks for its reply (or
// timeout/cancellation).
func (t *Transport) SendWithReply(ctx context.Context, target BoundPeer, msg Message, timeout time.Duration, expectedReplies int) (*MessageRequest, error) {
	req := NewMessageRequest(target, msg, expectedReplies, timeout)
	if err := t.requestQueue.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	if _, err := req.Wait(ctx); err != nil {
		return req, err
	}
	return req, nil
}

const sendMessageTimeout = 3 * time.Second

// SendMessage is a fire-and-await variant with no expected replies.
func (t *Transport) SendMessage(ctx context.Context, target BoundPeer, msg Message) error {
	req := NewMessageRequest(target, msg, 0, sendMessageTimeout)
	if err := t.requestQueue.Enqueue(ctx, req); err != nil {
		return err
	}
	_, err := req.Wait(ctx)
	if err == ErrTimeout {
		return nil
	}
	return err
}

// BroadcastMessage enqueues msg for fan-out to every known peer except
// those in except.
func (t *Transport) BroadcastMessage(ctx context.Context, except map[common.Address]struct{}, msg Message) error {
	return t.broadcastQueue.Enqueue(ctx, BroadcastJob{Message: msg, Exclude: except})
}

// RequestCount returns the running diagnostics counter of inbound
// messages processed by the router.
func (t *Transport) RequestCount() uint64 {
	return atomic.LoadUint64(&t.requestCount)
}

func (t *Transport) pingPeer(ctx context.Context, target peer.BoundPeer, timeout time.Duration) error {
	// A nonce keeps repeated pings to the same peer from hashing to the
	// same message identifier, which would make the second and later
	// pings look like already-seen duplicates to the remote history.
	_, err := t.SendWithReply(ctx, target, Message{Type: MsgPing, Body: [][]byte{randomNonce()}}, timeout, 1)
	return err
}

// findPeer issues a FIND_NODE to via and parses the single NEIGHBORS
// reply's peer frames -- the router answers with every candidate
// packed into one envelope's body, not one envelope per candidate.
func (t *Transport) findPeer(ctx context.Context, via peer.BoundPeer, target common.Address, timeout time.Duration) ([]peer.BoundPeer, error) {
	req := NewMessageRequest(via, Message{Type: MsgFindNode, Body: [][]byte{target.Bytes(), randomNonce()}}, 1, timeout)
	if err := t.requestQueue.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	replies, err := req.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var out []peer.BoundPeer
	for _, env := range replies {
		for _, frame := range env.Message.Body {
			p, err := decodePeerFrame(frame)
			if err != nil {
				continue
			}
			out = append(out, BoundPeer{Peer: p, Endpoint: Endpoint{Host: p.PublicIP, Port: p.ListenPort}})
		}
	}
	return out, nil
}
