// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/crypto"
	"github.com/groundx/meshnet/log"
)

// routingTable is the subset of the Kademlia protocol's surface the
// router needs: record liveness from an inbound envelope and answer
// FIND_NODE queries with the closest known peers.
type routingTable interface {
	Receive(sender BoundPeer)
	ClosestPeers(target common.Address, n int) []BoundPeer
}

const neighborsReplyCount = 16

// router is the single inbound ROUTER socket. It never shares
// its socket with any other goroutine; everything else communicates
// with it via the reply queue. It also answers the PING/FIND_NODE
// routing protocol directly -- those never reach the application
// message handler.
type router struct {
	logger       *log.Logger
	sock         zmq4.Socket
	history      *MessageHistory
	table        routingTable
	cfg          *Config
	replyQueue   *Queue[replyJob]
	requestCount *uint64
	listenAddr   string

	self    Peer
	privKey crypto.PrivateKey
}

// replyJob is one pending reply: the opaque router identity the
// reply must be addressed to, plus the encoded envelope frames.
type replyJob struct {
	identity []byte
	frames   [][]byte
}

func newRouter(logger *log.Logger, cfg *Config, history *MessageHistory, table routingTable, requestCount *uint64, self Peer, privKey crypto.PrivateKey) *router {
	sock := zmq4.NewRouter(context.Background())
	return &router{
		logger:       logger,
		sock:         sock,
		history:      history,
		table:        table,
		cfg:          cfg,
		replyQueue:   NewQueue[replyJob](256),
		requestCount: requestCount,
		self:         self,
		privKey:      privKey,
	}
}

// Bind starts listening on the configured port (or a random one if
// ListenPort is zero) and records the bound address.
func (r *router) Bind() error {
	addr := fmt.Sprintf("tcp://*:%d", r.cfg.ListenPort)
	if err := r.sock.Listen(addr); err != nil {
		return errors.Wrap(err, "router: bind")
	}
	r.listenAddr = r.sock.Addr().String()
	return nil
}

// Port reports the TCP port the router actually bound to, useful when
// ListenPort was zero (random bind).
func (r *router) Port() uint16 {
	if tcpAddr, ok := r.sock.Addr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return 0
}

// RecvLoop drains inbound messages until ctx is cancelled. Each
// message is parsed, checked against history, validated for version
// compatibility, fed to the routing table, and dispatched to the
// configured message handler.
func (r *router) RecvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := r.sock.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.logger.Warn("router recv failed", "error", err)
			continue
		}
		r.handle(ctx, msg.Frames)
	}
}

func (r *router) handle(ctx context.Context, frames [][]byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: message pipeline panicked", "panic", rec)
		}
	}()
	select {
	case <-ctx.Done():
		return
	default:
	}

	env, err := decode(frames, true)
	if err != nil {
		r.logger.Debug("dropping invalid message", "error", err)
		return
	}
	atomic.AddUint64(r.requestCount, 1)

	msgID := messageIdentifier(env)
	if !r.history.Add(msgID) {
		r.logger.Debug("dropping already-seen message", "id", msgID)
		return
	}

	sender := BoundPeer{Peer: env.Sender, Endpoint: Endpoint{Host: env.Sender.PublicIP, Port: env.Sender.ListenPort}}

	if env.Message.Type != MsgPing {
		if !r.cfg.Compatibility(r.cfg.AppVersion, env.Sender.AppVersion, r.cfg.TrustedSigners) {
			if r.cfg.DifferentVersionHandler != nil {
				r.cfg.DifferentVersionHandler(sender, env.Sender.AppVersion)
			}
			return
		}
	}

	r.table.Receive(sender)

	switch env.Message.Type {
	case MsgPing:
		r.replyPong(ctx, env.ReplyIdentity)
	case MsgFindNode:
		r.replyNeighbors(ctx, env.ReplyIdentity, env.Message)
	case MsgPong, MsgNeighbors:
		// Replies are consumed by the dealer that asked for them; one
		// arriving here is unsolicited and is dropped.
		r.logger.Debug("dropping unsolicited routing reply", "type", env.Message.Type)
	default:
		if r.cfg.MessageHandler != nil {
			r.cfg.MessageHandler(sender, env.Message)
		}
	}
}

// replyPong answers an inbound PING immediately; this is part of the
// routing protocol itself and never reaches the application handler.
func (r *router) replyPong(ctx context.Context, identity []byte) {
	frames, err := encode(Message{Type: MsgPong}, r.privKey, r.self)
	if err != nil {
		r.logger.Warn("pong encode failed", "error", err)
		return
	}
	if err := r.Reply(ctx, identity, frames); err != nil {
		r.logger.Debug("pong reply dropped", "error", err)
	}
}

// replyNeighbors answers an inbound FIND_NODE with up to
// neighborsReplyCount peers closest to the requested address.
func (r *router) replyNeighbors(ctx context.Context, identity []byte, msg Message) {
	if len(msg.Body) == 0 {
		return
	}
	var target common.Address
	copy(target[:], msg.Body[0])

	peers := r.table.ClosestPeers(target, neighborsReplyCount)
	body := make([][]byte, 0, len(peers))
	for _, p := range peers {
		body = append(body, encodePeerFrame(p.Peer))
	}
	frames, err := encode(Message{Type: MsgNeighbors, Body: body}, r.privKey, r.self)
	if err != nil {
		r.logger.Warn("neighbors encode failed", "error", err)
		return
	}
	if err := r.Reply(ctx, identity, frames); err != nil {
		r.logger.Debug("neighbors reply dropped", "error", err)
	}
}

// ReplyLoop drains the reply queue and sends each job with a bounded
// send timeout. Failed sends are logged, not retried -- the original
// caller is expected to time out on its own.
func (r *router) ReplyLoop(ctx context.Context) {
	for {
		job, err := r.replyQueue.Dequeue(ctx)
		if err != nil {
			return
		}
		frames := append([][]byte{job.identity}, job.frames...)
		if err := sendReplyWithTimeout(ctx, r.sock, frames, r.cfg.ReplySendTimeout); err != nil {
			r.logger.Warn("router reply send failed", "error", err)
		}
	}
}

// sendReplyWithTimeout performs sock.Send but honors both ctx and a
// per-call timeout, since zmq4.Socket.Send has no context parameter
// (mirrors dealer.go's sendWithTimeout for the DEALER side).
func sendReplyWithTimeout(ctx context.Context, sock zmq4.Socket, frames [][]byte, timeout time.Duration) error {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := make(chan error, 1)
	go func() { ch <- sock.Send(zmq4.NewMsgFrom(frames...)) }()
	select {
	case err := <-ch:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

// Reply enqueues an encoded reply addressed to the given router
// identity for the reply loop to drain.
func (r *router) Reply(ctx context.Context, identity []byte, frames [][]byte) error {
	return r.replyQueue.Enqueue(ctx, replyJob{identity: identity, frames: frames})
}

// Close disposes the reply queue and the router socket.
func (r *router) Close() error {
	r.replyQueue.Close()
	return r.sock.Close()
}
