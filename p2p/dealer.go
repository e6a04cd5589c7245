// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/groundx/meshnet/crypto"
	"github.com/groundx/meshnet/log"
	turnclient "github.com/groundx/meshnet/p2p/turn"
)

const dealerRetryBackoff = 100 * time.Millisecond

// dealerPool is the fixed-size worker pool that drains the request
// queue, opens a short-lived dealer socket per request, sends, awaits
// the expected replies, and resolves the request's completion handle.
type dealerPool struct {
	logger     *log.Logger
	cfg        *Config
	queue      *Queue[*MessageRequest]
	self       Peer
	privKey    crypto.PrivateKey
	table      routingTable
	turnClient *turnclient.Client
	history    *MessageHistory

	workers int
}

func newDealerPool(logger *log.Logger, cfg *Config, queue *Queue[*MessageRequest], self Peer, priv crypto.PrivateKey, table routingTable, turnClient *turnclient.Client, history *MessageHistory) *dealerPool {
	return &dealerPool{
		logger:     logger,
		cfg:        cfg,
		queue:      queue,
		self:       self,
		privKey:    priv,
		table:      table,
		turnClient: turnClient,
		history:    history,
		workers:    cfg.Workers,
	}
}

// Run launches the worker loops and blocks until ctx is cancelled and
// every worker has exited.
func (p *dealerPool) Run(ctx context.Context) {
	done := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		go func(id int) {
			p.workerLoop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *dealerPool) workerLoop(ctx context.Context, id int) {
	for {
		req, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.process(ctx, req)
	}
}

func (p *dealerPool) process(ctx context.Context, req *MessageRequest) {
	if p.turnClient != nil {
		if udpAddr, err := net.ResolveUDPAddr("udp4", req.Target.Endpoint.String()); err == nil {
			if err := p.turnClient.CreatePermission(udpAddr); err != nil {
				p.logger.Warn("turn: create permission failed", "peer", req.Target, "error", err)
			}
		}
	}

	sock := zmq4.NewDealer(context.Background())
	sock.SetOption(zmq4.OptionLinger, 60*time.Second)
	addr := fmt.Sprintf("tcp://%s:%d", req.Target.Endpoint.Host, req.Target.Endpoint.Port)

	retryAfter := func(cause error) {
		if req.Retryable() {
			req.MarkRetry()
			time.Sleep(dealerRetryBackoff)
			go func() {
				if enqErr := p.queue.Enqueue(ctx, req); enqErr != nil {
					p.logger.Warn("dealer: requeue failed", "error", enqErr)
				}
			}()
			return
		}
		p.logger.Warn("dealer: request exhausted retries, discarding", "error", cause)
		req.Fail(ErrTimeout)
	}

	defer func() {
		time.Sleep(p.cfg.DealerDisposeDelay)
		sock.Close()
	}()

	if err := sock.Dial(addr); err != nil {
		retryAfter(err)
		return
	}

	frames, err := encode(req.Message, p.privKey, p.self)
	if err != nil {
		p.logger.Error("dealer: encode request failed", "error", err)
		req.Fail(err)
		return
	}

	sendErr := sendWithTimeout(ctx, sock, frames, req.Timeout)
	if sendErr != nil {
		select {
		case <-ctx.Done():
			req.Fail(ErrCancelled)
			return
		default:
		}
		if sendErr == context.DeadlineExceeded {
			req.Fail(ErrTimeout)
			return
		}
		retryAfter(sendErr)
		return
	}

	for i := 0; i < req.ExpectedReplies; i++ {
		recvCtx, cancel := context.WithTimeout(ctx, req.Timeout)
		msg, recvErr := recvWithContext(recvCtx, sock)
		cancel()
		if recvErr != nil {
			if recvErr == context.DeadlineExceeded {
				req.Fail(ErrTimeout)
				return
			}
			select {
			case <-ctx.Done():
				req.Fail(ErrCancelled)
				return
			default:
			}
			retryAfter(recvErr)
			return
		}

		env, decodeErr := decode(msg, false)
		if decodeErr != nil {
			req.Fail(decodeErr)
			return
		}
		// Record the reply in the same history the router's recv loop
		// writes to, so the two histories agree on what this node has
		// observed. The result of Add is not checked: a reply whose
		// identifier is already recorded is still delivered.
		p.history.Add(messageIdentifier(env))
		if !p.cfg.Compatibility(p.cfg.AppVersion, env.Sender.AppVersion, p.cfg.TrustedSigners) {
			if p.cfg.DifferentVersionHandler != nil {
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							p.logger.Error("dealer: different-version handler panicked", "panic", rec)
						}
					}()
					p.cfg.DifferentVersionHandler(req.Target, env.Sender.AppVersion)
				}()
			}
			req.Fail(ErrDifferentVersion)
			return
		}
		if i == 0 {
			p.table.Receive(req.Target)
		}
		req.Reply(env)
	}
}

// recvWithContext blocks on sock.Recv() but honors ctx cancellation,
// since the underlying zmq4 socket has no context-aware Recv.
func recvWithContext(ctx context.Context, sock zmq4.Socket) ([][]byte, error) {
	type result struct {
		frames [][]byte
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := sock.Recv()
		ch <- result{frames: msg.Frames, err: err}
	}()
	select {
	case r := <-ch:
		return r.frames, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendWithTimeout performs sock.Send but honors both ctx and a
// per-call timeout, since zmq4.Socket.Send has no context parameter.
func sendWithTimeout(ctx context.Context, sock zmq4.Socket, frames [][]byte, timeout time.Duration) error {
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
