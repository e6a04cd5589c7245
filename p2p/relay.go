// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/groundx/meshnet/log"
	"github.com/groundx/meshnet/p2p/turn"
)

// relayProxy runs RelayProxyWorkers accept loops, each tunneling
// accepted relayed streams to the local listening port bidirectionally.
type relayProxy struct {
	logger     *log.Logger
	turnClient *turn.Client
	listenPort uint16
	workers    int

	wg sync.WaitGroup
}

func newRelayProxy(logger *log.Logger, tc *turn.Client, listenPort uint16, workers int) *relayProxy {
	if workers <= 0 {
		workers = 3
	}
	return &relayProxy{logger: logger, turnClient: tc, listenPort: listenPort, workers: workers}
}

// Run starts the configured number of accept loops and blocks until
// ctx is cancelled, then waits for the accept loops to return. Tunnels
// already started are not waited for; each ends when ctx is cancelled
// or one of its sides closes.
func (r *relayProxy) Run(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.acceptLoop(ctx)
	}
	<-ctx.Done()
	r.wg.Wait()
}

func (r *relayProxy) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		stream, err := r.turnClient.AcceptRelayedStream()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.logger.Warn("accept relayed stream failed, retrying", "error", err)
			continue
		}
		go r.tunnel(ctx, stream)
	}
}

// tunnel copies bytes bidirectionally between the relayed stream and a
// fresh connection to 127.0.0.1:listenPort. Either side closing or
// erroring closes both.
func (r *relayProxy) tunnel(ctx context.Context, stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", r.listenPort))
	if err != nil {
		r.logger.Error("relay proxy: dial local listener failed", "error", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, stream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stream, local)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
