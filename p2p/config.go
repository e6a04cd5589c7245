// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/groundx/meshnet/crypto"
)

// ICEServer describes one STUN/TURN server the TURN client may use.
type ICEServer struct {
	URL      string
	Username string
	Password string
}

// DifferentVersionHandler is invoked whenever a remote peer's declared
// AppProtocolVersion is rejected by the compatibility predicate.
type DifferentVersionHandler func(remote BoundPeer, remoteVersion AppProtocolVersion)

// MessageHandler is invoked once for each valid inbound message.
type MessageHandler func(sender BoundPeer, msg Message)

// Config collects every option the transport facade needs. It is a
// plain struct built by the embedding program -- no flag or file
// parsing is wired in here.
type Config struct {
	PrivateKey     crypto.PrivateKey
	PublicKey      crypto.PublicKey
	AppVersion     AppProtocolVersion
	TrustedSigners map[string]struct{}
	Compatibility  CompatibilityPredicate

	TableSize  int
	BucketSize int
	Workers    int

	Host       string
	ListenPort uint16
	ICEServers []ICEServer

	DifferentVersionHandler DifferentVersionHandler
	MessageHandler          MessageHandler

	// RelayProxyWorkers is the number of relay-proxy accept loops, each
	// starting one bidirectional tunnel per accepted relayed stream;
	// default 3.
	RelayProxyWorkers int
	// ReplySendTimeout bounds the router's reply-queue drain send;
	// default 1s.
	ReplySendTimeout time.Duration
	// DealerDisposeDelay is the pause before a dealer socket is torn
	// down after use; default 100ms.
	DealerDisposeDelay time.Duration
	// BroadcastConcurrency bounds how many peers a broadcast fans out
	// to in parallel; default 8.
	BroadcastConcurrency int

	// RefreshTableInterval and RebuildConnectionInterval tune the two
	// periodic loops the facade runs while Running.
	RefreshTableInterval      time.Duration
	RebuildConnectionInterval time.Duration

	Logger LoggingFactory
}

// LoggingFactory aliases pion's logger factory type. Config.Logger is
// not read by the transport: the TURN client bridges pion's logging to
// the *log.Logger passed to NewTransport (see turn.NewClient).
type LoggingFactory = logging.LoggerFactory

// applyDefaults fills zero-valued tunables with their documented
// defaults; it does not touch required fields.
func (c *Config) applyDefaults() {
	if c.TableSize <= 0 {
		c.TableSize = 256
	}
	if c.BucketSize <= 0 {
		c.BucketSize = 16
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RelayProxyWorkers <= 0 {
		c.RelayProxyWorkers = 3
	}
	if c.ReplySendTimeout <= 0 {
		c.ReplySendTimeout = time.Second
	}
	if c.DealerDisposeDelay <= 0 {
		c.DealerDisposeDelay = 100 * time.Millisecond
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = 8
	}
	if c.RefreshTableInterval <= 0 {
		c.RefreshTableInterval = 10 * time.Second
	}
	if c.RebuildConnectionInterval <= 0 {
		c.RebuildConnectionInterval = 30 * time.Minute
	}
	if c.Compatibility == nil {
		c.Compatibility = DefaultCompatibility
	}
}

// Validate enforces the lifecycle-visible configuration invariants:
// the identity keypair is required, and at least one of host or
// ice_servers must be set. The transport's Start stands up a TURN
// client only when host is empty.
func (c *Config) Validate() error {
	if len(c.PrivateKey) == 0 || len(c.PublicKey) == 0 {
		return errors.Wrap(ErrBadConfig, "private_key/app identity required")
	}
	if c.Host == "" && len(c.ICEServers) == 0 {
		return errors.Wrap(ErrBadConfig, "either host or ice_servers must be set")
	}
	return nil
}
