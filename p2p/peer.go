// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import "github.com/groundx/meshnet/peer"

// These are aliases onto package peer's identity/addressing types,
// kept in their own package so that package discover can be keyed by
// BoundPeer without importing the transport package that wires the
// routing table in.
type (
	PeerIdentity       = peer.Identity
	AppProtocolVersion = peer.AppProtocolVersion
	CompatibilityPredicate = peer.CompatibilityPredicate
	Endpoint           = peer.Endpoint
	Peer               = peer.Peer
	BoundPeer          = peer.BoundPeer
)

var (
	SignAppProtocolVersion = peer.SignAppProtocolVersion
	DefaultCompatibility   = peer.DefaultCompatibility
)
