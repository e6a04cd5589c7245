// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

// Package peer holds the identity and addressing types shared by the
// transport core (package p2p) and the routing table (package
// discover). It is split out from both so that the table can be
// keyed by BoundPeer without importing the transport package that, in
// turn, wires the table in.
package peer

import (
	"bytes"
	"fmt"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/crypto"
)

// Identity is a public key; its derived Address is the routing key
// used throughout the Kademlia table.
type Identity struct {
	PublicKey crypto.PublicKey
}

// Address derives the 20-byte routing key from the identity's public key.
func (id Identity) Address() common.Address {
	return crypto.PubkeyToAddress(id.PublicKey)
}

func (id Identity) Equal(o Identity) bool {
	return bytes.Equal(id.PublicKey, o.PublicKey)
}

// AppProtocolVersion is a signed version descriptor checked on every
// non-PING inbound message.
type AppProtocolVersion struct {
	Version   int
	Extra     []byte
	Signature []byte
	Signer    crypto.PublicKey
}

// signedPayload is what Signature covers: Version and Extra, not the
// signer itself (the signer is who is vouching for this version record).
func (v AppProtocolVersion) signedPayload() []byte {
	buf := make([]byte, 0, 8+len(v.Extra))
	buf = appendUint64(buf, uint64(v.Version))
	buf = append(buf, v.Extra...)
	return buf
}

// Verify checks that Signature is a valid signature by Signer over the
// version record.
func (v AppProtocolVersion) Verify() bool {
	if len(v.Signer) == 0 || len(v.Signature) == 0 {
		return false
	}
	return crypto.Verify(v.Signer, v.signedPayload(), v.Signature)
}

// SignAppProtocolVersion produces a new AppProtocolVersion signed by
// priv, with pub as the recorded Signer.
func SignAppProtocolVersion(version int, extra []byte, pub crypto.PublicKey, priv crypto.PrivateKey) AppProtocolVersion {
	v := AppProtocolVersion{Version: version, Extra: extra, Signer: pub}
	v.Signature = crypto.Sign(priv, v.signedPayload())
	return v
}

// Equal reports byte-equality of the two version records' Version and Extra.
func (v AppProtocolVersion) Equal(o AppProtocolVersion) bool {
	return v.Version == o.Version && bytes.Equal(v.Extra, o.Extra)
}

// CompatibilityPredicate decides whether a remote AppProtocolVersion is
// acceptable given the set of trusted signers. The transport's Config
// replaces a nil predicate with DefaultCompatibility.
type CompatibilityPredicate func(local, remote AppProtocolVersion, trustedSigners map[string]struct{}) bool

// DefaultCompatibility accepts the remote version iff its Version and
// Extra equal the local one's (see Equal), or it was signed by a
// trusted signer whose signature verifies.
func DefaultCompatibility(local, remote AppProtocolVersion, trustedSigners map[string]struct{}) bool {
	if local.Equal(remote) {
		return true
	}
	if len(trustedSigners) == 0 {
		return false
	}
	if _, ok := trustedSigners[string(remote.Signer)]; !ok {
		return false
	}
	return remote.Verify()
}

// Endpoint is a network address a BoundPeer can be reached at.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

func (e Endpoint) ZeroMQAddr() string { return fmt.Sprintf("tcp://%s:%d", e.Host, e.Port) }

// Peer is an unbound peer: identity, the app version it last claimed,
// and the address it advertises itself as reachable on. PublicIP and
// ListenPort are empty/zero only for a not-yet-bound local self; every
// peer learned over the wire carries both, since they travel in every
// outbound envelope's sender frame (see encodePeerFrame).
type Peer struct {
	Identity   Identity
	AppVersion AppProtocolVersion
	PublicIP   string // optional; empty if unknown
	ListenPort uint16 // the port this peer accepts inbound connections on
}

func (p Peer) Address() common.Address { return p.Identity.Address() }

// BoundPeer additionally carries a network Endpoint; it is the only
// form addressable by the transport.
type BoundPeer struct {
	Peer
	Endpoint Endpoint
}

func (b BoundPeer) String() string {
	return fmt.Sprintf("%s@%s", b.Address().Hex(), b.Endpoint)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(buf, tmp[:]...)
}
