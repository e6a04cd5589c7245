// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.
//
// Envelope codec. Frames are raw [][]byte, the same level at which a
// ZeroMQ socket already operates, so this is hand-rolled on stdlib
// encoding/binary rather than routed through a generic object
// marshaler (see DESIGN.md).
package p2p

import (
	cryptorand "crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/groundx/meshnet/common"
	"github.com/groundx/meshnet/crypto"
)

// Message is the payload-agnostic body the transport carries: a one
// byte type tag plus zero or more opaque body frames.
type Message struct {
	Type byte
	Body [][]byte
}

// Known message type tags used by the routing protocol. Any other
// value is forwarded to the application message handler untouched --
// the transport does not interpret application payloads.
const (
	MsgPing      byte = 0x01
	MsgPong      byte = 0x02
	MsgFindNode  byte = 0x03
	MsgNeighbors byte = 0x04
)

// Envelope is a decoded wire message.
type Envelope struct {
	// ReplyIdentity is the opaque reply-routing token the router
	// assigned to the originator. Set only when decode is called with
	// isReply=true, which the router does for every inbound message so
	// its reply can be addressed back; replies decoded by a dealer
	// leave it nil.
	ReplyIdentity []byte
	Version       AppProtocolVersion
	Message       Message
	Sender        Peer
}

func encodeLenPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

func decodeLenPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("envelope: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, errors.New("envelope: truncated value")
	}
	return b[:n], b[n:], nil
}

func encodeVersionFrame(v AppProtocolVersion) []byte {
	var buf []byte
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], uint64(v.Version))
	buf = append(buf, ver[:]...)
	buf = append(buf, encodeLenPrefixed(v.Extra)...)
	buf = append(buf, encodeLenPrefixed(v.Signature)...)
	buf = append(buf, encodeLenPrefixed(v.Signer)...)
	return buf
}

func decodeVersionFrame(b []byte) (AppProtocolVersion, error) {
	var v AppProtocolVersion
	if len(b) < 8 {
		return v, errors.New("envelope: truncated version frame")
	}
	v.Version = int(binary.BigEndian.Uint64(b[:8]))
	b = b[8:]
	var err error
	if v.Extra, b, err = decodeLenPrefixed(b); err != nil {
		return v, err
	}
	if v.Signature, b, err = decodeLenPrefixed(b); err != nil {
		return v, err
	}
	var signer []byte
	if signer, _, err = decodeLenPrefixed(b); err != nil {
		return v, err
	}
	v.Signer = signer
	return v, nil
}

// encodePeerFrame serializes identity, version, and the full dialable
// address (PublicIP + ListenPort) a peer advertises itself on. Every
// envelope's sender frame and every NEIGHBORS candidate go through
// this, so a recipient can always reconstruct a dialable BoundPeer
// without a separate lookup.
func encodePeerFrame(p Peer) []byte {
	var buf []byte
	buf = append(buf, encodeLenPrefixed(p.Identity.PublicKey)...)
	buf = append(buf, encodeVersionFrame(p.AppVersion)...)
	buf = append(buf, encodeLenPrefixed([]byte(p.PublicIP))...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], p.ListenPort)
	buf = append(buf, portBuf[:]...)
	return buf
}

func decodePeerFrame(b []byte) (Peer, error) {
	var p Peer
	pub, rest, err := decodeLenPrefixed(b)
	if err != nil {
		return p, err
	}
	p.Identity.PublicKey = append([]byte(nil), pub...)

	// AppVersion was appended as a contiguous version frame with no
	// length prefix of its own; decodeVersionFrame consumes exactly
	// its own fields and decodeVersionFrameWithLen reports how many
	// bytes it ate so the remainder can be parsed in order.
	v, versionLen, err := decodeVersionFrameWithLen(rest)
	if err != nil {
		return p, err
	}
	p.AppVersion = v
	rest = rest[versionLen:]

	ipBytes, rest, err := decodeLenPrefixed(rest)
	if err != nil {
		return p, err
	}
	p.PublicIP = string(ipBytes)

	if len(rest) < 2 {
		return p, errors.New("envelope: truncated peer port")
	}
	p.ListenPort = binary.BigEndian.Uint16(rest[:2])
	return p, nil
}

// decodeVersionFrameWithLen decodes a version frame from the front of
// b and reports how many bytes it consumed, so callers embedding a
// version frame inline (without its own outer length prefix) can find
// the remainder.
func decodeVersionFrameWithLen(b []byte) (AppProtocolVersion, int, error) {
	if len(b) < 8 {
		return AppProtocolVersion{}, 0, errors.New("envelope: truncated version frame")
	}
	start := len(b)
	v := AppProtocolVersion{Version: int(binary.BigEndian.Uint64(b[:8]))}
	cur := b[8:]
	var chunk []byte
	var err error
	if chunk, cur, err = decodeLenPrefixed(cur); err != nil {
		return v, 0, err
	}
	v.Extra = chunk
	if chunk, cur, err = decodeLenPrefixed(cur); err != nil {
		return v, 0, err
	}
	v.Signature = chunk
	if chunk, cur, err = decodeLenPrefixed(cur); err != nil {
		return v, 0, err
	}
	v.Signer = chunk
	consumed := start - len(cur)
	return v, consumed, nil
}

func encodeMessageFrames(m Message) [][]byte {
	frames := make([][]byte, 0, 2+len(m.Body))
	frames = append(frames, []byte{m.Type})
	frames = append(frames, m.Body...)
	return frames
}

// encode attaches version, type, sender, body and a trailing signature
// frame, signing the concatenation of the version, sender, type and
// body frames in order.
func encode(m Message, priv crypto.PrivateKey, self Peer) ([][]byte, error) {
	versionFrame := encodeVersionFrame(self.AppVersion)
	senderFrame := encodePeerFrame(self)
	typeAndBody := encodeMessageFrames(m)

	signed := append([]byte(nil), versionFrame...)
	signed = append(signed, senderFrame...)
	for _, f := range typeAndBody {
		signed = append(signed, f...)
	}
	sig := crypto.Sign(priv, signed)

	frames := make([][]byte, 0, 3+len(typeAndBody)+1)
	frames = append(frames, versionFrame, senderFrame)
	frames = append(frames, typeAndBody...)
	frames = append(frames, sig)
	return frames, nil
}

// decode validates frame count/order, verifies the signature and
// parses the body. isReply indicates whether frames[0] is the router
// identity frame. No empty delimiter frame is written by encode or
// expected here: the version frame follows the identity directly.
func decode(frames [][]byte, isReply bool) (*Envelope, error) {
	var replyIdentity []byte
	if isReply {
		if len(frames) < 1 {
			return nil, errors.Wrap(ErrInvalidMessage, "missing identity frame")
		}
		replyIdentity = frames[0]
		frames = frames[1:]
	}
	// frames: [version, sender, type, body..., signature]
	if len(frames) < 4 {
		return nil, errors.Wrap(ErrInvalidMessage, "too few frames")
	}

	versionFrame := frames[0]
	senderFrame := frames[1]
	typeAndBody := frames[2 : len(frames)-1]
	sig := frames[len(frames)-1]

	version, err := decodeVersionFrame(versionFrame)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	sender, err := decodePeerFrame(senderFrame)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	if len(typeAndBody) < 1 {
		return nil, errors.Wrap(ErrInvalidMessage, "missing type frame")
	}
	if len(typeAndBody[0]) != 1 {
		return nil, errors.Wrap(ErrInvalidMessage, "malformed type frame")
	}
	msg := Message{Type: typeAndBody[0][0], Body: typeAndBody[1:]}

	signed := append([]byte(nil), versionFrame...)
	signed = append(signed, senderFrame...)
	for _, f := range typeAndBody {
		signed = append(signed, f...)
	}
	if len(sig) == 0 || !crypto.Verify(sender.Identity.PublicKey, signed, sig) {
		return nil, errors.Wrap(ErrInvalidMessage, "signature verification failed")
	}

	return &Envelope{
		ReplyIdentity: replyIdentity,
		Version:       version,
		Message:       msg,
		Sender:        sender,
	}, nil
}

// randomNonce returns 8 random bytes used to keep otherwise-identical
// control messages (repeated pings, repeated find-node queries) from
// hashing to the same messageIdentifier.
func randomNonce() []byte {
	b := make([]byte, 8)
	_, _ = cryptorand.Read(b)
	return b
}

// messageIdentifier derives the hash MessageHistory dedups on: the
// sender's public key plus the type and body frames, so the same logical
// message from the same sender always maps to the same entry.
func messageIdentifier(env *Envelope) common.Hash {
	parts := make([][]byte, 0, 2+len(env.Message.Body))
	parts = append(parts, env.Sender.Identity.PublicKey, []byte{env.Message.Type})
	parts = append(parts, env.Message.Body...)
	return crypto.Keccak256Hash(parts...)
}
