// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundx/meshnet/crypto"
)

func newTestPeer(t *testing.T) (Peer, crypto.PrivateKey) {
	pub, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return Peer{Identity: PeerIdentity{PublicKey: pub}, AppVersion: AppProtocolVersion{Version: 1}}, priv
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	self, priv := newTestPeer(t)

	cases := []struct {
		name string
		msg  Message
	}{
		{"no body", Message{Type: MsgPing}},
		{"single frame", Message{Type: MsgFindNode, Body: [][]byte{{1, 2, 3}}}},
		{"multi frame", Message{Type: MsgNeighbors, Body: [][]byte{{1}, {2, 2}, {}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frames, err := encode(tc.msg, priv, self)
			require.NoError(t, err)

			env, err := decode(frames, false)
			require.NoError(t, err)
			assert.Equal(t, tc.msg.Type, env.Message.Type)
			assert.Equal(t, tc.msg.Body, env.Message.Body)
			assert.True(t, env.Sender.Identity.Equal(self.Identity))
		})
	}
}

func TestDecodeWithReplyIdentity(t *testing.T) {
	self, priv := newTestPeer(t)
	frames, err := encode(Message{Type: MsgPing}, priv, self)
	require.NoError(t, err)

	identity := []byte("router-assigned-id")
	withIdentity := append([][]byte{identity}, frames...)

	env, err := decode(withIdentity, true)
	require.NoError(t, err)
	assert.Equal(t, identity, env.ReplyIdentity)
	assert.Equal(t, MsgPing, env.Message.Type)
}

func TestDecodeRejectsTamperedBody(t *testing.T) {
	self, priv := newTestPeer(t)
	frames, err := encode(Message{Type: MsgFindNode, Body: [][]byte{{1, 2, 3}}}, priv, self)
	require.NoError(t, err)

	tampered := append([][]byte(nil), frames...)
	bodyIdx := 3 // frames: [version, sender, type, body..., signature]
	tampered[bodyIdx] = append([]byte(nil), tampered[bodyIdx]...)
	tampered[bodyIdx][0] ^= 0xFF

	_, err = decode(tampered, false)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	self, priv := newTestPeer(t)
	frames, err := encode(Message{Type: MsgPing}, priv, self)
	require.NoError(t, err)

	tampered := append([][]byte(nil), frames...)
	sigIdx := len(tampered) - 1
	tampered[sigIdx] = append([]byte(nil), tampered[sigIdx]...)
	tampered[sigIdx][0] ^= 0xFF

	_, err = decode(tampered, false)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	_, err := decode([][]byte{{1}, {2}}, false)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageIdentifierStableAndDistinct(t *testing.T) {
	self, priv := newTestPeer(t)
	frames1, err := encode(Message{Type: MsgPing, Body: [][]byte{{1}}}, priv, self)
	require.NoError(t, err)
	env1, err := decode(frames1, false)
	require.NoError(t, err)

	frames2, err := encode(Message{Type: MsgPing, Body: [][]byte{{1}}}, priv, self)
	require.NoError(t, err)
	env2, err := decode(frames2, false)
	require.NoError(t, err)

	assert.Equal(t, messageIdentifier(env1), messageIdentifier(env2))

	frames3, err := encode(Message{Type: MsgPing, Body: [][]byte{{2}}}, priv, self)
	require.NoError(t, err)
	env3, err := decode(frames3, false)
	require.NoError(t, err)

	assert.NotEqual(t, messageIdentifier(env1), messageIdentifier(env3))
}
