// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

// Package crypto provides the identity primitives the transport core
// needs: keypair generation, signing/verification over envelope
// frames, and public-key-to-address derivation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/groundx/meshnet/common"
)

// PrivateKey and PublicKey are ed25519 keys. The standard library has
// carried ed25519 since Go 1.13; no asymmetric-signature library
// appears in the project's dependency stack, so this is the one
// primitive in the envelope codec built on stdlib.
type PrivateKey = ed25519.PrivateKey
type PublicKey = ed25519.PublicKey

// GenerateKey creates a new random identity keypair.
func GenerateKey() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "crypto: generate key")
	}
	return pub, priv, nil
}

// Sign produces a signature over msg using the given private key.
func Sign(priv PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Keccak256Hash hashes the concatenation of data using SHA3-256,
// following the go-ethereum/klaytn convention of naming the digest
// after the Keccak construction it's built on (golang.org/x/crypto/sha3).
func Keccak256Hash(data ...[]byte) common.Hash {
	h := sha3.New256()
	for _, d := range data {
		h.Write(d)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// PubkeyToAddress derives the 20-byte routing address from a public
// key: the low 20 bytes of its Keccak256 hash.
func PubkeyToAddress(pub PublicKey) common.Address {
	hash := Keccak256Hash(pub)
	return common.BytesToAddress(hash[len(hash)-common.AddressLength:])
}
