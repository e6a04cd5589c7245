// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

package common

import (
	"bytes"
	"encoding/hex"
	"math/bits"
)

// AddressLength is the size in bytes of a peer's routing address.
const AddressLength = 20

// Address is the 20-byte identifier derived from a peer's public key;
// it is the Kademlia routing key.
type Address [AddressLength]byte

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) Equal(o Address) bool { return bytes.Equal(a[:], o[:]) }

func (a Address) IsZero() bool { return a == (Address{}) }

// HashLength is the size in bytes of a general-purpose hash value.
const HashLength = 32

// Hash is a 32-byte hash value, produced by crypto.Keccak256Hash-style
// digests elsewhere in the module.
type Hash [HashLength]byte

func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// DistCmp compares the distance between target and a with the distance
// between target and b, returning -1, 0 or 1. Used to order candidates by proximity to a
// lookup target.
func DistCmp(target, a, b Address) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LogDist returns the logarithmic distance between a and b: the bit
// length of a XOR b, i.e. the 1-based position of the highest differing
// bit counted from the least significant end, or 0 when a equals b.
// The Kademlia routing table uses LogDist-1 as the bucket index.
func LogDist(a, b Address) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += bits.LeadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}
