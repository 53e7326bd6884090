// Package idhash provides the keccak256-based identifier derivation used
// throughout the control plane: peer ids, DHT keys, gossip message ids,
// and service identity ids all hash through here so the derivation rule
// lives in exactly one place.
package idhash

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the Keccak-256 digest of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hex returns the hex-encoded Keccak-256 digest.
func Keccak256Hex(data ...[]byte) string {
	return hex.EncodeToString(Keccak256(data...))
}

// PeerID derives the opaque peer-id for a node-id string: "Qm" followed
// by the first 46 hex characters of keccak256(nodeID), per base spec §4.3.
func PeerID(nodeID string) string {
	digest := Keccak256Hex([]byte(nodeID))
	if len(digest) > 46 {
		digest = digest[:46]
	}
	return "Qm" + digest
}

// Key256 hashes an arbitrary identifier (a peer-id or a DHT key string)
// down to the 256-bit space used for XOR-distance comparisons.
func Key256(id string) [32]byte {
	var out [32]byte
	copy(out[:], Keccak256([]byte(id)))
	return out
}
