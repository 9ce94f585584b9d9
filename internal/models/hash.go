package models

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is the 32 byte identity of blocks and transactions.
type Hash = chainhash.Hash

// HashSize is the length of a Hash in bytes.
const HashSize = chainhash.HashSize

// ZeroHash is the all-zero hash used as the genesis previous hash.
var ZeroHash Hash

// DoubleHash returns the double SHA-256 of b.
func DoubleHash(b []byte) Hash {
	return chainhash.DoubleHashH(b)
}

// NewHashFromStr decodes a byte-reversed hex string into a Hash.
func NewHashFromStr(s string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return ZeroHash, err
	}
	return *h, nil
}
