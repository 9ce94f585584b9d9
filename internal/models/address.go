package models

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// AddressLen is the fixed ASCII length of an address on the wire.
const AddressLen = 40

// Address is the hex encoded Hash160 of a compressed public key.
type Address string

// AddressFromPubKey derives the address owning the serialized public key.
func AddressFromPubKey(pubKey []byte) Address {
	return Address(hex.EncodeToString(btcutil.Hash160(pubKey)))
}

// Validate checks that a is 40 lowercase hex characters.
func (a Address) Validate() error {
	if len(a) != AddressLen {
		return fmt.Errorf("address length %d, want %d", len(a), AddressLen)
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("address contains non-hex character %q", c)
		}
	}
	return nil
}
