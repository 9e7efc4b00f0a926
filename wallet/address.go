package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable part of a bech32 wallet address.
type AddressPrefix string

const (
	// KooPrefix is the prefix used for platform wallet addresses.
	KooPrefix AddressPrefix = "koo"
)

// Address represents a 20-byte wallet address with a human-readable prefix.
// Addresses are compared in their canonical string form; two addresses are
// the same wallet iff their encoded strings are byte-for-byte equal.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("wallet: address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 wallet address in canonical form.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// IsValidAddress reports whether s is a syntactically valid wallet address.
// Role slots on an escrow must pass this check before submission.
func IsValidAddress(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed != s {
		return false
	}
	_, err := DecodeAddress(trimmed)
	return err == nil
}
