// Package address contains the short 40-bit node address type used on the
// wire and as the key of the peer database, along with functions for parsing
// and formatting it. Addresses are derived from identity public keys; that
// derivation lives in the identity package since it needs the memory-hard
// hash.
package address

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Length is the length of an address in bytes when marshaled.
const Length = 5

// Reserved is the all-ones address, which may never be assigned to a node.
const Reserved = Address(0xffffffffff)

// Address is a 40-bit node address stored in the least significant bits of a
// 64-bit word. The top 24 bits are always zero.
type Address uint64

var errInvalidAddress = errors.New("invalid address")

// FromBytes reads a 5-byte big-endian address.
func FromBytes(b []byte) (Address, error) {
	if len(b) < Length {
		return 0, errInvalidAddress
	}
	a := Address(b[0])<<32 | Address(b[1])<<24 | Address(b[2])<<16 | Address(b[3])<<8 | Address(b[4])
	return a, nil
}

// FromString parses the 10-digit hex form of an address.
func FromString(s string) (Address, error) {
	if len(s) != 10 {
		return 0, errInvalidAddress
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errInvalidAddress
	}
	return FromBytes(b)
}

// Bytes returns the 5-byte big-endian form of the address.
func (a Address) Bytes() [Length]byte {
	return [Length]byte{byte(a >> 32), byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}
}

// AppendTo appends the 5-byte big-endian form to a slice.
func (a Address) AppendTo(b []byte) []byte {
	ab := a.Bytes()
	return append(b, ab[:]...)
}

// CopyTo writes the 5-byte big-endian form into b, which must be at least
// Length bytes long.
func (a Address) CopyTo(b []byte) {
	_ = b[Length-1]
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// IsReserved returns true if this address may not be assigned to a node.
// Addresses whose first byte is zero are reserved for future use as
// prefixes, and addresses whose first byte is 0xff (including the all-ones
// broadcast value) are reserved because that byte position doubles as the
// fragment indicator in the packet header.
func (a Address) IsReserved() bool {
	return (a >> 32) == 0 || (a >> 32) == 0xff
}

// Valid returns true if the address is nonzero, within 40 bits and not
// reserved.
func (a Address) Valid() bool {
	return a != 0 && (a>>40) == 0 && !a.IsReserved()
}

func (a Address) String() string {
	return fmt.Sprintf("%.10x", uint64(a))
}
