package identity

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/virtnet-io/virtnet/src/address"
)

// HashSize is the size of the fingerprint hash in bytes.
const HashSize = 48

// FingerprintSize is the size of a marshaled fingerprint.
const FingerprintSize = address.Length + HashSize

// Fingerprint uniquely identifies an identity: the short address plus the
// SHA-384 hash of the full public key material. Address collisions are
// possible in principle; fingerprint collisions are not.
type Fingerprint struct {
	Addr address.Address
	Hash [HashSize]byte
}

// HaveHash returns true if the hash portion is set. A fingerprint with only
// an address still matches by address but cannot distinguish multi-key
// identities.
func (fp Fingerprint) HaveHash() bool {
	return fp.Hash != [HashSize]byte{}
}

// Equal compares both address and hash.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	return fp.Addr == other.Addr && fp.Hash == other.Hash
}

// AppendTo appends the marshaled form: 5-byte address then 48-byte hash.
func (fp Fingerprint) AppendTo(b []byte) []byte {
	b = fp.Addr.AppendTo(b)
	return append(b, fp.Hash[:]...)
}

// FingerprintFromBytes reads a marshaled fingerprint.
func FingerprintFromBytes(b []byte) (Fingerprint, error) {
	var fp Fingerprint
	if len(b) < FingerprintSize {
		return fp, errors.New("invalid fingerprint")
	}
	fp.Addr, _ = address.FromBytes(b)
	copy(fp.Hash[:], b[address.Length:FingerprintSize])
	return fp, nil
}

// String returns "address-hexhash".
func (fp Fingerprint) String() string {
	return fp.Addr.String() + "-" + hex.EncodeToString(fp.Hash[:])
}

// FingerprintFromString parses the form produced by String. The hash portion
// may be omitted, in which case only the address is set.
func FingerprintFromString(s string) (Fingerprint, error) {
	var fp Fingerprint
	addrPart, hashPart, found := strings.Cut(s, "-")
	addr, err := address.FromString(addrPart)
	if err != nil {
		return fp, err
	}
	fp.Addr = addr
	if found && hashPart != "" {
		h, err := hex.DecodeString(hashPart)
		if err != nil || len(h) != HashSize {
			return fp, errors.New("invalid fingerprint hash")
		}
		copy(fp.Hash[:], h)
	}
	return fp, nil
}
