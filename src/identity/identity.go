// Package identity implements node identities: asymmetric keypairs whose
// public halves derive the node's short address through a memory-hard
// proof-of-work hash. An identity is the root of trust for everything a node
// does on the network.
package identity

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/virtnet-io/virtnet/src/address"
)

// Type selects the cryptosystem used by an identity.
type Type uint8

const (
	// TypeC25519 identities carry an X25519 key agreement key and an
	// Ed25519 signing key.
	TypeC25519 Type = 0

	// TypeP384 identities additionally carry a NIST P-384 ECDH key whose
	// agreement output is mixed into the shared secret.
	TypeP384 Type = 1
)

const (
	c25519PublicSize  = 64 // X25519 public key followed by Ed25519 public key
	c25519PrivateSize = 64 // X25519 private key followed by Ed25519 seed
	p384PublicSize    = c25519PublicSize + 97
	p384PrivateSize   = c25519PrivateSize + 48

	// SignatureSize is the size of an identity signature in bytes.
	SignatureSize = ed25519.SignatureSize

	// SharedSecretSize is the size of the key agreement output in bytes.
	SharedSecretSize = 48

	// MarshalSizeMax is the maximum size of a marshaled identity.
	MarshalSizeMax = address.Length + 1 + p384PublicSize + 1 + p384PrivateSize
)

// Address derivation parameters. The hash is deliberately memory-hard so
// that grinding identities toward a chosen address is expensive, and the
// leading-byte predicate adds a small work factor to generation itself.
const (
	powMemoryKiB   = 2048
	powTime        = 2
	powFirstByteLT = 17
)

var powSalt = []byte("virtnet-address-v1")

var (
	errNoPrivateKey  = errors.New("identity has no private key")
	errInvalidFormat = errors.New("invalid identity format")
)

// Identity is a public key (or keypair) plus the address derived from it.
type Identity struct {
	addr    address.Address
	idType  Type
	public  []byte
	private []byte // nil if this is a public-only identity
}

// powDigest computes the memory-hard hash of a public key blob used for
// address derivation.
func powDigest(public []byte) []byte {
	return argon2.IDKey(public, powSalt, powTime, powMemoryKiB, 1, 64)
}

// addressFromDigest extracts the candidate address from a proof-of-work
// digest. The returned address may still be invalid (reserved); callers must
// check.
func addressFromDigest(digest []byte) address.Address {
	a, _ := address.FromBytes(digest[59:64])
	return a
}

// Generate creates a new identity of the given type. This is CPU and memory
// bound: keypairs are drawn until the proof-of-work predicate is satisfied
// and the derived address is valid.
func Generate(t Type) (*Identity, error) {
	for {
		pub, priv, err := newKeyPair(t)
		if err != nil {
			return nil, err
		}
		digest := powDigest(pub)
		if digest[0] >= powFirstByteLT {
			continue
		}
		addr := addressFromDigest(digest)
		if !addr.Valid() {
			continue
		}
		return &Identity{addr: addr, idType: t, public: pub, private: priv}, nil
	}
}

func newKeyPair(t Type) (pub, priv []byte, err error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	xPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pub = append(append([]byte(nil), xPriv.PublicKey().Bytes()...), edPub...)
	priv = append(append([]byte(nil), xPriv.Bytes()...), edPriv.Seed()...)
	if t == TypeP384 {
		pPriv, err := ecdh.P384().GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		pub = append(pub, pPriv.PublicKey().Bytes()...)
		priv = append(priv, pPriv.Bytes()...)
	}
	return pub, priv, nil
}

// Address returns the short address derived from this identity's public key.
func (id *Identity) Address() address.Address { return id.addr }

// Type returns the identity's cryptosystem type.
func (id *Identity) Type() Type { return id.idType }

// HasPrivate returns true if this identity includes its private key.
func (id *Identity) HasPrivate() bool { return id.private != nil }

// PublicBytes returns the raw public key blob. The caller must not modify it.
func (id *Identity) PublicBytes() []byte { return id.public }

// Fingerprint returns the address plus the SHA-384 hash of the public key
// blob, which identifies the identity with cryptographic strength.
func (id *Identity) Fingerprint() Fingerprint {
	return Fingerprint{Addr: id.addr, Hash: sha512.Sum384(id.public)}
}

// LocallyValidate recomputes the address from the public key and verifies
// that it matches and satisfies the proof-of-work predicate.
func (id *Identity) LocallyValidate() bool {
	if len(id.public) != publicSizeFor(id.idType) {
		return false
	}
	digest := powDigest(id.public)
	if digest[0] >= powFirstByteLT {
		return false
	}
	return addressFromDigest(digest) == id.addr && id.addr.Valid()
}

// Equal returns true if the two identities have byte-equal public key
// material. Private keys are not compared.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.idType == other.idType && bytes.Equal(id.public, other.public)
}

// Sign signs data with the identity's Ed25519 key. It fails if the identity
// has no private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.private == nil {
		return nil, errNoPrivateKey
	}
	seed := id.private[32:64]
	return ed25519.Sign(ed25519.NewKeyFromSeed(seed), data), nil
}

// Verify checks a signature made by this identity.
func (id *Identity) Verify(data, sig []byte) bool {
	if len(id.public) < c25519PublicSize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id.public[32:64]), data, sig)
}

// Agree performs key agreement with another identity and returns the 48-byte
// shared secret. For C25519 identities this is SHA-384 of the X25519 shared
// secret. When both identities are P384 the P-384 ECDH output is concatenated
// before hashing, so the result is only as weak as the stronger of the two
// curves.
func (id *Identity) Agree(other *Identity) ([SharedSecretSize]byte, error) {
	var secret [SharedSecretSize]byte
	if id.private == nil {
		return secret, errNoPrivateKey
	}
	xPriv, err := ecdh.X25519().NewPrivateKey(id.private[:32])
	if err != nil {
		return secret, err
	}
	xPub, err := ecdh.X25519().NewPublicKey(other.public[:32])
	if err != nil {
		return secret, err
	}
	shared, err := xPriv.ECDH(xPub)
	if err != nil {
		return secret, err
	}
	if id.idType == TypeP384 && other.idType == TypeP384 {
		pPriv, err := ecdh.P384().NewPrivateKey(id.private[c25519PrivateSize:])
		if err != nil {
			return secret, err
		}
		pPub, err := ecdh.P384().NewPublicKey(other.public[c25519PublicSize:])
		if err != nil {
			return secret, err
		}
		pShared, err := pPriv.ECDH(pPub)
		if err != nil {
			return secret, err
		}
		shared = append(shared, pShared...)
	}
	secret = sha512.Sum384(shared)
	return secret, nil
}

func publicSizeFor(t Type) int {
	if t == TypeP384 {
		return p384PublicSize
	}
	return c25519PublicSize
}

func privateSizeFor(t Type) int {
	if t == TypeP384 {
		return p384PrivateSize
	}
	return c25519PrivateSize
}

// Marshal appends the wire form of the identity to b. The private key is
// included only if includePrivate is set and one is present.
func (id *Identity) Marshal(b []byte, includePrivate bool) []byte {
	b = id.addr.AppendTo(b)
	b = append(b, byte(id.idType))
	b = append(b, id.public...)
	if includePrivate && id.private != nil {
		b = append(b, byte(len(id.private)))
		b = append(b, id.private...)
	} else {
		b = append(b, 0)
	}
	return b
}

// Unmarshal reads an identity from b, returning the number of bytes
// consumed.
func Unmarshal(b []byte) (*Identity, int, error) {
	if len(b) < address.Length+2 {
		return nil, 0, errInvalidFormat
	}
	addr, _ := address.FromBytes(b)
	t := Type(b[address.Length])
	if t != TypeC25519 && t != TypeP384 {
		return nil, 0, errInvalidFormat
	}
	p := address.Length + 1
	pubLen := publicSizeFor(t)
	if len(b) < p+pubLen+1 {
		return nil, 0, errInvalidFormat
	}
	pub := append([]byte(nil), b[p:p+pubLen]...)
	p += pubLen
	privLen := int(b[p])
	p++
	var priv []byte
	if privLen > 0 {
		if privLen != privateSizeFor(t) || len(b) < p+privLen {
			return nil, 0, errInvalidFormat
		}
		priv = append([]byte(nil), b[p:p+privLen]...)
		p += privLen
	}
	return &Identity{addr: addr, idType: t, public: pub, private: priv}, p, nil
}

// String returns the public text form "address:type:publichex".
func (id *Identity) String() string {
	return fmt.Sprintf("%s:%d:%s", id.addr, id.idType, hex.EncodeToString(id.public))
}

// StringWithPrivate returns the text form including the private key, or the
// public form if none is present.
func (id *Identity) StringWithPrivate() string {
	if id.private == nil {
		return id.String()
	}
	return id.String() + ":" + hex.EncodeToString(id.private)
}

// FromString parses the text form produced by String or StringWithPrivate.
func FromString(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, errInvalidFormat
	}
	addr, err := address.FromString(parts[0])
	if err != nil {
		return nil, err
	}
	tn, err := strconv.Atoi(parts[1])
	if err != nil || (Type(tn) != TypeC25519 && Type(tn) != TypeP384) {
		return nil, errInvalidFormat
	}
	t := Type(tn)
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != publicSizeFor(t) {
		return nil, errInvalidFormat
	}
	id := &Identity{addr: addr, idType: t, public: pub}
	if len(parts) == 4 {
		priv, err := hex.DecodeString(parts[3])
		if err != nil || len(priv) != privateSizeFor(t) {
			return nil, errInvalidFormat
		}
		id.private = priv
	}
	return id, nil
}
