// Package locator implements signed, timestamped endpoint advertisements.
// A locator tells other nodes how to reach its signer; roots distribute
// their locators out of band and peers exchange them in WHOIS replies.
package locator

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
)

// MaxEndpoints is the maximum number of endpoints a locator may advertise.
const MaxEndpoints = 8

// MarshalSizeMax is the maximum size of a marshaled locator.
const MarshalSizeMax = 8 + 2 + (MaxEndpoints * endpoint.MarshalSizeMax) + 2 + 2 + identity.SignatureSize

var (
	errInvalidLocator = errors.New("invalid locator")
	errTooMany        = errors.New("too many endpoints")
)

var textEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Locator is a signed collection of endpoints for one node. The zero value
// is the nil locator; a locator with a zero timestamp is unsigned.
type Locator struct {
	ts        int64
	endpoints []endpoint.Endpoint
	signature []byte
}

// Timestamp returns the time at which the locator was signed, in
// milliseconds since epoch, or zero if unsigned.
func (l *Locator) Timestamp() int64 { return l.ts }

// Endpoints returns the advertised endpoints. The caller must not modify
// the returned slice.
func (l *Locator) Endpoints() []endpoint.Endpoint { return l.endpoints }

// Nil returns true for an empty, unsigned locator.
func (l *Locator) Nil() bool { return l == nil || (l.ts == 0 && len(l.endpoints) == 0) }

// Add appends an endpoint if it is not already present and the cap has not
// been reached. Adding after signing invalidates the signature.
func (l *Locator) Add(ep endpoint.Endpoint) error {
	for _, e := range l.endpoints {
		if e.Equal(ep) {
			return nil
		}
	}
	if len(l.endpoints) >= MaxEndpoints {
		return errTooMany
	}
	l.endpoints = append(l.endpoints, ep)
	return nil
}

// Sign timestamps the locator and signs it with the given identity, which
// must include its private key. Endpoints are sorted into canonical order
// first so identical endpoint sets always produce identical signed bytes.
func (l *Locator) Sign(ts int64, signer *identity.Identity) error {
	if ts <= 0 {
		return errInvalidLocator
	}
	l.ts = ts
	sort.Slice(l.endpoints, func(i, j int) bool { return l.endpoints[i].Less(l.endpoints[j]) })
	sig, err := signer.Sign(l.marshal(nil, true))
	if err != nil {
		return err
	}
	l.signature = sig
	return nil
}

// Verify recomputes the canonical serialization and checks the signature
// against the given identity's public key.
func (l *Locator) Verify(signer *identity.Identity) bool {
	if l.ts <= 0 || len(l.signature) == 0 {
		return false
	}
	return signer.Verify(l.marshal(nil, true), l.signature)
}

func (l *Locator) marshal(b []byte, excludeSignature bool) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(l.ts))
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.endpoints)))
	for _, ep := range l.endpoints {
		b = ep.AppendTo(b)
	}
	b = binary.BigEndian.AppendUint16(b, 0) // meta-data length, always 0
	if !excludeSignature {
		b = binary.BigEndian.AppendUint16(b, uint16(len(l.signature)))
		b = append(b, l.signature...)
	}
	return b
}

// AppendTo appends the full wire form including the signature.
func (l *Locator) AppendTo(b []byte) []byte {
	return l.marshal(b, false)
}

// Unmarshal reads a locator, returning bytes consumed.
func Unmarshal(b []byte) (*Locator, int, error) {
	if len(b) < 12 {
		return nil, 0, errInvalidLocator
	}
	l := &Locator{ts: int64(binary.BigEndian.Uint64(b))}
	count := int(binary.BigEndian.Uint16(b[8:10]))
	if count > MaxEndpoints {
		return nil, 0, errInvalidLocator
	}
	p := 10
	for i := 0; i < count; i++ {
		ep, n, err := endpoint.Unmarshal(b[p:])
		if err != nil {
			return nil, 0, err
		}
		l.endpoints = append(l.endpoints, ep)
		p += n
	}
	if p+2 > len(b) {
		return nil, 0, errInvalidLocator
	}
	p += 2 + int(binary.BigEndian.Uint16(b[p:])) // skip meta-data
	if p+2 > len(b) {
		return nil, 0, errInvalidLocator
	}
	sigLen := int(binary.BigEndian.Uint16(b[p:]))
	p += 2
	if sigLen > identity.SignatureSize*2 || p+sigLen > len(b) {
		return nil, 0, errInvalidLocator
	}
	l.signature = append([]byte(nil), b[p:p+sigLen]...)
	p += sigLen
	return l, p, nil
}

// String returns the base32 text form of the locator.
func (l *Locator) String() string {
	return textEncoding.EncodeToString(l.AppendTo(nil))
}

// FromString parses the form produced by String.
func FromString(s string) (*Locator, error) {
	b, err := textEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	l, _, err := Unmarshal(b)
	return l, err
}
