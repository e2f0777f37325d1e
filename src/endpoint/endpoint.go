package endpoint

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/virtnet-io/virtnet/src/address"
)

// Type tags the variant held by an Endpoint.
type Type uint8

const (
	TypeNil      Type = 0
	TypeNode     Type = 1 // another node, identified by fingerprint
	TypeEthernet Type = 2 // 48-bit MAC
	TypeInetUDP  Type = 6 // IP/UDP socket address
	// Types 3-5 and 7+ (WiFi direct, Bluetooth, raw IP, TCP, HTTP, WebRTC,
	// WireGuard) are reserved; unmarshal skips unknown length-prefixed
	// records for forward compatibility.
)

// wireTypeOffset is added to the type byte on the wire. Type bytes below 16
// are interpreted as legacy serialized InetAddress values, which keeps old
// address fields in the protocol readable.
const wireTypeOffset = 16

// MarshalSizeMax is the maximum marshaled size of an endpoint.
const MarshalSizeMax = 1 + address.Length + 48

var errInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is a tagged variant holding one way to reach a node. Only one of
// the value fields is meaningful, selected by the type tag.
type Endpoint struct {
	etype Type
	inet  InetAddress
	node  struct {
		addr address.Address
		hash [48]byte
	}
	mac [6]byte
}

// NilEndpoint is the zero endpoint.
var NilEndpoint = Endpoint{}

// FromInetAddress wraps an IP/UDP socket address.
func FromInetAddress(a InetAddress) Endpoint {
	if a.Nil() {
		return Endpoint{}
	}
	return Endpoint{etype: TypeInetUDP, inet: a}
}

// FromNode builds an endpoint naming another node by address and fingerprint
// hash, used to express "via this relay".
func FromNode(addr address.Address, hash [48]byte) Endpoint {
	e := Endpoint{etype: TypeNode}
	e.node.addr = addr
	e.node.hash = hash
	return e
}

// FromMAC wraps an Ethernet MAC.
func FromMAC(mac [6]byte) Endpoint {
	return Endpoint{etype: TypeEthernet, mac: mac}
}

// Type returns the variant tag.
func (e Endpoint) Type() Type { return e.etype }

// Nil returns true for the zero endpoint.
func (e Endpoint) Nil() bool { return e.etype == TypeNil }

// IsInet returns true if the endpoint holds an IP socket address.
func (e Endpoint) IsInet() bool { return e.etype == TypeInetUDP }

// InetAddress returns the held socket address, or the nil address for
// non-inet variants.
func (e Endpoint) InetAddress() InetAddress {
	if e.etype == TypeInetUDP {
		return e.inet
	}
	return InetAddress{}
}

// Equal compares endpoints by marshaled form.
func (e Endpoint) Equal(other Endpoint) bool {
	return bytes.Equal(e.AppendTo(nil), other.AppendTo(nil))
}

// Less orders endpoints canonically by (type, byte-lexicographic marshaled
// form). Locator signing relies on this being a total order so identical
// endpoint sets always produce identical signed bytes.
func (e Endpoint) Less(other Endpoint) bool {
	if e.etype != other.etype {
		return e.etype < other.etype
	}
	return bytes.Compare(e.AppendTo(nil), other.AppendTo(nil)) < 0
}

// AppendTo appends the wire form of the endpoint.
func (e Endpoint) AppendTo(b []byte) []byte {
	switch e.etype {
	case TypeNil:
		return append(b, 0)
	case TypeNode:
		b = append(b, byte(TypeNode)+wireTypeOffset)
		b = e.node.addr.AppendTo(b)
		return append(b, e.node.hash[:]...)
	case TypeEthernet:
		b = append(b, byte(TypeEthernet)+wireTypeOffset)
		return append(b, e.mac[:]...)
	case TypeInetUDP:
		// Serialized as a raw InetAddress for backward compatibility with
		// legacy address fields.
		return e.inet.AppendTo(b)
	default:
		return append(b, 0)
	}
}

// Unmarshal reads an endpoint from b, returning bytes consumed. Unknown
// types carrying a 16-bit length prefix are skipped and returned as nil
// endpoints.
func Unmarshal(b []byte) (Endpoint, int, error) {
	if len(b) < 1 {
		return Endpoint{}, 0, errInvalidEndpoint
	}
	if b[0] < wireTypeOffset {
		// Legacy InetAddress pass-through.
		switch b[0] {
		case 0:
			return Endpoint{}, 1, nil
		case 4, 6:
			a, n, err := UnmarshalInetAddress(b)
			if err != nil {
				return Endpoint{}, 0, err
			}
			return FromInetAddress(a), n, nil
		default:
			return Endpoint{}, 0, errInvalidEndpoint
		}
	}
	switch Type(b[0] - wireTypeOffset) {
	case TypeNil:
		return Endpoint{}, 1, nil
	case TypeNode:
		if len(b) < 1+address.Length+48 {
			return Endpoint{}, 0, errInvalidEndpoint
		}
		addr, _ := address.FromBytes(b[1:])
		var hash [48]byte
		copy(hash[:], b[1+address.Length:])
		return FromNode(addr, hash), 1 + address.Length + 48, nil
	case TypeEthernet:
		if len(b) < 7 {
			return Endpoint{}, 0, errInvalidEndpoint
		}
		var mac [6]byte
		copy(mac[:], b[1:7])
		return FromMAC(mac), 7, nil
	case TypeInetUDP:
		a, n, err := UnmarshalInetAddress(b[1:])
		if err != nil {
			return Endpoint{}, 0, err
		}
		return FromInetAddress(a), 1 + n, nil
	default:
		// Unrecognized types are tolerated if length-prefixed so future
		// endpoint kinds can pass through old nodes.
		if len(b) < 3 {
			return Endpoint{}, 0, errInvalidEndpoint
		}
		skip := 1 + 2 + int(binary.BigEndian.Uint16(b[1:3]))
		if skip > len(b) {
			return Endpoint{}, 0, errInvalidEndpoint
		}
		return Endpoint{}, skip, nil
	}
}

func (e Endpoint) String() string {
	switch e.etype {
	case TypeNode:
		return "node/" + e.node.addr.String()
	case TypeEthernet:
		const hexdig = "0123456789abcdef"
		s := make([]byte, 0, 17)
		for i, o := range e.mac {
			if i > 0 {
				s = append(s, ':')
			}
			s = append(s, hexdig[o>>4], hexdig[o&0xf])
		}
		return "eth/" + string(s)
	case TypeInetUDP:
		return "udp/" + e.inet.String()
	default:
		return "nil"
	}
}
