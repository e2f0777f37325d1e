// Package endpoint contains the typed transport address forms used on the
// wire: plain IP:port socket addresses and the tagged Endpoint variant that
// wraps them along with non-IP address types.
package endpoint

import (
	"errors"
	"net/netip"
)

// IPScope classifies an IP address by reachability. Scopes matter for path
// learning: a report about our global external address should never demote
// paths on a private LAN segment and vice versa.
type IPScope uint8

const (
	IPScopeNone IPScope = iota
	IPScopeLoopback
	IPScopeMulticast
	IPScopeLinkLocal
	IPScopePrivate
	IPScopeShared // carrier-grade NAT range
	IPScopeGlobal
)

var sharedRange = netip.MustParsePrefix("100.64.0.0/10")

// InetAddress is an IP socket address. The zero value is the nil address.
type InetAddress struct {
	netip.AddrPort
}

var errInvalidInetAddress = errors.New("invalid inet address")

// NewInetAddress builds an InetAddress from a netip.AddrPort, normalizing
// 4-in-6 mapped addresses to plain IPv4.
func NewInetAddress(ap netip.AddrPort) InetAddress {
	return InetAddress{netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// Nil returns true for the zero address.
func (a InetAddress) Nil() bool { return !a.Addr().IsValid() }

// Scope returns the reachability scope of the address.
func (a InetAddress) Scope() IPScope {
	ip := a.Addr()
	switch {
	case !ip.IsValid():
		return IPScopeNone
	case ip.IsLoopback():
		return IPScopeLoopback
	case ip.IsMulticast():
		return IPScopeMulticast
	case ip.IsLinkLocalUnicast():
		return IPScopeLinkLocal
	case sharedRange.Contains(ip):
		return IPScopeShared
	case ip.IsPrivate():
		return IPScopePrivate
	default:
		return IPScopeGlobal
	}
}

// IPEqual returns true if the two addresses have the same IP, ignoring
// ports. NAT rebinds commonly change only the port.
func (a InetAddress) IPEqual(other InetAddress) bool {
	return a.Addr() == other.Addr()
}

// AppendTo appends the wire form: family byte (4 or 6, 0 for nil), raw IP
// bytes, then a 2-byte big-endian port.
func (a InetAddress) AppendTo(b []byte) []byte {
	switch {
	case a.Nil():
		return append(b, 0)
	case a.Addr().Is4():
		ip := a.Addr().As4()
		b = append(b, 4)
		b = append(b, ip[:]...)
	default:
		ip := a.Addr().As16()
		b = append(b, 6)
		b = append(b, ip[:]...)
	}
	return append(b, byte(a.Port()>>8), byte(a.Port()))
}

// UnmarshalInetAddress reads a wire-form address, returning the bytes
// consumed.
func UnmarshalInetAddress(b []byte) (InetAddress, int, error) {
	if len(b) < 1 {
		return InetAddress{}, 0, errInvalidInetAddress
	}
	switch b[0] {
	case 0:
		return InetAddress{}, 1, nil
	case 4:
		if len(b) < 7 {
			return InetAddress{}, 0, errInvalidInetAddress
		}
		var ip [4]byte
		copy(ip[:], b[1:5])
		port := uint16(b[5])<<8 | uint16(b[6])
		return InetAddress{netip.AddrPortFrom(netip.AddrFrom4(ip), port)}, 7, nil
	case 6:
		if len(b) < 19 {
			return InetAddress{}, 0, errInvalidInetAddress
		}
		var ip [16]byte
		copy(ip[:], b[1:17])
		port := uint16(b[17])<<8 | uint16(b[18])
		return InetAddress{netip.AddrPortFrom(netip.AddrFrom16(ip), port)}, 19, nil
	default:
		return InetAddress{}, 0, errInvalidInetAddress
	}
}

// ParseInetAddress parses the "ip:port" text form.
func ParseInetAddress(s string) (InetAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return InetAddress{}, err
	}
	return NewInetAddress(ap), nil
}
