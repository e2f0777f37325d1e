package core

import (
	"encoding/binary"
	"errors"
	"sort"
)

// Dictionary keys used in the HELLO metadata exchange.
const (
	dictKeyEphemeral    = "e" // X25519 ephemeral public key
	dictKeyProbeToken   = "p" // 32-bit probe token
	dictKeyVersion      = "s" // packed software version
	dictKeyPhysicalDest = "d" // endpoint the packet was sent to
)

var errInvalidDictionary = errors.New("invalid dictionary")

// dictionary is a small string-to-bytes map with a deterministic,
// length-prefixed binary encoding. It rides encrypted inside HELLO and
// OK(HELLO) packets.
type dictionary map[string][]byte

func (d dictionary) encode(b []byte) []byte {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := d[k]
		if len(k) > 255 || len(v) > 65535 {
			continue
		}
		b = append(b, byte(len(k)))
		b = append(b, k...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
		b = append(b, v...)
	}
	return b
}

func decodeDictionary(b []byte) (dictionary, error) {
	d := dictionary{}
	for len(b) > 0 {
		kl := int(b[0])
		if len(b) < 1+kl+2 {
			return nil, errInvalidDictionary
		}
		k := string(b[1 : 1+kl])
		vl := int(binary.BigEndian.Uint16(b[1+kl:]))
		b = b[1+kl+2:]
		if len(b) < vl {
			return nil, errInvalidDictionary
		}
		d[k] = append([]byte(nil), b[:vl]...)
		b = b[vl:]
	}
	return d, nil
}

func (d dictionary) setU32(key string, v uint32) {
	d[key] = binary.BigEndian.AppendUint32(nil, v)
}

func (d dictionary) getU32(key string) (uint32, bool) {
	v, ok := d[key]
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func (d dictionary) setU64(key string, v uint64) {
	d[key] = binary.BigEndian.AppendUint64(nil, v)
}

func (d dictionary) getU64(key string) (uint64, bool) {
	v, ok := d[key]
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}
