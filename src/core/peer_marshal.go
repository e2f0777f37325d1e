package core

import (
	"encoding/binary"
	"errors"

	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// Cached peers older than this are ignored on load.
const peerCacheGlobalTimeout = int64(30 * 24 * 60 * 60 * 1000)

var errInvalidPeerRecord = errors.New("invalid cached peer record")

// marshal serializes the durable parts of a peer for the state store:
// identity, locator, bootstrap endpoints and remote version. Session keys
// are deliberately not persisted; the permanent key is re-derived by
// agreement on load and ephemeral keys are re-established by handshake.
func (p *Peer) marshal(b []byte) []byte {
	p.lock.RLock()
	defer p.lock.RUnlock()

	b = append(b, 0) // record version
	b = p.id.Marshal(b, false)
	if p.loc != nil {
		b = append(b, 1)
		b = p.loc.AppendTo(b)
	} else {
		b = append(b, 0)
	}
	b = append(b, byte(len(p.bootstrap)))
	for _, t := range sortedBootstrapTypes(p.bootstrap) {
		b = p.bootstrap[t].AppendTo(b)
	}
	b = binary.BigEndian.AppendUint16(b, p.vProto)
	b = binary.BigEndian.AppendUint16(b, p.vMajor)
	b = binary.BigEndian.AppendUint16(b, p.vMinor)
	b = binary.BigEndian.AppendUint16(b, p.vRevision)
	b = binary.BigEndian.AppendUint16(b, 0) // no additional fields
	return b
}

func sortedBootstrapTypes(m map[endpoint.Type]endpoint.Endpoint) []endpoint.Type {
	out := make([]endpoint.Type, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// unmarshalPeer reconstructs a cached peer. The permanent session key is
// re-derived by key agreement with our current identity, so a record saved
// under a different local identity remains usable.
func unmarshalPeer(n *Node, b []byte, now int64) (*Peer, error) {
	if len(b) < 2 || b[0] != 0 {
		return nil, errInvalidPeerRecord
	}
	pos := 1
	id, idLen, err := identity.Unmarshal(b[pos:])
	if err != nil {
		return nil, err
	}
	pos += idLen

	p, err := newPeer(n, id, now)
	if err != nil {
		return nil, err
	}

	if pos >= len(b) {
		return nil, errInvalidPeerRecord
	}
	hasLoc := b[pos] != 0
	pos++
	if hasLoc {
		loc, locLen, err := locator.Unmarshal(b[pos:])
		if err != nil {
			return nil, err
		}
		pos += locLen
		if loc.Verify(id) {
			p.loc = loc
		}
	}

	if pos >= len(b) {
		return nil, errInvalidPeerRecord
	}
	bootstrapCount := int(b[pos])
	pos++
	if bootstrapCount > maxPeerPaths {
		return nil, errInvalidPeerRecord
	}
	for i := 0; i < bootstrapCount; i++ {
		ep, epLen, err := endpoint.Unmarshal(b[pos:])
		if err != nil {
			return nil, err
		}
		pos += epLen
		if !ep.Nil() {
			p.bootstrap[ep.Type()] = ep
		}
	}

	if pos+10 > len(b) {
		return nil, errInvalidPeerRecord
	}
	p.vProto = binary.BigEndian.Uint16(b[pos:])
	p.vMajor = binary.BigEndian.Uint16(b[pos+2:])
	p.vMinor = binary.BigEndian.Uint16(b[pos+4:])
	p.vRevision = binary.BigEndian.Uint16(b[pos+6:])
	pos += 8
	pos += 2 + int(binary.BigEndian.Uint16(b[pos:]))
	if pos > len(b) {
		return nil, errInvalidPeerRecord
	}
	return p, nil
}

// save writes the peer to the state store, prefixed with the save time so
// stale records can be aged out on load.
func (p *Peer) save(now int64) {
	if p.node.cb.StatePut == nil {
		return
	}
	b := binary.BigEndian.AppendUint64(nil, uint64(now))
	b = p.marshal(b)
	addr := p.id.Address().Bytes()
	p.node.cb.StatePut(StateObjectPeer, addr[:], b)
}
