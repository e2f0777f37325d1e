package core

import (
	"sync/atomic"

	"github.com/virtnet-io/virtnet/src/endpoint"
)

// Path timing constants, in milliseconds.
const (
	pathKeepalivePeriod = 20000
	pathAliveTimeout    = 45000
)

// Path is a (local socket, remote address) pair with liveness timers and a
// smoothed latency estimate. Paths are canonicalized by Topology: there is at
// most one Path instance per key, shared by every peer that uses it.
type Path struct {
	localSocket   int64
	addr          endpoint.InetAddress
	lastIn        atomic.Int64
	lastOut       atomic.Int64
	latency       atomic.Int64 // ms, -1 when unknown
	trustedPathID atomic.Uint64
	inFragments   atomic.Int32 // reassembly buckets currently open for this path
}

func newPath(localSocket int64, addr endpoint.InetAddress) *Path {
	p := &Path{localSocket: localSocket, addr: addr}
	p.latency.Store(-1)
	return p
}

// Address returns the remote physical address.
func (p *Path) Address() endpoint.InetAddress { return p.addr }

// LocalSocket returns the host's identifier for the local socket this path
// uses.
func (p *Path) LocalSocket() int64 { return p.localSocket }

// Received records receipt of bytes on this path.
func (p *Path) Received(now int64, bytes int) {
	p.lastIn.Store(now)
}

// Sent records bytes sent on this path.
func (p *Path) Sent(now int64, bytes int) {
	p.lastOut.Store(now)
}

// LastIn returns the time anything was last received on this path.
func (p *Path) LastIn() int64 { return p.lastIn.Load() }

// LastOut returns the time anything was last sent on this path.
func (p *Path) LastOut() int64 { return p.lastOut.Load() }

// Alive returns true if anything was received recently enough to consider
// the path usable.
func (p *Path) Alive(now int64) bool {
	return now-p.lastIn.Load() < pathAliveTimeout
}

// Latency returns the smoothed round-trip latency in milliseconds, or -1 if
// unknown.
func (p *Path) Latency() int { return int(p.latency.Load()) }

// updateLatency folds a new round-trip sample into the EWMA.
func (p *Path) updateLatency(sampleMs int64) {
	old := p.latency.Load()
	if old < 0 {
		p.latency.Store(sampleMs)
	} else {
		p.latency.Store((old*3 + sampleMs) / 4)
	}
}

// markDead forces the path out of the alive state until something is
// received on it again. Used by scope resets after an external address
// change.
func (p *Path) markDead() {
	p.lastIn.Store(0)
}

// send hands data to the host's wire-send callback, fragmenting packets
// that exceed the UDP payload budget, and stamps the send timer.
func (p *Path) send(n *Node, data []byte, now int64) int {
	if len(data) <= MaxUDPPayload {
		if !n.cb.WireSend(p.localSocket, p.addr, data) {
			return 0
		}
		p.Sent(now, len(data))
		return len(data)
	}
	sent := fragmentAndSend(n, p.localSocket, p.addr, data)
	if sent > 0 {
		p.Sent(now, sent)
	}
	return sent
}
