package core

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// Peers that have been silent this long are persisted to the state store and
// dropped from memory. Roots are never dropped.
const peerAliveTimeout = 600000 // ms

type pathKey struct {
	localSocket int64
	addr        endpoint.InetAddress
}

// TrustedPath marks a network over which encryption is disabled and replaced
// by a preshared path ID. Only for physically secure links.
type TrustedPath struct {
	Network endpoint.InetAddress // address with port 0, matched by IP equality
	ID      uint64
}

type rootEntry struct {
	id  *identity.Identity
	loc *locator.Locator
}

// Topology is the database of peers and paths. Both maps canonicalize: for
// a given key every caller sees the same instance, so timers, counters and
// session state are never split across duplicates.
type Topology struct {
	node *Node

	peersLock sync.RWMutex // guards peers, probes, roots, rootPeers
	peers     map[address.Address]*Peer
	probes    map[uint32]address.Address
	roots     map[identity.Fingerprint]rootEntry
	rootPeers []*Peer

	pathsLock sync.RWMutex
	paths     map[pathKey]*Path

	trustedPaths []TrustedPath
}

func newTopology(n *Node) *Topology {
	t := &Topology{
		node:   n,
		peers:  map[address.Address]*Peer{},
		probes: map[uint32]address.Address{},
		roots:  map[identity.Fingerprint]rootEntry{},
		paths:  map[pathKey]*Path{},
	}
	t.loadRootList()
	return t
}

// Peer looks up a peer by address. On a miss, if loadFromCache is set, the
// host's state store is consulted for a cached record.
func (t *Topology) Peer(addr address.Address, loadFromCache bool, now int64) *Peer {
	t.peersLock.RLock()
	p := t.peers[addr]
	t.peersLock.RUnlock()
	if p != nil || !loadFromCache {
		return p
	}
	if p = t.loadCached(addr, now); p == nil {
		return nil
	}
	// A racing insert wins: the first canonical instance stays.
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if existing := t.peers[addr]; existing != nil {
		return existing
	}
	t.peers[addr] = p
	t.probes[p.localProbe] = addr
	return p
}

// addPeer inserts a peer, returning the canonical instance (which may be a
// previously inserted one).
func (t *Topology) addPeer(p *Peer) *Peer {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if existing := t.peers[p.Address()]; existing != nil {
		return existing
	}
	t.peers[p.Address()] = p
	t.probes[p.localProbe] = p.Address()
	return p
}

// peerByProbe resolves an inbound 4-byte probe token to the peer it was
// issued to.
func (t *Topology) peerByProbe(token uint32) *Peer {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	addr, ok := t.probes[token]
	if !ok {
		return nil
	}
	return t.peers[addr]
}

// Path returns the canonical Path for a (local socket, remote address)
// pair, creating it if needed. Two calls with the same key always return the
// same instance.
func (t *Topology) Path(localSocket int64, addr endpoint.InetAddress) *Path {
	k := pathKey{localSocket, addr}
	t.pathsLock.RLock()
	p := t.paths[k]
	t.pathsLock.RUnlock()
	if p != nil {
		return p
	}
	t.pathsLock.Lock()
	defer t.pathsLock.Unlock()
	if p = t.paths[k]; p != nil {
		return p
	}
	p = newPath(localSocket, addr)
	if id := t.trustedPathID(addr); id != 0 {
		p.trustedPathID.Store(id)
	}
	t.paths[k] = p
	return p
}

// setTrustedPaths configures the trusted path set. Call before traffic
// flows.
func (t *Topology) setTrustedPaths(tp []TrustedPath) {
	t.trustedPaths = tp
}

func (t *Topology) trustedPathID(addr endpoint.InetAddress) uint64 {
	for _, tp := range t.trustedPaths {
		if tp.Network.IPEqual(addr) {
			return tp.ID
		}
	}
	return 0
}

// shouldInboundPathBeTrusted reports whether an unencrypted packet claiming
// the given trusted path ID from the given address is acceptable.
func (t *Topology) shouldInboundPathBeTrusted(addr endpoint.InetAddress, id uint64) bool {
	return id != 0 && t.trustedPathID(addr) == id
}

// root returns the current best root peer, or nil if no roots are
// configured.
func (t *Topology) root() *Peer {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	if len(t.rootPeers) == 0 {
		return nil
	}
	return t.rootPeers[0]
}

// isRoot reports whether an identity belongs to the root set.
func (t *Topology) isRoot(id *identity.Identity) bool {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	_, ok := t.roots[id.Fingerprint()]
	return ok
}

// AddRoot validates and adds (or updates) a root and its locator. The
// locator must be signed by the root's identity.
func (t *Topology) AddRoot(id *identity.Identity, loc *locator.Locator, now int64) bool {
	if id.Equal(t.node.identity) || !id.LocallyValidate() {
		return false
	}
	if loc == nil || !loc.Verify(id) {
		return false
	}
	t.peersLock.Lock()
	if old, ok := t.roots[id.Fingerprint()]; ok && loc.Timestamp() <= old.loc.Timestamp() {
		t.peersLock.Unlock()
		return false
	}
	t.roots[id.Fingerprint()] = rootEntry{id: id, loc: loc}
	pending := t.updateRootPeersLocked(now)
	t.peersLock.Unlock()
	applyRootLocators(pending)
	t.rankRoots()
	t.writeRootList()
	return true
}

type pendingRootLocator struct {
	peer *Peer
	loc  *locator.Locator
}

// applyRootLocators sets locators on peers after the topology lock has been
// released, keeping the peer lock below the topology lock in the acquisition
// order.
func applyRootLocators(pending []pendingRootLocator) {
	for _, pl := range pending {
		pl.peer.setLocator(pl.loc)
		pl.peer.lock.Lock()
		for _, ep := range pl.loc.Endpoints() {
			if ep.IsInet() {
				pl.peer.bootstrap[ep.Type()] = ep
			}
		}
		pl.peer.lock.Unlock()
	}
}

// refreshRootPeers rebuilds the root peer list, for use after construction.
func (t *Topology) refreshRootPeers(now int64) {
	t.peersLock.Lock()
	pending := t.updateRootPeersLocked(now)
	t.peersLock.Unlock()
	applyRootLocators(pending)
	t.rankRoots()
}

// RemoveRoot removes a root by fingerprint. A fingerprint without a hash
// matches by address alone.
func (t *Topology) RemoveRoot(fp identity.Fingerprint, now int64) bool {
	t.peersLock.Lock()
	removed := false
	for rfp := range t.roots {
		if rfp.Addr == fp.Addr && (!fp.HaveHash() || rfp.Equal(fp)) {
			delete(t.roots, rfp)
			removed = true
		}
	}
	var pending []pendingRootLocator
	if removed {
		pending = t.updateRootPeersLocked(now)
	}
	t.peersLock.Unlock()
	if removed {
		applyRootLocators(pending)
		t.writeRootList()
	}
	return removed
}

// rankRoots re-sorts root peers in ascending order of latency, unknown
// latency last. Latencies are sampled outside the topology lock.
func (t *Topology) rankRoots() {
	t.peersLock.RLock()
	rp := append([]*Peer(nil), t.rootPeers...)
	t.peersLock.RUnlock()
	sortRootPeers(rp)
	t.peersLock.Lock()
	if len(t.rootPeers) == len(rp) {
		t.rootPeers = rp
	}
	t.peersLock.Unlock()
}

// sortRootPeers orders by sampled latency. Only call without holding the
// topology lock: latency sampling takes each peer's lock.
func sortRootPeers(rp []*Peer) {
	lat := make(map[*Peer]int, len(rp))
	for _, p := range rp {
		lat[p] = p.latency()
	}
	sort.SliceStable(rp, func(i, j int) bool {
		a, b := lat[rp[i]], lat[rp[j]]
		if b < 0 {
			return a >= 0
		}
		if a < 0 {
			return false
		}
		return a < b
	})
}

// updateRootPeersLocked ensures every root has a peer entry and rebuilds the
// ranked root peer list. Caller holds peersLock for writing. Locator and
// bootstrap updates for peers that may be visible to other threads are
// returned for the caller to apply after unlocking.
func (t *Topology) updateRootPeersLocked(now int64) []pendingRootLocator {
	var pending []pendingRootLocator
	rp := make([]*Peer, 0, len(t.roots))
	for _, r := range t.roots {
		p := t.peers[r.id.Address()]
		if p == nil || !p.Identity().Equal(r.id) {
			np, err := newPeer(t.node, r.id, now)
			if err != nil {
				continue
			}
			t.peers[r.id.Address()] = np
			t.probes[np.localProbe] = np.Address()
			p = np
		}
		// The locator feeds the root's advertised endpoints into its
		// bootstrap set so the pulse loop can establish contact.
		pending = append(pending, pendingRootLocator{peer: p, loc: r.loc})
		rp = append(rp, p)
	}
	t.rootPeers = rp // callers re-rank after unlocking
	return pending
}

// eachPeer applies f to a snapshot of all peers, outside any topology lock.
func (t *Topology) eachPeer(f func(*Peer)) {
	t.peersLock.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.peersLock.RUnlock()
	for _, p := range snapshot {
		f(p)
	}
}

// eachPeerWithRoot applies f to (peer, isRoot) like eachPeer but with root flags.
func (t *Topology) eachPeerWithRoot(f func(*Peer, bool)) {
	t.peersLock.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	isRoot := make([]bool, 0, len(t.peers))
	rootSet := map[*Peer]struct{}{}
	for _, p := range t.rootPeers {
		rootSet[p] = struct{}{}
	}
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
		_, r := rootSet[p]
		isRoot = append(isRoot, r)
	}
	t.peersLock.RUnlock()
	for i, p := range snapshot {
		f(p, isRoot[i])
	}
}

// doPeriodicTasks ages silent peers out to the state store and drops paths
// no peer references.
func (t *Topology) doPeriodicTasks(now int64) {
	var evicted []*Peer
	t.peersLock.Lock()
	for addr, p := range t.peers {
		if now-p.LastReceive() > peerAliveTimeout {
			if _, isRoot := t.roots[p.Identity().Fingerprint()]; isRoot {
				continue
			}
			delete(t.peers, addr)
			delete(t.probes, p.localProbe)
			evicted = append(evicted, p)
		}
	}
	t.peersLock.Unlock()
	for _, p := range evicted {
		p.save(now)
	}

	// Paths still referenced by some peer stay; the rest are dropped once
	// idle. Collect references first to avoid holding both locks at once.
	referenced := map[*Path]struct{}{}
	t.eachPeer(func(p *Peer) {
		p.lock.RLock()
		for i := 0; i < p.alivePathCount; i++ {
			referenced[p.paths[i]] = struct{}{}
		}
		p.lock.RUnlock()
	})
	t.pathsLock.Lock()
	for k, path := range t.paths {
		if _, ok := referenced[path]; ok {
			continue
		}
		if !path.Alive(now) {
			delete(t.paths, k)
		}
	}
	t.pathsLock.Unlock()
}

// saveAll persists every in-memory peer.
func (t *Topology) saveAll(now int64) {
	t.eachPeer(func(p *Peer) { p.save(now) })
}

func (t *Topology) loadCached(addr address.Address, now int64) *Peer {
	if t.node.cb.StateGet == nil {
		return nil
	}
	ab := addr.Bytes()
	data := t.node.cb.StateGet(StateObjectPeer, ab[:])
	if len(data) <= 8 {
		return nil
	}
	savedAt := int64(binary.BigEndian.Uint64(data))
	if now-savedAt >= peerCacheGlobalTimeout {
		return nil
	}
	p, err := unmarshalPeer(t.node, data[8:], now)
	if err != nil || p.Address() != addr {
		return nil
	}
	return p
}

// writeRootList persists the root set as one state object: concatenated
// (identity, locator) pairs.
func (t *Topology) writeRootList() {
	if t.node.cb.StatePut == nil {
		return
	}
	t.peersLock.RLock()
	var b []byte
	for _, r := range t.roots {
		b = r.id.Marshal(b, false)
		b = r.loc.AppendTo(b)
	}
	t.peersLock.RUnlock()
	t.node.cb.StatePut(StateObjectRoots, nil, b)
}

func (t *Topology) loadRootList() {
	if t.node.cb.StateGet == nil {
		return
	}
	data := t.node.cb.StateGet(StateObjectRoots, nil)
	for len(data) > 0 {
		id, n, err := identity.Unmarshal(data)
		if err != nil {
			return
		}
		data = data[n:]
		loc, n, err := locator.Unmarshal(data)
		if err != nil {
			return
		}
		data = data[n:]
		if loc.Verify(id) {
			t.roots[id.Fingerprint()] = rootEntry{id: id, loc: loc}
		}
	}
}
