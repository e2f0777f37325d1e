package core

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	mrand "math/rand"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/buf"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// Peer timing and rate-gate constants, in milliseconds.
const (
	helloInterval           = 60000
	prioritizePathsInterval = 1000
	whoisRateLimit          = 100
	echoRateLimit           = 1000
	probeRateLimit          = 1000
	maxPeerPaths            = 16
	tryQueueItemTimeout     = pathAliveTimeout
	natAttemptsPerPulse     = 3
	bfg1024PortsPerAttempt  = 1024
)

type tryQueueItem struct {
	target endpoint.Endpoint
	ts     int64
	bfg    bool
}

// Peer holds everything known about another node: its identity, session
// keys, direct paths in preference order, and the bookkeeping that drives
// NAT traversal toward it. Peers are owned and canonicalized by Topology.
type Peer struct {
	node *Node

	// lock guards the non-atomic fields below.
	lock sync.RWMutex

	id  *identity.Identity
	loc *locator.Locator

	// identityKey is permanent, derived from identity agreement. The
	// ephemeral keys rotate: index 0 is current, 1 is previous.
	identityKey *symmetricKey
	ephKeys     [2]*symmetricKey
	ephPriv     *ecdh.PrivateKey
	needRekey   bool

	paths          [maxPeerPaths]*Path
	alivePathCount int

	bootstrap map[endpoint.Type]endpoint.Endpoint
	tryQueue  []tryQueueItem

	// localProbe is the token we advertise in HELLOs to this peer; probes
	// arriving with it identify the peer. remoteProbe is the token the peer
	// advertised to us and is what we send when probing it.
	localProbe  uint32
	remoteProbe uint32

	vProto, vMajor, vMinor, vRevision uint16

	lastReceive          atomic.Int64
	lastSend             atomic.Int64
	lastSentHello        int64 // guarded by lock
	lastWhoisReceived    atomic.Int64
	lastEchoReceived     atomic.Int64
	lastProbeReceived    atomic.Int64
	lastPrioritizedPaths atomic.Int64

	inMeter      meter
	outMeter     meter
	relayedMeter meter
}

// newPeer creates a peer record for an identity, deriving the permanent
// session key by key agreement with our own identity.
func newPeer(n *Node, id *identity.Identity, now int64) (*Peer, error) {
	secret, err := n.identity.Agree(id)
	if err != nil {
		return nil, err
	}
	var probe [4]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return nil, err
	}
	p := &Peer{
		node:        n,
		id:          id,
		identityKey: newSymmetricKey(now, secret[:keySize], 0, 0),
		bootstrap:   map[endpoint.Type]endpoint.Endpoint{},
		localProbe:  binary.BigEndian.Uint32(probe[:]),
	}
	return p, nil
}

// Address returns the peer's short address.
func (p *Peer) Address() address.Address { return p.id.Address() }

// Identity returns the peer's identity.
func (p *Peer) Identity() *identity.Identity { return p.id }

// Locator returns the peer's most recent verified locator, or nil.
func (p *Peer) Locator() *locator.Locator {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.loc
}

// setLocator stores a locator if it verifies against the peer's identity and
// is strictly newer than the current one.
func (p *Peer) setLocator(loc *locator.Locator) bool {
	if loc == nil || !loc.Verify(p.id) {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.loc != nil && loc.Timestamp() <= p.loc.Timestamp() {
		return false
	}
	p.loc = loc
	return true
}

// LastReceive returns the time anything was last received from this peer,
// direct or relayed.
func (p *Peer) LastReceive() int64 { return p.lastReceive.Load() }

// remoteVersion returns the peer's protocol version, or 0 if unknown.
func (p *Peer) remoteVersion() uint16 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.vProto
}

func (p *Peer) setRemoteVersion(proto, major, minor, rev uint16) {
	p.lock.Lock()
	p.vProto, p.vMajor, p.vMinor, p.vRevision = proto, major, minor, rev
	p.lock.Unlock()
}

// identityKeyRef returns the permanent identity-derived key.
func (p *Peer) identityKeyRef() *symmetricKey {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.identityKey
}

// cryptKeys returns the keys to try against inbound ciphertext, in order:
// current ephemeral, previous ephemeral, permanent.
func (p *Peer) cryptKeys() [3]*symmetricKey {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return [3]*symmetricKey{p.ephKeys[0], p.ephKeys[1], p.identityKey}
}

// sendKey returns the key for one outbound message: the current ephemeral
// key if one is established and fresh, else the permanent key. Each call
// counts one message against the ephemeral key's message budget.
func (p *Peer) sendKey(now int64) *symmetricKey {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if k := p.ephKeys[0]; k != nil && !k.expired(now) {
		k.nextMessage()
		return k
	}
	return p.identityKey
}

// markForRekey flags that the permanent key was used to decrypt traffic, so
// a fresh ephemeral exchange is wanted.
func (p *Peer) markForRekey() {
	p.lock.Lock()
	p.needRekey = true
	p.lock.Unlock()
}

// learnEphemeral derives and rotates in a new ephemeral session key from the
// peer's offered public key. Returns false if the offer is unusable.
func (p *Peer) learnEphemeral(theirPub []byte, now int64) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ephPriv == nil {
		return false
	}
	pub, err := ecdh.X25519().NewPublicKey(theirPub)
	if err != nil {
		return false
	}
	shared, err := p.ephPriv.ECDH(pub)
	if err != nil {
		return false
	}
	mixed := sha512.Sum384(append(shared, p.identityKey.secret[:]...))
	p.ephKeys[1] = p.ephKeys[0]
	p.ephKeys[0] = newSymmetricKey(now, mixed[:keySize], ephemeralKeyTTL, ephemeralKeyTTLMessages)
	p.needRekey = false
	return true
}

// ephemeralOffer returns the X25519 public key to advertise in a HELLO,
// creating a fresh keypair if none is pending or a re-key is due.
func (p *Peer) ephemeralOffer(now int64) []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ephPriv == nil || p.needRekey || p.ephKeys[0] == nil || p.ephKeys[0].expiringSoon(now) {
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil
		}
		p.ephPriv = priv
	}
	return p.ephPriv.PublicKey().Bytes()
}

// Rate gates. Each permits one event per interval.

func (p *Peer) rateGateInboundWhois(now int64) bool {
	if now-p.lastWhoisReceived.Load() >= whoisRateLimit {
		p.lastWhoisReceived.Store(now)
		return true
	}
	return false
}

func (p *Peer) rateGateInboundEcho(now int64) bool {
	if now-p.lastEchoReceived.Load() >= echoRateLimit {
		p.lastEchoReceived.Store(now)
		return true
	}
	return false
}

func (p *Peer) rateGateInboundProbe(now int64) bool {
	if now-p.lastProbeReceived.Load() >= probeRateLimit {
		p.lastProbeReceived.Store(now)
		return true
	}
	return false
}

// received updates meters and path knowledge after an authenticated packet.
// New paths are only learned from OK replies (which pass the Expect replay
// check); packets from unknown paths otherwise trigger a HELLO over that
// path to confirm it.
func (p *Peer) received(path *Path, hops uint8, pktID uint64, payloadLen int, verb, inReVerb Verb, now int64) {
	p.lastReceive.Store(now)
	p.inMeter.log(now, payloadLen)

	if hops != 0 {
		return
	}

	p.lock.RLock()
	for i := 0; i < p.alivePathCount; i++ {
		if p.paths[i] == path {
			p.lock.RUnlock()
			return
		}
	}
	p.lock.RUnlock()

	if p.node.cb.PathCheck != nil && !p.node.cb.PathCheck(p.id, path.LocalSocket(), path.Address()) {
		return
	}

	if verb == VerbOK {
		p.lock.Lock()
		p.learnPathLocked(path, pktID, now)
		p.lock.Unlock()
	} else {
		path.Sent(now, p.hello(path.LocalSocket(), path.Address(), now))
		p.node.trace(&TraceTryingNewPath{
			Code:     0xb7747ddd,
			Peer:     p.id.Address(),
			Endpoint: endpoint.FromInetAddress(path.Address()),
			Reason:   TryPathReasonUnknownPath,
		})
	}
}

// learnPathLocked adds a confirmed path, replacing a same-IP entry whose
// port changed (NAT reboots reassign ports) or else the least recently
// active entry when full. Caller holds the write lock.
func (p *Peer) learnPathLocked(path *Path, pktID uint64, now int64) {
	newIdx := 0
	if p.alivePathCount >= maxPeerPaths {
		var oldestIn int64 = 1<<63 - 1
		for i := 0; i < p.alivePathCount; i++ {
			if p.paths[i].Address().Addr().Is6() == path.Address().Addr().Is6() &&
				p.paths[i].LocalSocket() == path.LocalSocket() &&
				p.paths[i].Address().IPEqual(path.Address()) {
				p.paths[i] = path
				return
			}
			if p.paths[i].LastIn() < oldestIn {
				oldestIn = p.paths[i].LastIn()
				newIdx = i
			}
		}
	} else {
		newIdx = p.alivePathCount
		p.alivePathCount++
	}

	var old endpoint.InetAddress
	if p.paths[newIdx] != nil {
		old = p.paths[newIdx].Address()
	}
	p.paths[newIdx] = path
	p.prioritizePathsLocked(now)

	ep := endpoint.FromInetAddress(path.Address())
	p.bootstrap[ep.Type()] = ep

	p.node.trace(&TraceLearnedNewPath{
		Code:     0x582fabdd,
		PacketID: pktID,
		Peer:     p.id.Address(),
		From:     path.Address(),
		Replaced: old,
	})
}

// sent logs outbound bytes.
func (p *Peer) sent(now int64, bytes int) {
	p.lastSend.Store(now)
	p.outMeter.log(now, bytes)
}

// relayed logs bytes relayed through this peer on behalf of others.
func (p *Peer) relayed(now int64, bytes int) {
	p.relayedMeter.log(now, bytes)
}

// path returns the current best direct path, or nil if none is alive.
func (p *Peer) path(now int64) *Path {
	if now-p.lastPrioritizedPaths.Load() > prioritizePathsInterval {
		p.lock.Lock()
		p.prioritizePathsLocked(now)
		defer p.lock.Unlock()
	} else {
		p.lock.RLock()
		defer p.lock.RUnlock()
	}
	if p.alivePathCount > 0 {
		return p.paths[0]
	}
	return nil
}

// directlyConnected returns true if at least one direct path is alive.
func (p *Peer) directlyConnected(now int64) bool {
	return p.path(now) != nil
}

// send transmits an armored packet to this peer, directly if a path is
// alive, or else via the best root with the inner destination left pointing
// at this peer so the root relays it.
func (p *Peer) send(data []byte, now int64) {
	if via := p.path(now); via != nil {
		via.send(p.node, data, now)
	} else {
		root := p.node.topology.root()
		if root == nil || root == p {
			return
		}
		via := root.path(now)
		if via == nil {
			return
		}
		via.send(p.node, data, now)
		root.relayed(now, len(data))
	}
	p.sent(now, len(data))
}

// hello assembles and sends a full HELLO to an explicit address, returning
// bytes sent. HELLO is the only packet sent without payload encryption since
// it must be processable with no prior key; it is authenticated with
// Poly1305 and, for modern peers, HMAC-SHA384 end to end.
func (p *Peer) hello(localSocket int64, at endpoint.InetAddress, now int64) int {
	n := p.node
	b := buf.Get()
	defer buf.Put(b)
	pkt := b.Data[:]

	pktID := setHeader(pkt, p.id.Address(), n.identity.Address(), VerbHello)
	pos := payloadStart
	pkt[pos] = ProtoVersion
	pkt[pos+1] = versionMajor
	pkt[pos+2] = versionMinor
	binary.BigEndian.PutUint16(pkt[pos+3:], versionRevision)
	binary.BigEndian.PutUint64(pkt[pos+5:], uint64(now))
	pos += 13

	idBytes := n.identity.Marshal(nil, false)
	pos += copy(pkt[pos:], idBytes)
	pos += copy(pkt[pos:], at.AppendTo(nil))
	binary.BigEndian.PutUint16(pkt[pos:], 0) // legacy field
	pos += 2

	// Everything after this point is encrypted with a key derived
	// separately from the session key; the outer MAC covers ciphertext.
	dictStart := pos
	d := dictionary{}
	if eph := p.ephemeralOffer(now); eph != nil {
		d[dictKeyEphemeral] = eph
	}
	d.setU32(dictKeyProbeToken, p.localProbe)
	d.setU64(dictKeyVersion, packedVersion())
	d[dictKeyPhysicalDest] = endpoint.FromInetAddress(at).AppendTo(nil)
	dictBytes := d.encode(nil)
	binary.BigEndian.PutUint16(pkt[pos:], uint16(len(dictBytes)))
	pos += 2
	pos += copy(pkt[pos:], dictBytes)
	binary.BigEndian.PutUint16(pkt[pos:], 0) // no additional fields
	pos += 2
	dictionaryCipher(&p.identityKey.secret, pktID).XORKeyStream(pkt[dictStart:pos], pkt[dictStart:pos])

	hmacKey := kdf(&p.identityKey.secret, kdfLabelHelloHMAC, 0)
	mac := hmacSHA384(hmacKey[:], pkt[encryptedSectionStart:pos])
	pos += copy(pkt[pos:], mac[:])

	armor(pkt, pos, &p.identityKey.secret, CipherPoly1305None)
	n.expect.sending(pktID, now)

	if !n.cb.WireSend(localSocket, at, pkt[:pos]) {
		return 0
	}
	p.sent(now, pos)
	return pos
}

// probe sends the cheapest possible keepalive that the remote can still
// attribute to us: a 4-byte packet carrying the token it gave us. Peers too
// old to know about probes get a full NOP packet instead.
func (p *Peer) probe(localSocket int64, at endpoint.InetAddress, now int64) int {
	n := p.node
	p.lock.RLock()
	token := p.remoteProbe
	vProto := p.vProto
	p.lock.RUnlock()

	if vProto != 0 && vProto < 11 || token == 0 {
		b := buf.Get()
		defer buf.Put(b)
		pkt := b.Data[:MinPacketLength]
		setHeader(pkt, p.id.Address(), n.identity.Address(), VerbNop)
		armor(pkt, MinPacketLength, &p.identityKey.secret, CipherPoly1305Salsa2012)
		if !n.cb.WireSend(localSocket, at, pkt) {
			return 0
		}
		return MinPacketLength
	}

	var pb [ProbeLength]byte
	binary.BigEndian.PutUint32(pb[:], token)
	if !n.cb.WireSend(localSocket, at, pb[:]) {
		return 0
	}
	return ProbeLength
}

// tryDirectPath queues a candidate endpoint for the pulse loop to probe.
// When bfg1024 is set and aggressive NAT traversal is enabled, the candidate
// is attacked with a randomized port sweep to defeat symmetric NATs.
func (p *Peer) tryDirectPath(now int64, ep endpoint.Endpoint, bfg1024 bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i := range p.tryQueue {
		if p.tryQueue[i].target.Equal(ep) {
			p.tryQueue[i].ts = now
			p.tryQueue[i].bfg = bfg1024
			return
		}
	}
	p.tryQueue = append(p.tryQueue, tryQueueItem{target: ep, ts: now, bfg: bfg1024})
}

// pulse is the peer's periodic maintenance: re-prioritize paths, keep alive
// or re-establish connectivity, refresh HELLOs and re-key when due. All wire
// sends happen after the peer lock is released.
func (p *Peer) pulse(now int64, isRoot bool) {
	type probeTarget struct {
		at  endpoint.InetAddress
		bfg bool
	}

	p.lock.Lock()

	needHello := false
	if (now-p.lastSentHello) >= helloInterval ||
		(p.ephKeys[0] != nil && p.ephKeys[0].expiringSoon(now)) ||
		p.needRekey {
		p.lastSentHello = now
		needHello = true
	}

	p.prioritizePathsLocked(now)

	var helloPath *Path
	var keepalivePaths []*Path
	var targets []probeTarget

	if p.alivePathCount == 0 {
		if len(p.tryQueue) == 0 {
			p.seedTryQueueLocked(now)
		}
		// Drain a few queued candidates.
		attempts := 0
		kept := p.tryQueue[:0]
		for _, item := range p.tryQueue {
			if now-item.ts > tryQueueItemTimeout {
				continue
			}
			if attempts >= natAttemptsPerPulse || !item.target.IsInet() {
				kept = append(kept, item)
				continue
			}
			attempts++
			targets = append(targets, probeTarget{item.target.InetAddress(), item.bfg})
		}
		p.tryQueue = kept
	} else {
		for i := 0; i < p.alivePathCount; i++ {
			path := p.paths[i]
			if needHello && helloPath == nil {
				helloPath = path
			} else if now-path.LastOut() >= pathKeepalivePeriod {
				keepalivePaths = append(keepalivePaths, path)
			}
		}
	}
	p.lock.Unlock()

	for _, path := range keepalivePaths {
		path.send(p.node, []byte{0}, now)
		p.sent(now, 1)
	}
	if helloPath != nil {
		helloPath.Sent(now, p.hello(helloPath.LocalSocket(), helloPath.Address(), now))
		needHello = false
	}
	for _, t := range targets {
		if t.bfg && p.node.natMustDie {
			p.bfg1024(t.at, now)
		} else {
			p.sent(now, p.probe(-1, t.at, now))
		}
	}

	// Without a usable direct path, HELLO via a root so we stay reachable
	// and keep our version/locator state fresh with the planet.
	if needHello && !isRoot {
		root := p.node.topology.root()
		if root != nil && root != p {
			if via := root.path(now); via != nil {
				sent := p.hello(via.LocalSocket(), via.Address(), now)
				via.Sent(now, sent)
				root.relayed(now, sent)
			}
		}
	}
}

// seedTryQueueLocked fills an empty try queue from the host's path lookup
// hint and remembered bootstrap endpoints.
func (p *Peer) seedTryQueueLocked(now int64) {
	if p.node.cb.PathLookup != nil {
		if addr, ok := p.node.cb.PathLookup(p.id); ok && !addr.Nil() {
			if p.node.cb.PathCheck == nil || p.node.cb.PathCheck(p.id, -1, addr) {
				p.tryQueue = append(p.tryQueue, tryQueueItem{target: endpoint.FromInetAddress(addr), ts: now})
				p.node.trace(&TraceTryingNewPath{
					Code:     0x84a10000,
					Peer:     p.id.Address(),
					Endpoint: endpoint.FromInetAddress(addr),
					Reason:   TryPathReasonSuggestedAddress,
				})
			}
		}
	}
	if len(p.bootstrap) > 0 {
		keys := make([]endpoint.Type, 0, len(p.bootstrap))
		for t := range p.bootstrap {
			keys = append(keys, t)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		pick := p.bootstrap[keys[mrand.Intn(len(keys))]]
		if pick.IsInet() {
			p.tryQueue = append(p.tryQueue, tryQueueItem{target: pick, ts: now})
			p.node.trace(&TraceTryingNewPath{
				Code:     0x0a009444,
				Peer:     p.id.Address(),
				Endpoint: pick,
				Reason:   TryPathReasonBootstrap,
			})
		}
	}
}

// bfg1024 sweeps probes across a shuffled range of ports, betting that at
// least one collides with a symmetric NAT's next mapping.
func (p *Peer) bfg1024(at endpoint.InetAddress, now int64) {
	ports := make([]uint16, 1023)
	for i := range ports {
		ports[i] = uint16(i + 1)
	}
	mrand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })
	addr := at.Addr()
	for i := 0; i < bfg1024PortsPerAttempt && i < len(ports); i++ {
		target := endpoint.NewInetAddress(netip.AddrPortFrom(addr, ports[i]))
		p.sent(now, p.probe(-1, target, now))
	}
}

// resetWithinScope demotes all paths within an IP scope and family to
// not-alive and probes them; any that still work will come back through the
// normal path learning cycle.
func (p *Peer) resetWithinScope(scope endpoint.IPScope, is6 bool, now int64) {
	p.lock.RLock()
	affected := make([]*Path, 0, p.alivePathCount)
	for i := 0; i < p.alivePathCount; i++ {
		path := p.paths[i]
		if path.Address().Addr().Is6() == is6 && path.Address().Scope() == scope {
			affected = append(affected, path)
		}
	}
	p.lock.RUnlock()
	for _, path := range affected {
		path.markDead()
		path.Sent(now, p.probe(path.LocalSocket(), path.Address(), now))
	}
}

// prioritizePathsLocked sorts paths into preference order — alive first,
// then lower latency, then most recently received — coalescing duplicates
// and truncating dead entries. The order is total and stable under identical
// inputs. Caller holds the write lock.
func (p *Peer) prioritizePathsLocked(now int64) {
	p.lastPrioritizedPaths.Store(now)

	entries := make([]*Path, 0, maxPeerPaths)
	seen := map[*Path]struct{}{}
	for _, path := range p.paths {
		if path == nil {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		entries = append(entries, path)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if aa, ba := a.Alive(now), b.Alive(now); aa != ba {
			return aa
		}
		al, bl := a.Latency(), b.Latency()
		if al != bl {
			if al < 0 {
				return false
			}
			if bl < 0 {
				return true
			}
			return al < bl
		}
		return a.LastIn() > b.LastIn()
	})

	p.paths = [maxPeerPaths]*Path{}
	p.alivePathCount = 0
	for _, path := range entries {
		if !path.Alive(now) {
			break
		}
		p.paths[p.alivePathCount] = path
		p.alivePathCount++
	}
}

// latency returns the average latency of alive paths, or -1 if unknown.
func (p *Peer) latency() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	total, count := 0, 0
	for i := 0; i < p.alivePathCount; i++ {
		if l := p.paths[i].Latency(); l >= 0 {
			total += l
			count++
		}
	}
	if count == 0 {
		return -1
	}
	return total / count
}

// meter is a coarse sliding byte meter bucketed by second.
type meter struct {
	mu      sync.Mutex
	buckets [10]uint64
	seconds [10]int64
	total   uint64
}

func (m *meter) log(now int64, bytes int) {
	sec := now / 1000
	i := int(sec % int64(len(m.buckets)))
	m.mu.Lock()
	if m.seconds[i] != sec {
		m.seconds[i] = sec
		m.buckets[i] = 0
	}
	m.buckets[i] += uint64(bytes)
	m.total += uint64(bytes)
	m.mu.Unlock()
}

// Total returns lifetime bytes through this meter.
func (m *meter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Rate returns recent bytes per second.
func (m *meter) Rate(now int64) uint64 {
	sec := now / 1000
	var sum uint64
	var n int64
	m.mu.Lock()
	for i := range m.buckets {
		if sec-m.seconds[i] < int64(len(m.buckets)) {
			sum += m.buckets[i]
			n++
		}
	}
	m.mu.Unlock()
	if n == 0 {
		return 0
	}
	return sum / uint64(n)
}
