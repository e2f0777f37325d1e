package core

import (
	"bytes"
	"sync"
	"testing"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

func mustInet(t testing.TB, s string) endpoint.InetAddress {
	t.Helper()
	a, err := endpoint.ParseInetAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// Proof-of-work identity generation is slow, so tests share a small pool of
// pre-generated identities.
var (
	idPoolMu sync.Mutex
	idPool   []*identity.Identity
)

func testIdent(t testing.TB, i int) *identity.Identity {
	t.Helper()
	idPoolMu.Lock()
	defer idPoolMu.Unlock()
	for len(idPool) <= i {
		id, err := identity.Generate(identity.TypeC25519)
		if err != nil {
			t.Fatal(err)
		}
		idPool = append(idPool, id)
	}
	return idPool[i]
}

type sentRecord struct {
	from endpoint.InetAddress
	to   endpoint.InetAddress
	data []byte
}

// testNet wires nodes together with synchronous in-memory datagram
// delivery, standing in for the host's sockets.
type testNet struct {
	t      *testing.T
	now    int64
	nodes  map[endpoint.InetAddress]*Node
	addrs  map[*Node]endpoint.InetAddress
	wire   []sentRecord
	mangle func(data []byte) []byte
	events map[*Node][]Event
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:      t,
		now:    1000000,
		nodes:  map[endpoint.InetAddress]*Node{},
		addrs:  map[*Node]endpoint.InetAddress{},
		events: map[*Node][]Event{},
	}
}

func (tn *testNet) addNode(id *identity.Identity, addr string, opts ...Option) *Node {
	inet := mustInet(tn.t, addr)
	var n *Node
	cb := Callbacks{
		WireSend: func(localSocket int64, remote endpoint.InetAddress, data []byte) bool {
			cp := append([]byte(nil), data...)
			if tn.mangle != nil {
				cp = tn.mangle(cp)
				tn.mangle = nil
			}
			tn.wire = append(tn.wire, sentRecord{from: inet, to: remote, data: cp})
			if target := tn.nodes[remote]; target != nil {
				target.HandlePacket(1, inet, cp, tn.now)
			}
			return true
		},
		Event: func(ev Event) {
			tn.events[n] = append(tn.events[n], ev)
		},
	}
	var err error
	n, err = NewNode(id, cb, tn.now, opts...)
	if err != nil {
		tn.t.Fatal(err)
	}
	tn.nodes[inet] = n
	tn.addrs[n] = inet
	return n
}

func (tn *testNet) drops(n *Node, reason DropReason) int {
	count := 0
	for _, ev := range tn.events[n] {
		if ev.Type == EventTrace {
			if d, ok := ev.Trace.(*TracePacketDropped); ok && d.Reason == reason {
				count++
			}
		}
	}
	return count
}

func (tn *testNet) sentBetween(from, to *Node) int {
	count := 0
	for _, r := range tn.wire {
		if r.from == tn.addrs[from] && r.to == tn.addrs[to] {
			count++
		}
	}
	return count
}

// knowPeer plants knowledge of an identity without a handshake, as if it
// had been learned out of band.
func knowPeer(t *testing.T, n *Node, id *identity.Identity, now int64) *Peer {
	t.Helper()
	p, err := newPeer(n, id, now)
	if err != nil {
		t.Fatal(err)
	}
	return n.topology.addPeer(p)
}

func handshake(t *testing.T, tn *testNet, a, b *Node) {
	t.Helper()
	if err := a.Hello(b.Identity(), tn.addrs[b], tn.now); err != nil {
		t.Fatal(err)
	}
	tn.now += 10
	if a.topology.Peer(b.Address(), false, tn.now) == nil {
		t.Fatal("handshake initiator did not learn peer")
	}
	if b.topology.Peer(a.Address(), false, tn.now) == nil {
		t.Fatal("handshake responder did not learn peer")
	}
}

func TestColdStartHandshake(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	b := tn.addNode(testIdent(t, 1), "192.0.2.2:793")

	handshake(t, tn, a, b)

	pa := b.topology.Peer(a.Address(), false, tn.now)
	pb := a.topology.Peer(b.Address(), false, tn.now)

	// Both ends should have established ephemeral keys from the HELLO
	// exchange rather than still riding the permanent identity key.
	pa.lock.RLock()
	aEph := pa.ephKeys[0] != nil
	pa.lock.RUnlock()
	pb.lock.RLock()
	bEph := pb.ephKeys[0] != nil
	pb.lock.RUnlock()
	if !aEph || !bEph {
		t.Fatalf("ephemeral keys not established: responder=%v initiator=%v", aEph, bEph)
	}

	// ECHO round trip: payload comes back and correlates through Expect.
	tn.now += 10
	before := tn.sentBetween(b, a)
	if err := a.SendEcho(b.Address(), []byte{0x01, 0x02, 0x03}, tn.now); err != nil {
		t.Fatal(err)
	}
	if tn.sentBetween(b, a) != before+1 {
		t.Fatal("no OK(ECHO) reply observed")
	}
	if got := tn.drops(a, DropReasonReplyNotExpected); got != 0 {
		t.Fatalf("OK(ECHO) did not correlate: %d unexpected-reply drops", got)
	}
	if got := tn.drops(a, DropReasonMACFailed) + tn.drops(b, DropReasonMACFailed); got != 0 {
		t.Fatalf("%d MAC failures during clean exchange", got)
	}

	// A second HELLO reuses learned state without re-running the identity
	// proof of work (observable as it simply succeeding and re-keying).
	tn.now += 10
	if err := a.Hello(b.Identity(), tn.addrs[b], tn.now); err != nil {
		t.Fatal(err)
	}
	if got := tn.drops(b, DropReasonInvalidObject); got != 0 {
		t.Fatalf("repeat HELLO dropped: %d invalid-object drops", got)
	}
}

func TestEchoRateGate(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	b := tn.addNode(testIdent(t, 1), "192.0.2.2:793")
	handshake(t, tn, a, b)

	tn.now += 10
	if err := a.SendEcho(b.Address(), []byte("one"), tn.now); err != nil {
		t.Fatal(err)
	}
	// Immediately again: inside the rate gate window, B must not reply.
	replies := tn.sentBetween(b, a)
	if err := a.SendEcho(b.Address(), []byte("two"), tn.now+1); err != nil {
		t.Fatal(err)
	}
	if tn.sentBetween(b, a) != replies {
		t.Fatal("rate gate did not suppress second echo reply")
	}
	if tn.drops(b, DropReasonRateLimit) == 0 {
		t.Fatal("no rate-limit trace emitted")
	}
}

func TestMACTamperDropsSilently(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	b := tn.addNode(testIdent(t, 1), "192.0.2.2:793")
	handshake(t, tn, a, b)

	tn.now += 10
	bSends := tn.sentBetween(b, a)
	tn.mangle = func(data []byte) []byte {
		if len(data) > payloadStart {
			data[len(data)-1] ^= 0x01 // flip one ciphertext byte
		}
		return data
	}
	if err := a.SendEcho(b.Address(), []byte("tampered"), tn.now); err != nil {
		t.Fatal(err)
	}
	if tn.drops(b, DropReasonMACFailed) == 0 {
		t.Fatal("no MAC_FAILED trace for tampered packet")
	}
	if tn.sentBetween(b, a) != bSends {
		t.Fatal("receiver replied to an unauthenticated packet")
	}
}

func TestFragmentedDelivery(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	b := tn.addNode(testIdent(t, 1), "192.0.2.2:793")
	handshake(t, tn, a, b)

	payload := bytes.Repeat([]byte{0xab}, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	tn.now += 10
	wireStart := len(tn.wire)
	if err := a.SendUserMessage(b.Address(), 99, payload, tn.now); err != nil {
		t.Fatal(err)
	}

	var got *UserMessage
	for _, ev := range tn.events[b] {
		if ev.Type == EventUserMessage {
			if got != nil {
				t.Fatal("user message delivered more than once")
			}
			got = ev.UserMessage
		}
	}
	if got == nil {
		t.Fatal("fragmented user message not delivered")
	}
	if got.TypeID != 99 || !bytes.Equal(got.Data, payload) {
		t.Fatal("user message corrupted in reassembly")
	}

	// Count fragments on the wire and re-deliver one: the duplicate must
	// not produce a second dispatch.
	var fragments [][]byte
	for _, r := range tn.wire[wireStart:] {
		if len(r.data) > fragmentIndicatorIndex && r.data[fragmentIndicatorIndex] == FragmentIndicator {
			fragments = append(fragments, r.data)
		}
	}
	if len(fragments) < 2 {
		t.Fatalf("expected multiple fragments, saw %d", len(fragments))
	}
	b.HandlePacket(1, tn.addrs[a], fragments[0], tn.now+1)
	count := 0
	for _, ev := range tn.events[b] {
		if ev.Type == EventUserMessage {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("duplicate fragment caused %d dispatches", count)
	}
}

func TestWhoisViaRoot(t *testing.T) {
	tn := newTestNet(t)
	r := tn.addNode(testIdent(t, 2), "198.51.100.1:793", WithRelay())
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	c := tn.addNode(testIdent(t, 1), "192.0.2.3:793")

	// Everyone trusts R as a root.
	var loc locator.Locator
	if err := loc.Add(endpoint.FromInetAddress(tn.addrs[r])); err != nil {
		t.Fatal(err)
	}
	if err := loc.Sign(tn.now, r.Identity()); err != nil {
		t.Fatal(err)
	}
	for _, n := range []*Node{a, c} {
		if !n.AddRoot(r.Identity(), &loc, tn.now) {
			t.Fatal("AddRoot failed")
		}
	}

	handshake(t, tn, a, r)
	handshake(t, tn, c, r)

	// A knows C's identity out of band but C has never heard of A.
	knowPeer(t, a, c.Identity(), tn.now)
	tn.now += 10
	relayedToA := tn.sentBetween(r, a)
	if err := a.SendEcho(c.Address(), []byte("who goes there"), tn.now); err != nil {
		t.Fatal(err)
	}

	// Synchronous delivery: C queued the ciphertext, asked R, learned A,
	// and replayed the queued packet. The echo reply travels back over the
	// same relay, so A sees new traffic from R and the reply correlates.
	if c.topology.Peer(a.Address(), false, tn.now) == nil {
		t.Fatal("C did not learn A via WHOIS")
	}
	if tn.sentBetween(c, r) == 0 {
		t.Fatal("C sent nothing toward the root (no WHOIS, no reply)")
	}
	if tn.sentBetween(r, a) <= relayedToA {
		t.Fatal("no echo reply relayed back to A after WHOIS resolution")
	}
	if tn.drops(a, DropReasonReplyNotExpected) != 0 {
		t.Fatal("echo reply did not correlate through Expect")
	}
}

func TestRendezvous(t *testing.T) {
	tn := newTestNet(t)
	r := tn.addNode(testIdent(t, 2), "198.51.100.1:793", WithRelay())
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")

	var loc locator.Locator
	_ = loc.Add(endpoint.FromInetAddress(tn.addrs[r]))
	if err := loc.Sign(tn.now, r.Identity()); err != nil {
		t.Fatal(err)
	}
	if !a.AddRoot(r.Identity(), &loc, tn.now) {
		t.Fatal("AddRoot failed")
	}
	handshake(t, tn, a, r)

	bIdent := testIdent(t, 1)
	knowPeer(t, a, bIdent, tn.now)

	// R tells A to meet B at 203.0.113.10:793.
	rPeerA := r.topology.Peer(a.Address(), false, tn.now)
	pkt := make([]byte, payloadStart+address.Length+3+4)
	setHeader(pkt, a.Address(), r.Address(), VerbRendezvous)
	pos := payloadStart
	bIdent.Address().CopyTo(pkt[pos:])
	pos += address.Length
	pkt[pos] = 793 >> 8
	pkt[pos+1] = 793 & 0xff
	pkt[pos+2] = 4
	pos += 3
	copy(pkt[pos:], []byte{203, 0, 113, 10})
	armor(pkt, len(pkt), &rPeerA.sendKey(tn.now).secret, CipherPoly1305Salsa2012)
	a.HandlePacket(1, tn.addrs[r], pkt, tn.now)

	pb := a.topology.Peer(bIdent.Address(), false, tn.now)
	pb.lock.RLock()
	queued := len(pb.tryQueue)
	pb.lock.RUnlock()
	if queued != 1 {
		t.Fatalf("rendezvous queued %d candidates, want 1", queued)
	}

	// Within one pulse A probes the named endpoint.
	tn.now += 10
	a.ProcessBackgroundTasks(tn.now)
	probed := false
	target := mustInet(t, "203.0.113.10:793")
	for _, rec := range tn.wire {
		if rec.from == tn.addrs[a] && rec.to == target {
			probed = true
		}
	}
	if !probed {
		t.Fatal("no probe sent to rendezvous endpoint within one pulse")
	}
}

func TestRendezvousIgnoredFromNonRoot(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	b := tn.addNode(testIdent(t, 1), "192.0.2.2:793")
	handshake(t, tn, a, b)

	bPeerA := b.topology.Peer(a.Address(), false, tn.now)
	cIdent := testIdent(t, 2)
	knowPeer(t, a, cIdent, tn.now)

	pkt := make([]byte, payloadStart+address.Length+3+4)
	setHeader(pkt, a.Address(), b.Address(), VerbRendezvous)
	pos := payloadStart
	cIdent.Address().CopyTo(pkt[pos:])
	pos += address.Length
	pkt[pos] = 793 >> 8
	pkt[pos+1] = 793 & 0xff
	pkt[pos+2] = 4
	pos += 3
	copy(pkt[pos:], []byte{203, 0, 113, 99})
	armor(pkt, len(pkt), &bPeerA.sendKey(tn.now).secret, CipherPoly1305Salsa2012)
	a.HandlePacket(1, tn.addrs[b], pkt, tn.now)

	pc := a.topology.Peer(cIdent.Address(), false, tn.now)
	pc.lock.RLock()
	queued := len(pc.tryQueue)
	pc.lock.RUnlock()
	if queued != 0 {
		t.Fatal("rendezvous from a non-root was honored")
	}
}

func TestSelfAwarenessScopeReset(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")

	// Give A a peer with an alive global-scope path.
	peerIdent := testIdent(t, 1)
	p := knowPeer(t, a, peerIdent, tn.now)
	path := a.topology.Path(1, mustInet(t, "203.0.113.50:793"))
	path.Received(tn.now, 100)
	p.lock.Lock()
	p.paths[0] = path
	p.alivePathCount = 1
	p.lock.Unlock()

	r1, r2 := testIdent(t, 2), testIdent(t, 3)
	oldSurface := mustInet(t, "198.51.100.99:793")
	newSurface := mustInet(t, "198.51.100.200:793")
	reporter1 := mustInet(t, "198.51.100.1:793")
	reporter2 := mustInet(t, "198.51.100.2:793")

	// Establish the agreed surface.
	a.selfAwareness.iam(r1, 1, reporter1, oldSurface, true, tn.now)
	a.selfAwareness.iam(r2, 1, reporter2, oldSurface, true, tn.now)

	// One reporter asserting a change is not enough.
	tn.now += 10
	a.selfAwareness.iam(r1, 1, reporter1, newSurface, true, tn.now)
	if !path.Alive(tn.now) {
		t.Fatal("single reporter triggered a reset")
	}

	// A second distinct trusted reporter completes the quorum.
	a.selfAwareness.iam(r2, 1, reporter2, newSurface, true, tn.now)
	if path.Alive(tn.now) {
		t.Fatal("quorum did not reset global-scope paths")
	}

	// The reset probed the dead path to see if it still works.
	probed := false
	for _, rec := range tn.wire {
		if rec.to == path.Address() {
			probed = true
		}
	}
	if !probed {
		t.Fatal("reset did not probe the demoted path")
	}
}

func TestTopologyPathIdempotent(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	addr := mustInet(t, "10.0.0.1:9000")
	p1 := a.topology.Path(5, addr)
	p2 := a.topology.Path(5, addr)
	if p1 != p2 {
		t.Fatal("same (socket, address) produced different Path instances")
	}
	if a.topology.Path(6, addr) == p1 {
		t.Fatal("different local socket produced the same Path")
	}
}

func TestPrioritizePathsOrder(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	p := knowPeer(t, a, testIdent(t, 1), tn.now)

	now := tn.now
	fast := a.topology.Path(1, mustInet(t, "10.0.0.1:1"))
	fast.Received(now, 1)
	fast.updateLatency(10)
	slow := a.topology.Path(1, mustInet(t, "10.0.0.2:1"))
	slow.Received(now, 1)
	slow.updateLatency(200)
	dead := a.topology.Path(1, mustInet(t, "10.0.0.3:1"))
	dead.Received(now-pathAliveTimeout-1, 1)

	p.lock.Lock()
	p.paths[0] = dead
	p.paths[1] = slow
	p.paths[2] = fast
	p.paths[3] = slow // duplicate must coalesce
	p.alivePathCount = 4
	p.prioritizePathsLocked(now)
	first, count := p.paths[0], p.alivePathCount
	p.prioritizePathsLocked(now)
	stableFirst := p.paths[0]
	p.lock.Unlock()

	if count != 2 {
		t.Fatalf("alive path count %d, want 2 (dead truncated, dup coalesced)", count)
	}
	if first != fast {
		t.Fatal("lowest-latency alive path not preferred")
	}
	if stableFirst != first {
		t.Fatal("prioritization not stable under identical inputs")
	}
}

func TestPeerCacheRoundtrip(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	peerIdent := testIdent(t, 1)
	p := knowPeer(t, a, peerIdent, tn.now)

	var loc locator.Locator
	_ = loc.Add(endpoint.FromInetAddress(mustInet(t, "203.0.113.7:793")))
	if err := loc.Sign(tn.now, peerIdent); err != nil {
		t.Fatal(err)
	}
	if !p.setLocator(&loc) {
		t.Fatal("setLocator rejected a valid locator")
	}
	p.setRemoteVersion(11, 1, 2, 3)
	ep := endpoint.FromInetAddress(mustInet(t, "192.0.2.2:793"))
	p.lock.Lock()
	p.bootstrap[ep.Type()] = ep
	p.lock.Unlock()

	b := p.marshal(nil)
	back, err := unmarshalPeer(a, b, tn.now)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Identity().Equal(peerIdent) {
		t.Fatal("identity lost")
	}
	if back.Locator() == nil || back.Locator().Timestamp() != loc.Timestamp() {
		t.Fatal("locator lost")
	}
	if back.remoteVersion() != 11 {
		t.Fatal("version lost")
	}
	back.lock.RLock()
	_, hasBootstrap := back.bootstrap[ep.Type()]
	back.lock.RUnlock()
	if !hasBootstrap {
		t.Fatal("bootstrap endpoint lost")
	}
}

func TestLocatorTimestampMustAdvance(t *testing.T) {
	tn := newTestNet(t)
	a := tn.addNode(testIdent(t, 0), "192.0.2.1:793")
	peerIdent := testIdent(t, 1)
	p := knowPeer(t, a, peerIdent, tn.now)

	mk := func(ts int64) *locator.Locator {
		var l locator.Locator
		_ = l.Add(endpoint.FromInetAddress(mustInet(t, "203.0.113.7:793")))
		if err := l.Sign(ts, peerIdent); err != nil {
			t.Fatal(err)
		}
		return &l
	}
	if !p.setLocator(mk(2000)) {
		t.Fatal("first locator rejected")
	}
	if p.setLocator(mk(2000)) {
		t.Fatal("equal-timestamp locator accepted")
	}
	if p.setLocator(mk(1999)) {
		t.Fatal("older locator accepted")
	}
	if !p.setLocator(mk(2001)) {
		t.Fatal("newer locator rejected")
	}
}
