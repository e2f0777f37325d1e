package core

import (
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/buf"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// Software version reported in HELLO exchanges. Injected builds may differ
// in the strings exposed by src/version; these numbers are the wire values.
const (
	versionMajor    = 1
	versionMinor    = 0
	versionRevision = 2
)

func packedVersion() uint64 {
	return uint64(versionMajor)<<32 | uint64(versionMinor)<<16 | uint64(versionRevision)
}

// backgroundTaskInterval is the suggested spacing of ProcessBackgroundTasks
// calls.
const backgroundTaskInterval = 500

// StateObjectType identifies an opaque blob in the host's state store.
type StateObjectType uint8

const (
	StateObjectIdentityPublic StateObjectType = iota
	StateObjectIdentitySecret
	StateObjectLocator
	StateObjectPeer
	StateObjectNetworkConfig
	StateObjectRoots
)

// Callbacks is the host interface. The host owns all I/O and persistence;
// these functions are the core's only side channels. They may be called from
// any thread the host drives the core from and must not re-enter the same
// Node from within a callback.
type Callbacks struct {
	// WireSend transmits a datagram. localSocket is -1 for "any socket".
	// Required.
	WireSend func(localSocket int64, remote endpoint.InetAddress, data []byte) bool

	// StateGet fetches an opaque state object, nil if absent.
	StateGet func(objType StateObjectType, id []byte) []byte

	// StatePut stores (or with nil data, deletes) a state object.
	StatePut func(objType StateObjectType, id []byte, data []byte)

	// Event delivers node events including traces and user messages.
	Event func(ev Event)

	// VirtualNetworkFrame receives decrypted, authenticated VL2 traffic.
	VirtualNetworkFrame func(source *identity.Identity, verb Verb, payload []byte)

	// PathCheck, if set, can veto use of a physical path. Optional.
	PathCheck func(id *identity.Identity, localSocket int64, remote endpoint.InetAddress) bool

	// PathLookup, if set, suggests a physical address for a peer with no
	// known paths. Recommended.
	PathLookup func(id *identity.Identity) (endpoint.InetAddress, bool)
}

var (
	errMissingIdentity = errors.New("identity with private key required")
	errMissingWireSend = errors.New("WireSend callback required")
	errNodeClosed      = errors.New("node closed")
)

// Node is one VL1 endpoint: an identity plus the peer/path database and the
// packet engine. All methods are safe for concurrent use; the host may pump
// packets and background tasks from as many threads as it likes.
type Node struct {
	log      Logger
	identity *identity.Identity
	cb       Callbacks

	topology      *Topology
	selfAwareness *selfAwareness
	expect        *expect
	vl1           *vl1

	relay               bool
	natMustDie          bool
	pendingTrustedPaths []TrustedPath

	online atomic.Bool
	closed atomic.Bool
}

// NewNode creates a node from an identity (which must carry its private
// key) and the host callback set. now is the current time in milliseconds.
func NewNode(id *identity.Identity, cb Callbacks, now int64, opts ...Option) (*Node, error) {
	if id == nil || !id.HasPrivate() {
		return nil, errMissingIdentity
	}
	if cb.WireSend == nil {
		return nil, errMissingWireSend
	}
	n := &Node{
		log:      nopLogger{io.Discard},
		identity: id,
		cb:       cb,
		expect:   newExpect(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.topology = newTopology(n)
	n.topology.setTrustedPaths(n.pendingTrustedPaths)
	n.topology.refreshRootPeers(now)
	n.selfAwareness = newSelfAwareness(n)
	n.vl1 = newVL1(n)
	n.event(EventUp)
	return n, nil
}

// Option configures a Node at construction.
type Option func(*Node)

// WithLogger sets the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// WithRelay enables relaying of packets addressed to other nodes, as roots
// do.
func WithRelay() Option {
	return func(n *Node) { n.relay = true }
}

// WithAggressiveNAT enables BFG1024 symmetric NAT busting.
func WithAggressiveNAT() Option {
	return func(n *Node) { n.natMustDie = true }
}

// WithTrustedPaths configures links on which encryption is replaced by a
// preshared path ID.
func WithTrustedPaths(tp []TrustedPath) Option {
	return func(n *Node) {
		// topology is created after options run, so stash on the node.
		n.pendingTrustedPaths = tp
	}
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Address returns the node's short address.
func (n *Node) Address() address.Address { return n.identity.Address() }

// Topology exposes the peer/path/root database.
func (n *Node) Topology() *Topology { return n.topology }

// Online reports whether the node currently has a live root path.
func (n *Node) Online() bool { return n.online.Load() }

// HandlePacket processes one raw datagram received by the host.
// localSocket identifies the receiving socket for multi-homed hosts; now is
// the current time in milliseconds.
func (n *Node) HandlePacket(localSocket int64, from endpoint.InetAddress, data []byte, now int64) {
	if n.closed.Load() {
		return
	}
	n.vl1.onRemotePacket(localSocket, from, data, now)
}

// ProcessBackgroundTasks services pings, retries and expirations. The host
// should call it again no later than the returned deadline.
func (n *Node) ProcessBackgroundTasks(now int64) int64 {
	if n.closed.Load() {
		return now + backgroundTaskInterval
	}

	n.topology.eachPeerWithRoot(func(p *Peer, isRoot bool) {
		p.pulse(now, isRoot)
	})
	n.topology.rankRoots()
	n.topology.doPeriodicTasks(now)
	n.selfAwareness.clean(now)
	n.vl1.gc(now)

	// Online means a root is configured and talking to us.
	root := n.topology.root()
	nowOnline := root != nil && root.path(now) != nil
	if wasOnline := n.online.Swap(nowOnline); wasOnline != nowOnline {
		if nowOnline {
			n.event(EventOnline)
		} else {
			n.event(EventOffline)
		}
	}

	return now + backgroundTaskInterval
}

// AddRoot adds a trusted root with its signed locator.
func (n *Node) AddRoot(id *identity.Identity, loc *locator.Locator, now int64) bool {
	return n.topology.AddRoot(id, loc, now)
}

// RemoveRoot removes a root by fingerprint.
func (n *Node) RemoveRoot(fp identity.Fingerprint, now int64) bool {
	return n.topology.RemoveRoot(fp, now)
}

// SendEcho sends an ECHO with the given payload to a peer. The reply, if
// any, correlates through the expectation table. It does not update path
// latency; latency samples come only from OK(HELLO) round trips.
func (n *Node) SendEcho(to address.Address, payload []byte, now int64) error {
	if n.closed.Load() {
		return errNodeClosed
	}
	peer := n.topology.Peer(to, true, now)
	if peer == nil {
		return errors.New("unknown peer")
	}
	b := buf.Get()
	defer buf.Put(b)
	pkt := b.Data[:]
	pktID := setHeader(pkt, to, n.identity.Address(), VerbEcho)
	pos := payloadStart
	if pos+len(payload) > MaxUDPPayload {
		return errors.New("payload too large")
	}
	pos += copy(pkt[pos:], payload)
	armor(pkt, pos, &peer.sendKey(now).secret, CipherPoly1305Salsa2012)
	n.expect.sending(pktID, now)
	peer.send(pkt[:pos], now)
	return nil
}

// SendUserMessage sends an application-defined message to a peer.
func (n *Node) SendUserMessage(to address.Address, typeID uint64, data []byte, now int64) error {
	if n.closed.Load() {
		return errNodeClosed
	}
	peer := n.topology.Peer(to, true, now)
	if peer == nil {
		return errors.New("unknown peer")
	}
	b := buf.Get()
	defer buf.Put(b)
	pkt := b.Data[:]
	setHeader(pkt, to, n.identity.Address(), VerbUserMessage)
	pos := payloadStart
	binary.BigEndian.PutUint64(pkt[pos:], typeID)
	pos += 8
	if pos+len(data) > MaxPacketLength {
		return errors.New("message too large")
	}
	pos += copy(pkt[pos:], data)
	armor(pkt, pos, &peer.sendKey(now).secret, CipherPoly1305Salsa2012)
	peer.send(pkt[:pos], now)
	return nil
}

// Hello initiates a handshake with a peer at an explicit physical address.
// This is how first contact is made when an identity is known out of band.
func (n *Node) Hello(id *identity.Identity, at endpoint.InetAddress, now int64) error {
	if n.closed.Load() {
		return errNodeClosed
	}
	peer := n.topology.Peer(id.Address(), true, now)
	if peer == nil {
		np, err := newPeer(n, id, now)
		if err != nil {
			return err
		}
		peer = n.topology.addPeer(np)
	}
	peer.hello(-1, at, now)
	return nil
}

// Close drains the node: new ingress is refused, peers are saved, and a
// final DOWN event is emitted. In-flight HandlePacket calls on other threads
// complete normally.
func (n *Node) Close(now int64) {
	if n.closed.Swap(true) {
		return
	}
	n.topology.saveAll(now)
	n.event(EventDown)
}
