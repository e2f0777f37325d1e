package core

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/poly1305"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/buf"
	"github.com/virtnet-io/virtnet/src/endpoint"
)

const (
	whoisRetryDelay        = 500 // ms between WHOIS retries per address
	whoisMaxRetries        = 10
	whoisMaxQueuedPackets  = 3 // ciphertexts held per unknown address
	relayMaxHops           = maxHops
)

type whoisQueueItem struct {
	packets   []queuedPacket
	lastRetry int64
	retries   int
}

type queuedPacket struct {
	localSocket int64
	from        endpoint.InetAddress
	data        []byte
}

// vl1 is the packet ingress pipeline: fragment assembly, authentication,
// decryption and verb dispatch.
type vl1 struct {
	node   *Node
	defrag *defragmenter

	whoisLock  sync.Mutex
	whoisQueue map[address.Address]*whoisQueueItem
}

func newVL1(n *Node) *vl1 {
	return &vl1{
		node:       n,
		defrag:     newDefragmenter(),
		whoisQueue: map[address.Address]*whoisQueueItem{},
	}
}

// onRemotePacket is the single entry point for raw datagrams. It never
// panics across the host boundary; unexpected failures become trace events.
func (v *vl1) onRemotePacket(localSocket int64, fromAddr endpoint.InetAddress, data []byte, now int64) {
	defer func() {
		if r := recover(); r != nil {
			v.node.trace(&TraceUnexpectedError{
				Code:    0xea1b6dea,
				Message: fmt.Sprintf("unexpected panic handling packet from %s: %v", fromAddr, r),
			})
		}
	}()

	n := v.node
	path := n.topology.Path(localSocket, fromAddr)
	// Anything received at all keeps the path alive, even keepalives and
	// packets that turn out to be garbage.
	path.Received(now, len(data))

	// 4-byte probes identify a peer by token and ask for a handshake.
	if len(data) == ProbeLength {
		token := binary.BigEndian.Uint32(data)
		if peer := n.topology.peerByProbe(token); peer != nil && peer.rateGateInboundProbe(now) {
			path.Sent(now, peer.hello(localSocket, fromAddr, now))
		}
		return
	}

	// Other runts are keepalives; the path timer is already updated.
	if len(data) < MinFragmentLength {
		return
	}

	var pktv buf.Vector

	if data[fragmentIndicatorIndex] == FragmentIndicator {
		dest, _ := address.FromBytes(data[destIndex:])
		if dest != n.identity.Address() {
			v.relay(dest, data, now)
			return
		}
		pktID := binary.BigEndian.Uint64(data)
		counts := data[fragmentCountsIndex]
		b := buf.Get()
		copied := copy(b.Data[:], data[fragmentHeaderSize:])
		slice := buf.Slice{B: b, Start: 0, End: copied}
		switch v.defrag.assemble(pktID, &pktv, slice, int(counts&0x0f), int(counts>>4), now, path) {
		case assembleComplete:
		case assembleOK:
			return
		default:
			buf.Put(b)
			return
		}
	} else {
		if len(data) < MinPacketLength {
			return
		}
		dest, _ := address.FromBytes(data[destIndex:])
		if dest != n.identity.Address() {
			v.relay(dest, data, now)
			return
		}
		b := buf.Get()
		copied := copy(b.Data[:], data)
		slice := buf.Slice{B: b, Start: 0, End: copied}
		if data[flagsIndex]&flagFragmented != 0 {
			pktID := binary.BigEndian.Uint64(data)
			switch v.defrag.assemble(pktID, &pktv, slice, 0, 0, now, path) {
			case assembleComplete:
			case assembleOK:
				return
			default:
				buf.Put(b)
				return
			}
		} else {
			pktv = append(pktv, slice)
		}
	}
	defer pktv.Free()

	if len(pktv) == 0 || pktv[0].Len() < MinPacketLength {
		v.node.trace(&TraceUnexpectedError{
			Code:    0x3df19990,
			Message: fmt.Sprintf("empty or undersized packet vector after parsing packet from %s", fromAddr),
		})
		return
	}

	// The fragmented flag is set after armoring on the sending side, so
	// clear it before authentication now that the pieces are back together.
	header := pktv[0].Bytes()
	header[flagsIndex] &^= flagFragmented

	packetSize := pktv.Len()
	if packetSize > MaxPacketLength {
		v.dropTrace(0x010348da, header, fromAddr, nil, DropReasonMalformed)
		return
	}

	source := packetSource(header)
	if source == n.identity.Address() {
		return
	}
	peer := n.topology.Peer(source, true, now)

	hops := packetHops(header)
	cipherSuite := packetCipher(header)
	rawVerb := Verb(header[verbIndex] & verbMask)
	unencryptedHello := (cipherSuite == CipherPoly1305None || cipherSuite == CipherNone) && rawVerb == VerbHello

	// Unknown source and not a handshake: hold the ciphertext and ask a
	// root who this is.
	if peer == nil && !unencryptedHello {
		v.enqueueForWhois(source, localSocket, fromAddr, pktv, now)
		return
	}

	assembled := buf.Get()
	defer buf.Put(assembled)

	var authenticated bool
	var usedPermanentKey bool

	switch cipherSuite {
	case CipherPoly1305None, CipherPoly1305Salsa2012:
		if unencryptedHello {
			// HELLO authenticates itself inside the handler since the key
			// may not exist yet.
			if _, err := pktv.MergeCopy(assembled); err != nil {
				v.dropTrace(0xbada9366, header, fromAddr, peer, DropReasonMalformed)
				return
			}
			v.handleHello(path, peer, assembled.Data[:packetSize], false, now)
			return
		}
		keys := peer.cryptKeys()
		for i, key := range keys {
			if key == nil {
				continue
			}
			if v.tryDearmor(pktv, assembled, packetSize, key, cipherSuite) {
				authenticated = true
				usedPermanentKey = i == 2 && (keys[0] != nil || keys[1] != nil)
				break
			}
		}
		if !authenticated {
			v.dropTrace(0xcc89c812, header, fromAddr, peer, DropReasonMACFailed)
			return
		}
		if usedPermanentKey {
			peer.markForRekey()
		}
	case CipherNone:
		if _, err := pktv.MergeCopy(assembled); err != nil {
			v.dropTrace(0x3d3337df, header, fromAddr, peer, DropReasonMalformed)
			return
		}
		trustedID := binary.BigEndian.Uint64(header[macIndex:])
		if !n.topology.shouldInboundPathBeTrusted(fromAddr, trustedID) {
			v.dropTrace(0x2dfa910b, header, fromAddr, peer, DropReasonNotTrustedPath)
			return
		}
		authenticated = true
	default:
		// AES_GMAC_SIV and unassigned cipher codes are not accepted.
		v.dropTrace(0x5b001099, header, fromAddr, peer, DropReasonInvalidObject)
		return
	}

	pkt := assembled.Data[:packetSize]
	verb := packetVerb(pkt)

	if verb == VerbHello {
		// An encrypted HELLO from a known peer still re-validates itself.
		v.handleHello(path, peer, pkt, true, now)
		return
	}

	// Decompress the payload if flagged. Only authenticated packets get
	// this far, so decompression never runs on unverified input.
	if pkt[verbIndex]&verbFlagCompressed != 0 {
		expanded := buf.Get()
		defer buf.Put(expanded)
		copy(expanded.Data[:payloadStart], pkt[:payloadStart])
		dn, err := decompress(pkt[payloadStart:packetSize], expanded.Data[payloadStart:])
		if err != nil {
			v.dropTrace(0xee9e4392, header, fromAddr, peer, DropReasonInvalidCompressedData)
			return
		}
		expanded.Data[verbIndex] &^= verbFlagCompressed
		pkt = expanded.Data[:payloadStart+dn]
		packetSize = len(pkt)
	}

	ok := true
	inReVerb := VerbNop
	switch verb {
	case VerbNop:
	case VerbError:
		ok, inReVerb = v.handleError(path, peer, pkt, now)
	case VerbOK:
		ok, inReVerb = v.handleOK(path, peer, pkt, localSocket, fromAddr, now)
	case VerbWhois:
		ok = v.handleWhois(path, peer, pkt, now)
	case VerbRendezvous:
		ok = v.handleRendezvous(path, peer, pkt, now)
	case VerbEcho:
		ok = v.handleEcho(path, peer, pkt, now)
	case VerbPushDirectPaths:
		ok = v.handlePushDirectPaths(path, peer, pkt, now)
	case VerbUserMessage:
		ok = v.handleUserMessage(peer, pkt)
	case VerbEncap:
		// Reserved; counted but otherwise ignored.
	case VerbFrame, VerbExtFrame, VerbMulticastLike, VerbMulticast, VerbMulticastGather,
		VerbNetworkCredentials, VerbNetworkConfigRequest, VerbNetworkConfig:
		// Virtual network layer traffic: handed up with an authenticated
		// peer and decrypted payload.
		if n.cb.VirtualNetworkFrame != nil {
			n.cb.VirtualNetworkFrame(peer.Identity(), verb, pkt[payloadStart:packetSize])
		}
	default:
		v.dropTrace(0xeeeeeff0, pkt, fromAddr, peer, DropReasonUnrecognizedVerb)
		ok = false
	}

	if ok {
		peer.received(path, hops, packetID(pkt), packetSize-payloadStart, verb, inReVerb, now)
	}
}

// tryDearmor authenticates and decrypts the slice vector against one key in
// a single pass per attempt: bytes stream through the Poly1305 accumulator
// and the Salsa20/12 keystream while being merged into dst. Source slices
// are left intact so further keys can be tried on failure.
func (v *vl1) tryDearmor(pktv buf.Vector, dst *buf.Buf, packetSize int, key *symmetricKey, cipherSuite uint8) bool {
	header := pktv[0].Bytes()
	perPacket := derivePerPacketKey(&key.secret, header, packetSize)
	macKey, stream := macAndStream(&perPacket, header)

	mac := poly1305.New(&macKey)
	transform := func(dst, src []byte) {
		mac.Write(src)
		if cipherSuite == CipherPoly1305Salsa2012 {
			stream.XORKeyStream(dst, src)
		} else {
			copy(dst, src)
		}
	}
	if _, err := pktv.MergeMap(dst, encryptedSectionStart, transform); err != nil {
		return false
	}
	var sum [16]byte
	mac.Sum(sum[:0])
	return subtle.ConstantTimeCompare(sum[:8], header[macIndex:macIndex+8]) == 1
}

// relay forwards a packet addressed to someone else, if relaying is enabled
// and the hop budget allows.
func (v *vl1) relay(dest address.Address, data []byte, now int64) {
	n := v.node
	if !n.relay {
		return
	}
	newHops := (data[flagsIndex] & hopsMask) + 1
	if newHops >= relayMaxHops {
		return
	}
	data[flagsIndex] = (data[flagsIndex] &^ hopsMask) | newHops

	toPeer := n.topology.Peer(dest, false, now)
	if toPeer == nil {
		return
	}
	toPath := toPeer.path(now)
	if toPath == nil {
		return
	}
	toPath.send(n, data, now)
	toPeer.relayed(now, len(data))
}

// enqueueForWhois stashes an assembled ciphertext from an unknown source and
// kicks off a WHOIS toward the current root. The caller retains ownership of
// the slice vector.
func (v *vl1) enqueueForWhois(source address.Address, localSocket int64, from endpoint.InetAddress, pktv buf.Vector, now int64) {
	assembled := buf.Get()
	size, err := pktv.MergeCopy(assembled)
	if err != nil {
		buf.Put(assembled)
		return
	}
	data := append([]byte(nil), assembled.Data[:size]...)
	buf.Put(assembled)

	v.whoisLock.Lock()
	item := v.whoisQueue[source]
	if item == nil {
		item = &whoisQueueItem{}
		v.whoisQueue[source] = item
	}
	if len(item.packets) < whoisMaxQueuedPackets {
		item.packets = append(item.packets, queuedPacket{localSocket, from, data})
	}
	v.whoisLock.Unlock()

	v.sendPendingWhois(now)
}

// sendPendingWhois sends WHOIS requests for every queued unknown address
// whose retry gate has elapsed. Requests go to the current best root.
func (v *vl1) sendPendingWhois(now int64) {
	n := v.node
	root := n.topology.root()
	if root == nil {
		return
	}
	rootPath := root.path(now)
	if rootPath == nil {
		return
	}

	var toSend []address.Address
	v.whoisLock.Lock()
	for addr, item := range v.whoisQueue {
		if item.retries >= whoisMaxRetries {
			delete(v.whoisQueue, addr)
			continue
		}
		if now-item.lastRetry >= whoisRetryDelay {
			item.lastRetry = now
			item.retries++
			toSend = append(toSend, addr)
		}
	}
	v.whoisLock.Unlock()

	if len(toSend) == 0 {
		return
	}

	b := buf.Get()
	defer buf.Put(b)
	pkt := b.Data[:]
	for len(toSend) > 0 {
		pktID := setHeader(pkt, root.Address(), n.identity.Address(), VerbWhois)
		pos := payloadStart
		for len(toSend) > 0 && pos+address.Length <= MaxUDPPayload {
			toSend[0].CopyTo(pkt[pos:])
			pos += address.Length
			toSend = toSend[1:]
		}
		armor(pkt, pos, &root.sendKey(now).secret, CipherPoly1305Salsa2012)
		n.expect.sending(pktID, now)
		rootPath.send(n, pkt[:pos], now)
		root.sent(now, pos)
	}
}

// retryQueuedPackets re-dispatches ciphertexts that were waiting for an
// identity we just learned.
func (v *vl1) retryQueuedPackets(addr address.Address, now int64) {
	v.whoisLock.Lock()
	item := v.whoisQueue[addr]
	delete(v.whoisQueue, addr)
	v.whoisLock.Unlock()
	if item == nil {
		return
	}
	for _, qp := range item.packets {
		v.onRemotePacket(qp.localSocket, qp.from, qp.data, now)
	}
}

func (v *vl1) dropTrace(code uint32, pkt []byte, from endpoint.InetAddress, peer *Peer, reason DropReason) {
	t := &TracePacketDropped{Code: code, From: from, Reason: reason}
	if len(pkt) >= MinPacketLength {
		t.PacketID = packetID(pkt)
		t.Source = packetSource(pkt)
		t.Hops = packetHops(pkt)
		t.Verb = packetVerb(pkt)
	}
	if peer != nil {
		t.Source = peer.Address()
	}
	v.node.trace(t)
}

// gc runs periodic maintenance owned by the dispatcher.
func (v *vl1) gc(now int64) {
	v.defrag.gc(now)
	v.whoisLock.Lock()
	for addr, item := range v.whoisQueue {
		if item.retries >= whoisMaxRetries {
			delete(v.whoisQueue, addr)
		}
	}
	v.whoisLock.Unlock()
	v.sendPendingWhois(now)
}
