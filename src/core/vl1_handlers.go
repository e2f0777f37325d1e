package core

import (
	"encoding/binary"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/buf"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// HELLO payload layout after the 28-byte header+verb:
//   protocolVersion u8, versionMajor u8, versionMinor u8, versionRevision
//   u16, timestamp u64, identity, physical destination InetAddress, legacy
//   u16 (always 0), then encrypted under a derived key: dictionary length
//   u16, dictionary, additional-fields length u16 (always 0), and finally a
//   48-byte HMAC-SHA384 for protocol >= 11.

// handleHello is the unauthenticated entry point of the handshake. Unless
// the dispatcher already authenticated the packet, it performs its own MAC
// verification, since the session key may not exist until the carried
// identity has been processed. Failures never produce a reply and never
// create a Peer.
func (v *vl1) handleHello(path *Path, peer *Peer, pkt []byte, authenticated bool, now int64) {
	n := v.node
	fromAddr := path.Address()
	packetSize := len(pkt)

	if packetSize < payloadStart+13+address.Length {
		v.dropTrace(0x2bdb0001, pkt, fromAddr, peer, DropReasonMalformed)
		return
	}
	pktID := packetID(pkt)
	protoVer := pkt[payloadStart]
	if protoVer < ProtoVersionMin {
		v.dropTrace(0xe8d12bad, pkt, fromAddr, peer, DropReasonPeerTooOld)
		return
	}
	vMajor := pkt[payloadStart+1]
	vMinor := pkt[payloadStart+2]
	vRev := binary.BigEndian.Uint16(pkt[payloadStart+3:])
	helloTime := int64(binary.BigEndian.Uint64(pkt[payloadStart+5:]))
	pos := payloadStart + 13

	id, idLen, err := identity.Unmarshal(pkt[pos:])
	if err != nil {
		v.dropTrace(0x707a9810, pkt, fromAddr, peer, DropReasonInvalidObject)
		return
	}
	pos += idLen
	if packetSource(pkt) != id.Address() {
		v.dropTrace(0x06aa9ff1, pkt, fromAddr, peer, DropReasonMACFailed)
		return
	}

	// Resolve the session key: reuse the known peer's if identities match,
	// otherwise agree fresh. A HELLO claiming a known address with a
	// different identity must prove itself like a stranger.
	var key *symmetricKey
	if peer != nil && id.Equal(peer.Identity()) {
		peer.lock.RLock()
		key = peer.identityKey
		peer.lock.RUnlock()
	} else {
		peer = nil
		secret, err := n.identity.Agree(id)
		if err != nil {
			v.dropTrace(0x46db8010, pkt, fromAddr, peer, DropReasonMACFailed)
			return
		}
		key = newSymmetricKey(now, secret[:keySize], 0, 0)
	}

	// Outer MAC covers the whole packet including the trailing HMAC.
	if !authenticated && !dearmor(pkt, packetSize, &key.secret, CipherPoly1305None) {
		v.dropTrace(0x11bfff81, pkt, fromAddr, peer, DropReasonMACFailed)
		return
	}

	// End-to-end HMAC for modern peers; relays cannot strip or forge it.
	if protoVer >= 11 {
		if packetSize <= pos+hmacSize {
			v.dropTrace(0x1000662a, pkt, fromAddr, peer, DropReasonMalformed)
			return
		}
		packetSize -= hmacSize
		hmacKey := kdf(&key.secret, kdfLabelHelloHMAC, 0)
		want := hmacSHA384(hmacKey[:], pkt[encryptedSectionStart:packetSize])
		if !hmacEqual(want[:], pkt[packetSize:packetSize+hmacSize]) {
			v.dropTrace(0x1000662a, pkt, fromAddr, peer, DropReasonMACFailed)
			return
		}
	}

	surface, sLen, err := endpoint.UnmarshalInetAddress(pkt[pos:packetSize])
	if err != nil {
		v.dropTrace(0x10001003, pkt, fromAddr, peer, DropReasonInvalidObject)
		return
	}
	pos += sLen
	if pos+2 > packetSize {
		v.dropTrace(0x50003470, pkt, fromAddr, peer, DropReasonMalformed)
		return
	}
	pos += 2 + int(binary.BigEndian.Uint16(pkt[pos:])) // legacy field

	// The metadata dictionary is encrypted separately so that even with
	// HELLO's payload otherwise in the clear, ephemeral keys and probe
	// tokens are not visible to observers.
	var meta dictionary
	if pos < packetSize && protoVer >= 11 {
		dictionaryCipher(&key.secret, pktID).XORKeyStream(pkt[pos:packetSize], pkt[pos:packetSize])
		if pos+2 > packetSize {
			v.dropTrace(0x0d0f0112, pkt, fromAddr, peer, DropReasonMalformed)
			return
		}
		dictLen := int(binary.BigEndian.Uint16(pkt[pos:]))
		pos += 2
		if pos+dictLen > packetSize {
			v.dropTrace(0x0d0f0112, pkt, fromAddr, peer, DropReasonMalformed)
			return
		}
		if dictLen > 0 {
			meta, err = decodeDictionary(pkt[pos : pos+dictLen])
			if err != nil {
				v.dropTrace(0x67192344, pkt, fromAddr, peer, DropReasonInvalidObject)
				return
			}
		}
		pos += dictLen
	}

	// Fully decoded and authenticated; learn the peer if new. The identity
	// proof of work is only ground through for previously unknown peers.
	if peer == nil {
		if !id.LocallyValidate() {
			v.dropTrace(0x2ff7a909, pkt, fromAddr, nil, DropReasonInvalidObject)
			return
		}
		np, err := newPeer(n, id, now)
		if err != nil {
			return
		}
		peer = n.topology.addPeer(np)
	}

	hops := packetHops(pkt)
	if hops == 0 && !surface.Nil() {
		n.selfAwareness.iam(id, path.LocalSocket(), fromAddr, surface, n.topology.isRoot(id), now)
	}

	peer.setRemoteVersion(uint16(protoVer), uint16(vMajor), uint16(vMinor), vRev)

	// Build our ephemeral offer before deriving from theirs so the reply
	// carries the public half of the key we will actually use.
	replyOffer := peer.ephemeralOffer(now)
	if meta != nil {
		if token, ok := meta.getU32(dictKeyProbeToken); ok {
			peer.lock.Lock()
			peer.remoteProbe = token
			peer.lock.Unlock()
		}
		if eph, ok := meta[dictKeyEphemeral]; ok {
			peer.learnEphemeral(eph, now)
		}
	}

	v.sendOKHello(path, peer, key, pktID, helloTime, protoVer, replyOffer, now)
	peer.received(path, hops, pktID, packetSize-payloadStart, VerbHello, VerbNop, now)
}

// sendOKHello replies to a valid HELLO, echoing the initiator's timestamp so
// it can measure the round trip on its own clock.
func (v *vl1) sendOKHello(path *Path, peer *Peer, key *symmetricKey, inRePktID uint64, echoTime int64, theirProto uint8, ephOffer []byte, now int64) {
	n := v.node
	b := buf.Get()
	defer buf.Put(b)
	pkt := b.Data[:]

	pktID := setHeader(pkt, peer.Address(), n.identity.Address(), VerbOK)
	pos := payloadStart
	pkt[pos] = byte(VerbHello)
	binary.BigEndian.PutUint64(pkt[pos+1:], inRePktID)
	pos += 9
	binary.BigEndian.PutUint64(pkt[pos:], uint64(echoTime))
	pkt[pos+8] = ProtoVersion
	pkt[pos+9] = versionMajor
	pkt[pos+10] = versionMinor
	binary.BigEndian.PutUint16(pkt[pos+11:], versionRevision)
	pos += 13
	pos += copy(pkt[pos:], path.Address().AppendTo(nil))
	binary.BigEndian.PutUint16(pkt[pos:], 0) // legacy field
	pos += 2

	if theirProto >= 11 {
		dictStart := pos
		d := dictionary{}
		if ephOffer != nil {
			d[dictKeyEphemeral] = ephOffer
		}
		d.setU32(dictKeyProbeToken, peer.localProbe)
		d.setU64(dictKeyVersion, packedVersion())
		dictBytes := d.encode(nil)
		binary.BigEndian.PutUint16(pkt[pos:], uint16(len(dictBytes)))
		pos += 2
		pos += copy(pkt[pos:], dictBytes)
		binary.BigEndian.PutUint16(pkt[pos:], 0)
		pos += 2
		dictionaryCipher(&key.secret, pktID).XORKeyStream(pkt[dictStart:pos], pkt[dictStart:pos])

		hmacKey := kdf(&key.secret, kdfLabelHelloHMAC, 1)
		mac := hmacSHA384(hmacKey[:], pkt[encryptedSectionStart:pos])
		pos += copy(pkt[pos:], mac[:])
	}

	armor(pkt, pos, &key.secret, CipherPoly1305Salsa2012)
	path.send(n, pkt[:pos], now)
	peer.sent(now, pos)
}

// handleOKHello finishes the handshake on the initiating side.
func (v *vl1) handleOKHello(path *Path, peer *Peer, pkt []byte, localSocket int64, fromAddr endpoint.InetAddress, now int64) bool {
	packetSize := len(pkt)
	pos := payloadStart + 9
	if packetSize < pos+13 {
		return false
	}
	echoTime := int64(binary.BigEndian.Uint64(pkt[pos:]))
	protoVer := pkt[pos+8]
	vMajor := pkt[pos+9]
	vMinor := pkt[pos+10]
	vRev := binary.BigEndian.Uint16(pkt[pos+11:])
	pos += 13

	surface, sLen, err := endpoint.UnmarshalInetAddress(pkt[pos:])
	if err != nil {
		return false
	}
	pos += sLen
	if pos+2 > packetSize {
		return false
	}
	pos += 2 + int(binary.BigEndian.Uint16(pkt[pos:]))

	key := peer.identityKeyRef()
	if protoVer >= 11 {
		if packetSize <= pos+hmacSize {
			return false
		}
		packetSize -= hmacSize
		hmacKey := kdf(&key.secret, kdfLabelHelloHMAC, 1)
		want := hmacSHA384(hmacKey[:], pkt[encryptedSectionStart:packetSize])
		if !hmacEqual(want[:], pkt[packetSize:packetSize+hmacSize]) {
			return false
		}
	}

	if pos < packetSize && protoVer >= 11 {
		dictionaryCipher(&key.secret, packetID(pkt)).XORKeyStream(pkt[pos:packetSize], pkt[pos:packetSize])
		if pos+2 > packetSize {
			return false
		}
		dictLen := int(binary.BigEndian.Uint16(pkt[pos:]))
		pos += 2
		if pos+dictLen > packetSize {
			return false
		}
		if dictLen > 0 {
			meta, err := decodeDictionary(pkt[pos : pos+dictLen])
			if err != nil {
				return false
			}
			if token, ok := meta.getU32(dictKeyProbeToken); ok {
				peer.lock.Lock()
				peer.remoteProbe = token
				peer.lock.Unlock()
			}
			if eph, ok := meta[dictKeyEphemeral]; ok {
				peer.learnEphemeral(eph, now)
			}
		}
	}

	peer.setRemoteVersion(uint16(protoVer), uint16(vMajor), uint16(vMinor), vRev)
	if echoTime > 0 && now >= echoTime {
		path.updateLatency(now - echoTime)
	}
	if hops := packetHops(pkt); hops == 0 && !surface.Nil() {
		v.node.selfAwareness.iam(peer.Identity(), localSocket, fromAddr, surface, v.node.topology.isRoot(peer.Identity()), now)
	}
	return true
}

// handleOK correlates a reply against Expect and dispatches by the verb it
// answers.
func (v *vl1) handleOK(path *Path, peer *Peer, pkt []byte, localSocket int64, fromAddr endpoint.InetAddress, now int64) (bool, Verb) {
	if len(pkt) < payloadStart+9 {
		v.dropTrace(0x4c1f1ff7, pkt, fromAddr, peer, DropReasonMalformed)
		return false, VerbNop
	}
	inReVerb := Verb(pkt[payloadStart])
	inRePktID := binary.BigEndian.Uint64(pkt[payloadStart+1:])
	if !v.node.expect.expecting(inRePktID, now) {
		v.dropTrace(0x4c1f1ff7, pkt, fromAddr, peer, DropReasonReplyNotExpected)
		return false, VerbNop
	}

	switch inReVerb {
	case VerbHello:
		if !v.handleOKHello(path, peer, pkt, localSocket, fromAddr, now) {
			return false, inReVerb
		}
	case VerbWhois:
		v.handleOKWhois(pkt, now)
	case VerbEcho:
		// Payload is the echo of what we sent; correlation through Expect
		// is the signal, delivery is not needed.
	}
	return true, inReVerb
}

// handleError correlates an ERROR against Expect. Error codes are currently
// informational at the VL1 layer.
func (v *vl1) handleError(path *Path, peer *Peer, pkt []byte, now int64) (bool, Verb) {
	if len(pkt) < payloadStart+10 {
		v.dropTrace(0x3beb1947, pkt, path.Address(), peer, DropReasonMalformed)
		return false, VerbNop
	}
	inReVerb := Verb(pkt[payloadStart])
	inRePktID := binary.BigEndian.Uint64(pkt[payloadStart+1:])
	errCode := ErrorCode(pkt[payloadStart+9])
	if !v.node.expect.expecting(inRePktID, now) {
		v.dropTrace(0x4c1f1ff7, pkt, path.Address(), peer, DropReasonReplyNotExpected)
		return false, VerbNop
	}
	v.node.log.Debugf("ERROR %d in re %s from %s", errCode, inReVerb, peer.Address())
	return true, inReVerb
}

// handleOKWhois learns identities (and locators) from a root's WHOIS answer
// and re-dispatches any traffic that was waiting on them.
func (v *vl1) handleOKWhois(pkt []byte, now int64) {
	pos := payloadStart + 9
	for pos < len(pkt) {
		id, idLen, err := identity.Unmarshal(pkt[pos:])
		if err != nil {
			return
		}
		pos += idLen
		var loc *locator.Locator
		if pos < len(pkt) {
			hasLoc := pkt[pos] != 0
			pos++
			if hasLoc {
				l, locLen, err := locator.Unmarshal(pkt[pos:])
				if err != nil {
					return
				}
				pos += locLen
				loc = l
			}
		}
		if !id.LocallyValidate() {
			continue
		}
		peer := v.node.topology.Peer(id.Address(), true, now)
		if peer == nil {
			np, err := newPeer(v.node, id, now)
			if err != nil {
				continue
			}
			peer = v.node.topology.addPeer(np)
		}
		if loc != nil {
			peer.setLocator(loc)
		}
		v.retryQueuedPackets(id.Address(), now)
	}
}

// handleWhois answers identity queries. Replies may span several packets
// when many addresses are asked for at once.
func (v *vl1) handleWhois(path *Path, peer *Peer, pkt []byte, now int64) bool {
	n := v.node
	if len(pkt) < payloadStart+address.Length {
		v.dropTrace(0x4c1f1ff7, pkt, path.Address(), peer, DropReasonMalformed)
		return false
	}
	if !peer.rateGateInboundWhois(now) {
		v.dropTrace(0x19f7194a, pkt, path.Address(), peer, DropReasonRateLimit)
		return true
	}
	includeLocators := peer.remoteVersion() >= 11
	inRePktID := packetID(pkt)

	out := buf.Get()
	defer buf.Put(out)
	reply := out.Data[:]

	pos := payloadStart
	for pos+address.Length <= len(pkt) {
		setHeader(reply, peer.Address(), n.identity.Address(), VerbOK)
		rpos := payloadStart
		reply[rpos] = byte(VerbWhois)
		binary.BigEndian.PutUint64(reply[rpos+1:], inRePktID)
		rpos += 9

		wrote := false
		for pos+address.Length <= len(pkt) && rpos+identity.MarshalSizeMax+locator.MarshalSizeMax+1 < MaxUDPPayload {
			addr, _ := address.FromBytes(pkt[pos:])
			pos += address.Length
			wp := n.topology.Peer(addr, true, now)
			if wp == nil {
				continue
			}
			rpos = len(wp.Identity().Marshal(reply[:rpos], false))
			loc := wp.Locator()
			if includeLocators && loc != nil {
				reply[rpos] = 1
				rpos++
				rpos = len(loc.AppendTo(reply[:rpos]))
			} else {
				reply[rpos] = 0
				rpos++
			}
			wrote = true
		}
		if wrote {
			armor(reply, rpos, &peer.sendKey(now).secret, CipherPoly1305Salsa2012)
			path.send(n, reply[:rpos], now)
			peer.sent(now, rpos)
		}
	}
	return true
}

// handleRendezvous acts on a root's introduction: the named transport
// address goes into the try queue for hole punching on the next pulse.
// Only roots are believed; anyone else asking us to fire packets at an
// arbitrary address is ignored.
func (v *vl1) handleRendezvous(path *Path, peer *Peer, pkt []byte, now int64) bool {
	n := v.node
	if !n.topology.isRoot(peer.Identity()) {
		return true
	}
	if len(pkt) < payloadStart+address.Length+3 {
		v.dropTrace(0x43e90ab3, pkt, path.Address(), peer, DropReasonMalformed)
		return false
	}
	withAddr, _ := address.FromBytes(pkt[payloadStart:])
	port := binary.BigEndian.Uint16(pkt[payloadStart+address.Length:])
	addrLen := int(pkt[payloadStart+address.Length+2])
	pos := payloadStart + address.Length + 3

	with := n.topology.Peer(withAddr, true, now)
	if with == nil || port == 0 {
		return true
	}

	var ep endpoint.Endpoint
	switch addrLen {
	case 4, 16:
		if pos+addrLen > len(pkt) {
			return false
		}
		ep = inetEndpointFromRaw(pkt[pos:pos+addrLen], port)
	case 255:
		e, _, err := endpoint.Unmarshal(pkt[pos:])
		if err != nil {
			return false
		}
		ep = e
	default:
		return true
	}
	if !ep.IsInet() {
		return true
	}

	with.tryDirectPath(now, ep, true)
	n.trace(&TraceTryingNewPath{
		Code:     0x55a19aaa,
		Peer:     with.Address(),
		Endpoint: ep,
		Reason:   TryPathReasonRendezvous,
	})
	return true
}

// handleEcho answers with the payload verbatim, rate gated.
func (v *vl1) handleEcho(path *Path, peer *Peer, pkt []byte, now int64) bool {
	n := v.node
	if !peer.rateGateInboundEcho(now) {
		v.dropTrace(0x27878bc1, pkt, path.Address(), peer, DropReasonRateLimit)
		return true
	}
	out := buf.Get()
	defer buf.Put(out)
	reply := out.Data[:]
	setHeader(reply, peer.Address(), n.identity.Address(), VerbOK)
	rpos := payloadStart
	reply[rpos] = byte(VerbEcho)
	binary.BigEndian.PutUint64(reply[rpos+1:], packetID(pkt))
	rpos += 9
	payload := pkt[payloadStart:]
	if rpos+len(payload) > MaxPacketLength {
		v.dropTrace(0x14d70bb0, pkt, path.Address(), peer, DropReasonMalformed)
		return false
	}
	rpos += copy(reply[rpos:], payload)
	armor(reply, rpos, &peer.sendKey(now).secret, CipherPoly1305Salsa2012)
	path.send(n, reply[:rpos], now)
	peer.sent(now, rpos)
	return true
}

// handlePushDirectPaths feeds a peer's advertised candidate addresses into
// its try queue.
func (v *vl1) handlePushDirectPaths(path *Path, peer *Peer, pkt []byte, now int64) bool {
	if len(pkt) < payloadStart+2 {
		v.dropTrace(0x1bb1bbb1, pkt, path.Address(), peer, DropReasonMalformed)
		return false
	}
	count := int(binary.BigEndian.Uint16(pkt[payloadStart:]))
	pos := payloadStart + 2
	for i := 0; i < count; i++ {
		if pos+3 > len(pkt) {
			v.dropTrace(0xb450e10f, pkt, path.Address(), peer, DropReasonMalformed)
			return false
		}
		pos++ // flags, not presently used
		extLen := int(binary.BigEndian.Uint16(pkt[pos:]))
		pos += 2 + extLen
		if pos+2 > len(pkt) {
			v.dropTrace(0xb450e10f, pkt, path.Address(), peer, DropReasonMalformed)
			return false
		}
		addrType := pkt[pos]
		recordLen := int(pkt[pos+1])
		pos += 2
		if recordLen == 0 || pos+recordLen > len(pkt) {
			v.dropTrace(0xaed00118, pkt, path.Address(), peer, DropReasonMalformed)
			return false
		}

		var ep endpoint.Endpoint
		switch addrType {
		case 0:
			e, _, err := endpoint.Unmarshal(pkt[pos : pos+recordLen])
			if err != nil {
				v.dropTrace(0x00e0f00d, pkt, path.Address(), peer, DropReasonMalformed)
				return false
			}
			ep = e
		case 4, 6:
			ipLen := 4
			if addrType == 6 {
				ipLen = 16
			}
			if recordLen < ipLen+2 {
				v.dropTrace(0x00e0f00d, pkt, path.Address(), peer, DropReasonMalformed)
				return false
			}
			port := binary.BigEndian.Uint16(pkt[pos+ipLen:])
			ep = inetEndpointFromRaw(pkt[pos:pos+ipLen], port)
		}
		pos += recordLen

		if ep.IsInet() {
			peer.tryDirectPath(now, ep, false)
			v.node.trace(&TraceTryingNewPath{
				Code:     0xa5ab1a43,
				Peer:     peer.Address(),
				Endpoint: ep,
				Reason:   TryPathReasonPushDirectPaths,
			})
		}
	}
	return true
}

// handleUserMessage surfaces an application message to the host verbatim.
func (v *vl1) handleUserMessage(peer *Peer, pkt []byte) bool {
	if len(pkt) < payloadStart+8 {
		return false
	}
	typeID := binary.BigEndian.Uint64(pkt[payloadStart:])
	data := append([]byte(nil), pkt[payloadStart+8:]...)
	if v.node.cb.Event != nil {
		v.node.cb.Event(Event{
			Type:        EventUserMessage,
			UserMessage: &UserMessage{Source: peer.Identity(), TypeID: typeID, Data: data},
		})
	}
	return true
}

func inetEndpointFromRaw(ip []byte, port uint16) endpoint.Endpoint {
	b := make([]byte, 0, 19)
	if len(ip) == 4 {
		b = append(b, 4)
	} else {
		b = append(b, 6)
	}
	b = append(b, ip...)
	b = append(b, byte(port>>8), byte(port))
	a, _, err := endpoint.UnmarshalInetAddress(b)
	if err != nil {
		return endpoint.NilEndpoint
	}
	return endpoint.FromInetAddress(a)
}
