// Package core implements the VL1 transport: the authenticated, encrypted
// peer-to-peer packet layer that turns raw UDP datagrams delivered by the
// host into verb dispatch against known peers. The core owns no sockets and
// spawns no goroutines of its own; the host drives it through HandlePacket
// and ProcessBackgroundTasks and receives output through callbacks.
//
// Locking follows a fixed order to keep concurrent packet, frame and
// background-task calls deadlock free. From lowest to highest: defragmenter,
// expectation table, WHOIS queue, per-peer lock, path map, peer map. A
// thread never acquires a lower-ordered lock while holding a higher one;
// code that would need to (root ranking, locator application) samples under
// one lock, releases, then takes the other. Hot-path timestamps are relaxed
// atomics and take no lock at all.
package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/poly1305"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/buf"
	"github.com/virtnet-io/virtnet/src/endpoint"
)

// Protocol versions. Version 11 introduced HMAC-SHA384 authentication of
// HELLO / OK(HELLO) and the encrypted metadata dictionary.
const (
	ProtoVersion    = 11
	ProtoVersionMin = 8
)

// Wire constants.
const (
	DefaultPort   = 793
	MaxUDPPayload = 1432
	MinPhysMTU    = 1400
	MinVirtMTU    = 1280
	MaxVirtMTU    = 10000

	// Packet header layout. The 8-byte packet ID doubles as the outer
	// cryptographic nonce. The MAC field carries the trusted path ID
	// instead when the NONE cipher is in use.
	headerSize       = 27
	packetIDIndex    = 0
	destIndex        = 8
	sourceIndex      = 13
	flagsIndex       = 18
	macIndex         = 19
	verbIndex        = 27
	payloadStart     = 28
	MinPacketLength  = headerSize + 1
	MaxPacketLength  = buf.Size
	encryptedSectionStart = verbIndex

	// Fragments reuse the first 13 header bytes, then mark themselves with
	// an 0xff byte where a source address high byte can never be 0xff.
	FragmentIndicator     = 0xff
	fragmentIndicatorIndex = 13
	fragmentCountsIndex   = 14
	fragmentHopsIndex     = 15
	fragmentHeaderSize    = 16
	MinFragmentLength     = fragmentHeaderSize
	MaxFragments          = 16

	// Probes are bare 4-byte packets carrying only a peer's probe token.
	ProbeLength = 4

	maxHops = 7
)

// Header flag bits (byte 18): [flags:3][cipher:2][hops:3].
const (
	flagFragmented = 0x40
	cipherShift    = 3
	cipherMask     = 0x03
	hopsMask       = 0x07
)

// Inner verb byte bits (byte 27): [flags:3][verb:5].
const (
	verbMask           = 0x1f
	verbFlagCompressed = 0x80
)

// Verb identifies the operation carried by a packet.
type Verb uint8

const (
	VerbNop                  Verb = 0x00
	VerbHello                Verb = 0x01
	VerbError                Verb = 0x02
	VerbOK                   Verb = 0x03
	VerbWhois                Verb = 0x04
	VerbRendezvous           Verb = 0x05
	VerbFrame                Verb = 0x06
	VerbExtFrame             Verb = 0x07
	VerbEcho                 Verb = 0x08
	VerbMulticastLike        Verb = 0x09
	VerbNetworkCredentials   Verb = 0x0a
	VerbNetworkConfigRequest Verb = 0x0b
	VerbNetworkConfig        Verb = 0x0c
	VerbMulticastGather      Verb = 0x0d
	VerbPushDirectPaths      Verb = 0x10
	VerbUserMessage          Verb = 0x14
	VerbMulticast            Verb = 0x16
	VerbEncap                Verb = 0x17
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbError:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbRendezvous:
		return "RENDEZVOUS"
	case VerbFrame:
		return "FRAME"
	case VerbExtFrame:
		return "EXT_FRAME"
	case VerbEcho:
		return "ECHO"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	case VerbNetworkCredentials:
		return "NETWORK_CREDENTIALS"
	case VerbNetworkConfigRequest:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNetworkConfig:
		return "NETWORK_CONFIG"
	case VerbMulticastGather:
		return "MULTICAST_GATHER"
	case VerbPushDirectPaths:
		return "PUSH_DIRECT_PATHS"
	case VerbUserMessage:
		return "USER_MESSAGE"
	case VerbMulticast:
		return "MULTICAST"
	case VerbEncap:
		return "ENCAP"
	default:
		return "UNKNOWN"
	}
}

// Cipher suite codes carried in the header flags byte.
const (
	CipherPoly1305None      = 0 // Poly1305 MAC, no payload encryption (HELLO only)
	CipherPoly1305Salsa2012 = 1 // Poly1305 MAC over Salsa20/12 ciphertext
	CipherNone              = 2 // trusted paths only, MAC field holds the path ID
	CipherAESGMACSIV        = 3 // reserved, rejected as invalid
)

// ErrorCode identifies an in-band ERROR response.
type ErrorCode uint8

const (
	ErrorNone                      ErrorCode = 0
	ErrorInvalidRequest            ErrorCode = 1
	ErrorBadProtocolVersion        ErrorCode = 2
	ErrorObjNotFound               ErrorCode = 3
	ErrorUnsupportedOperation      ErrorCode = 4
	ErrorNeedMembershipCertificate ErrorCode = 5
	ErrorNetworkAccessDenied       ErrorCode = 6
)

// Key derivation labels for the HMAC-based KDF over the shared session
// secret. Distinct labels keep the HELLO MAC and dictionary keys
// cryptographically independent.
const (
	kdfLabelHelloHMAC  = 'H'
	kdfLabelDictionary = 'D'
)

const keySize = 32
const hmacSize = 48
const macKeySize = 32

var errMalformedPacket = errors.New("malformed packet")

var packetIDCounter atomic.Uint64

func init() {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	packetIDCounter.Store(binary.BigEndian.Uint64(seed[:]))
}

// newPacketID returns a process-unique packet ID. IDs double as outer
// nonces, so they must never repeat for a given key; a random starting
// point plus a counter keeps them unique and unpredictable enough.
func newPacketID() uint64 {
	return packetIDCounter.Add(1)
}

func packetID(pkt []byte) uint64      { return binary.BigEndian.Uint64(pkt[packetIDIndex:]) }
func packetHops(pkt []byte) uint8     { return pkt[flagsIndex] & hopsMask }
func packetCipher(pkt []byte) uint8   { return (pkt[flagsIndex] >> cipherShift) & cipherMask }
func packetVerb(pkt []byte) Verb      { return Verb(pkt[verbIndex] & verbMask) }
func packetFragmented(pkt []byte) bool { return pkt[flagsIndex]&flagFragmented != 0 }

func packetDest(pkt []byte) address.Address {
	a, _ := address.FromBytes(pkt[destIndex:])
	return a
}

func packetSource(pkt []byte) address.Address {
	a, _ := address.FromBytes(pkt[sourceIndex:])
	return a
}

// setHeader writes a fresh outbound packet header and returns the packet ID
// it assigned.
func setHeader(pkt []byte, dest, source address.Address, verb Verb) uint64 {
	id := newPacketID()
	binary.BigEndian.PutUint64(pkt[packetIDIndex:], id)
	dest.CopyTo(pkt[destIndex:])
	source.CopyTo(pkt[sourceIndex:])
	pkt[flagsIndex] = 0
	for i := macIndex; i < macIndex+8; i++ {
		pkt[i] = 0
	}
	pkt[verbIndex] = byte(verb)
	return id
}

// derivePerPacketKey mangles the session key with the packet ID and packet
// size so that every packet is encrypted and authenticated under a unique
// key. Hops are masked out of the flags byte because relays increment them
// in flight.
func derivePerPacketKey(key *[keySize]byte, pkt []byte, packetSize int) [keySize]byte {
	var out [keySize]byte
	copy(out[:], key[:])
	for i := 0; i < 8; i++ {
		out[i] ^= pkt[packetIDIndex+i]
	}
	out[18] ^= pkt[flagsIndex] &^ hopsMask
	out[19] ^= byte(packetSize)
	out[20] ^= byte(packetSize >> 8)
	return out
}

// macAndStream derives the one-time Poly1305 key and the payload keystream
// cipher for a packet. The first Salsa20/12 block keys the MAC; payload
// encryption begins at the second block.
func macAndStream(perPacketKey *[keySize]byte, pkt []byte) (macKey [macKeySize]byte, stream *salsa2012Stream) {
	var iv [8]byte
	copy(iv[:], pkt[packetIDIndex:packetIDIndex+8])
	stream = newSalsa2012Stream(perPacketKey, &iv)
	var block [64]byte
	stream.XORKeyStream(block[:], block[:])
	copy(macKey[:], block[:macKeySize])
	return
}

// armor authenticates (and for CipherPoly1305Salsa2012, encrypts) an
// assembled outbound packet in place.
func armor(pkt []byte, packetSize int, key *[keySize]byte, cipherSuite uint8) {
	pkt[flagsIndex] = (pkt[flagsIndex] &^ (cipherMask << cipherShift)) | (cipherSuite << cipherShift)
	perPacket := derivePerPacketKey(key, pkt, packetSize)
	macKey, stream := macAndStream(&perPacket, pkt)
	if cipherSuite == CipherPoly1305Salsa2012 {
		stream.XORKeyStream(pkt[encryptedSectionStart:packetSize], pkt[encryptedSectionStart:packetSize])
	}
	var mac [16]byte
	poly1305.Sum(&mac, pkt[encryptedSectionStart:packetSize], &macKey)
	copy(pkt[macIndex:macIndex+8], mac[:8])
}

// dearmor verifies the MAC of an assembled inbound packet and decrypts it in
// place. Returns false on authentication failure, in which case the packet
// contents are unmodified.
func dearmor(pkt []byte, packetSize int, key *[keySize]byte, cipherSuite uint8) bool {
	perPacket := derivePerPacketKey(key, pkt, packetSize)
	macKey, stream := macAndStream(&perPacket, pkt)
	var mac [16]byte
	poly1305.Sum(&mac, pkt[encryptedSectionStart:packetSize], &macKey)
	if subtle.ConstantTimeCompare(mac[:8], pkt[macIndex:macIndex+8]) != 1 {
		return false
	}
	if cipherSuite == CipherPoly1305Salsa2012 {
		stream.XORKeyStream(pkt[encryptedSectionStart:packetSize], pkt[encryptedSectionStart:packetSize])
	}
	return true
}

// hmacSHA384 computes the keyed hash used to authenticate HELLO exchanges
// end to end.
func hmacSHA384(key []byte, data []byte) [hmacSize]byte {
	var out [hmacSize]byte
	h := hmac.New(sha512.New384, key)
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// fragmentAndSend splits an armored packet that exceeds the UDP payload
// budget into a flagged head plus tail fragments. Armoring happens before
// the fragmented flag is set, so receivers clear the flag again after
// reassembly and the MAC still verifies. Returns total bytes handed to the
// wire, 0 if the packet cannot fit the fragment budget.
func fragmentAndSend(n *Node, localSocket int64, remote endpoint.InetAddress, data []byte) int {
	const tailCapacity = MaxUDPPayload - fragmentHeaderSize
	remaining := len(data) - MaxUDPPayload
	totalFragments := 1 + (remaining+tailCapacity-1)/tailCapacity
	// The per-fragment count field is a nibble, so no more than 15
	// fragments (head included) can be expressed on the wire.
	if totalFragments > 15 {
		return 0
	}

	head := data[:MaxUDPPayload]
	head[flagsIndex] |= flagFragmented
	if !n.cb.WireSend(localSocket, remote, head) {
		return 0
	}
	sent := len(head)

	var frag [MaxUDPPayload]byte
	copy(frag[:fragmentIndicatorIndex], data[:fragmentIndicatorIndex]) // packet ID + destination
	frag[fragmentIndicatorIndex] = FragmentIndicator
	frag[fragmentHopsIndex] = 0

	pos := MaxUDPPayload
	for fragNo := 1; fragNo < totalFragments; fragNo++ {
		chunk := len(data) - pos
		if chunk > tailCapacity {
			chunk = tailCapacity
		}
		frag[fragmentCountsIndex] = byte(totalFragments<<4) | byte(fragNo)
		copy(frag[fragmentHeaderSize:], data[pos:pos+chunk])
		if !n.cb.WireSend(localSocket, remote, frag[:fragmentHeaderSize+chunk]) {
			return sent
		}
		sent += fragmentHeaderSize + chunk
		pos += chunk
	}
	return sent
}

// kdf derives a sub-key from a session secret for the given label and
// iteration.
func kdf(key *[keySize]byte, label, iter byte) [keySize]byte {
	var out [keySize]byte
	d := hmacSHA384(key[:], []byte{'v', '1', label, iter})
	copy(out[:], d[:keySize])
	return out
}

// dictionaryCipher returns the AES-CTR stream used to encrypt the HELLO
// metadata dictionary. The key is derived separately from the session key so
// the outer MAC covers ciphertext, and the packet ID keys the IV so streams
// never repeat under one session key.
func dictionaryCipher(key *[keySize]byte, pktID uint64) cipher.Stream {
	dictKey := kdf(key, kdfLabelDictionary, 0)
	block, err := aes.NewCipher(dictKey[:])
	if err != nil {
		panic(err) // impossible with a fixed 32-byte key
	}
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[:8], pktID)
	return cipher.NewCTR(block, iv[:])
}

// compress LZ4-compresses a payload, returning nil if compression does not
// shrink it.
func compress(payload []byte) []byte {
	out := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := lz4.CompressBlock(payload, out, nil)
	if err != nil || n == 0 || n >= len(payload) {
		return nil
	}
	return out[:n]
}

// decompress LZ4-expands a payload into dst and returns the expanded length.
func decompress(payload []byte, dst []byte) (int, error) {
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil || n <= 0 {
		return 0, errMalformedPacket
	}
	return n, nil
}
