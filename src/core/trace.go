package core

import (
	"fmt"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
)

// DropReason explains why an inbound packet was discarded.
type DropReason uint8

const (
	DropReasonNone DropReason = iota
	DropReasonMalformed
	DropReasonMACFailed
	DropReasonRateLimit
	DropReasonInvalidObject
	DropReasonInvalidCompressedData
	DropReasonUnrecognizedVerb
	DropReasonReplyNotExpected
	DropReasonNotTrustedPath
	DropReasonPeerTooOld
)

func (r DropReason) String() string {
	switch r {
	case DropReasonMalformed:
		return "MALFORMED_PACKET"
	case DropReasonMACFailed:
		return "MAC_FAILED"
	case DropReasonRateLimit:
		return "RATE_LIMIT_EXCEEDED"
	case DropReasonInvalidObject:
		return "INVALID_OBJECT"
	case DropReasonInvalidCompressedData:
		return "INVALID_COMPRESSED_DATA"
	case DropReasonUnrecognizedVerb:
		return "UNRECOGNIZED_VERB"
	case DropReasonReplyNotExpected:
		return "REPLY_NOT_EXPECTED"
	case DropReasonNotTrustedPath:
		return "NOT_TRUSTED_PATH"
	case DropReasonPeerTooOld:
		return "PEER_TOO_OLD"
	default:
		return "NONE"
	}
}

// TryPathReason explains why a new candidate path is being probed.
type TryPathReason uint8

const (
	TryPathReasonRendezvous TryPathReason = iota
	TryPathReasonPushDirectPaths
	TryPathReasonUnknownPath
	TryPathReasonBootstrap
	TryPathReasonSuggestedAddress
)

// TracePacketDropped reports a discarded inbound packet. Code is a stable
// identifier of the drop site in the source.
type TracePacketDropped struct {
	Code     uint32
	PacketID uint64
	Source   address.Address
	From     endpoint.InetAddress
	Hops     uint8
	Verb     Verb
	Reason   DropReason
}

func (t *TracePacketDropped) String() string {
	return fmt.Sprintf("dropped packet %.16x from %s(%s): %s (%s, %.8x)",
		t.PacketID, t.Source, t.From, t.Reason, t.Verb, t.Code)
}

// TraceTryingNewPath reports a candidate direct path being probed.
type TraceTryingNewPath struct {
	Code     uint32
	Peer     address.Address
	Endpoint endpoint.Endpoint
	Reason   TryPathReason
}

func (t *TraceTryingNewPath) String() string {
	return fmt.Sprintf("trying new path to %s at %s (%.8x)", t.Peer, t.Endpoint, t.Code)
}

// TraceLearnedNewPath reports a newly confirmed direct path.
type TraceLearnedNewPath struct {
	Code     uint32
	PacketID uint64
	Peer     address.Address
	From     endpoint.InetAddress
	Replaced endpoint.InetAddress
}

func (t *TraceLearnedNewPath) String() string {
	return fmt.Sprintf("learned new path to %s at %s (%.8x)", t.Peer, t.From, t.Code)
}

// TraceResettingPaths reports an external-surface change forcing path
// resets within a scope.
type TraceResettingPaths struct {
	Code       uint32
	Reporter   address.Address
	OldSurface endpoint.InetAddress
	NewSurface endpoint.InetAddress
	Scope      endpoint.IPScope
}

func (t *TraceResettingPaths) String() string {
	return fmt.Sprintf("external address changed from %s to %s (scope %d, reported by %s): resetting paths",
		t.OldSurface, t.NewSurface, t.Scope, t.Reporter)
}

// TraceUnexpectedError reports an internal invariant violation that was
// recovered.
type TraceUnexpectedError struct {
	Code    uint32
	Message string
}

func (t *TraceUnexpectedError) String() string {
	return fmt.Sprintf("unexpected error (%.8x): %s", t.Code, t.Message)
}

// EventType identifies an event surfaced to the host.
type EventType uint8

const (
	EventUp EventType = iota
	EventOnline
	EventOffline
	EventDown
	EventTrace
	EventUserMessage
)

// UserMessage is an application-defined message received from a peer over
// VL1, delivered verbatim.
type UserMessage struct {
	Source *identity.Identity
	TypeID uint64
	Data   []byte
}

// Event is delivered to the host's event callback.
type Event struct {
	Type        EventType
	Trace       fmt.Stringer // set for EventTrace
	UserMessage *UserMessage // set for EventUserMessage
}

// trace emits a trace event to the host and the debug log.
func (n *Node) trace(t fmt.Stringer) {
	n.log.Debugln("TRACE:", t.String())
	if n.cb.Event != nil {
		n.cb.Event(Event{Type: EventTrace, Trace: t})
	}
}

func (n *Node) event(t EventType) {
	if n.cb.Event != nil {
		n.cb.Event(Event{Type: t})
	}
}
