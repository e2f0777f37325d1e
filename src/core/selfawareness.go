package core

import (
	"sync"

	"github.com/virtnet-io/virtnet/src/address"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
)

const (
	selfAwarenessEntryTimeout = 300000 // ms
	surfaceChangeQuorum       = 2      // distinct reporters required to trigger a reset
)

type surfaceKey struct {
	reporter     address.Address
	localSocket  int64
	reporterAddr endpoint.InetAddress
	scope        endpoint.IPScope
}

type surfaceEntry struct {
	surface endpoint.InetAddress
	ts      int64
	trusted bool
}

type scopeFamily struct {
	scope endpoint.IPScope
	is6   bool
}

// selfAwareness learns this node's external addresses from what peers say
// they see. When enough distinct trusted reporters agree that the surface in
// a scope has changed, all paths in that scope are reset: a NAT rebind has
// probably invalidated them and waiting for timeouts would mean a long
// outage. Requiring a quorum keeps a single misbehaving reporter from
// resetting anything.
type selfAwareness struct {
	node   *Node
	mu     sync.Mutex
	phy    map[surfaceKey]*surfaceEntry
	agreed map[scopeFamily]endpoint.InetAddress
}

func newSelfAwareness(n *Node) *selfAwareness {
	return &selfAwareness{
		node:   n,
		phy:    map[surfaceKey]*surfaceEntry{},
		agreed: map[scopeFamily]endpoint.InetAddress{},
	}
}

// iam records a reporter's view of our external address, as carried in a
// HELLO or OK(HELLO). trusted is set for roots.
func (sa *selfAwareness) iam(reporter *identity.Identity, localSocket int64, reporterAddr, mySurface endpoint.InetAddress, trusted bool, now int64) {
	scope := mySurface.Scope()
	if scope != reporterAddr.Scope() {
		return
	}
	switch scope {
	case endpoint.IPScopeNone, endpoint.IPScopeLoopback, endpoint.IPScopeMulticast:
		return
	}

	key := surfaceKey{reporter.Address(), localSocket, reporterAddr, scope}
	sf := scopeFamily{scope, mySurface.Addr().Is6()}

	sa.mu.Lock()
	sa.phy[key] = &surfaceEntry{surface: mySurface, ts: now, trusted: trusted}

	agreed, haveAgreed := sa.agreed[sf]
	if !haveAgreed || agreed.IPEqual(mySurface) {
		sa.agreed[sf] = mySurface
		sa.mu.Unlock()
		return
	}

	// The surface in this scope appears to have changed. Count distinct
	// trusted reporters currently asserting the new surface.
	reporters := map[address.Address]struct{}{}
	for k, e := range sa.phy {
		if k.scope == scope && e.trusted && now-e.ts < selfAwarenessEntryTimeout &&
			e.surface.Addr().Is6() == sf.is6 && e.surface.IPEqual(mySurface) {
			reporters[k.reporter] = struct{}{}
		}
	}
	if !trusted || len(reporters) < surfaceChangeQuorum {
		sa.mu.Unlock()
		return
	}

	sa.agreed[sf] = mySurface
	// Drop entries for the old surface so repeated reports of the same
	// change do not retrigger resets.
	for k, e := range sa.phy {
		if k.scope == scope && e.surface.Addr().Is6() == sf.is6 && !e.surface.IPEqual(mySurface) {
			delete(sa.phy, k)
		}
	}
	sa.mu.Unlock()

	sa.node.trace(&TraceResettingPaths{
		Code:       0x9afff100,
		Reporter:   reporter.Address(),
		OldSurface: agreed,
		NewSurface: mySurface,
		Scope:      scope,
	})
	sa.node.topology.eachPeer(func(p *Peer) {
		p.resetWithinScope(scope, sf.is6, now)
	})
}

// clean expires stale surface entries.
func (sa *selfAwareness) clean(now int64) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	for k, e := range sa.phy {
		if now-e.ts >= selfAwarenessEntryTimeout {
			delete(sa.phy, k)
		}
	}
}
