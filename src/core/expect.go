package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	expectTTL     = 3000 // ms an OK/ERROR reply remains acceptable
	expectMaxSize = 4096
)

// expect is a short-lived registry of outgoing packet IDs for which a reply
// is expected. Inbound OK and ERROR packets are only honored if their
// in-re packet ID is present and unexpired, which defeats both replay and
// blind spoofing of replies. The registry is a bounded LRU; overflow evicts
// the oldest expectations.
type expect struct {
	cache *lru.Cache[uint64, int64]
}

func newExpect() *expect {
	c, err := lru.New[uint64, int64](expectMaxSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &expect{cache: c}
}

// sending records that a reply to the given packet ID is expected.
func (e *expect) sending(pktID uint64, now int64) {
	e.cache.Add(pktID, now+expectTTL)
}

// expecting returns true if a reply to the given packet ID was expected and
// has not expired, retiring the expectation either way.
func (e *expect) expecting(pktID uint64, now int64) bool {
	deadline, ok := e.cache.Get(pktID)
	if !ok {
		return false
	}
	e.cache.Remove(pktID)
	return now <= deadline
}
