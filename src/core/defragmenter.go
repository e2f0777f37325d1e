package core

import (
	"sync"

	"github.com/virtnet-io/virtnet/src/buf"
)

// Reassembly limits.
const (
	defragTimeout               = 3000 // ms a partial packet may wait for its fragments
	maxIncomingFragmentsPerPath = 32
	defragMaxEntries            = 256
)

type assembleResult uint8

const (
	assembleOK assembleResult = iota // fragment accepted, packet incomplete
	assembleComplete
	assembleErrDuplicate
	assembleErrInvalid
	assembleErrTooManyForPath
	assembleErrOutOfMemory
)

type defragEntry struct {
	slices   [MaxFragments]buf.Slice
	haveMask uint16
	total    int // expected fragment count, 0 until a tail fragment arrives
	firstTs  int64
	path     *Path
}

// defragmenter reassembles fragmented packets keyed by packet ID. Buckets
// expire after a short window and each path is limited in how many it may
// hold open, bounding memory under fragment floods. Completed packet IDs
// are remembered for the same window so a replayed fragment of a finished
// packet is rejected as a duplicate instead of opening a fresh bucket.
type defragmenter struct {
	mu     sync.Mutex
	have   map[uint64]*defragEntry
	done   map[uint64]int64 // packet ID -> completion time
	lastGC int64
}

func newDefragmenter() *defragmenter {
	return &defragmenter{
		have: map[uint64]*defragEntry{},
		done: map[uint64]int64{},
	}
}

// assemble feeds one fragment. fragNo 0 is the packet head, which does not
// know the total count; tails carry (fragNo, total). On assembleComplete the
// output vector is filled with the slices in order and the caller takes
// ownership of their buffers.
func (d *defragmenter) assemble(pktID uint64, out *buf.Vector, frag buf.Slice, fragNo, total int, now int64, path *Path) assembleResult {
	if fragNo >= MaxFragments || (total != 0 && (total > MaxFragments || fragNo >= total)) {
		return assembleErrInvalid
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, completed := d.done[pktID]; completed {
		if now-ts <= defragTimeout {
			return assembleErrDuplicate
		}
		delete(d.done, pktID)
	}

	e := d.have[pktID]
	if e == nil {
		if len(d.have) >= defragMaxEntries {
			d.gcLocked(now)
			if len(d.have) >= defragMaxEntries {
				return assembleErrOutOfMemory
			}
		}
		if path != nil && path.inFragments.Load() >= maxIncomingFragmentsPerPath {
			return assembleErrTooManyForPath
		}
		e = &defragEntry{firstTs: now, path: path}
		d.have[pktID] = e
		if path != nil {
			path.inFragments.Add(1)
		}
	}

	if now-e.firstTs > defragTimeout {
		d.dropLocked(pktID, e)
		return assembleErrInvalid
	}
	if e.haveMask&(uint16(1)<<fragNo) != 0 {
		return assembleErrDuplicate
	}
	if total != 0 {
		if e.total != 0 && e.total != total {
			d.dropLocked(pktID, e)
			return assembleErrInvalid
		}
		e.total = total
	}

	e.slices[fragNo] = frag
	e.haveMask |= uint16(1) << fragNo

	if e.total != 0 && e.haveMask == (uint16(1)<<e.total)-1 {
		for i := 0; i < e.total; i++ {
			*out = append(*out, e.slices[i])
		}
		e.slices = [MaxFragments]buf.Slice{} // ownership moved to out
		d.dropLocked(pktID, e)
		d.done[pktID] = now
		return assembleComplete
	}
	return assembleOK
}

// dropLocked removes an entry, returning any held buffers to the pool.
func (d *defragmenter) dropLocked(pktID uint64, e *defragEntry) {
	for _, s := range e.slices {
		buf.Put(s.B)
	}
	if e.path != nil {
		e.path.inFragments.Add(-1)
	}
	delete(d.have, pktID)
}

func (d *defragmenter) gcLocked(now int64) {
	for id, e := range d.have {
		if now-e.firstTs > defragTimeout {
			d.dropLocked(id, e)
		}
	}
	for id, ts := range d.done {
		if now-ts > defragTimeout {
			delete(d.done, id)
		}
	}
	d.lastGC = now
}

// gc expires stale partial packets. Called from background tasks.
func (d *defragmenter) gc(now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now-d.lastGC >= defragTimeout {
		d.gcLocked(now)
	}
}
