package core

import (
	"bytes"
	"testing"

	"github.com/virtnet-io/virtnet/src/buf"
)

func fragSlice(data []byte) buf.Slice {
	b := buf.Get()
	copy(b.Data[:], data)
	return buf.Slice{B: b, Start: 0, End: len(data)}
}

func TestAssembleOutOfOrder(t *testing.T) {
	d := newDefragmenter()
	path := newPath(1, mustInet(t, "10.0.0.1:1"))
	pieces := [][]byte{[]byte("frag0-"), []byte("frag1-"), []byte("frag2-"), []byte("frag3")}
	const total = 4
	now := int64(1000)

	var out buf.Vector
	// Delivery order 2, 0, 3, 1 per the reference scenario.
	for i, idx := range []int{2, 0, 3, 1} {
		totalArg := total
		if idx == 0 {
			totalArg = 0 // the head does not know the count
		}
		res := d.assemble(42, &out, fragSlice(pieces[idx]), idx, totalArg, now, path)
		if i < 3 && res != assembleOK {
			t.Fatalf("fragment %d: got %d, want assembleOK", idx, res)
		}
		if i == 3 && res != assembleComplete {
			t.Fatalf("final fragment: got %d, want assembleComplete", res)
		}
	}
	merged := buf.Get()
	defer buf.Put(merged)
	n, err := out.MergeCopy(merged)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(merged.Data[:n], []byte("frag0-frag1-frag2-frag3")) {
		t.Fatalf("reassembled %q", merged.Data[:n])
	}
	out.Free()

	// Re-delivering a fragment of the completed packet is rejected as a
	// duplicate within the reassembly window, so it can never dispatch a
	// second time.
	var out2 buf.Vector
	dup := fragSlice(pieces[1])
	if res := d.assemble(42, &out2, dup, 1, total, now+1, path); res != assembleErrDuplicate {
		t.Fatalf("replayed fragment of completed packet: got %d, want assembleErrDuplicate", res)
	}
	buf.Put(dup.B)

	// Once the window has passed the packet ID may be reused.
	if res := d.assemble(42, &out2, fragSlice(pieces[0]), 0, 0, now+defragTimeout+1, path); res != assembleOK {
		t.Fatalf("packet ID not reusable after the window: got %d", res)
	}
}

func TestAssembleDuplicate(t *testing.T) {
	d := newDefragmenter()
	path := newPath(1, mustInet(t, "10.0.0.1:1"))
	var out buf.Vector
	now := int64(1000)
	if res := d.assemble(7, &out, fragSlice([]byte("a")), 1, 3, now, path); res != assembleOK {
		t.Fatalf("first: %d", res)
	}
	dup := fragSlice([]byte("a"))
	if res := d.assemble(7, &out, dup, 1, 3, now, path); res != assembleErrDuplicate {
		t.Fatalf("duplicate: got %d", res)
	}
	buf.Put(dup.B)
}

func TestAssembleInvalid(t *testing.T) {
	d := newDefragmenter()
	path := newPath(1, mustInet(t, "10.0.0.1:1"))
	var out buf.Vector
	s := fragSlice([]byte("x"))
	defer buf.Put(s.B)
	if res := d.assemble(1, &out, s, 5, 3, 0, path); res != assembleErrInvalid {
		t.Fatalf("index>=total: got %d", res)
	}
	if res := d.assemble(2, &out, s, 16, 0, 0, path); res != assembleErrInvalid {
		t.Fatalf("index>=max: got %d", res)
	}
	if res := d.assemble(3, &out, s, 1, 17, 0, path); res != assembleErrInvalid {
		t.Fatalf("total>max: got %d", res)
	}
	// Inconsistent totals across fragments of one packet.
	if res := d.assemble(4, &out, fragSlice([]byte("x")), 1, 4, 0, path); res != assembleOK {
		t.Fatalf("seed: got %d", res)
	}
	if res := d.assemble(4, &out, s, 2, 5, 0, path); res != assembleErrInvalid {
		t.Fatalf("inconsistent total: got %d", res)
	}
}

func TestAssemblePerPathCap(t *testing.T) {
	d := newDefragmenter()
	path := newPath(1, mustInet(t, "10.0.0.1:1"))
	var out buf.Vector
	for i := 0; i < maxIncomingFragmentsPerPath; i++ {
		s := fragSlice([]byte("x"))
		if res := d.assemble(uint64(i), &out, s, 1, 3, 0, path); res != assembleOK {
			t.Fatalf("entry %d: got %d", i, res)
		}
	}
	s := fragSlice([]byte("x"))
	defer buf.Put(s.B)
	if res := d.assemble(9999, &out, s, 1, 3, 0, path); res != assembleErrTooManyForPath {
		t.Fatalf("over cap: got %d", res)
	}
}

func TestAssembleExpiry(t *testing.T) {
	d := newDefragmenter()
	path := newPath(1, mustInet(t, "10.0.0.1:1"))
	var out buf.Vector
	if res := d.assemble(1, &out, fragSlice([]byte("x")), 1, 2, 1000, path); res != assembleOK {
		t.Fatalf("seed: got %d", res)
	}
	d.gc(1000 + defragTimeout + 1)
	if path.inFragments.Load() != 0 {
		t.Fatal("per-path count not released by gc")
	}
	// The head arriving now starts over rather than completing.
	if res := d.assemble(1, &out, fragSlice([]byte("y")), 0, 0, 1000+defragTimeout+2, path); res != assembleOK {
		t.Fatalf("post-expiry head: got %d", res)
	}
}
