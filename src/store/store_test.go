package store

import (
	"bytes"
	"testing"

	"github.com/virtnet-io/virtnet/src/core"
)

func TestStoreRoundtrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id := []byte{1, 2, 3, 4, 5}
	if got := s.Get(core.StateObjectPeer, id); got != nil {
		t.Fatalf("empty store returned %v", got)
	}
	s.Put(core.StateObjectPeer, id, []byte("hello"))
	if got := s.Get(core.StateObjectPeer, id); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}

	// Overwrite.
	s.Put(core.StateObjectPeer, id, []byte("world"))
	if got := s.Get(core.StateObjectPeer, id); !bytes.Equal(got, []byte("world")) {
		t.Fatalf("got %q after overwrite", got)
	}

	// Types are independent namespaces.
	if got := s.Get(core.StateObjectRoots, id); got != nil {
		t.Fatalf("cross-type read returned %v", got)
	}

	// Nil id and nil data (delete).
	s.Put(core.StateObjectRoots, nil, []byte("roots"))
	if got := s.Get(core.StateObjectRoots, nil); !bytes.Equal(got, []byte("roots")) {
		t.Fatalf("nil-id object not stored: %v", got)
	}
	s.Put(core.StateObjectPeer, id, nil)
	if got := s.Get(core.StateObjectPeer, id); got != nil {
		t.Fatalf("deleted object still present: %v", got)
	}
}
