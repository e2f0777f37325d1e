package locator

import (
	"testing"

	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
)

var testIdentity *identity.Identity

func signer(t *testing.T) *identity.Identity {
	t.Helper()
	if testIdentity == nil {
		id, err := identity.Generate(identity.TypeC25519)
		if err != nil {
			t.Fatal(err)
		}
		testIdentity = id
	}
	return testIdentity
}

func mustEndpoint(t *testing.T, s string) endpoint.Endpoint {
	t.Helper()
	a, err := endpoint.ParseInetAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return endpoint.FromInetAddress(a)
}

func TestSignVerifyRoundtrip(t *testing.T) {
	id := signer(t)
	var l Locator
	if err := l.Add(mustEndpoint(t, "203.0.113.10:793")); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(mustEndpoint(t, "[2001:db8::1]:793")); err != nil {
		t.Fatal(err)
	}
	if err := l.Sign(1000, id); err != nil {
		t.Fatal(err)
	}
	if !l.Verify(id) {
		t.Fatal("freshly signed locator did not verify")
	}

	b := l.AppendTo(nil)
	back, n, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d bytes", n, len(b))
	}
	if !back.Verify(id) {
		t.Fatal("locator did not verify after marshal round-trip")
	}
	if back.Timestamp() != 1000 {
		t.Fatalf("timestamp changed: %d", back.Timestamp())
	}

	fromStr, err := FromString(l.String())
	if err != nil {
		t.Fatal(err)
	}
	if !fromStr.Verify(id) {
		t.Fatal("locator did not verify after string round-trip")
	}
}

func TestEndpointOrderDoesNotAffectSignedBytes(t *testing.T) {
	id := signer(t)
	eps := []string{"10.0.0.1:1", "10.0.0.2:2", "192.0.2.7:9"}

	var a, b Locator
	for _, s := range eps {
		_ = a.Add(mustEndpoint(t, s))
	}
	for i := len(eps) - 1; i >= 0; i-- {
		_ = b.Add(mustEndpoint(t, eps[i]))
	}
	if err := a.Sign(42, id); err != nil {
		t.Fatal(err)
	}
	if err := b.Sign(42, id); err != nil {
		t.Fatal(err)
	}
	ab, bb := a.AppendTo(nil), b.AppendTo(nil)
	if string(ab) != string(bb) {
		t.Fatal("identical endpoint sets produced different signed bytes")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	id := signer(t)
	var l Locator
	_ = l.Add(mustEndpoint(t, "203.0.113.10:793"))
	if err := l.Sign(1000, id); err != nil {
		t.Fatal(err)
	}

	// Mutate the timestamp.
	tampered := l.AppendTo(nil)
	tampered[7] ^= 0x01
	back, _, err := Unmarshal(tampered)
	if err != nil {
		t.Fatal(err)
	}
	if back.Verify(id) {
		t.Fatal("locator with mutated timestamp verified")
	}

	// Mutate the endpoint set.
	if err := l.Add(mustEndpoint(t, "10.9.9.9:1")); err != nil {
		t.Fatal(err)
	}
	if l.Verify(id) {
		t.Fatal("locator with mutated endpoint set verified")
	}
}

func TestAddCapAndDedupe(t *testing.T) {
	var l Locator
	ep := mustEndpoint(t, "10.0.0.1:1")
	if err := l.Add(ep); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(ep); err != nil {
		t.Fatal(err)
	}
	if len(l.Endpoints()) != 1 {
		t.Fatalf("duplicate add grew the set to %d", len(l.Endpoints()))
	}
	for i := 0; i < MaxEndpoints-1; i++ {
		ep := mustEndpoint(t, "10.0.1.1:"+string(rune('1'+i)))
		if err := l.Add(ep); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Add(mustEndpoint(t, "10.0.2.2:2")); err == nil {
		t.Fatal("expected error adding past the endpoint cap")
	}
}
