package endpoint

import (
	"sort"
	"testing"
)

func TestInetAddressRoundtrip(t *testing.T) {
	for _, s := range []string{"192.0.2.1:9993", "[2001:db8::1]:793", "10.0.0.1:1"} {
		a, err := ParseInetAddress(s)
		if err != nil {
			t.Fatal(err)
		}
		b := a.AppendTo(nil)
		back, n, err := UnmarshalInetAddress(b)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(b) {
			t.Fatalf("consumed %d of %d bytes", n, len(b))
		}
		if back != a {
			t.Fatalf("round-trip failed: want %s got %s", a, back)
		}
	}

	var nilAddr InetAddress
	b := nilAddr.AppendTo(nil)
	back, n, err := UnmarshalInetAddress(b)
	if err != nil || n != 1 || !back.Nil() {
		t.Fatalf("nil address round-trip failed: %v %d %v", back, n, err)
	}
}

func TestIPScope(t *testing.T) {
	for _, test := range []struct {
		addr  string
		scope IPScope
	}{
		{"127.0.0.1:1", IPScopeLoopback},
		{"10.1.2.3:1", IPScopePrivate},
		{"192.168.0.1:1", IPScopePrivate},
		{"100.64.1.1:1", IPScopeShared},
		{"169.254.1.1:1", IPScopeLinkLocal},
		{"203.0.113.10:1", IPScopeGlobal},
		{"[2001:db8::1]:1", IPScopeGlobal},
		{"[fe80::1]:1", IPScopeLinkLocal},
	} {
		a, err := ParseInetAddress(test.addr)
		if err != nil {
			t.Fatal(err)
		}
		if got := a.Scope(); got != test.scope {
			t.Errorf("Scope(%s) = %d, want %d", test.addr, got, test.scope)
		}
	}
}

func TestEndpointRoundtrip(t *testing.T) {
	inet, _ := ParseInetAddress("203.0.113.10:793")
	var hash [48]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	for _, e := range []Endpoint{
		{},
		FromInetAddress(inet),
		FromNode(0x0102030405, hash),
		FromMAC([6]byte{1, 2, 3, 4, 5, 6}),
	} {
		b := e.AppendTo(nil)
		back, n, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("%s: %v", e, err)
		}
		if n != len(b) {
			t.Fatalf("%s: consumed %d of %d bytes", e, n, len(b))
		}
		if !back.Equal(e) {
			t.Fatalf("round-trip failed: want %s got %s", e, back)
		}
	}
}

func TestEndpointLegacyInetForm(t *testing.T) {
	inet, _ := ParseInetAddress("192.0.2.1:9993")
	b := inet.AppendTo(nil) // raw InetAddress bytes, no endpoint type prefix
	e, n, err := Unmarshal(b)
	if err != nil || n != len(b) {
		t.Fatalf("legacy unmarshal failed: %v %d", err, n)
	}
	if !e.IsInet() || e.InetAddress() != inet {
		t.Fatalf("legacy form decoded to %s", e)
	}
}

func TestEndpointOrderingIsTotalAndStable(t *testing.T) {
	a, _ := ParseInetAddress("10.0.0.1:1")
	b, _ := ParseInetAddress("10.0.0.2:1")
	c, _ := ParseInetAddress("10.0.0.1:2")
	eps := []Endpoint{FromInetAddress(b), FromMAC([6]byte{9}), FromInetAddress(a), {}, FromInetAddress(c)}
	sorted1 := append([]Endpoint(nil), eps...)
	sort.Slice(sorted1, func(i, j int) bool { return sorted1[i].Less(sorted1[j]) })
	sorted2 := append([]Endpoint(nil), sorted1...)
	sort.Slice(sorted2, func(i, j int) bool { return sorted2[i].Less(sorted2[j]) })
	for i := range sorted1 {
		if !sorted1[i].Equal(sorted2[i]) {
			t.Fatal("sort is not stable under identical inputs")
		}
	}
	for i := 1; i < len(sorted1); i++ {
		if sorted1[i].Less(sorted1[i-1]) {
			t.Fatal("sort produced an out-of-order pair")
		}
	}
}
