package address

import "testing"

func TestAddressRoundtrip(t *testing.T) {
	for _, a := range []Address{0x0102030405, 0xdeadbeef01, 0x0100000000, 0xfeffffffff} {
		b := a.Bytes()
		back, err := FromBytes(b[:])
		if err != nil {
			t.Fatalf("FromBytes(%v): %v", b, err)
		}
		if back != a {
			t.Fatalf("byte round-trip failed: want %s got %s", a, back)
		}
		back, err = FromString(a.String())
		if err != nil {
			t.Fatalf("FromString(%q): %v", a.String(), err)
		}
		if back != a {
			t.Fatalf("string round-trip failed: want %s got %s", a, back)
		}
	}
}

func TestAddressValidity(t *testing.T) {
	for _, test := range []struct {
		a     Address
		valid bool
	}{
		{0x0102030405, true},
		{0, false},                // zero
		{0x00ffffffff, false},     // first byte zero, reserved prefix
		{Reserved, false},         // broadcast
		{0xff00000001, false},     // first byte is the fragment indicator
		{0x01ffffffff + 1, true},  // 0x0200000000
		{Address(1) << 40, false}, // out of range
	} {
		if got := test.a.Valid(); got != test.valid {
			t.Errorf("Valid(%s) = %v, want %v", test.a, got, test.valid)
		}
	}
}

func TestFromStringRejectsJunk(t *testing.T) {
	for _, s := range []string{"", "123", "zzzzzzzzzz", "01020304050"} {
		if _, err := FromString(s); err == nil {
			t.Errorf("FromString(%q) should have failed", s)
		}
	}
}
