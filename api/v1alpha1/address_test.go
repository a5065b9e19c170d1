package v1alpha1

import "testing"

func TestParseAddress_RoundTrip(t *testing.T) {
	addr, err := ParseAddress("/subsystem=elytron/key-store=ks1")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if len(addr) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(addr))
	}
	if addr[1] != Element("key-store", "ks1") {
		t.Fatalf("unexpected last segment: %+v", addr[1])
	}
	if addr.String() != "/subsystem=elytron/key-store=ks1" {
		t.Fatalf("unexpected String(): %q", addr.String())
	}
}

func TestParseAddress_Root(t *testing.T) {
	for _, raw := range []string{"", "/", "  /  "} {
		addr, err := ParseAddress(raw)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", raw, err)
		}
		if len(addr) != 0 {
			t.Fatalf("ParseAddress(%q): expected root, got %v", raw, addr)
		}
		if addr.String() != "/" {
			t.Fatalf("root String() = %q", addr.String())
		}
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, raw := range []string{"/key-store", "/=ks1", "/key-store=", "/a=b//c=d"} {
		if _, err := ParseAddress(raw); err == nil {
			t.Fatalf("ParseAddress(%q): expected error", raw)
		}
	}
}

func TestAddress_AppendDoesNotAlias(t *testing.T) {
	base := MustParseAddress("/subsystem=elytron")
	a := base.Append(Element("key-store", "a"))
	b := base.Append(Element("key-store", "b"))
	if a[1].Key != "a" || b[1].Key != "b" {
		t.Fatalf("Append aliased the backing array: %v %v", a, b)
	}
	if !a.Parent().Equal(base) {
		t.Fatalf("Parent() = %v, want %v", a.Parent(), base)
	}
}
