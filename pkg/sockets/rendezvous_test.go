package sockets

import "testing"

func TestRendezvousAddrDeterministicAndKeyed(t *testing.T) {
	a1 := RendezvousAddr(42)
	a2 := RendezvousAddr(42)
	if a1 != a2 {
		t.Fatalf("RendezvousAddr not deterministic: %q != %q", a1, a2)
	}
	if a1[0] != 0 {
		t.Fatalf("RendezvousAddr must start with a NUL for the abstract namespace, got %q", a1)
	}
	if RendezvousAddr(42) == RendezvousAddr(43) {
		t.Fatal("RendezvousAddr collides across different ids")
	}
}
