package parasite

import "testing"

func TestAddrNamesAreDeterministicAndDistinct(t *testing.T) {
	h1 := controllerAddrName(42)
	h2 := controllerAddrName(42)
	if h1 != h2 {
		t.Fatalf("controllerAddrName not deterministic: %q != %q", h1, h2)
	}
	p1 := parasiteAddrName(42)
	if h1 == p1 {
		t.Fatalf("controller and parasite addr names collide: %q", h1)
	}
	if controllerAddrName(42) == controllerAddrName(43) {
		t.Fatal("addr names for different pids collide")
	}
}

func TestCommandString(t *testing.T) {
	cases := map[Command]string{
		CmdInit:       "INIT",
		CmdDumpPages:  "DUMPPAGES",
		CmdGetProcFD:  "GET_PROC_FD",
		Command(9999): "UNKNOWN",
	}
	for cmd, want := range cases {
		if got := cmd.String(); got != want {
			t.Errorf("Command(%d).String() = %q, want %q", cmd, got, want)
		}
	}
}
