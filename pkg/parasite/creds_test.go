package parasite

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseCapField(t *testing.T) {
	v, err := parseCapField("CapEff:\t0000003fffffffff")
	if err != nil {
		t.Fatalf("parseCapField: %v", err)
	}
	if v != 0x3fffffffff {
		t.Fatalf("got %#x, want %#x", v, 0x3fffffffff)
	}
}

func TestParseCapFieldMalformed(t *testing.T) {
	if _, err := parseCapField("garbage"); err == nil {
		t.Fatal("expected an error for a line with no value field")
	}
}

func TestReadCapabilitiesSelf(t *testing.T) {
	fd, err := unix.Open("/proc/self", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Skipf("cannot open /proc/self: %v", err)
	}
	defer unix.Close(fd)

	caps, err := ReadCapabilities(fd)
	if err != nil {
		t.Fatalf("ReadCapabilities: %v", err)
	}
	// Permitted is a superset of effective for any sane kernel state.
	if caps.Effective&^caps.Permitted != 0 {
		t.Errorf("effective set has bits outside permitted: eff=%#x prm=%#x", caps.Effective, caps.Permitted)
	}
}
