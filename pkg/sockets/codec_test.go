package sockets

import "testing"

func TestUnixEntryRoundTrip(t *testing.T) {
	e := &UnixEntry{ID: 7, FD: 3, Type: TypeStream, State: StateListen, Name: []byte("/tmp/s"), Backlog: 5}
	got, err := UnmarshalUnixEntry(e.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != e.ID || got.FD != e.FD || got.Backlog != e.Backlog || string(got.Name) != string(e.Name) {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestInetEntryRoundTrip(t *testing.T) {
	e := &InetEntry{ID: 9, FD: 4, Family: 2, Type: TypeStream, Protocol: 6, State: StateListen, SrcPort: 5000, SrcAddr: [4]byte{127, 0, 0, 1}}
	got, err := UnmarshalInetEntry(e.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SrcPort != e.SrcPort || got.SrcAddr != e.SrcAddr {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestPacketPoolEntryRoundTrip(t *testing.T) {
	e := &PacketPoolEntry{IDFor: 11, Length: 3, ImageOffset: 128}
	got, err := UnmarshalPacketPoolEntry(e.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if *got != *e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}
