package sockets

import (
	"testing"

	"github.com/restorepoint/crcore/pkg/sockdiag"
)

func newTestTables() *sockdiag.Tables {
	return &sockdiag.Tables{
		Unix:        make(map[uint32]*sockdiag.UnixSocket),
		Inet:        make(map[uint32]*sockdiag.InetSocket),
		IconsByPeer: make(map[uint32]*sockdiag.UnixSocket),
	}
}

func TestDumpUnixListen(t *testing.T) {
	sk := &sockdiag.UnixSocket{Ino: 10, Type: 1, State: sockdiagSSListen, HasName: true, Name: "/tmp/s"}
	e, err := DumpUnix(3, sk, newTestTables())
	if err != nil {
		t.Fatalf("DumpUnix: %v", err)
	}
	if e == nil || e.State != StateListen || string(e.Name) != "/tmp/s" {
		t.Fatalf("e = %+v", e)
	}
}

func TestDumpUnixEstablishedWithPeer(t *testing.T) {
	sk := &sockdiag.UnixSocket{Ino: 11, Type: 1, State: 1, PeerIno: 12}
	e, err := DumpUnix(3, sk, newTestTables())
	if err != nil {
		t.Fatalf("DumpUnix: %v", err)
	}
	if e == nil || e.Inflight || !e.HasPeer || e.Peer != 12 {
		t.Fatalf("e = %+v", e)
	}
}

func TestDumpUnixEstablishedInflightViaIcons(t *testing.T) {
	tbl := newTestTables()
	listener := &sockdiag.UnixSocket{Ino: 99}
	tbl.IconsByPeer[20] = listener

	sk := &sockdiag.UnixSocket{Ino: 20, Type: 1, State: 1}
	e, err := DumpUnix(3, sk, tbl)
	if err != nil {
		t.Fatalf("DumpUnix: %v", err)
	}
	if e == nil || !e.Inflight || e.Peer != 99 {
		t.Fatalf("e = %+v", e)
	}
}

func TestDumpUnixEstablishedDanglingIsFatal(t *testing.T) {
	sk := &sockdiag.UnixSocket{Ino: 21, Type: 1, State: 1}
	if _, err := DumpUnix(3, sk, newTestTables()); err == nil {
		t.Fatal("expected a dangling in-flight error")
	}
}

func TestDumpInetListenerWithBacklogIsFatal(t *testing.T) {
	sk := &sockdiag.InetSocket{Ino: 30, Type: 1, Protocol: 6, State: sockdiagSSListen, RQueue: 1}
	if _, err := DumpInet(3, sk); err == nil {
		t.Fatal("expected an in-flight-on-listen error")
	}
}

func TestDumpInetListenerClean(t *testing.T) {
	sk := &sockdiag.InetSocket{Ino: 31, Type: 1, Protocol: 6, State: sockdiagSSListen}
	e, err := DumpInet(3, sk)
	if err != nil {
		t.Fatalf("DumpInet: %v", err)
	}
	if e == nil || e.State != StateListen {
		t.Fatalf("e = %+v", e)
	}
}

func TestDumpInetDatagram(t *testing.T) {
	sk := &sockdiag.InetSocket{Ino: 32, Type: 2, Protocol: 17, State: 1}
	e, err := DumpInet(3, sk)
	if err != nil {
		t.Fatalf("DumpInet: %v", err)
	}
	if e == nil || e.Type != TypeDgram {
		t.Fatalf("e = %+v", e)
	}
}
