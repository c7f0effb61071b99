package sockets

import (
	"testing"

	"golang.org/x/sys/unix"
)

// TestRestoreUnixStreamPairRoundTrip exercises the full two-phase restore
// (spec §4.9) for a single connected UNIX stream pair: the side whose peer
// id is lower than its own (the higher-id side) becomes the rendezvous
// server, the lower-id side connects, and data written after the accept
// phase is actually observed by the peer.
func TestRestoreUnixStreamPairRoundTrip(t *testing.T) {
	const serverID, clientID = 200, 100

	// FD is the slot the accepted connection must land on; pick a number
	// well clear of the test process's own low fds (0-2) so the dup2 in
	// RunAcceptPhase can't clobber stdio.
	const acceptedTargetFD = 90

	serverEntry := &UnixEntry{ID: serverID, FD: acceptedTargetFD, Type: TypeStream, State: StateEstablished, Peer: clientID, HasPeer: true}
	clientEntry := &UnixEntry{ID: clientID, Type: TypeStream, State: StateEstablished, Peer: serverID, HasPeer: true}

	r := NewRestorer(nil, nil)

	serverFD, err := r.RestoreUnixEntry(serverEntry)
	if err != nil {
		t.Fatalf("restoring server entry: %v", err)
	}
	defer unix.Close(serverFD)

	clientFD, err := r.RestoreUnixEntry(clientEntry)
	if err != nil {
		t.Fatalf("restoring client entry: %v", err)
	}
	defer unix.Close(clientFD)

	if len(r.accepts) != 1 {
		t.Fatalf("got %d accept jobs, want 1", len(r.accepts))
	}
	if len(r.connects) != 1 {
		t.Fatalf("got %d connect jobs, want 1", len(r.connects))
	}

	connectDone := make(chan error, 1)
	go func() { connectDone <- r.RunConnectPhase() }()

	if err := r.RunAcceptPhase(); err != nil {
		t.Fatalf("RunAcceptPhase: %v", err)
	}
	if err := <-connectDone; err != nil {
		t.Fatalf("RunConnectPhase: %v", err)
	}

	defer unix.Close(acceptedTargetFD)

	msg := []byte("hello")
	if _, err := unix.Write(clientFD, msg); err != nil {
		t.Fatalf("write from client: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := unix.Read(acceptedTargetFD, buf); err != nil {
		t.Fatalf("read on accepted connection: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("got %q, want %q", buf, msg)
	}
}
