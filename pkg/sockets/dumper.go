package sockets

import (
	"fmt"

	"github.com/restorepoint/crcore/internal/crerr"
	"github.com/restorepoint/crcore/pkg/sockdiag"
	"golang.org/x/sys/unix"
)

// sockfsMagic is /proc/<pid>/fd/<fd>'s statfs f_type for a socket,
// SOCKFS_MAGIC. A descriptor whose fs-magic doesn't match this isn't a
// socket and the walker should try the next handler (spec §4.8).
const sockfsMagic = 0x534F434B

// StatfsMagic abstracts the one piece of /proc introspection the fd
// walker needs before handing a descriptor to this package: its
// filesystem magic number.
type StatfsMagic func(fd int) (uint64, error)

// IsSocketFD reports whether fd's backing filesystem is sockfs.
func IsSocketFD(fd int, statfs StatfsMagic) (bool, error) {
	magic, err := statfs(fd)
	if err != nil {
		return false, fmt.Errorf("statfs on fd %d: %w", fd, err)
	}
	return magic == sockfsMagic, nil
}

// DumpUnix classifies one collected UNIX socket per spec §4.8's dump
// policy and produces its image entry, or (nil, nil) if the socket isn't
// dumpable in this policy (e.g. the wrong type/state combination).
func DumpUnix(fd int, sk *sockdiag.UnixSocket, t *sockdiag.Tables) (*UnixEntry, error) {
	typ := unixTypeOf(sk.Type)
	state := unixStateOf(sk.State)
	if typ == 0 {
		return nil, nil
	}

	switch {
	case state == StateListen:
	case state == StateEstablished:
	case state == StateClose && typ == TypeDgram:
	default:
		return nil, nil
	}

	entry := &UnixEntry{ID: sk.Ino, FD: fd, Type: typ, State: state}
	if sk.HasName {
		entry.Name = []byte(sk.Name)
	}

	if state == StateEstablished && typ == TypeStream {
		if sk.PeerIno != 0 {
			entry.Peer = sk.PeerIno
			entry.HasPeer = true
		} else if listener, ok := t.IconsByPeer[sk.Ino]; ok {
			entry.Peer = listener.Ino
			entry.HasPeer = true
			entry.Inflight = true
		} else {
			return nil, fmt.Errorf("%w: unix socket %d", crerr.ErrDanglingInflight, sk.Ino)
		}
	} else if sk.PeerIno != 0 {
		entry.Peer = sk.PeerIno
		entry.HasPeer = true
	}

	return entry, nil
}

// DrainQueuedData reads exactly rqlen bytes already sitting in fd's socket
// receive buffer, for deferred replay during restore's queue phase (spec
// §4.8: "the fd is appended to a 'queued-data' list for later drain"). fd is
// the dumper's own drained copy of the victim's descriptor; reading off it
// consumes the same underlying receive buffer the victim's fd refers to,
// which is fine here since the victim is frozen for the duration of a dump.
func DrainQueuedData(fd int, rqlen uint32) ([]byte, error) {
	buf := make([]byte, rqlen)
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return nil, fmt.Errorf("draining queued data on fd %d: %w", fd, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: fd %d closed after %d/%d queued bytes", crerr.ErrTruncated, fd, read, len(buf))
		}
		read += n
	}
	return buf, nil
}

// DumpInet classifies one collected INET socket per spec §4.8's dump
// policy. IPv6 is not supported.
func DumpInet(fd int, sk *sockdiag.InetSocket) (*InetEntry, error) {
	const afInet = 2
	typ := inetTypeOf(sk.Type)
	if typ == 0 {
		return nil, nil
	}

	state := StateEstablished
	if sk.State == sockdiagSSListen {
		state = StateListen
		if typ != TypeStream {
			return nil, fmt.Errorf("%w: non-stream listener inode %d", crerr.ErrUnsupportedState, sk.Ino)
		}
		if sk.RQueue != 0 {
			return nil, fmt.Errorf("%w: inode %d", crerr.ErrInFlightOnListen, sk.Ino)
		}
	}

	return &InetEntry{
		ID:       sk.Ino,
		FD:       fd,
		Family:   afInet,
		Type:     typ,
		Protocol: int(sk.Protocol),
		State:    state,
		SrcPort:  sk.SrcPort,
		DstPort:  sk.DstPort,
		SrcAddr:  sk.SrcAddr,
		DstAddr:  sk.DstAddr,
	}, nil
}

const sockdiagSSListen = 10

func unixTypeOf(t uint8) int {
	switch t {
	case 1: // SOCK_STREAM
		return TypeStream
	case 2: // SOCK_DGRAM
		return TypeDgram
	default:
		return 0
	}
}

func unixStateOf(s uint8) int {
	switch {
	case s == sockdiagSSListen:
		return StateListen
	case s == 1: // SS_ESTABLISHED / UNIX connected-or-unconnected DGRAM
		return StateEstablished
	case s == 7: // SS_CLOSE
		return StateClose
	default:
		return 0
	}
}

func inetTypeOf(t uint8) int {
	switch t {
	case 1:
		return TypeStream
	case 2:
		return TypeDgram
	default:
		return 0
	}
}
