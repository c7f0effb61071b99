package sockets

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/restorepoint/crcore/internal/crerr"
	"golang.org/x/sys/unix"
)

// connJobKind distinguishes the three deferred-connect shapes spec §4.9
// describes.
type connJobKind int

const (
	cjDgram connJobKind = iota
	cjStream
	cjStreamInflight
)

// connectJob is one entry of the connect-job list.
type connectJob struct {
	kind connJobKind
	fd   int
	peer uint32
}

// acceptJob is one entry of the accept-job list: {fd, peer} where fd is
// the listening server socket and target is where the accepted
// connection must ultimately live.
type acceptJob struct {
	serverFD  int
	targetFD  int
	peer      uint32
}

// listenEntry records a restored listening UNIX socket so a later
// in-flight peer can locate it by inode (spec §3 "UNIX-listen table").
type listenEntry struct {
	addr unix.Sockaddr
	typ  int
}

// Restorer drives the two-phase UNIX socket restore of spec §4.9: every
// entry is installed in a single sequential pass first (binding,
// listening, and scheduling deferred work), then the connect and accept
// phases run the scheduled jobs.
type Restorer struct {
	listening map[uint32]*listenEntry
	connects  []connectJob
	accepts   []acceptJob
	pool      []PacketPoolEntry
	imageFD   *os.File
}

// NewRestorer creates a Restorer that will replay queued packets by
// sendfile from imageFD at the stored offsets.
func NewRestorer(imageFD *os.File, pool []PacketPoolEntry) *Restorer {
	return &Restorer{
		listening: make(map[uint32]*listenEntry),
		pool:      pool,
		imageFD:   imageFD,
	}
}

// RestoreUnixEntry performs the "per-socket actions on restore read" of
// spec §4.9 for one UNIX image entry: creating the fd, binding/listening
// as appropriate, and enqueueing any deferred connect/accept job.
func (r *Restorer) RestoreUnixEntry(e *UnixEntry) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, sockType(e.Type), 0)
	if err != nil {
		return -1, fmt.Errorf("creating unix socket for id %d: %w", e.ID, err)
	}

	switch {
	case e.Type == TypeDgram:
		if len(e.Name) > 0 {
			if err := bindPath(fd, string(e.Name)); err != nil {
				return fd, err
			}
			r.listening[e.ID] = &listenEntry{addr: &unix.SockaddrUnix{Name: string(e.Name)}, typ: e.Type}
		} else if e.HasPeer {
			if err := bindAbstract(fd, RendezvousAddr(e.ID)); err != nil {
				return fd, err
			}
			r.listening[e.ID] = &listenEntry{addr: &unix.SockaddrUnix{Name: RendezvousAddr(e.ID)}, typ: e.Type}
		}
		if e.HasPeer {
			r.connects = append(r.connects, connectJob{kind: cjDgram, fd: fd, peer: e.Peer})
		}

	case e.Type == TypeStream && e.State == StateListen:
		if err := bindPath(fd, string(e.Name)); err != nil {
			return fd, err
		}
		if err := unix.Listen(fd, e.Backlog); err != nil {
			return fd, fmt.Errorf("listen on id %d: %w", e.ID, err)
		}
		r.listening[e.ID] = &listenEntry{addr: &unix.SockaddrUnix{Name: string(e.Name)}, typ: e.Type}

	case e.Type == TypeStream && e.State == StateEstablished:
		if e.Peer < e.ID && !e.Inflight {
			if err := bindAbstract(fd, RendezvousAddr(e.ID)); err != nil {
				return fd, err
			}
			if err := unix.Listen(fd, 1); err != nil {
				return fd, fmt.Errorf("listen (rendezvous server) on id %d: %w", e.ID, err)
			}
			r.accepts = append(r.accepts, acceptJob{serverFD: fd, targetFD: e.FD, peer: e.Peer})
		} else {
			kind := cjStream
			if e.Inflight {
				kind = cjStreamInflight
			}
			r.connects = append(r.connects, connectJob{kind: kind, fd: fd, peer: e.Peer})
		}
	}

	return fd, nil
}

func sockType(t int) int {
	if t == TypeDgram {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

func bindPath(fd int, name string) error {
	if name == "" {
		return nil
	}
	if name[0] != 0 {
		os.Remove(name) // unlink first if non-abstract (spec §4.9)
		return unix.Bind(fd, &unix.SockaddrUnix{Name: name})
	}
	return bindAbstract(fd, name)
}

func bindAbstract(fd int, name string) error {
	return unix.Bind(fd, &unix.SockaddrUnix{Name: name})
}

// RunConnectPhase walks the connect-job list, retrying each connect up to
// 8 times with 1ms backoff (spec §4.9), then replays any queued packets
// destined for the now-connected peer.
func (r *Restorer) RunConnectPhase() error {
	for _, job := range r.connects {
		addr, err := r.connectTarget(job)
		if err != nil {
			return err
		}

		if err := connectWithRetry(job.fd, addr); err != nil {
			return fmt.Errorf("%w: job for peer %d: %v", crerr.ErrRendezvousTimeout, job.peer, err)
		}

		if err := r.replayQueue(job.fd, job.peer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) connectTarget(job connectJob) (unix.Sockaddr, error) {
	switch job.kind {
	case cjStream:
		return &unix.SockaddrUnix{Name: RendezvousAddr(job.peer)}, nil
	case cjStreamInflight, cjDgram:
		le, ok := r.listening[job.peer]
		if !ok {
			return nil, fmt.Errorf("%w: no listening socket for peer %d", crerr.ErrRendezvousTimeout, job.peer)
		}
		return le.addr, nil
	default:
		return nil, fmt.Errorf("unknown connect job kind %d", job.kind)
	}
}

// connectWithRetry retries connect up to 8 times with 1ms sleeps, since
// the peer may not yet have reached its listen() call (spec §4.9).
func connectWithRetry(fd int, addr unix.Sockaddr) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 7)
	return backoff.Retry(func() error {
		return unix.Connect(fd, addr)
	}, b)
}

// RunAcceptPhase walks the accept-job list, installing each accepted
// connection onto its server slot's target fd, then replays any queued
// packets for that side (spec §4.9 "Accept phase").
func (r *Restorer) RunAcceptPhase() error {
	for _, job := range r.accepts {
		connFD, _, err := unix.Accept(job.serverFD)
		if err != nil {
			return fmt.Errorf("accept on server fd for peer %d: %w", job.peer, err)
		}
		if err := reopenFDAs(job.targetFD, connFD); err != nil {
			return fmt.Errorf("installing accepted connection onto target fd: %w", err)
		}
		if err := r.replayQueue(job.targetFD, job.peer); err != nil {
			return err
		}
	}
	return nil
}

// reopenFDAs is the dup2-equivalent fd-reopen primitive spec §6 names:
// install src onto target, closing src.
func reopenFDAs(target, src int) error {
	if target == src {
		return nil
	}
	if err := unix.Dup2(src, target); err != nil {
		return err
	}
	return unix.Close(src)
}

// replayQueue drains packet-pool entries whose IDFor equals peer, each
// replayed by sendfile from the image fd at its stored offset for
// exactly Length bytes; a short write is fatal. Drained entries are
// removed from the pool, preserving the remaining entries' order (spec
// §4.9).
func (r *Restorer) replayQueue(fd int, peer uint32) error {
	var remaining []PacketPoolEntry
	for _, e := range r.pool {
		if e.IDFor != peer {
			remaining = append(remaining, e)
			continue
		}
		off := e.ImageOffset
		n, err := unix.Sendfile(fd, int(r.imageFD.Fd()), &off, int(e.Length))
		if err != nil {
			return fmt.Errorf("replaying queued packet for peer %d: %w", peer, err)
		}
		if int64(n) != e.Length {
			return fmt.Errorf("%w: sendfile wrote %d/%d bytes", crerr.ErrTruncated, n, e.Length)
		}
	}
	r.pool = remaining
	return nil
}
