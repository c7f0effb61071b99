package parasite

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// tsock is the abstract-namespace UNIX datagram socket pair used for fd
// passing and logs between controller and parasite (spec §4.5 "Transport
// socket"), one per infected victim for the lifetime of its control block.
// Spec §9's "Static tsock" note describes a process-wide reused socket with
// an explicit disconnect-on-reacquire step; this core is a one-shot CLI
// that infects exactly one victim per invocation, so there is no second
// acquisition for a cross-victim singleton to ever serve — see DESIGN.md.
type tsock struct {
	fd int
}

// controllerAddrName and parasiteAddrName derive the "h" (controller)
// and "p" (parasite) abstract addresses deterministically from a pid, per
// spec §4.5 and the wire format in spec §6.
func controllerAddrName(pid int) string { return fmt.Sprintf("crtools-pr-h-%d", pid) }
func parasiteAddrName(pid int) string   { return fmt.Sprintf("crtools-pr-p-%d", pid) }

func abstractAddr(name string) *unix.SockaddrUnix {
	// The leading NUL marks the abstract namespace (spec §6 wire format);
	// Go's Name field holds it directly since unix.Bind prepends no NUL
	// of its own for a "\x00..." name.
	return &unix.SockaddrUnix{Name: "\x00" + name}
}

// dialTsock creates the datagram socket for one victim, binds it to the
// controller-side abstract address for pid, and connects it to the
// parasite-side address.
func dialTsock(pid int) (*tsock, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating tsock: %w", err)
	}
	if err := unix.Bind(fd, abstractAddr(controllerAddrName(pid))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding tsock: %w", err)
	}
	if err := unix.Connect(fd, abstractAddr(parasiteAddrName(pid))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting tsock to parasite: %w", err)
	}
	return &tsock{fd: fd}, nil
}

func (t *tsock) close() error {
	if t == nil {
		return nil
	}
	return unix.Close(t.fd)
}

// sendFD sends a single fd over tsock via SCM_RIGHTS: the log fd on
// CFG_LOG and the page-pipe write end on DUMPPAGES. DRAIN_FDS and
// GET_PROC_FD responses come back the other way, through recvFD.
func (t *tsock) sendFD(fd int, payload []byte) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(t.fd, payload, rights, nil, 0)
}

// recvFD receives a single fd passed via SCM_RIGHTS, returning it along
// with whatever non-control payload accompanied it.
func (t *tsock) recvFD(bufSize int) (fd int, payload []byte, err error) {
	buf := make([]byte, bufSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(t.fd, buf, oob, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("recvmsg on tsock: %w", err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("parsing tsock control message: %w", err)
	}
	for _, cm := range cmsgs {
		fds, err := unix.ParseUnixRights(&cm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			fd = fds[0]
		}
	}
	return fd, buf[:n], nil
}
