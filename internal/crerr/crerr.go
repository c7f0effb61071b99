// Package crerr defines the typed error kinds shared across the
// checkpoint/restore core (spec §7). Call sites wrap one of these sentinels
// with fmt.Errorf("...: %w", ...) so callers can still errors.Is against the
// kind while getting a useful message.
package crerr

import "errors"

var (
	// ErrVictimGone means the tracee has exited or is otherwise gone.
	ErrVictimGone = errors.New("victim task is gone")

	// ErrPtraceDenied means the controller is not authorised to ptrace
	// the target (e.g. missing CAP_SYS_PTRACE, Yama restrictions).
	ErrPtraceDenied = errors.New("ptrace not authorised")

	// ErrBusy means wait() returned a pid that doesn't match the one
	// the controller was waiting for.
	ErrBusy = errors.New("wait returned mismatched pid")

	// ErrInjectionFailed means a remote mmap/mprotect/munmap used to set
	// up the parasite transport returned a nonzero (errno) result.
	ErrInjectionFailed = errors.New("parasite injection failed")

	// ErrUnexpectedStop means a non-trap stop was observed while the
	// control block had signals_blocked set.
	ErrUnexpectedStop = errors.New("unexpected stop while signals blocked")

	// ErrNetlinkProtocol means a sock-diag netlink response could not be
	// parsed according to the expected wire format.
	ErrNetlinkProtocol = errors.New("netlink sock-diag protocol error")

	// ErrUncollectedSocket means an fd was statfs'd as a socket but its
	// inode never showed up in a prior sock-diag collection pass.
	ErrUncollectedSocket = errors.New("socket inode was not collected")

	// ErrInFlightOnListen means a TCP listener was found with a nonzero
	// pending-connection backlog, which this core cannot dump.
	ErrInFlightOnListen = errors.New("in-flight connection on TCP listener unsupported")

	// ErrDanglingInflight means a UNIX ESTABLISHED socket had no peer and
	// no icons entry resolved one either.
	ErrDanglingInflight = errors.New("dangling in-flight unix connection")

	// ErrUnsupportedState means a socket was in a state this core's dump
	// or restore policy does not support.
	ErrUnsupportedState = errors.New("unsupported socket state")

	// ErrTruncated means an image read or write returned fewer bytes
	// than requested.
	ErrTruncated = errors.New("truncated image read or write")

	// ErrRendezvousTimeout means a restore-side connect() did not
	// succeed within the bounded retry budget.
	ErrRendezvousTimeout = errors.New("rendezvous connect timed out")

	// ErrNamespaceSwitch means switching into (or back out of) a
	// victim's namespace failed.
	ErrNamespaceSwitch = errors.New("namespace switch failed")
)
