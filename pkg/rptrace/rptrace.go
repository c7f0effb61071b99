// Package rptrace wraps the raw ptrace(2) operations the injection engine
// needs: attach/seize, continue, wait-for-stop classification, register
// get/set, and word-granular peek/poke over arbitrary byte ranges.
//
// This mirrors the style of gVisor's ptrace platform subprocess (attach,
// wait, grab registers via raw syscalls instead of a heavier ptrace
// library — see pkg/sentry/platform/ptrace/subprocess_linux.go upstream),
// adapted from driving a sandboxed stub to driving an arbitrary victim
// process for checkpoint.
package rptrace

import (
	"fmt"
	"unsafe"

	"github.com/restorepoint/crcore/internal/crerr"
	"golang.org/x/sys/unix"
)

// Linux doesn't expose these through golang.org/x/sys/unix's high-level
// wrappers on every supported arch, so they're issued as raw PTRACE_*
// requests the same way gVisor issues SYS_CLONE/SYS_WAIT4 directly.
const (
	ptraceSeize      = 0x4206
	ptraceInterrupt  = 0x4207
	ptraceGetSigInfo = 0x4202
	ptraceSetOptions = 0x4200

	ptraceOSeizeDefault = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXIT
)

// StopKind classifies why waitpid returned for a traced task.
type StopKind int

const (
	// StopUnknown is returned when the wait status couldn't be classified.
	StopUnknown StopKind = iota
	// StopTrap is a plain SIGTRAP stop (e.g. our injected int3, or a
	// PTRACE_CONT-induced syscall trap).
	StopTrap
	// StopGroupStop is a PTRACE_EVENT_STOP group-stop, observed after a
	// signal-rewind PTRACE_INTERRUPT+CONT sequence (spec §4.3).
	StopGroupStop
	// StopSignal is a stop caused by a non-trap, non-group-stop signal
	// that must be re-delivered to the tracee.
	StopSignal
	// StopExited means the tracee has exited or was killed.
	StopExited
)

func (k StopKind) String() string {
	switch k {
	case StopTrap:
		return "trap"
	case StopGroupStop:
		return "group-stop"
	case StopSignal:
		return "signal"
	case StopExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ARCH_SI_TRAP is the si_code Linux reports for a ptrace-trap SIGTRAP, as
// opposed to a SIGTRAP delivered for some other reason.
const archSITrap = 0x80 // SI_KERNEL on some arches report differently; see WaitResult.IsParasiteTrap.

// WaitResult is the classified outcome of a single waitpid call.
type WaitResult struct {
	Kind     StopKind
	Signal   unix.Signal
	SiCode   int32
	SiSignal int32
	Status   unix.WaitStatus
}

// IsParasiteTrap reports whether this stop is the SIGTRAP+ARCH_SI_TRAP the
// remote syscall executor (spec §4.3 step 4) is waiting for.
func (w WaitResult) IsParasiteTrap() bool {
	return w.Kind == StopTrap && w.Signal == unix.SIGTRAP && w.SiCode == archSITrap
}

// Tracee is a single ptrace-attached task (thread), identified by its tid.
type Tracee struct {
	Tid int
}

// Attach performs PTRACE_ATTACH against tid and waits for the initial stop.
func Attach(tid int) (*Tracee, error) {
	if err := unix.PtraceAttach(tid); err != nil {
		return nil, classifyErrno(err)
	}
	t := &Tracee{Tid: tid}
	var status unix.WaitStatus
	if _, err := unix.Wait4(tid, &status, 0, nil); err != nil {
		return nil, fmt.Errorf("waiting for initial stop of %d: %w", tid, err)
	}
	return t, nil
}

// Seize performs PTRACE_SEIZE, which attaches without stopping the task and
// without the SIGSTOP-based synchronization PTRACE_ATTACH uses. Used when
// the controller wants to interrupt the task itself rather than rely on a
// pre-existing stop.
func Seize(tid int) (*Tracee, error) {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceSeize, uintptr(tid), 0, uintptr(ptraceOSeizeDefault), 0, 0)
	if errno != 0 {
		return nil, classifyErrno(errno)
	}
	return &Tracee{Tid: tid}, nil
}

// Detach performs PTRACE_DETACH, resuming the task with the given signal
// (0 for none) and ending tracing.
func (t *Tracee) Detach(sig unix.Signal) error {
	// Issued raw because unix.PtraceDetach takes no signal argument.
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(t.Tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return classifyErrno(errno)
	}
	return nil
}

// Interrupt issues PTRACE_INTERRUPT, used by the signal-rewind protocol
// (spec §4.3) to force a group-stop after restoring original registers.
func (t *Tracee) Interrupt() error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceInterrupt, uintptr(t.Tid), 0, 0, 0, 0)
	if errno != 0 {
		return classifyErrno(errno)
	}
	return nil
}

// Cont issues PTRACE_CONT, optionally re-delivering the given signal (0 for
// none) to the tracee as it resumes.
func (t *Tracee) Cont(sig unix.Signal) error {
	if err := unix.PtraceCont(t.Tid, int(sig)); err != nil {
		return classifyErrno(err)
	}
	return nil
}

// Wait blocks in waitpid for this tracee and classifies the resulting stop.
func (t *Tracee) Wait() (WaitResult, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(t.Tid, &status, unix.WALL, nil)
	if err != nil {
		return WaitResult{}, fmt.Errorf("wait4(%d): %w", t.Tid, err)
	}
	if pid != t.Tid {
		return WaitResult{}, fmt.Errorf("%w: waited for %d, got %d", crerr.ErrBusy, t.Tid, pid)
	}

	if status.Exited() || status.Signaled() {
		return WaitResult{Kind: StopExited, Status: status}, nil
	}
	if !status.Stopped() {
		return WaitResult{Kind: StopUnknown, Status: status}, nil
	}

	sig := status.StopSignal()
	siCode, siSignal, siErr := t.getSigInfo()
	res := WaitResult{Signal: sig, Status: status}
	if siErr == nil {
		res.SiCode = siCode
		res.SiSignal = siSignal
	}

	switch {
	case sig == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_STOP:
		res.Kind = StopGroupStop
	case sig == unix.SIGTRAP:
		res.Kind = StopTrap
	default:
		res.Kind = StopSignal
	}
	return res, nil
}

// getSigInfo issues PTRACE_GETSIGINFO and pulls out the two fields the
// executor cares about: si_code and si_signo. The siginfo_t layout is
// {signo int32; errno int32; code int32; ...}; only the leading fields are
// read, which is stable across kernel versions for this purpose.
func (t *Tracee) getSigInfo() (code int32, signo int32, err error) {
	var buf [128]byte
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSigInfo, uintptr(t.Tid), 0, uintptr(unsafe.Pointer(&buf)), 0, 0)
	if errno != 0 {
		return 0, 0, classifyErrno(errno)
	}
	signo = int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
	code = int32(buf[8]) | int32(buf[9])<<8 | int32(buf[10])<<16 | int32(buf[11])<<24
	return code, signo, nil
}

// GetRegs reads the tracee's general-purpose registers.
func (t *Tracee) GetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceGetRegs(t.Tid, regs); err != nil {
		return classifyErrno(err)
	}
	return nil
}

// SetRegs writes the tracee's general-purpose registers.
func (t *Tracee) SetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(t.Tid, regs); err != nil {
		return classifyErrno(err)
	}
	return nil
}

// PeekBytes reads len(out) bytes starting at addr in the tracee's address
// space. Implemented word-granular under the hood by PTRACE_PEEKDATA, as
// spec §4.1 requires.
func (t *Tracee) PeekBytes(addr uintptr, out []byte) error {
	n, err := unix.PtracePeekData(t.Tid, addr, out)
	if err != nil {
		return classifyErrno(err)
	}
	if n != len(out) {
		return fmt.Errorf("%w: peeked %d/%d bytes", crerr.ErrTruncated, n, len(out))
	}
	return nil
}

// PokeBytes writes data into the tracee's address space starting at addr.
func (t *Tracee) PokeBytes(addr uintptr, data []byte) error {
	n, err := unix.PtracePokeData(t.Tid, addr, data)
	if err != nil {
		return classifyErrno(err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: poked %d/%d bytes", crerr.ErrTruncated, n, len(data))
	}
	return nil
}

func classifyErrno(err error) error {
	errno, ok := err.(unix.Errno)
	if !ok {
		return err
	}
	switch errno {
	case unix.ESRCH:
		return fmt.Errorf("%w: %v", crerr.ErrVictimGone, errno)
	case unix.EPERM:
		return fmt.Errorf("%w: %v", crerr.ErrPtraceDenied, errno)
	default:
		return errno
	}
}
