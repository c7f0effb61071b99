package parasite

import (
	"encoding/binary"
	"fmt"

	"github.com/restorepoint/crcore/internal/crerr"
	"github.com/restorepoint/crcore/pkg/rptrace"
	"golang.org/x/sys/unix"
)

// execSyscall drives a single remote syscall through the victim (spec
// §4.3). It returns the syscall's result register and, for parity with
// raw syscall conventions elsewhere in this module, an errno-shaped value
// (0 on success) derived from whether the result looks like a negative
// errno.
func (ctl *ControlBlock) execSyscall(nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (uintptr, int) {
	ret, err := ctl.runRemote(ctl.syscallIP, func(regs *unix.PtraceRegs) {
		setSyscallRegsAMD64(regs, nr, a1, a2, a3, a4, a5, a6)
	})
	if err != nil {
		return 0, -1
	}
	if isNegativeErrno(ret) {
		return ret, int(-int64(ret))
	}
	return ret, 0
}

// dispatch runs one parasite command: it writes cmd into the remote
// command slot, lets the caller populate addr_args, then drives the
// victim to parasite_ip and waits for the int3 the handler hits on return
// (spec §4.5).
func (ctl *ControlBlock) dispatch(cmd Command) (uintptr, error) {
	binary.LittleEndian.PutUint32(ctl.localView(ctl.addrCmd, 4), uint32(cmd))
	return ctl.runRemote(ctl.parasiteIP, func(regs *unix.PtraceRegs) {})
}

// runRemote sets up the victim's registers via arm, continues it to
// targetIP, and waits for the ARCH_SI_TRAP stop the injected instruction
// raises, applying signal-rewind for any other stop in between. It
// captures/restores the caller's view of "current registers" per spec
// §4.3 steps 1 and 5.
func (ctl *ControlBlock) runRemote(targetIP uintptr, arm func(regs *unix.PtraceRegs)) (uintptr, error) {
	var orig unix.PtraceRegs
	if err := ctl.tracee.GetRegs(&orig); err != nil {
		return 0, fmt.Errorf("capturing registers before remote call: %w", err)
	}

	for {
		regs := orig
		regs.Rip = uint64(targetIP)
		arm(&regs)
		if err := ctl.tracee.SetRegs(&regs); err != nil {
			return 0, fmt.Errorf("arming remote call: %w", err)
		}
		if err := ctl.tracee.Cont(0); err != nil {
			return 0, fmt.Errorf("continuing into remote call: %w", err)
		}
		res, err := ctl.tracee.Wait()
		if err != nil {
			return 0, fmt.Errorf("waiting for remote call stop: %w", err)
		}

		if res.IsParasiteTrap() {
			var after unix.PtraceRegs
			if err := ctl.tracee.GetRegs(&after); err != nil {
				return 0, fmt.Errorf("reading result registers: %w", err)
			}
			if err := ctl.tracee.SetRegs(&orig); err != nil {
				return 0, fmt.Errorf("restoring caller registers: %w", err)
			}
			return uintptr(after.Rax), nil
		}

		if res.Kind == rptrace.StopExited {
			return 0, crerr.ErrVictimGone
		}

		if ctl.signalsBlocked {
			return 0, fmt.Errorf("%w: stop kind %v while signals blocked", crerr.ErrUnexpectedStop, res.Kind)
		}

		newOrig, err := ctl.signalRewind(orig, res.Signal)
		if err != nil {
			return 0, err
		}
		orig = newOrig
	}
}

// signalRewind implements spec §4.3's signal-rewind protocol: restore the
// original registers, PTRACE_INTERRUPT, PTRACE_CONT with the pending
// signal so the kernel builds a correct frame against the original
// context, then wait for the group-stop. Any other stop in between is
// re-delivered by repeating the loop.
func (ctl *ControlBlock) signalRewind(orig unix.PtraceRegs, pending unix.Signal) (unix.PtraceRegs, error) {
	if err := ctl.tracee.SetRegs(&orig); err != nil {
		return orig, fmt.Errorf("signal-rewind: restoring original registers: %w", err)
	}
	for {
		if err := ctl.tracee.Interrupt(); err != nil {
			return orig, fmt.Errorf("signal-rewind: interrupt: %w", err)
		}
		if err := ctl.tracee.Cont(pending); err != nil {
			return orig, fmt.Errorf("signal-rewind: cont with pending signal: %w", err)
		}
		res, err := ctl.tracee.Wait()
		if err != nil {
			return orig, fmt.Errorf("signal-rewind: wait: %w", err)
		}
		if res.Kind == rptrace.StopGroupStop {
			var after unix.PtraceRegs
			if err := ctl.tracee.GetRegs(&after); err != nil {
				return orig, fmt.Errorf("signal-rewind: reading post-frame registers: %w", err)
			}
			return after, nil
		}
		// Any other stop cause is re-delivered by repeating the process;
		// pending carries forward unchanged since the kernel hasn't
		// consumed it yet.
	}
}

func isNegativeErrno(ret uintptr) bool {
	v := int64(ret)
	return v < 0 && v > -4096
}

// setSyscallRegsAMD64 loads the amd64 syscall calling convention: rax =
// number, rdi/rsi/rdx/r10/r8/r9 = args 1..6.
func setSyscallRegsAMD64(regs *unix.PtraceRegs, nr, a1, a2, a3, a4, a5, a6 uintptr) {
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(a1)
	regs.Rsi = uint64(a2)
	regs.Rdx = uint64(a3)
	regs.R10 = uint64(a4)
	regs.R8 = uint64(a5)
	regs.R9 = uint64(a6)
}
