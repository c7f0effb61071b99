package parasite

import (
	"fmt"
	"os"

	"github.com/mohae/deepcopy"
	"github.com/restorepoint/crcore/internal/crerr"
	"github.com/restorepoint/crcore/pkg/rptrace"
	"github.com/restorepoint/crcore/pkg/victim"
	"golang.org/x/sys/unix"
)

// codeSyscallSize is the length of the native syscall instruction swapped
// into the victim at the chosen site. 2 bytes on amd64 ("syscall"), which
// is the only architecture this package targets.
const codeSyscallSize = 2

var codeSyscallAMD64 = [codeSyscallSize]byte{0x0f, 0x05} // syscall; int3 follows via the trap the kernel raises on return

// ControlBlock is the Go analogue of struct parasite_ctl: everything the
// controller owns for the duration of one ptrace session against one
// victim (spec §3 "Victim control block").
type ControlBlock struct {
	Pid int

	tracee *rptrace.Tracee

	syscallIP  uintptr
	codeOrig   [codeSyscallSize]byte
	savedRegs  unix.PtraceRegs
	haveSaved  bool

	remoteMap uintptr
	localMap  []byte
	mapSize   uintptr

	parasiteIP uintptr
	addrCmd    uintptr // offset into localMap
	addrArgs   uintptr // offset into localMap
	argsSize   uintptr

	tsock *tsock

	signalsBlocked bool

	live bool // true once the syscall opcode has been swapped in
}

// Blob is a loaded parasite code blob (see blob.go): position-independent
// machine code plus the offsets of its three exported symbols.
type Blob struct {
	Code           []byte
	HeadStartOff   uintptr
	CmdOff         uintptr
	ArgsOff        uintptr
}

// Infect runs the parasite transport injection sequence (spec §4.4),
// rolling back whatever it managed to set up if any step fails.
func Infect(tracee *rptrace.Tracee, vmas *victim.List, blob Blob, argsSize uintptr) (ctl *ControlBlock, err error) {
	ctl = &ControlBlock{Pid: tracee.Tid, tracee: tracee, argsSize: argsSize}

	vma, ok := vmas.FindSyscallVMA(codeSyscallSize)
	if !ok {
		return nil, fmt.Errorf("%w: no executable VMA below TASK_SIZE can host a syscall opcode", crerr.ErrInjectionFailed)
	}
	ctl.syscallIP = vma.Start

	// Snapshot the tracee's pristine registers before any risky mutation
	// so a failed rollback mid-injection has a known-good copy to restore
	// from rather than whatever runRemote last left behind.
	var pristine unix.PtraceRegs
	if err = ctl.tracee.GetRegs(&pristine); err != nil {
		return nil, fmt.Errorf("capturing pristine registers: %w", err)
	}
	if snap, ok := deepcopy.Copy(pristine).(unix.PtraceRegs); ok {
		ctl.savedRegs = snap
	} else {
		ctl.savedRegs = pristine
	}
	ctl.haveSaved = true

	defer func() {
		if err != nil {
			if cureErr := ctl.cure(); cureErr != nil {
				err = fmt.Errorf("%w (cure also failed: %v)", err, cureErr)
			}
		}
	}()

	// Step 1: swap in the syscall opcode, remembering the original bytes.
	if err = ctl.tracee.PeekBytes(ctl.syscallIP, ctl.codeOrig[:]); err != nil {
		return nil, fmt.Errorf("reading original bytes at syscall site: %w", err)
	}
	if err = ctl.tracee.PokeBytes(ctl.syscallIP, codeSyscallAMD64[:]); err != nil {
		return nil, fmt.Errorf("installing syscall opcode: %w", err)
	}
	ctl.live = true

	mapSize := pageAlign(uintptr(len(blob.Code))+argsSize, 4096)
	ctl.mapSize = mapSize

	// Step 2: remote mmap via the executor.
	remoteMap, errno := ctl.execSyscall(unix.SYS_MMAP, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_SHARED, ^uintptr(0), 0)
	if errno != 0 {
		return nil, fmt.Errorf("%w: remote mmap: errno %d", crerr.ErrInjectionFailed, errno)
	}
	ctl.remoteMap = remoteMap

	// Step 3: alias the victim's pages locally via map_files.
	mapFilesPath := fmt.Sprintf("/proc/%d/map_files/%x-%x", ctl.Pid, remoteMap, remoteMap+mapSize)
	fd, openErr := os.OpenFile(mapFilesPath, os.O_RDWR, 0)
	if openErr != nil {
		err = fmt.Errorf("opening %s: %w", mapFilesPath, openErr)
		return nil, err
	}
	localMap, mmapErr := unix.Mmap(int(fd.Fd()), 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	fd.Close()
	if mmapErr != nil {
		err = fmt.Errorf("local mmap of %s: %w", mapFilesPath, mmapErr)
		return nil, err
	}
	ctl.localMap = localMap

	// Step 4: copy the blob in.
	copy(ctl.localMap, blob.Code)

	// Step 5: resolve exported symbols.
	ctl.parasiteIP = remoteMap + blob.HeadStartOff
	ctl.addrCmd = blob.CmdOff
	ctl.addrArgs = blob.ArgsOff

	return ctl, nil
}

func pageAlign(n, pageSize uintptr) uintptr {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// cure reverses the injection sequence 4→3→2→1, tolerating individual
// failures but reporting an aggregate error (spec §4.4 Teardown).
func (ctl *ControlBlock) cure() error {
	var errs []error

	if ctl.tsock != nil {
		if err := ctl.tsock.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tsock: %w", err))
		}
		ctl.tsock = nil
	}

	if ctl.localMap != nil {
		if err := unix.Munmap(ctl.localMap); err != nil {
			errs = append(errs, fmt.Errorf("unmapping local view: %w", err))
		}
		ctl.localMap = nil
	}

	if ctl.remoteMap != 0 {
		if _, errno := ctl.execSyscall(unix.SYS_MUNMAP, ctl.remoteMap, ctl.mapSize, 0, 0, 0, 0); errno != 0 {
			errs = append(errs, fmt.Errorf("remote munmap: errno %d", errno))
		}
		ctl.remoteMap = 0
	}

	if ctl.live {
		if err := ctl.tracee.PokeBytes(ctl.syscallIP, ctl.codeOrig[:]); err != nil {
			errs = append(errs, fmt.Errorf("restoring original syscall-site bytes: %w", err))
		}
		ctl.live = false
	}

	if ctl.haveSaved {
		if err := ctl.tracee.SetRegs(&ctl.savedRegs); err != nil {
			errs = append(errs, fmt.Errorf("restoring pristine registers: %w", err))
		}
		ctl.haveSaved = false
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "cure: "
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Cure is the exported form of cure, called once the controller is done
// with the victim (normal teardown, not error rollback).
func (ctl *ControlBlock) Cure() error { return ctl.cure() }

// IsLive reports invariant (a) from spec §3: the syscall opcode is
// installed iff the control block is live.
func (ctl *ControlBlock) IsLive() bool { return ctl.live }

// localView returns the locally-mapped bytes starting at off, a
// convenience matching the spec's (RemotePtr, LocalView) pairing — only
// LocalView supports load/store in the controller.
func (ctl *ControlBlock) localView(off, n uintptr) []byte {
	return ctl.localMap[off : off+n]
}
