package parasite

import (
	"encoding/binary"
	"fmt"

	"github.com/restorepoint/crcore/internal/crerr"
	"golang.org/x/sys/unix"
)

// Init runs PARASITE_CMD_INIT: dials the tsock (switching network
// namespaces first if ns is non-nil), dispatches INIT, then connects the
// controller side and issues CFG_LOG (spec §4.5).
func (ctl *ControlBlock) Init(logFD int, logLevel uint32, ns NamespaceSwitcher) error {
	var saved SavedNamespace
	if ns != nil {
		s, err := ns.Switch(ctl.Pid)
		if err != nil {
			return fmt.Errorf("%w: %v", crerr.ErrNamespaceSwitch, err)
		}
		saved = s
		defer func() {
			if restoreErr := ns.Restore(saved); restoreErr != nil {
				_ = restoreErr // best-effort; the caller already has the primary error if any
			}
		}()
	}

	sock, err := dialTsock(ctl.Pid)
	if err != nil {
		return fmt.Errorf("dialing tsock: %w", err)
	}
	ctl.tsock = sock

	if _, err := ctl.dispatch(CmdInit); err != nil {
		return fmt.Errorf("PARASITE_CMD_INIT: %w", err)
	}

	if err := ctl.CfgLog(logFD, logLevel); err != nil {
		return fmt.Errorf("configuring parasite log: %w", err)
	}
	return nil
}

// NamespaceSwitcher abstracts switching into a victim's network namespace
// before creating/binding the tsock (spec §4.5, §6 "Namespace switcher").
type NamespaceSwitcher interface {
	Switch(pid int) (SavedNamespace, error)
	Restore(saved SavedNamespace) error
}

// SavedNamespace is opaque state a NamespaceSwitcher needs to restore the
// controller's own namespace after a switch.
type SavedNamespace struct {
	FD int
}

// CfgLog dispatches PARASITE_CMD_CFG_LOG, sending the log fd and level
// over tsock immediately after init (spec §4.5).
func (ctl *ControlBlock) CfgLog(logFD int, level uint32) error {
	args := ctl.localView(ctl.addrArgs, 4)
	binary.LittleEndian.PutUint32(args, level)
	if err := ctl.tsock.sendFD(logFD, nil); err != nil {
		return fmt.Errorf("sending log fd over tsock: %w", err)
	}
	_, err := ctl.dispatch(CmdCfgLog)
	return err
}

// InitThread runs PARASITE_CMD_INIT_THREAD against a non-leader thread
// (spec §4.5 "Thread enrolment"). The caller is responsible for having
// switched the control block's tracee to tid first.
func (ctl *ControlBlock) InitThread(tid int) error {
	args := ctl.localView(ctl.addrArgs, 4)
	binary.LittleEndian.PutUint32(args, uint32(tid))
	_, err := ctl.dispatch(CmdInitThread)
	return err
}

// FiniThread runs PARASITE_CMD_FINI_THREAD. Best-effort on rollback: a
// caller unwinding a partially-initialized control block must tolerate
// ErrVictimGone-shaped "no such thread" results without aborting the
// fini loop (spec §4.5).
func (ctl *ControlBlock) FiniThread(tid int) error {
	args := ctl.localView(ctl.addrArgs, 4)
	binary.LittleEndian.PutUint32(args, uint32(tid))
	_, err := ctl.dispatch(CmdFiniThread)
	return err
}

// Fini runs PARASITE_CMD_FINI, the last command issued before Cure.
func (ctl *ControlBlock) Fini() error {
	_, err := ctl.dispatch(CmdFini)
	return err
}

// DumpSigacts runs PARASITE_CMD_DUMP_SIGACTS and decodes the fixed-size
// signalMax array of sigaction records out of addr_args.
func (ctl *ControlBlock) DumpSigacts() ([signalMax]Sigaction, error) {
	var out [signalMax]Sigaction
	if _, err := ctl.dispatch(CmdDumpSigacts); err != nil {
		return out, fmt.Errorf("PARASITE_CMD_DUMP_SIGACTS: %w", err)
	}
	const recSize = 32
	buf := ctl.localView(ctl.addrArgs, signalMax*recSize)
	for i := range out {
		r := buf[i*recSize:]
		out[i] = Sigaction{
			Handler:  binary.LittleEndian.Uint64(r[0:8]),
			Flags:    binary.LittleEndian.Uint64(r[8:16]),
			Restorer: binary.LittleEndian.Uint64(r[16:24]),
			Mask:     binary.LittleEndian.Uint64(r[24:32]),
		}
	}
	return out, nil
}

// DumpItimers runs PARASITE_CMD_DUMP_ITIMERS.
func (ctl *ControlBlock) DumpItimers() (Itimers, error) {
	if _, err := ctl.dispatch(CmdDumpItimers); err != nil {
		return Itimers{}, fmt.Errorf("PARASITE_CMD_DUMP_ITIMERS: %w", err)
	}
	buf := ctl.localView(ctl.addrArgs, 3*32)
	readOne := func(off int) ItimerVal {
		return ItimerVal{
			IntervalSec:  int64(binary.LittleEndian.Uint64(buf[off+0:])),
			IntervalUsec: int64(binary.LittleEndian.Uint64(buf[off+8:])),
			ValueSec:     int64(binary.LittleEndian.Uint64(buf[off+16:])),
			ValueUsec:    int64(binary.LittleEndian.Uint64(buf[off+24:])),
		}
	}
	return Itimers{
		Real:     readOne(0),
		Virtual:  readOne(32),
		Prof:     readOne(64),
	}, nil
}

// DumpCreds runs PARASITE_CMD_DUMP_CREDS. The group vector is copied out
// of addr_args into the returned Groups slice, capped at maxGroups
// entries.
func (ctl *ControlBlock) DumpCreds(maxGroups int) (Creds, error) {
	if _, err := ctl.dispatch(CmdDumpCreds); err != nil {
		return Creds{}, fmt.Errorf("PARASITE_CMD_DUMP_CREDS: %w", err)
	}
	header := ctl.localView(ctl.addrArgs, 8)
	securebits := binary.LittleEndian.Uint32(header[0:4])
	ngroups := int(binary.LittleEndian.Uint32(header[4:8]))
	if ngroups > maxGroups {
		ngroups = maxGroups
	}
	raw := ctl.localView(ctl.addrArgs+8, uintptr(ngroups*4))
	groups := make([]uint32, ngroups)
	for i := range groups {
		groups[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return Creds{Securebits: securebits, Groups: groups}, nil
}

// DumpTTY runs PARASITE_CMD_DUMP_TTY and decodes the controller-visible
// fields (pgrp/sid/termios). ttyVictimFD, if non-negative, names the
// victim-side fd of the controlling tty; DumpTTY drains it out via
// DRAIN_FDS and reads its window size host-side (SPEC_FULL §2 tty
// supplement), since TIOCGWINSZ is cheaper to issue from the controller's
// own fd than to teach the parasite another ioctl. A drain failure is
// non-fatal: the core DUMP_TTY fields above already succeeded.
func (ctl *ControlBlock) DumpTTY(ttyVictimFD int) (TTYInfo, error) {
	if _, err := ctl.dispatch(CmdDumpTTY); err != nil {
		return TTYInfo{}, fmt.Errorf("PARASITE_CMD_DUMP_TTY: %w", err)
	}
	buf := ctl.localView(ctl.addrArgs, 18)
	info := TTYInfo{
		Pgrp:             int32(binary.LittleEndian.Uint32(buf[0:4])),
		Sid:              int32(binary.LittleEndian.Uint32(buf[4:8])),
		SidIsMigrated:    buf[8] != 0,
		HasLockedTermios: buf[9] != 0,
		Termios:          [1]uint64{binary.LittleEndian.Uint64(buf[10:18])},
	}

	if ttyVictimFD < 0 {
		return info, nil
	}
	drained, err := ctl.DrainFDs([]int{ttyVictimFD})
	if err != nil || len(drained) != 1 {
		return info, nil
	}
	defer unix.Close(drained[0])

	size, err := ReadTTYWinsize(drained[0])
	if err == nil {
		info.Rows, info.Cols = size.Rows, size.Cols
	}
	return info, nil
}

// DumpMisc runs PARASITE_CMD_DUMP_MISC.
func (ctl *ControlBlock) DumpMisc() (MiscInfo, error) {
	if _, err := ctl.dispatch(CmdDumpMisc); err != nil {
		return MiscInfo{}, fmt.Errorf("PARASITE_CMD_DUMP_MISC: %w", err)
	}
	buf := ctl.localView(ctl.addrArgs, 20)
	return MiscInfo{
		Pid:           int32(binary.LittleEndian.Uint32(buf[0:4])),
		Ppid:          int32(binary.LittleEndian.Uint32(buf[4:8])),
		SID:           int32(binary.LittleEndian.Uint32(buf[8:12])),
		PGID:          int32(binary.LittleEndian.Uint32(buf[12:16])),
		ExeGeneration: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// DumpThread runs PARASITE_CMD_DUMP_THREAD for the currently-stopped
// thread (the control block's tracee must already target that tid).
func (ctl *ControlBlock) DumpThread() (ThreadInfo, error) {
	if _, err := ctl.dispatch(CmdDumpThread); err != nil {
		return ThreadInfo{}, fmt.Errorf("PARASITE_CMD_DUMP_THREAD: %w", err)
	}
	buf := ctl.localView(ctl.addrArgs, 28)
	return ThreadInfo{
		Tid:         int32(binary.LittleEndian.Uint32(buf[0:4])),
		BlockedSigs: binary.LittleEndian.Uint64(buf[4:12]),
		TidAddress:  binary.LittleEndian.Uint64(buf[12:20]),
		TLS:         binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// DrainFDs runs PARASITE_CMD_DRAIN_FDS: the parasite sends each named fd
// over tsock in turn (spec §4.5). fds is written into addr_args as a
// length-prefixed uint32 array before dispatch.
func (ctl *ControlBlock) DrainFDs(fds []int) ([]int, error) {
	header := ctl.localView(ctl.addrArgs, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(fds)))
	body := ctl.localView(ctl.addrArgs+4, uintptr(len(fds)*4))
	for i, fd := range fds {
		binary.LittleEndian.PutUint32(body[i*4:], uint32(fd))
	}
	if _, err := ctl.dispatch(CmdDrainFds); err != nil {
		return nil, fmt.Errorf("PARASITE_CMD_DRAIN_FDS: %w", err)
	}
	out := make([]int, 0, len(fds))
	for range fds {
		fd, _, err := ctl.tsock.recvFD(64)
		if err != nil {
			return out, fmt.Errorf("receiving drained fd: %w", err)
		}
		out = append(out, fd)
	}
	return out, nil
}

// GetProcFD runs PARASITE_CMD_GET_PROC_FD: the parasite sends its cached
// /proc/self fd over tsock.
func (ctl *ControlBlock) GetProcFD() (int, error) {
	if _, err := ctl.dispatch(CmdGetProcFD); err != nil {
		return 0, fmt.Errorf("PARASITE_CMD_GET_PROC_FD: %w", err)
	}
	fd, _, err := ctl.tsock.recvFD(64)
	if err != nil {
		return 0, fmt.Errorf("receiving /proc/self fd: %w", err)
	}
	return fd, nil
}

// DumpPagesArgs is one DUMPPAGES call's argument set: the victim-address
// iovec array for this page-pipe buffer, written into addr_args ahead of
// the write end's fd, plus the running segment offset the parasite uses
// to index into its view of the shared iov array (spec §4.6 step 3).
type DumpPagesArgs struct {
	Iovs   []struct{ Base, Len uint64 }
	Off    uint32
	NrPages uint32
}

// DumpPages sends the page-pipe write end to the parasite and invokes
// DUMPPAGES with the iovec array and counts in args; the parasite does
// vmsplice(write_end, iov, nr, ...). Returns the advanced offset to pass
// into the next call for the same dump.
func (ctl *ControlBlock) DumpPages(writeFD int, args DumpPagesArgs) (uint32, error) {
	if err := ctl.tsock.sendFD(writeFD, nil); err != nil {
		return args.Off, fmt.Errorf("sending page-pipe write end: %w", err)
	}

	buf := ctl.localView(ctl.addrArgs, uintptr(8+4+4+len(args.Iovs)*16))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(args.Iovs)))
	binary.LittleEndian.PutUint32(buf[4:8], args.NrPages)
	binary.LittleEndian.PutUint32(buf[8:12], args.Off)
	body := buf[16:]
	for i, iov := range args.Iovs {
		binary.LittleEndian.PutUint64(body[i*16:], iov.Base)
		binary.LittleEndian.PutUint64(body[i*16+8:], iov.Len)
	}

	if _, err := ctl.dispatch(CmdDumpPages); err != nil {
		return args.Off, fmt.Errorf("PARASITE_CMD_DUMPPAGES: %w", err)
	}
	return args.Off + uint32(len(args.Iovs)), nil
}
