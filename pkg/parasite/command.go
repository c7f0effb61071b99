// Package parasite drives the injected-code protocol: mapping a shared
// transport into the victim, copying in a parasite blob, and dispatching
// commands that run inside the victim's own address space (spec §4.4,
// §4.5). It is the Go-idiomatic analogue of original_source/parasite-syscall.c,
// restructured around an explicit ControlBlock value instead of a global
// ctl pointer, in the style of gVisor's subprocess/Thread split in
// pkg/sentry/platform/ptrace.
package parasite

// Command identifies one parasite command, dispatched by writing its value
// into the control block's remote command slot (spec §4.5).
type Command uint32

const (
	CmdInit Command = iota + 1
	CmdInitThread
	CmdFiniThread
	CmdFini
	CmdCfgLog
	CmdDumpSigacts
	CmdDumpItimers
	CmdDumpCreds
	CmdDumpTTY
	CmdDumpMisc
	CmdDumpThread
	CmdDumpPages
	CmdDrainFds
	CmdGetProcFD
)

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "INIT"
	case CmdInitThread:
		return "INIT_THREAD"
	case CmdFiniThread:
		return "FINI_THREAD"
	case CmdFini:
		return "FINI"
	case CmdCfgLog:
		return "CFG_LOG"
	case CmdDumpSigacts:
		return "DUMP_SIGACTS"
	case CmdDumpItimers:
		return "DUMP_ITIMERS"
	case CmdDumpCreds:
		return "DUMP_CREDS"
	case CmdDumpTTY:
		return "DUMP_TTY"
	case CmdDumpMisc:
		return "DUMP_MISC"
	case CmdDumpThread:
		return "DUMP_THREAD"
	case CmdDumpPages:
		return "DUMPPAGES"
	case CmdDrainFds:
		return "DRAIN_FDS"
	case CmdGetProcFD:
		return "GET_PROC_FD"
	default:
		return "UNKNOWN"
	}
}

// signalMax bounds the DUMP_SIGACTS array: one record per signal number,
// matching the kernel's _NSIG.
const signalMax = 64

// Sigaction is one signal disposition as DUMP_SIGACTS reports it.
type Sigaction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// ItimerVal mirrors struct itimerval's two timeval pairs.
type ItimerVal struct {
	IntervalSec, IntervalUsec int64
	ValueSec, ValueUsec       int64
}

// Itimers is the DUMP_ITIMERS payload: real, virtual and profiling timers.
type Itimers struct {
	Real, Virtual, Prof ItimerVal
}

// Creds is the DUMP_CREDS payload. Groups is decoded into a freshly
// allocated slice, so it stays valid after later commands overwrite the
// parasite's argument buffer.
type Creds struct {
	Securebits uint32
	Groups     []uint32
}

// TTYInfo is the DUMP_TTY payload.
type TTYInfo struct {
	Pgrp, Sid        int32
	SidIsMigrated    bool
	Termios          [1]uint64 // opaque raw termios snapshot
	HasLockedTermios bool

	// Rows/Cols supplement the parasite-reported fields with the
	// window size read host-side off the drained tty fd (SPEC_FULL §2).
	Rows, Cols int
}

// MiscInfo is the DUMP_MISC payload: victim-observable identifiers that
// aren't reachable from /proc alone.
type MiscInfo struct {
	Pid, Ppid, SID, PGID int32
	ExeGeneration        uint32
}

// ThreadInfo is the per-thread DUMP_THREAD payload.
type ThreadInfo struct {
	Tid          int32
	BlockedSigs  uint64
	TidAddress   uint64
	TLS          uint64
}
