package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/restorepoint/crcore/internal/config"
	"github.com/restorepoint/crcore/pkg/image"
	"github.com/restorepoint/crcore/pkg/miscinfo"
	"github.com/restorepoint/crcore/pkg/pagedump"
	"github.com/restorepoint/crcore/pkg/parasite"
	"github.com/restorepoint/crcore/pkg/rptrace"
	"github.com/restorepoint/crcore/pkg/sockdiag"
	"github.com/restorepoint/crcore/pkg/sockets"
	"github.com/restorepoint/crcore/pkg/victim"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// dumpArgsSize bounds the parasite's command-argument scratch area; it must
// be large enough for the biggest single command payload this core issues
// (the page-pipe iovec array).
const dumpArgsSize = 64 << 10

// dumpCmd implements the "dump" subcommand: checkpoint a running process
// into an image directory (spec's dump data flow, §2).
type dumpCmd struct {
	pid      int
	blobPath string
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "checkpoint a running process into an image directory" }
func (*dumpCmd) Usage() string {
	return "dump -pid <pid> -blob <parasite-blob-path> [flags]\n"
}

func (c *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.pid, "pid", 0, "pid of the victim process")
	f.StringVar(&c.blobPath, "blob", "", "path to the compiled parasite code blob (omit to use the non-functional stub, for smoke testing the transport only)")
}

func (c *dumpCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	if c.pid <= 0 {
		fmt.Fprintln(os.Stderr, "dump: -pid is required")
		return subcommands.ExitUsageError
	}

	if err := runDump(ctx, cfg, c.pid, c.blobPath); err != nil {
		logrus.WithField("pid", c.pid).Errorf("dump failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func runDump(ctx context.Context, cfg *config.Config, pid int, blobPath string) error {
	log := logrus.WithField("pid", pid)

	vmas, err := victim.ParseMaps(pid)
	if err != nil {
		return fmt.Errorf("reading victim's maps: %w", err)
	}

	tracee, err := rptrace.Seize(pid)
	if err != nil {
		return fmt.Errorf("seizing victim: %w", err)
	}
	defer tracee.Detach(0)

	blob := parasite.StubBlob()
	if blobPath != "" {
		blob, err = parasite.LoadBlobFile(blobPath)
		if err != nil {
			return fmt.Errorf("loading parasite blob: %w", err)
		}
	} else {
		log.Warn("no -blob given; using the non-functional stub blob, command dispatch will not run real handlers")
	}

	ctl, err := parasite.Infect(tracee, vmas, blob, dumpArgsSize)
	if err != nil {
		return fmt.Errorf("infecting victim: %w", err)
	}
	defer func() {
		if cureErr := ctl.Cure(); cureErr != nil {
			log.Errorf("curing control block: %v", cureErr)
		}
	}()

	logSink, err := parasite.OpenLogSink(ctx, fmt.Sprintf("%s/parasite-%d.log", cfg.ImageDir, pid))
	if err != nil {
		return fmt.Errorf("opening parasite log sink: %w", err)
	}
	defer logSink.Close()

	logFD, err := logSink.WriterFD()
	if err != nil {
		return fmt.Errorf("opening log fifo write end: %w", err)
	}
	if err := ctl.Init(logFD, uint32(logrus.GetLevel()), nil); err != nil {
		unix.Close(logFD)
		return fmt.Errorf("PARASITE_CMD_INIT: %w", err)
	}
	unix.Close(logFD)

	dir, err := image.OpenDir(cfg.ImageDir)
	if err != nil {
		return fmt.Errorf("opening image directory: %w", err)
	}
	defer dir.Close()

	metadata := map[string]string{"pid": strconv.Itoa(pid), "tool": "crcore"}

	if err := dumpSigacts(ctl, dir, metadata); err != nil {
		return err
	}
	if err := dumpItimers(ctl, dir, metadata); err != nil {
		return err
	}
	if err := dumpCreds(ctl, dir, metadata); err != nil {
		return err
	}
	if err := dumpMiscAndCgroup(ctl, pid, dir, metadata); err != nil {
		return err
	}
	if err := dumpThread(ctl, dir, metadata); err != nil {
		return err
	}
	if err := dumpSockets(ctl, dir, metadata); err != nil {
		return err
	}
	if err := dumpPages(ctl, pid, vmas, dir, metadata, cfg.PagePipeSegments); err != nil {
		return err
	}

	if err := ctl.Fini(); err != nil {
		log.Warnf("PARASITE_CMD_FINI: %v", err)
	}

	return nil
}

func dumpSigacts(ctl *parasite.ControlBlock, dir *image.Dir, metadata map[string]string) error {
	sigacts, err := ctl.DumpSigacts()
	if err != nil {
		return fmt.Errorf("dumping sigacts: %w", err)
	}
	w, err := dir.Create(image.Kind("sigact"), metadata)
	if err != nil {
		return fmt.Errorf("creating sigact image: %w", err)
	}
	defer w.Close()
	for _, sa := range sigacts {
		rec := make([]byte, 32)
		putU64(rec[0:8], sa.Handler)
		putU64(rec[8:16], sa.Flags)
		putU64(rec[16:24], sa.Restorer)
		putU64(rec[24:32], sa.Mask)
		if err := w.WriteRecord(rec); err != nil {
			return fmt.Errorf("writing sigact record: %w", err)
		}
	}
	return nil
}

func dumpItimers(ctl *parasite.ControlBlock, dir *image.Dir, metadata map[string]string) error {
	it, err := ctl.DumpItimers()
	if err != nil {
		return fmt.Errorf("dumping itimers: %w", err)
	}
	w, err := dir.Create(image.Kind("itimers"), metadata)
	if err != nil {
		return fmt.Errorf("creating itimers image: %w", err)
	}
	defer w.Close()
	for _, v := range []parasite.ItimerVal{it.Real, it.Virtual, it.Prof} {
		rec := make([]byte, 32)
		putU64(rec[0:8], uint64(v.IntervalSec))
		putU64(rec[8:16], uint64(v.IntervalUsec))
		putU64(rec[16:24], uint64(v.ValueSec))
		putU64(rec[24:32], uint64(v.ValueUsec))
		if err := w.WriteRecord(rec); err != nil {
			return fmt.Errorf("writing itimer record: %w", err)
		}
	}
	return nil
}

func dumpCreds(ctl *parasite.ControlBlock, dir *image.Dir, metadata map[string]string) error {
	const maxGroups = 256
	creds, err := ctl.DumpCreds(maxGroups)
	if err != nil {
		return fmt.Errorf("dumping creds: %w", err)
	}
	groups := append([]uint32(nil), creds.Groups...) // copy out before the control block handles another command

	var caps parasite.CapabilitySets
	if procFD, procErr := ctl.GetProcFD(); procErr == nil {
		caps, _ = parasite.ReadCapabilities(procFD)
		unix.Close(procFD)
	}

	w, err := dir.Create(image.Kind("creds"), metadata)
	if err != nil {
		return fmt.Errorf("creating creds image: %w", err)
	}
	defer w.Close()

	rec := make([]byte, 4+4+4+8+8+8+len(groups)*4)
	putU32(rec[0:4], creds.Securebits)
	putU32(rec[4:8], uint32(len(groups)))
	putU32(rec[8:12], 0) // reserved, keeps the header 4-aligned before the 64-bit capability fields
	putU64(rec[12:20], caps.Effective)
	putU64(rec[20:28], caps.Permitted)
	putU64(rec[28:36], caps.Inheritable)
	for i, g := range groups {
		putU32(rec[36+i*4:40+i*4], g)
	}
	return w.WriteRecord(rec)
}

func dumpMiscAndCgroup(ctl *parasite.ControlBlock, pid int, dir *image.Dir, metadata map[string]string) error {
	misc, err := ctl.DumpMisc()
	if err != nil {
		return fmt.Errorf("dumping misc: %w", err)
	}
	cgroupPaths, err := miscinfo.ReadCgroupPaths(pid)
	if err != nil {
		logrus.WithField("pid", pid).Warnf("reading cgroup paths: %v", err)
	}

	w, err := dir.Create(image.Kind("misc"), metadata)
	if err != nil {
		return fmt.Errorf("creating misc image: %w", err)
	}
	defer w.Close()

	rec := make([]byte, 20)
	putU32(rec[0:4], uint32(misc.Pid))
	putU32(rec[4:8], uint32(misc.Ppid))
	putU32(rec[8:12], uint32(misc.SID))
	putU32(rec[12:16], uint32(misc.PGID))
	putU32(rec[16:20], misc.ExeGeneration)
	if err := w.WriteRecord(rec); err != nil {
		return fmt.Errorf("writing misc record: %w", err)
	}
	for subsys, path := range cgroupPaths {
		if err := w.WriteRecord([]byte(subsys + "=" + path)); err != nil {
			return fmt.Errorf("writing cgroup path record: %w", err)
		}
	}
	return nil
}

func dumpThread(ctl *parasite.ControlBlock, dir *image.Dir, metadata map[string]string) error {
	th, err := ctl.DumpThread()
	if err != nil {
		return fmt.Errorf("dumping thread: %w", err)
	}
	w, err := dir.Create(image.Kind("thread"), metadata)
	if err != nil {
		return fmt.Errorf("creating thread image: %w", err)
	}
	defer w.Close()

	rec := make([]byte, 28)
	putU32(rec[0:4], uint32(th.Tid))
	putU64(rec[4:12], th.BlockedSigs)
	putU64(rec[12:20], th.TidAddress)
	putU64(rec[20:28], th.TLS)
	return w.WriteRecord(rec)
}

// queuedPacket is one UNIX socket's drained receive-queue payload, keyed
// by the inode whose queue it came off of (spec §4.8: id_for names the
// socket the bytes are ultimately destined for, replayed into it once its
// connect/accept phase reconnects it to the matching peer).
type queuedPacket struct {
	ino     uint32
	payload []byte
}

func dumpSockets(ctl *parasite.ControlBlock, dir *image.Dir, metadata map[string]string) error {
	tables, err := sockdiag.CollectAll()
	if err != nil {
		return fmt.Errorf("collecting sockets: %w", err)
	}

	unixEntries, inetEntries, queued, err := collectSocketEntries(ctl, tables)
	if err != nil {
		return fmt.Errorf("classifying victim sockets: %w", err)
	}

	uw, err := dir.Create(image.Kind("sk-unix"), metadata)
	if err != nil {
		return fmt.Errorf("creating sk-unix image: %w", err)
	}
	defer uw.Close()
	for _, e := range unixEntries {
		if err := uw.WriteRecord(e.Marshal()); err != nil {
			return fmt.Errorf("writing unix socket record: %w", err)
		}
	}

	iw, err := dir.Create(image.Kind("sk-inet"), metadata)
	if err != nil {
		return fmt.Errorf("creating sk-inet image: %w", err)
	}
	defer iw.Close()
	for _, e := range inetEntries {
		if err := iw.WriteRecord(e.Marshal()); err != nil {
			return fmt.Errorf("writing inet socket record: %w", err)
		}
	}

	qw, err := dir.Create(image.Kind("sk-queues"), metadata)
	if err != nil {
		return fmt.Errorf("creating sk-queues image: %w", err)
	}
	defer qw.Close()
	for _, q := range queued {
		if err := writeQueuedPacket(qw, q); err != nil {
			return fmt.Errorf("writing queued packet for inode %d: %w", q.ino, err)
		}
	}
	return nil
}

// writeQueuedPacket appends one packet-pool record followed immediately by
// its raw payload. The record's ImageOffset is computed before either is
// written, since PacketPoolEntry.Marshal() is always exactly 20 bytes and
// WriteRecord's length prefix is always 4, so the payload's landing spot is
// known in advance (spec §3 "Packet pool": {id_for, length, image_offset}).
func writeQueuedPacket(w *image.Writer, q queuedPacket) error {
	const recordFrameSize = 4 + 20
	cur, err := w.Offset()
	if err != nil {
		return err
	}
	entry := &sockets.PacketPoolEntry{
		IDFor:       q.ino,
		Length:      int64(len(q.payload)),
		ImageOffset: cur + recordFrameSize,
	}
	if err := w.WriteRecord(entry.Marshal()); err != nil {
		return fmt.Errorf("writing packet pool record: %w", err)
	}
	return w.WriteBytes(q.payload)
}

// collectSocketEntries drains every fd the victim currently has open and
// classifies the socket ones against the collected sock-diag tables (spec
// §4.8). Non-socket fds are closed immediately; this core only cares about
// sockets. A UNIX socket that isn't a listener and still has queued receive
// data is drained into a packet-pool entry before its drained fd is closed.
func collectSocketEntries(ctl *parasite.ControlBlock, tables *sockdiag.Tables) ([]*sockets.UnixEntry, []*sockets.InetEntry, []queuedPacket, error) {
	fdEntries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", ctl.Pid))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listing victim fds: %w", err)
	}

	var victimFDs []int
	for _, de := range fdEntries {
		n, convErr := strconv.Atoi(de.Name())
		if convErr != nil {
			continue
		}
		victimFDs = append(victimFDs, n)
	}
	if len(victimFDs) == 0 {
		return nil, nil, nil, nil
	}

	drained, err := ctl.DrainFDs(victimFDs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("draining victim fds: %w", err)
	}

	var unixEntries []*sockets.UnixEntry
	var inetEntries []*sockets.InetEntry
	var queued []queuedPacket
	for _, fd := range drained {
		isSock, statErr := sockets.IsSocketFD(fd, fstatfsMagic)
		if statErr != nil || !isSock {
			unix.Close(fd)
			continue
		}
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			continue
		}
		ino := uint32(st.Ino)
		switch {
		case tables.Unix[ino] != nil:
			sk := tables.Unix[ino]
			e, dumpErr := sockets.DumpUnix(fd, sk, tables)
			if dumpErr != nil {
				unix.Close(fd)
				return nil, nil, nil, dumpErr
			}
			if e != nil {
				unixEntries = append(unixEntries, e)
				if e.State != sockets.StateListen && sk.RQueue != 0 {
					payload, drainErr := sockets.DrainQueuedData(fd, sk.RQueue)
					if drainErr != nil {
						unix.Close(fd)
						return nil, nil, nil, drainErr
					}
					queued = append(queued, queuedPacket{ino: sk.Ino, payload: payload})
				}
			}
			unix.Close(fd)
		case tables.Inet[ino] != nil:
			e, dumpErr := sockets.DumpInet(fd, tables.Inet[ino])
			if dumpErr != nil {
				unix.Close(fd)
				return nil, nil, nil, dumpErr
			}
			if e != nil {
				inetEntries = append(inetEntries, e)
			}
			unix.Close(fd)
		default:
			unix.Close(fd)
		}
	}
	return unixEntries, inetEntries, queued, nil
}

func fstatfsMagic(fd int) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return 0, err
	}
	return uint64(st.Type), nil
}

func dumpPages(ctl *parasite.ControlBlock, pid int, vmas *victim.List, dir *image.Dir, metadata map[string]string, pagePipeSegments int) error {
	maxIovsPerBuf := 64
	if pagePipeSegments > 0 {
		maxIovsPerBuf = pagePipeSegments
	}
	// DUMPPAGES writes a 16-byte header plus 16 bytes per iovec into the args area.
	if 16+maxIovsPerBuf*16 > dumpArgsSize {
		return fmt.Errorf("page_pipe_segments %d does not fit the %d-byte parasite args area", maxIovsPerBuf, dumpArgsSize)
	}

	pagemap, err := os.Open(fmt.Sprintf("/proc/%d/pagemap", pid))
	if err != nil {
		return fmt.Errorf("opening pagemap: %w", err)
	}
	defer pagemap.Close()

	const maxPagesPerBuf = 1024
	pp := pagedump.NewPipe(maxIovsPerBuf, maxPagesPerBuf)
	defer pp.Close()

	for _, vma := range vmas.All() {
		if !pagedump.IsPrivatelyDumpable(vma) {
			continue
		}
		addrs, err := pagedump.CandidateAddrs(pagemap, vma)
		if err != nil {
			return fmt.Errorf("scanning pagemap for vma %#x: %w", vma.Start, err)
		}
		for _, a := range addrs {
			if err := pp.AddPage(a); err != nil {
				return fmt.Errorf("batching page %#x: %w", a, err)
			}
		}
	}

	w, err := dir.Create(image.Kind("pagemap"), metadata)
	if err != nil {
		return fmt.Errorf("creating pagemap image: %w", err)
	}
	defer w.Close()

	return pagedump.Dump(ctl, pp, w)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
