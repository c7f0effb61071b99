// Package victim inspects a ptrace-stopped task's address space: parsing
// /proc/<pid>/maps into an ordered VMA list and picking a syscall-capable
// executable VMA for the parasite transport to inject into (spec §4.2).
package victim

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/btree"
)

// BackingKind describes what backs a VMA.
type BackingKind int

const (
	// BackingAnon is a private or shared anonymous mapping.
	BackingAnon BackingKind = iota
	// BackingFile is a file-backed mapping.
	BackingFile
	// BackingVDSO is the kernel's vdso mapping.
	BackingVDSO
	// BackingVVar is the kernel's vvar mapping.
	BackingVVar
)

// VMA is one contiguous mapping in the victim's address space, immutable
// for the duration of one dump.
type VMA struct {
	Start, End uintptr
	Read       bool
	Write      bool
	Exec       bool
	Shared     bool
	Backing    BackingKind
	Path       string
	// FilePrivate is true for a private file-backed mapping, which the
	// page dumper treats specially: pages still identical to the backing
	// file don't need to be dumped (spec §4.6).
	FilePrivate bool
}

// Len returns the VMA's length in bytes.
func (v VMA) Len() uintptr { return v.End - v.Start }

// vmaItem implements btree.Item ordering VMAs by start address, so the
// inspector's "first executable VMA below TASK_SIZE" query visits mappings
// in ascending address order and stops at the first match.
type vmaItem struct{ VMA }

func (a vmaItem) Less(than btree.Item) bool {
	return a.Start < than.(vmaItem).Start
}

// List is an ordered collection of VMAs for one task.
type List struct {
	tree *btree.BTree
	all  []VMA
}

// NewList builds an empty VMA list.
func NewList() *List {
	return &List{tree: btree.New(32)}
}

// Add inserts v into the list, keeping it ordered by start address.
func (l *List) Add(v VMA) {
	l.tree.ReplaceOrInsert(vmaItem{v})
	l.all = append(l.all, v)
}

// All returns every VMA in ascending start-address order.
func (l *List) All() []VMA {
	out := make([]VMA, 0, l.tree.Len())
	l.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(vmaItem).VMA)
		return true
	})
	return out
}

// taskSize64 is TASK_SIZE for a 64-bit process: the maximum userspace
// address on x86-64/arm64.
const taskSize64 = uintptr(1) << 47

// The length, in bytes, of the native syscall instruction the remote
// syscall executor swaps into the victim (spec §4.3 step 1) is not defined
// here. On x86-64 and arm64 a single syscall/svc instruction is 2 or 4
// bytes; callers pass the architecture-specific value in as
// FindSyscallVMA's opLen so this package stays arch-agnostic.

// FindSyscallVMA returns the first executable VMA below TASK_SIZE whose
// [start, end-opLen) interval is nonempty — i.e. has enough room at its
// start address to host a syscall opcode of opLen bytes without crossing
// the VMA's end. This matches original_source/parasite-syscall.c's
// get_vma_by_ip/can_run_syscall/syscall_fits_vma_area, generalized from
// "VMA containing the current IP" to "first candidate VMA", since the
// controller is free to choose any suitable site rather than being pinned
// to the instruction pointer it happened to observe.
func (l *List) FindSyscallVMA(opLen uintptr) (VMA, bool) {
	var found VMA
	ok := false
	l.tree.Ascend(func(it btree.Item) bool {
		v := it.(vmaItem).VMA
		if v.Start >= taskSize64 {
			return true
		}
		if !v.Exec {
			return true
		}
		if canRunSyscall(v.Start, v.Start, v.End, opLen) {
			found = v
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

func canRunSyscall(ip, start, end, opLen uintptr) bool {
	if end < opLen {
		return false
	}
	return ip >= start && ip < end-opLen
}

// ParseMaps parses the contents of /proc/<pid>/maps (in the kernel's
// standard textual format) into a List.
func ParseMaps(pid int) (*List, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("opening maps for pid %d: %w", pid, err)
	}
	defer f.Close()
	return parseMapsReader(f)
}

func parseMapsReader(f *os.File) (*List, error) {
	l := NewList()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		l.Add(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading maps: %w", err)
	}
	return l, nil
}

// parseMapsLine parses one line of the form:
//
//	00400000-00401000 r-xp 00000000 08:01 123456  /bin/cat
func parseMapsLine(line string) (VMA, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return VMA{}, fmt.Errorf("malformed maps line %q", line)
	}

	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return VMA{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return VMA{}, fmt.Errorf("parsing start address %q: %w", rng[0], err)
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return VMA{}, fmt.Errorf("parsing end address %q: %w", rng[1], err)
	}

	perms := fields[1]
	v := VMA{
		Start:  uintptr(start),
		End:    uintptr(end),
		Read:   strings.Contains(perms, "r"),
		Write:  strings.Contains(perms, "w"),
		Exec:   strings.Contains(perms, "x"),
		Shared: strings.Contains(perms, "s"),
	}

	if len(fields) >= 6 {
		path := fields[5]
		v.Path = path
		switch path {
		case "[vdso]":
			v.Backing = BackingVDSO
		case "[vvar]":
			v.Backing = BackingVVar
		default:
			v.Backing = BackingFile
		}
	} else {
		v.Backing = BackingAnon
	}
	if v.Backing == BackingFile && !v.Shared {
		v.FilePrivate = true
	}

	return v, nil
}
