// Package pagedump collects the live pages of a victim's private memory
// through the parasite's vmsplice path (spec §4.6). The controller cannot
// usefully read private/COW pages on its own — only the victim can splice
// its live view without breaking copy-on-write sharing — so this package
// builds a page-pipe of candidate addresses and drives DUMPPAGES to have
// the parasite splice them out.
package pagedump

import (
	"fmt"
	"io"
	"os"

	"github.com/restorepoint/crcore/internal/crerr"
	"github.com/restorepoint/crcore/pkg/victim"
)

const pageSize = 4096

// PagemapEntrySize is the width of one /proc/<pid>/pagemap entry. This is
// a kernel-ABI assumption (the format has been stable since its
// introduction) rather than something probed at runtime — there is no
// portable way to ask the kernel for its pagemap entry width, so it is a
// named constant instead of a magic number scattered through the reader.
const PagemapEntrySize = 8

const (
	pmePresent = uint64(1) << 63
	pmeSwap    = uint64(1) << 62
	pmeFile    = uint64(1) << 61
)

// shouldDumpPage implements original_source/parasite-syscall.c's
// should_dump_page: VDSO is always dumped; private file-backed pages
// still identical to their backing file are skipped (restored from the
// file instead); any page with PRESENT or SWAP set is dumped.
func shouldDumpPage(v victim.VMA, pme uint64) bool {
	if v.Backing == victim.BackingVDSO {
		return true
	}
	if v.FilePrivate && pme&pmeFile != 0 {
		return false
	}
	return pme&(pmePresent|pmeSwap) != 0
}

// readPagemapRange reads the pagemap entries covering [start, end) of a
// victim's address space, looping until the full range is read rather
// than trusting a single read(2) to return it all — /proc files are not
// guaranteed to satisfy a large request in one call.
func readPagemapRange(pagemap *os.File, start, end uintptr) ([]uint64, error) {
	nrPages := (end - start) / pageSize
	want := int(nrPages) * PagemapEntrySize
	buf := make([]byte, want)

	off := int64(start/pageSize) * PagemapEntrySize
	if _, err := pagemap.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking pagemap to %#x: %w", off, err)
	}

	read := 0
	for read < want {
		n, err := pagemap.Read(buf[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			if err == io.EOF && read == want {
				break
			}
			return nil, fmt.Errorf("reading pagemap: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: pagemap read returned no progress", crerr.ErrTruncated)
		}
	}

	out := make([]uint64, nrPages)
	for i := range out {
		out[i] = leUint64(buf[i*PagemapEntrySize:])
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// CandidateAddrs returns the page-aligned addresses within vma that
// should be dumped, per shouldDumpPage, by consulting the given open
// pagemap file.
func CandidateAddrs(pagemap *os.File, v victim.VMA) ([]uintptr, error) {
	entries, err := readPagemapRange(pagemap, v.Start, v.End)
	if err != nil {
		return nil, fmt.Errorf("scanning pagemap for vma %#x-%#x: %w", v.Start, v.End, err)
	}
	var out []uintptr
	for i, pme := range entries {
		if shouldDumpPage(v, pme) {
			out = append(out, v.Start+uintptr(i)*pageSize)
		}
	}
	return out, nil
}

// IsPrivatelyDumpable reports whether v is a candidate for page dumping at
// all: private (non-shared) mappings only, matching privately_dump_vma.
func IsPrivatelyDumpable(v victim.VMA) bool {
	return !v.Shared
}
