package pagedump

import (
	"testing"

	"github.com/restorepoint/crcore/pkg/victim"
)

func TestShouldDumpPage(t *testing.T) {
	vdso := victim.VMA{Backing: victim.BackingVDSO}
	if !shouldDumpPage(vdso, 0) {
		t.Error("VDSO pages should always be dumped")
	}

	filePrivate := victim.VMA{FilePrivate: true}
	if shouldDumpPage(filePrivate, pmeFile) {
		t.Error("file-identical private pages should be skipped")
	}
	if shouldDumpPage(filePrivate, pmeFile|pmePresent) {
		t.Error("file-identical private pages should be skipped even if present")
	}

	anon := victim.VMA{}
	if shouldDumpPage(anon, 0) {
		t.Error("absent anon pages should not be dumped")
	}
	if !shouldDumpPage(anon, pmePresent) {
		t.Error("present anon pages should be dumped")
	}
	if !shouldDumpPage(anon, pmeSwap) {
		t.Error("swapped anon pages should be dumped")
	}
}

func TestIsPrivatelyDumpable(t *testing.T) {
	if !IsPrivatelyDumpable(victim.VMA{Shared: false}) {
		t.Error("private VMA should be dumpable")
	}
	if IsPrivatelyDumpable(victim.VMA{Shared: true}) {
		t.Error("shared VMA should not be dumpable")
	}
}

func TestPipeCoalescesContiguousPages(t *testing.T) {
	pp := NewPipe(64, 64)
	if err := pp.AddPage(0x1000); err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	if err := pp.AddPage(0x2000); err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	defer pp.Close()

	bufs := pp.Bufs()
	if len(bufs) != 1 {
		t.Fatalf("got %d bufs, want 1", len(bufs))
	}
	if len(bufs[0].Iovs) != 1 {
		t.Fatalf("got %d iovs, want 1 coalesced iov", len(bufs[0].Iovs))
	}
	if bufs[0].Iovs[0].Len != 2*pageSize {
		t.Errorf("coalesced iov len = %d, want %d", bufs[0].Iovs[0].Len, 2*pageSize)
	}
	if bufs[0].PagesIn != 2 {
		t.Errorf("PagesIn = %d, want 2", bufs[0].PagesIn)
	}
}

func TestPipeSplitsOnCapacity(t *testing.T) {
	pp := NewPipe(1, 64)
	defer pp.Close()
	if err := pp.AddPage(0x1000); err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	// Non-contiguous, so this can't coalesce; with maxIovs=1 the buffer is
	// already full and a new one must be opened.
	if err := pp.AddPage(0x5000); err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	if len(pp.Bufs()) != 2 {
		t.Fatalf("got %d bufs, want 2", len(pp.Bufs()))
	}
}
