package victim

import "testing"

func TestParseMapsLine(t *testing.T) {
	cases := []struct {
		line string
		want VMA
	}{
		{
			line: "00400000-00401000 r-xp 00000000 08:01 123456  /bin/cat",
			want: VMA{Start: 0x400000, End: 0x401000, Read: true, Exec: true, Backing: BackingFile, Path: "/bin/cat", FilePrivate: true},
		},
		{
			line: "7ffe00000000-7ffe00021000 rw-p 00000000 00:00 0  [heap]",
			want: VMA{Start: 0x7ffe00000000, End: 0x7ffe00021000, Read: true, Write: true, Backing: BackingFile, Path: "[heap]", FilePrivate: true},
		},
		{
			line: "7f0000000000-7f0000001000 r--s 00000000 00:00 0",
			want: VMA{Start: 0x7f0000000000, End: 0x7f0000001000, Read: true, Shared: true, Backing: BackingAnon},
		},
	}

	for _, c := range cases {
		got, err := parseMapsLine(c.line)
		if err != nil {
			t.Fatalf("parseMapsLine(%q): %v", c.line, err)
		}
		if got != c.want {
			t.Errorf("parseMapsLine(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestParseMapsLineMalformed(t *testing.T) {
	if _, err := parseMapsLine("garbage"); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestFindSyscallVMA(t *testing.T) {
	l := NewList()
	l.Add(VMA{Start: 0x1000, End: 0x1010, Exec: false})
	l.Add(VMA{Start: 0x2000, End: 0x2002, Exec: true}) // [start, end-2) is empty, so skipped
	l.Add(VMA{Start: 0x3000, End: 0x3100, Exec: true})

	v, ok := l.FindSyscallVMA(2)
	if !ok {
		t.Fatal("expected a syscall-capable VMA")
	}
	if v.Start != 0x3000 {
		t.Errorf("FindSyscallVMA picked %#x, want the VMA at 0x3000", v.Start)
	}
}

func TestFindSyscallVMANoCandidate(t *testing.T) {
	l := NewList()
	l.Add(VMA{Start: 0x1000, End: 0x1001, Exec: true}) // too small for a 2-byte opcode
	if _, ok := l.FindSyscallVMA(2); ok {
		t.Fatal("expected no syscall-capable VMA")
	}
}

func TestFindSyscallVMAAboveTaskSize(t *testing.T) {
	l := NewList()
	l.Add(VMA{Start: taskSize64 + 0x1000, End: taskSize64 + 0x2000, Exec: true})
	if _, ok := l.FindSyscallVMA(2); ok {
		t.Fatal("expected VMAs at/above TASK_SIZE to be excluded")
	}
}

func TestListAllOrdering(t *testing.T) {
	l := NewList()
	l.Add(VMA{Start: 0x3000, End: 0x3100})
	l.Add(VMA{Start: 0x1000, End: 0x1100})
	l.Add(VMA{Start: 0x2000, End: 0x2100})

	all := l.All()
	if len(all) != 3 {
		t.Fatalf("got %d VMAs, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Start >= all[i].Start {
			t.Errorf("All() not ordered: %#x before %#x", all[i-1].Start, all[i].Start)
		}
	}
}
