package image

import (
	"io"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer dir.Close()

	w, err := dir.Create(Kind("pagemap"), map[string]string{"pid": "123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	records := [][]byte{[]byte("first"), []byte("second"), {}}
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := w.WriteBytes([]byte("raw-tail")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	r, err := dir.OpenRO(Kind("pagemap"))
	if err != nil {
		t.Fatalf("OpenRO: %v", err)
	}
	defer r.Close()

	if r.Metadata["pid"] != "123" {
		t.Errorf("Metadata[pid] = %q, want 123", r.Metadata["pid"])
	}

	for i, want := range records {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Errorf("record %d = %q, want %q", i, got, want)
		}
	}

	tail, err := r.ReadBytes(len("raw-tail"))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(tail) != "raw-tail" {
		t.Errorf("tail = %q, want raw-tail", tail)
	}

	if _, err := r.ReadRecord(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestOpenDirLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	d1, err := OpenDir(path)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer d1.Close()

	if _, err := OpenDir(path); err == nil {
		t.Fatal("expected second OpenDir on the same directory to fail")
	}
}

func TestOpenROMissingStream(t *testing.T) {
	dir, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer dir.Close()

	if _, err := dir.OpenRO(Kind("does-not-exist")); err == nil {
		t.Fatal("expected error opening a nonexistent stream")
	}
}
