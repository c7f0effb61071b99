package parasite

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeTestBlob(t *testing.T, path string, head, cmd, args uint64, code []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating test blob: %v", err)
	}
	defer f.Close()

	f.WriteString(blobMagic)
	var b [8]byte
	for _, v := range []uint64{head, cmd, args} {
		binary.LittleEndian.PutUint64(b[:], v)
		f.Write(b[:])
	}
	binary.LittleEndian.PutUint64(b[:], uint64(len(code)))
	f.Write(b[:])
	f.Write(code)
}

func TestLoadBlobFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parasite.blob")
	code := []byte{0x0f, 0x05, 0xcc, 0x90, 0x90}
	writeTestBlob(t, path, 0, 3, 8, code)

	blob, err := LoadBlobFile(path)
	if err != nil {
		t.Fatalf("LoadBlobFile: %v", err)
	}
	if string(blob.Code) != string(code) {
		t.Errorf("Code = %v, want %v", blob.Code, code)
	}
	if blob.HeadStartOff != 0 || blob.CmdOff != 3 || blob.ArgsOff != 8 {
		t.Errorf("offsets = (%d,%d,%d), want (0,3,8)", blob.HeadStartOff, blob.CmdOff, blob.ArgsOff)
	}
}

func TestLoadBlobFileBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.blob")
	if err := os.WriteFile(path, []byte("XXXXmorejunk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBlobFile(path); err == nil {
		t.Fatal("expected an error for a bad magic")
	}
}

func TestStubBlob(t *testing.T) {
	b := StubBlob()
	if len(b.Code) == 0 {
		t.Fatal("stub blob has no code")
	}
}
