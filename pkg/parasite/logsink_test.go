package parasite

import (
	"context"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestLogSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parasite.log")

	sink, err := OpenLogSink(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenLogSink: %v", err)
	}
	defer sink.Close()

	wfd, err := sink.WriterFD()
	if err != nil {
		t.Fatalf("WriterFD: %v", err)
	}
	defer unix.Close(wfd)

	msg := []byte("parasite online\n")
	if _, err := unix.Write(wfd, msg); err != nil {
		t.Fatalf("write to fifo: %v", err)
	}

	buf := make([]byte, len(msg))
	n, err := sink.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}
