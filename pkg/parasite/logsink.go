package parasite

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/fifo"
	"golang.org/x/sys/unix"
)

// LogSink is the host-side half of PARASITE_CMD_CFG_LOG's fd passing: a
// real fifo node whose write end is handed to the victim over tsock and
// whose read end the controller drains for the parasite's log messages
// (spec §4.5), given a proper open/close lifecycle via containerd/fifo
// instead of a bare os.OpenFile.
type LogSink struct {
	path string
	r    *fifo.FIFO
}

// OpenLogSink creates (if necessary) the fifo node at path and opens its
// read end non-blocking, ready for a concurrent drain loop.
func OpenLogSink(ctx context.Context, path string) (*LogSink, error) {
	if err := unix.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("creating log fifo %s: %w", path, err)
	}
	r, err := fifo.OpenFifo(ctx, path, unix.O_RDONLY|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log fifo read end: %w", err)
	}
	return &LogSink{path: path, r: r}, nil
}

// WriterFD opens a fresh write-end descriptor on the fifo for the victim;
// the caller passes it to ControlBlock.CfgLog and owns the returned fd
// (CfgLog's sendFD duplicates it onto the victim side, so the local copy
// must still be closed afterward).
func (s *LogSink) WriterFD() (int, error) {
	fd, err := unix.Open(s.path, unix.O_WRONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("opening log fifo write end: %w", err)
	}
	return fd, nil
}

// Read drains parasite log output off the fifo's read end.
func (s *LogSink) Read(p []byte) (int, error) { return s.r.Read(p) }

// Close closes the read end and removes the fifo node.
func (s *LogSink) Close() error {
	err := s.r.Close()
	os.Remove(s.path)
	return err
}
