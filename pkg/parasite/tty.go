package parasite

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/kr/pty"
)

// TTYWinsize is the window-size supplement to TTYInfo (SPEC_FULL §2).
type TTYWinsize struct {
	Rows, Cols int
}

// ReadTTYWinsize reads a drained tty fd's window size via TIOCGWINSZ,
// using kr/pty's ioctl wrapper rather than a hand-rolled Ioctl call.
func ReadTTYWinsize(ttyFD int) (TTYWinsize, error) {
	f := os.NewFile(uintptr(ttyFD), "tty")
	rows, cols, err := pty.Getsize(f)
	if err != nil {
		return TTYWinsize{}, fmt.Errorf("reading tty window size: %w", err)
	}
	return TTYWinsize{Rows: rows, Cols: cols}, nil
}

// IsTTY reports whether fd answers TIOCGWINSZ at all, distinguishing a
// real tty (pty slave/master or console) from a plain file or socket that
// DRAIN_FDS happened to hand back.
func IsTTY(fd int) (bool, error) {
	_, _, err := pty.Getsize(os.NewFile(uintptr(fd), "tty"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ENOTTY) {
		return false, nil
	}
	return false, fmt.Errorf("probing tty fd: %w", err)
}
