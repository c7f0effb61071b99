package parasite

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestIsTTYFalseOnPipe(t *testing.T) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	isTTY, err := IsTTY(fds[0])
	if err != nil {
		t.Fatalf("IsTTY: %v", err)
	}
	if isTTY {
		t.Fatal("a pipe fd must not report as a tty")
	}
}
