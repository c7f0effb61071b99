package parasite

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// CapabilitySets supplements DUMP_CREDS with the task's three capability
// bitmasks, which original_source/parasite-syscall.c's creds dump neighbors
// in upstream CRIU even though this distillation's DUMP_CREDS only names
// securebits and the group vector (SPEC_FULL §3).
type CapabilitySets struct {
	Effective, Permitted, Inheritable uint64
}

// ReadCapabilities parses CapInh/CapPrm/CapEff out of "status" opened
// relative to procFD, the victim's own /proc/self fd returned by
// PARASITE_CMD_GET_PROC_FD. Reading through that fd rather than the
// controller's /proc/<pid>/status keeps this correct across PID namespaces.
func ReadCapabilities(procFD int) (CapabilitySets, error) {
	fd, err := unix.Openat(procFD, "status", unix.O_RDONLY, 0)
	if err != nil {
		return CapabilitySets{}, fmt.Errorf("opening status relative to proc fd: %w", err)
	}
	f := os.NewFile(uintptr(fd), "status")
	defer f.Close()

	var out CapabilitySets
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var dst *uint64
		switch {
		case strings.HasPrefix(line, "CapInh:"):
			dst = &out.Inheritable
		case strings.HasPrefix(line, "CapPrm:"):
			dst = &out.Permitted
		case strings.HasPrefix(line, "CapEff:"):
			dst = &out.Effective
		default:
			continue
		}
		v, err := parseCapField(line)
		if err != nil {
			return CapabilitySets{}, err
		}
		*dst = v
	}
	if err := sc.Err(); err != nil {
		return CapabilitySets{}, fmt.Errorf("reading status: %w", err)
	}

	if last, lastErr := capability.LastCap(); lastErr == nil {
		mask := uint64(1)<<(uint(last)+1) - 1
		out.Effective &= mask
		out.Permitted &= mask
		out.Inheritable &= mask
	}

	return out, nil
}

func parseCapField(line string) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed capability status line %q", line)
	}
	return strconv.ParseUint(fields[1], 16, 64)
}
