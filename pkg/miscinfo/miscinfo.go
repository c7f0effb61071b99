// Package miscinfo supplements PARASITE_CMD_DUMP_MISC with information
// that's visible to the controller directly and doesn't need a parasite
// round trip: the victim's cgroup membership (SPEC_FULL §3).
package miscinfo

import (
	"fmt"

	"github.com/containerd/cgroups"
)

// CgroupPaths maps each subsystem name (or "" for a cgroup v2 unified
// entry) to the victim's membership path within it.
type CgroupPaths map[string]string

// ReadCgroupPaths parses /proc/<pid>/cgroup using containerd/cgroups v1's
// own parser, reused here purely for its cgroup-file grammar rather than
// for any of its subsystem-management surface.
func ReadCgroupPaths(pid int) (CgroupPaths, error) {
	paths, err := cgroups.ParseCgroupFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return nil, fmt.Errorf("parsing cgroup membership for pid %d: %w", pid, err)
	}
	return CgroupPaths(paths), nil
}
