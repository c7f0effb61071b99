package miscinfo

import (
	"os"
	"testing"
)

func TestReadCgroupPathsSelf(t *testing.T) {
	paths, err := ReadCgroupPaths(os.Getpid())
	if err != nil {
		t.Fatalf("ReadCgroupPaths: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("expected at least one cgroup subsystem entry for the current process")
	}
}

func TestReadCgroupPathsMissingPid(t *testing.T) {
	if _, err := ReadCgroupPaths(1 << 30); err == nil {
		t.Fatal("expected an error reading cgroup info for a nonexistent pid")
	}
}
