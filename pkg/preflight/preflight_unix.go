//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// checkVolumeExists is a no-op here; volume roots are a Windows concern.
func checkVolumeExists(string) error { return nil }

// availableBytes reports how many bytes the filesystem holding path
// offers to new writes (unprivileged view, like df).
func availableBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// onSystemDisk compares device IDs: when path sits on the same device as
// "/" it is on the system disk. A mounted external drive always carries
// its own device ID.
func onSystemDisk(path string) (bool, error) {
	rootDev, err := deviceID("/")
	if err != nil {
		return false, err
	}
	pathDev, err := deviceID(path)
	if err != nil {
		return false, err
	}
	return pathDev == rootDev, nil
}

// deviceID returns the filesystem device ID of path.
func deviceID(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errUnsupportedStat
	}
	return uint64(stat.Dev), nil
}
