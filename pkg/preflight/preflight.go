// Package preflight provides validation checks that run before a backup
// or restore operation begins. The checks are designed to be stateless
// and idempotent; the one exception is the write probe, which creates the
// target directory and briefly drops a file into it. They give clearer
// answers than letting os.MkdirAll fail halfway through a run.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeProbeName is the temporary file dropped into the target directory
// to prove it is writable.
const writeProbeName = ".cronos-backup-writetest.tmp"

// CheckSource validates that the source path exists and is a directory.
// A missing source wraps fs.ErrNotExist so callers can classify it.
func CheckSource(srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist: %w", srcPath, fs.ErrNotExist)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckTarget performs the full pre-flight on the backup directory: the
// volume is present, the path or its parent is accessible, the directory
// can be created, a write probe succeeds, and the filesystem offers at
// least minFreeMB megabytes. minFreeMB <= 0 disables the space check.
func CheckTarget(targetPath string, minFreeMB int64) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}
	if err := checkAccessible(targetPath); err != nil {
		return err
	}
	if err := checkWritable(targetPath); err != nil {
		return err
	}
	return CheckFreeSpace(targetPath, minFreeMB)
}

// CheckFreeSpace fails when the filesystem holding path offers fewer than
// minFreeMB megabytes to new writes. minFreeMB <= 0 disables the check.
func CheckFreeSpace(path string, minFreeMB int64) error {
	if minFreeMB <= 0 {
		return nil
	}
	avail, err := availableBytes(path)
	if err != nil {
		return fmt.Errorf("cannot determine free space for %s: %w", path, err)
	}
	need := uint64(minFreeMB) * 1024 * 1024
	if avail < need {
		return fmt.Errorf("insufficient free space on %s: %d MB available, %d MB required",
			path, avail/(1024*1024), minFreeMB)
	}
	return nil
}

// OnSystemDisk reports whether path lives on the root filesystem outside
// the user's home directory. For a backup target that usually means an
// intended external drive is not mounted and writes would land on a
// "ghost" directory on the system disk. The result is advisory.
func OnSystemDisk(path string) (bool, error) {
	// Paths under the home directory are deliberate local targets.
	if underHome(path) {
		return false, nil
	}
	return onSystemDisk(path)
}

// checkAccessible confirms the target directory either exists as a
// directory, or does not exist yet while its parent is reachable, so the
// later MkdirAll cannot fail on the parent.
func checkAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		parent := filepath.Dir(targetPath)
		if _, perr := os.Stat(parent); os.IsNotExist(perr) {
			return fmt.Errorf("target path and its parent directory do not exist: %s", parent)
		} else if perr != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parent, perr)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// checkWritable ensures the target directory can be created and is
// writable by performing filesystem modifications.
func checkWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	// Perform a thorough write check by creating and deleting a temporary file.
	probe := filepath.Join(targetPath, writeProbeName)
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// underHome reports whether path sits inside the user's home directory.
func underHome(path string) bool {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return false
	}
	rel, err := filepath.Rel(home, path)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

var errUnsupportedStat = errors.New("unsupported stat result on this platform")
