//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// checkVolumeExists verifies that the drive or network share root for a
// given path exists. For "Z:\backup" it checks that "Z:\" is present, so
// a disconnected drive fails fast instead of during the first write. Bare
// drive letters and the current directory are refused as targets outright.
func checkVolumeExists(path string) error {
	if isUnsafeRoot(path) {
		return fmt.Errorf("unsafe target path: %s. Use an explicit directory on the drive", path)
	}

	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil // Relative path without a volume, nothing to check.
	}

	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	checkVol = filepath.Clean(checkVol)

	if _, err := os.Stat(checkVol); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}

// isUnsafeRoot checks if the given path is the current directory or a bare
// drive letter (e.g., "C:"). filepath.Clean("C:") produces "C:.", so that
// pattern is refused too. UNC paths are fine because their volume name
// contains a separator.
func isUnsafeRoot(path string) bool {
	if path == "." || path == string(filepath.Separator) {
		return true
	}
	vol := filepath.VolumeName(path)
	isBareDrive := vol != "" && path == vol && !strings.Contains(vol, string(filepath.Separator))
	isCleanedBareDrive := vol != "" && path == vol+"."
	return isBareDrive || isCleanedBareDrive
}

// availableBytes reports how many bytes the volume holding path offers to
// the calling user.
func availableBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("invalid path %s: %w", path, err)
	}
	var freeForCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeForCaller, &total, &totalFree); err != nil {
		return 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return freeForCaller, nil
}

// onSystemDisk reports whether path sits on the Windows system drive.
func onSystemDisk(path string) (bool, error) {
	systemDrive := os.Getenv("SystemDrive") // e.g. "C:"
	if systemDrive == "" {
		return false, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return strings.EqualFold(filepath.VolumeName(abs), systemDrive), nil
}
