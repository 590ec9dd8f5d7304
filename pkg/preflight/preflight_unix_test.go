//go:build !windows

package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOnSystemDisk_Unix(t *testing.T) {
	t.Run("Root Is the System Disk", func(t *testing.T) {
		on, err := OnSystemDisk("/")
		if err != nil {
			t.Fatalf("expected no error for /, but got: %v", err)
		}
		if !on {
			t.Error("expected / to be reported as the system disk")
		}
	})

	t.Run("Advisory Skipped for Home Dir", func(t *testing.T) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			t.Skipf("could not get user home directory: %v", err)
		}

		targetDir := filepath.Join(homeDir, "cronos-backup-preflight-test")
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			t.Skipf("could not create test dir in home: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(targetDir) })

		on, err := OnSystemDisk(targetDir)
		if err != nil {
			t.Fatalf("expected no error for a home path, but got: %v", err)
		}
		if on {
			t.Error("expected home paths to be exempt from the system disk advisory")
		}
	})
}

func TestAvailableBytes_Unix(t *testing.T) {
	avail, err := availableBytes(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	if avail == 0 {
		t.Error("expected a fresh temp dir to report free space")
	}
}
