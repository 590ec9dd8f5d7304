package config

import (
	"testing"

	"github.com/cronos-project/cronos-backup/pkg/faults"
)

func TestValidateRequiresDirectory(t *testing.T) {
	cfg := Default()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure for empty backup.directory")
	}
	if !faults.Is(err, faults.Config) {
		t.Errorf("expected Config kind, got %s", faults.KindOf(err))
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := Default()
	cfg.Backup.Directory = "/var/backups/cronos"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsNegativeTiers(t *testing.T) {
	cfg := Default()
	cfg.Backup.Directory = "/var/backups/cronos"
	cfg.Backup.Retention.Weekly = -1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for negative retention tier")
	}
}

func TestValidateRejectsMalformedGlob(t *testing.T) {
	cfg := Default()
	cfg.Backup.Directory = "/var/backups/cronos"
	cfg.Backup.Exclude = []string{"[unclosed"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure for malformed glob")
	}
	if !faults.Is(err, faults.Config) {
		t.Errorf("expected Config kind, got %s", faults.KindOf(err))
	}
}

func TestValidateRejectsEmptyPattern(t *testing.T) {
	cfg := Default()
	cfg.Backup.Directory = "/var/backups/cronos"
	cfg.Backup.Include = []string{""}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for empty pattern")
	}
}
