// Package config defines the typed configuration of the engine and its
// viper-backed loader. The whole tree is validated once at load time;
// components downstream receive plain values and never re-validate.
package config

import (
	"path/filepath"

	"github.com/cronos-project/cronos-backup/pkg/faults"
)

// Config is the root of the configuration tree.
type Config struct {
	Backup  BackupConfig  `mapstructure:"backup"`
	Restore RestoreConfig `mapstructure:"restore"`
	Logging LoggingConfig `mapstructure:"logging"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// BackupConfig controls archive creation and retention.
type BackupConfig struct {
	// Directory is the backup storage root: archives, manifests, the
	// ledger and the restores/ subdirectory all live beneath it.
	Directory string `mapstructure:"directory"`

	Retention RetentionConfig `mapstructure:"retention"`

	// CompressionLevel is one of "store", "fastest", "default", "best".
	CompressionLevel string `mapstructure:"compression_level"`

	// Include restricts archived files to those matching at least one
	// pattern. Empty means include everything.
	Include []string `mapstructure:"include"`

	// Exclude patterns are applied on top of the built-in default set.
	Exclude []string `mapstructure:"exclude"`

	// ProgressEvery emits a progress alert after this many archived files.
	ProgressEvery int `mapstructure:"progress_every"`
}

// RetentionConfig sizes the keep tiers. A tier of 0 is disabled.
type RetentionConfig struct {
	Daily   int `mapstructure:"daily"`
	Weekly  int `mapstructure:"weekly"`
	Monthly int `mapstructure:"monthly"`
}

// RestoreConfig carries the restore defaults applied when the caller does
// not choose explicitly.
type RestoreConfig struct {
	// DefaultStrategy is "new-location" or "overwrite".
	DefaultStrategy string `mapstructure:"default_strategy"`

	// VerifyIntegrity runs manifest verification before extraction.
	VerifyIntegrity bool `mapstructure:"verify_integrity"`

	// CreateRestorePoint takes a safety snapshot before overwrite restores.
	CreateRestorePoint bool `mapstructure:"create_restore_point"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type AlertsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EngineConfig holds performance and observability knobs.
type EngineConfig struct {
	// Workers bounds parallel hashing during verification and parallel
	// deletions during cleanup.
	Workers int `mapstructure:"workers"`

	// BufferSizeKB sizes the pooled copy buffers used for archive I/O.
	BufferSizeKB int `mapstructure:"buffer_size_kb"`

	// Metrics toggles per-stage counters and progress logging.
	Metrics bool `mapstructure:"metrics"`

	// MinFreeSpaceMB is the preflight free-space floor for the backup
	// directory. 0 disables the check.
	MinFreeSpaceMB int64 `mapstructure:"min_free_space_mb"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Backup: BackupConfig{
			Directory: "", // required, no safe default
			Retention: RetentionConfig{
				Daily:   7, // one week of dailies
				Weekly:  4, // a month of weeklies
				Monthly: 6, // half a year of monthlies
			},
			CompressionLevel: "default",
			Include:          nil,
			Exclude:          nil,
			ProgressEvery:    100,
		},
		Restore: RestoreConfig{
			DefaultStrategy:    "new-location",
			VerifyIntegrity:    true,
			CreateRestorePoint: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Alerts: AlertsConfig{
			Enabled: true,
		},
		Engine: EngineConfig{
			Workers:        4,
			BufferSizeKB:   512,
			Metrics:        true,
			MinFreeSpaceMB: 256,
		},
	}
}

// Validate checks the tree for structural problems. Enum-valued strings
// (compression level, restore strategy) are parsed by the components that
// consume them; Validate only guarantees the tree is shaped well enough to
// build those components.
func (c *Config) Validate() error {
	if c.Backup.Directory == "" {
		return faults.New(faults.Config, "config.validate", "backup.directory must be set")
	}
	if c.Backup.Retention.Daily < 0 || c.Backup.Retention.Weekly < 0 || c.Backup.Retention.Monthly < 0 {
		return faults.New(faults.Config, "config.validate", "backup.retention tiers must not be negative")
	}
	if c.Backup.ProgressEvery < 0 {
		return faults.New(faults.Config, "config.validate", "backup.progress_every must not be negative")
	}
	if c.Engine.Workers < 1 {
		return faults.New(faults.Config, "config.validate", "engine.workers must be at least 1")
	}
	if c.Engine.BufferSizeKB < 1 {
		return faults.New(faults.Config, "config.validate", "engine.buffer_size_kb must be at least 1")
	}
	if c.Engine.MinFreeSpaceMB < 0 {
		return faults.New(faults.Config, "config.validate", "engine.min_free_space_mb must not be negative")
	}
	if err := validateGlobPatterns("backup.include", c.Backup.Include); err != nil {
		return err
	}
	if err := validateGlobPatterns("backup.exclude", c.Backup.Exclude); err != nil {
		return err
	}
	return nil
}

// validateGlobPatterns rejects patterns with malformed syntax early, so a
// bad pattern surfaces at startup instead of silently matching nothing
// during an archive walk.
func validateGlobPatterns(key string, patterns []string) error {
	for _, p := range patterns {
		if p == "" {
			return faults.Errorf(faults.Config, "config.validate", "%s contains an empty pattern", key)
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return faults.Wrapf(faults.Config, "config.validate", err, "%s pattern %q is malformed", key, p)
		}
	}
	return nil
}
