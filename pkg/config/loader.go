package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

// DefaultFileName is the config file searched for when no explicit path is
// given: first in the working directory, then under the user config dir.
const DefaultFileName = "cronos-backup.yaml"

const envPrefix = "CRONOS_BACKUP"

// Load reads configuration from the given file path, falling back to the
// default search locations when path is empty, and layering environment
// variables (CRONOS_BACKUP_*) over file values over defaults. The result is
// validated; any problem is a Config-kind fault.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, faults.Wrapf(faults.Config, "config.load", err, "reading %s", path)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cronos-backup")
		if err := v.ReadInConfig(); err != nil {
			// Running purely on defaults and environment is fine; only a
			// malformed file is fatal.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, faults.Wrap(faults.Config, "config.load", err)
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, faults.Wrap(faults.Config, "config.load", err)
	}

	if cfg.Backup.Directory != "" {
		expanded, err := util.ExpandPath(cfg.Backup.Directory)
		if err != nil {
			return Config{}, faults.Wrap(faults.Config, "config.load", err)
		}
		cfg.Backup.Directory = expanded
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key with its documented default so that a
// missing file, a partial file and environment-only runs all resolve to the
// same effective tree.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("backup.directory", def.Backup.Directory)
	v.SetDefault("backup.retention.daily", def.Backup.Retention.Daily)
	v.SetDefault("backup.retention.weekly", def.Backup.Retention.Weekly)
	v.SetDefault("backup.retention.monthly", def.Backup.Retention.Monthly)
	v.SetDefault("backup.compression_level", def.Backup.CompressionLevel)
	v.SetDefault("backup.include", def.Backup.Include)
	v.SetDefault("backup.exclude", def.Backup.Exclude)
	v.SetDefault("backup.progress_every", def.Backup.ProgressEvery)

	v.SetDefault("restore.default_strategy", def.Restore.DefaultStrategy)
	v.SetDefault("restore.verify_integrity", def.Restore.VerifyIntegrity)
	v.SetDefault("restore.create_restore_point", def.Restore.CreateRestorePoint)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("alerts.enabled", def.Alerts.Enabled)

	v.SetDefault("engine.workers", def.Engine.Workers)
	v.SetDefault("engine.buffer_size_kb", def.Engine.BufferSizeKB)
	v.SetDefault("engine.metrics", def.Engine.Metrics)
	v.SetDefault("engine.min_free_space_mb", def.Engine.MinFreeSpaceMB)
}
