package main

import (
	"context"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/buildinfo"
	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/config"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/lockfile"
	"github.com/cronos-project/cronos-backup/pkg/service"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cronos-backup",
	Short: "Backup lifecycle engine for directory trees",
	Long: `cronos-backup archives directory trees into verifiable zip backups,
prunes them with a daily/weekly/monthly retention policy, and restores
them to a new location or over the original source.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"path to the configuration file (default: cronos-backup.yaml in the working or user config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level: debug, info, warn or error")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

// appEnv bundles what every subcommand needs: the loaded configuration
// turned into a ready service, its logger, and the log flush hook.
type appEnv struct {
	cfg   config.Config
	svc   *service.BackupService
	log   clog.Logger
	flush func()
}

// newAppEnv loads configuration, builds the logger and wires the service.
// Each subcommand constructs its environment on demand so that commands
// like version never require a valid configuration.
func newAppEnv() (*appEnv, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, flush, err := clog.New(level)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(cfg, clock.WallClock, alert.NewLogPublisher(log), log)
	if err != nil {
		flush()
		return nil, err
	}
	return &appEnv{cfg: cfg, svc: svc, log: log, flush: flush}, nil
}

// withRunLock guards a mutating command against concurrent runs over the
// same backup directory, e.g. a cron job overlapping a manual invocation.
// Read-only commands skip it.
func (e *appEnv) withRunLock(ctx context.Context, fn func() error) error {
	lock, err := lockfile.Acquire(ctx, e.cfg.Backup.Directory, buildinfo.Name, e.log)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Cancelled, "lock", err)
		}
		return faults.Wrap(faults.Conflict, "lock", err)
	}
	defer lock.Release()
	return fn()
}
