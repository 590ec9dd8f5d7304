package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronos-project/cronos-backup/pkg/buildinfo"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/service"
)

var (
	createName      string
	createMeta      map[string]string
	createScheduled bool
	createDryRun    bool
)

var createCmd = &cobra.Command{
	Use:   "create <source-dir>",
	Short: "Archive a directory tree into the backup storage",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createName, "name", "n", "",
		"backup name (default: base name of the source directory)")
	createCmd.Flags().StringToStringVar(&createMeta, "meta", nil,
		"extra metadata recorded with the backup, as key=value pairs")
	createCmd.Flags().BoolVar(&createScheduled, "scheduled", false,
		"mark the backup as created by a scheduler rather than by hand")
	createCmd.Flags().BoolVar(&createDryRun, "dry-run", false,
		"walk the source and report what would be archived without writing anything")
}

func runCreate(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv()
	if err != nil {
		return err
	}
	defer env.flush()

	source := args[0]
	name := createName
	if name == "" {
		name = filepath.Base(filepath.Clean(source))
	}
	backupType := record.TypeManual
	if createScheduled {
		backupType = record.TypeScheduled
	}

	return env.withRunLock(cmd.Context(), func() error {
		startTime := time.Now()
		rep, err := env.svc.CreateBackup(cmd.Context(), service.CreateRequest{
			Name:      name,
			SourceDir: source,
			Type:      backupType,
			Metadata:  createMeta,
			DryRun:    createDryRun,
		})
		duration := time.Since(startTime).Round(time.Millisecond)
		if err != nil {
			return err
		}

		if rep.DryRun {
			fmt.Printf("Dry run: %d files would be archived from %s (%d skipped).\n",
				rep.Record.FileCount, source, len(rep.Skipped))
			return nil
		}

		env.log.Info(buildinfo.Name+" create finished successfully.", "duration", duration)
		fmt.Printf("Created backup %s\n", rep.Record.Name)
		fmt.Printf("  id:      %s\n", rep.Record.ID)
		fmt.Printf("  archive: %s\n", rep.Record.Location)
		fmt.Printf("  files:   %d (%s)\n", rep.Record.FileCount, formatSize(rep.Record.SizeBytes))
		if len(rep.Skipped) > 0 {
			fmt.Printf("  skipped: %d unreadable files (see log for details)\n", len(rep.Skipped))
		}
		return nil
	})
}
