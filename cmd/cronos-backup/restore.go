package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronos-project/cronos-backup/pkg/buildinfo"
	"github.com/cronos-project/cronos-backup/pkg/restore"
)

var (
	restoreTarget    string
	restoreStrategy  string
	restoreVerify    bool
	restorePointFlag bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup to a new location or over its original source",
	Long: `restore extracts a backup identified by its ledger id, archive file
name or trailing timestamp token.

The new-location strategy extracts into a fresh directory and never
touches existing data. The overwrite strategy extracts over the backup's
original source root; unless disabled, a restore point backup of the
current source is taken first.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreTarget, "target", "t", "",
		"target directory for a new-location restore (default: restores/ under the backup directory)")
	restoreCmd.Flags().StringVarP(&restoreStrategy, "strategy", "s", "",
		"restore strategy: 'new-location' or 'overwrite' (default: from configuration)")
	restoreCmd.Flags().BoolVar(&restoreVerify, "verify", true,
		"verify archive integrity before extracting (default: from configuration)")
	restoreCmd.Flags().BoolVar(&restorePointFlag, "restore-point", true,
		"take a safety backup of the source before an overwrite restore (default: from configuration)")
}

func runRestore(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv()
	if err != nil {
		return err
	}
	defer env.flush()

	req := env.svc.NewRestoreRequest(args[0])
	req.TargetDir = restoreTarget
	if restoreStrategy != "" {
		strategy, err := restore.ParseStrategy(restoreStrategy)
		if err != nil {
			return err
		}
		req.Strategy = strategy
	}
	// Only explicit flags override the configured defaults.
	if cmd.Flags().Changed("verify") {
		req.Verify = restoreVerify
	}
	if cmd.Flags().Changed("restore-point") {
		req.RestorePoint = restorePointFlag
	}

	return env.withRunLock(cmd.Context(), func() error {
		startTime := time.Now()
		rep, err := env.svc.RestoreBackup(cmd.Context(), req)
		duration := time.Since(startTime).Round(time.Millisecond)
		if err != nil {
			return err
		}

		env.log.Info(buildinfo.Name+" restore finished successfully.", "duration", duration)
		fmt.Printf("Restored %s (%d files) to %s\n", rep.Record.Name, rep.FilesRestored, rep.Target)
		if rep.Verified {
			fmt.Println("  integrity: verified before extraction")
		}
		if rep.RestorePoint != nil {
			fmt.Printf("  restore point: %s (%s)\n", rep.RestorePoint.Name, rep.RestorePoint.ID)
		}
		return nil
	})
}
