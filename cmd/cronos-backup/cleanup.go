package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronos-project/cronos-backup/pkg/buildinfo"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/service"
)

var (
	cleanupDryRun bool
	cleanupYes    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the retention policy and remove outdated backups",
	Long: `cleanup reconciles the ledger with the backup directory, drops
ledger entries whose archives have vanished, applies the configured
daily/weekly/monthly retention policy and deletes the archives that
no tier claims.

Stray archives the ledger does not know about are reported but never
deleted. Without --yes or --dry-run, cleanup previews the plan and
asks for confirmation before deleting anything.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false,
		"report what would be deleted without touching disk or ledger")
	cleanupCmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false,
		"delete without asking for confirmation")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv()
	if err != nil {
		return err
	}
	defer env.flush()

	return env.withRunLock(cmd.Context(), func() error {
		return cleanupLocked(cmd, env)
	})
}

// cleanupLocked runs the preview/confirm/delete cycle. The run lock is held
// for the whole cycle so the previewed plan cannot shift underneath the
// operator's confirmation.
func cleanupLocked(cmd *cobra.Command, env *appEnv) error {
	if !cleanupYes && !cleanupDryRun {
		preview, err := env.svc.Cleanup(cmd.Context(), service.CleanupRequest{DryRun: true})
		if err != nil {
			return err
		}
		if len(preview.Deleted) == 0 && len(preview.Dangling) == 0 {
			fmt.Println("Nothing to clean up.")
			printStrays(preview.Strays)
			return nil
		}
		fmt.Printf("Cleanup will delete %d outdated backups and drop %d dangling ledger entries.\n",
			len(preview.Deleted), len(preview.Dangling))
		// A non-interactive stdin reads as EOF and aborts, so a cron job
		// that forgot --yes can never delete anything.
		if !confirm(os.Stdin, "Continue? [y/N] ") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	startTime := time.Now()
	rep, err := env.svc.Cleanup(cmd.Context(), service.CleanupRequest{DryRun: cleanupDryRun})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}

	prefix := ""
	if rep.DryRun {
		prefix = "[DRY RUN] "
	}
	fmt.Printf("%sCleanup deleted %d backups, kept %d, dropped %d dangling ledger entries.\n",
		prefix, len(rep.Deleted), len(rep.Kept), len(rep.Dangling))
	for _, rec := range rep.Deleted {
		fmt.Printf("%s  deleted: %s (%s)\n", prefix, rec.Name, shortID(rec.ID))
	}
	printStrays(rep.Strays)

	env.log.Info(buildinfo.Name+" cleanup finished successfully.", "duration", duration)
	if len(rep.Failed) > 0 {
		return faults.Errorf(faults.IO, "cleanup",
			"%d archives could not be deleted; they stay in the ledger for the next run", len(rep.Failed))
	}
	return nil
}

func printStrays(strays []record.BackupRecord) {
	if len(strays) == 0 {
		return
	}
	fmt.Printf("Found %d archives the ledger does not know about (left untouched):\n", len(strays))
	for _, stray := range strays {
		fmt.Printf("  %s\n", stray.Location)
	}
}
