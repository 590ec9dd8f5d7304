package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cronos-project/cronos-backup/pkg/faults"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check a backup archive against its embedded manifest",
	Long: `verify opens the backup's archive, checks every manifest entry
against the archive contents and recomputes file checksums. A backup
that fails verification is reported but never deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv()
	if err != nil {
		return err
	}
	defer env.flush()

	report, rec, err := env.svc.VerifyBackup(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !report.OK {
		fmt.Printf("Backup %s (%s) FAILED verification: %s\n", rec.Name, shortID(rec.ID), report.Reason)
		return faults.Errorf(faults.Corrupted, "verify", "backup %s failed verification", rec.ID)
	}
	fmt.Printf("Backup %s (%s) verified: %d files intact.\n", rec.Name, shortID(rec.ID), report.FilesChecked)
	return nil
}
