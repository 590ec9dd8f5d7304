package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all backups known to the ledger or found on disk",
	Long: `list reconciles the ledger with the backup directory and prints one
row per backup, newest first. Archives on disk that the ledger does not
know about are marked as strays.`,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv()
	if err != nil {
		return err
	}
	defer env.flush()

	candidates, err := env.svc.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("No backups found.")
		return nil
	}
	renderBackupTable(os.Stdout, candidates)
	return nil
}
