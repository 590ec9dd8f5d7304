package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cronos-project/cronos-backup/pkg/resolve"
)

// renderBackupTable prints one aligned row per candidate, newest first as
// delivered by the service.
func renderBackupTable(w io.Writer, candidates []resolve.Candidate) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tTYPE\tSIZE\tFILES\tCATEGORY\tLEDGER")
	for _, cand := range candidates {
		rec := cand.Record
		category := string(rec.RetentionCategory)
		if category == "" {
			category = "-"
		}
		ledger := "yes"
		if !cand.InLedger {
			ledger = "stray"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(rec.ID),
			rec.Name,
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Type,
			formatSize(rec.SizeBytes),
			rec.FileCount,
			category,
			ledger,
		)
	}
	tw.Flush()
}

// formatSize renders a byte count in the nearest binary unit.
func formatSize(bytes uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case bytes >= gib:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(gib))
	case bytes >= mib:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(mib))
	case bytes >= kib:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(kib))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// shortID abbreviates a ledger id for table output. Strays have no id.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// confirm prompts on stdout and reads a single line. Anything but an
// explicit yes, including EOF on a non-interactive stdin, declines.
func confirm(r io.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
