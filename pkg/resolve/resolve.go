// Package resolve turns user-supplied backup identifiers into concrete
// backup records.
//
// Resolution runs an explicit, ordered strategy list; the first
// strategy producing any match wins, and within a strategy ties go to
// the most recent record. The strategies, in order:
//
//  1. Exact ledger record ID.
//  2. Exact archive file name, with or without the container suffix.
//  3. Archive base name ends with the identifier, or embeds it as its
//     trailing timestamp token.
package resolve

import (
	"strings"

	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
)

const resolveOp = "resolve"

// Candidate is one resolvable backup: a ledger record or a stray
// archive synthesized from disk.
type Candidate struct {
	Record   record.BackupRecord
	InLedger bool
}

// Resolve finds the backup identified by backupID among candidates.
func Resolve(backupID string, candidates []Candidate) (Candidate, error) {
	if backupID == "" {
		return Candidate{}, faults.New(faults.Validation, resolveOp, "backup id must not be empty")
	}

	strategies := []func(Candidate) bool{
		func(c Candidate) bool { return c.Record.ID == backupID },
		func(c Candidate) bool { return matchesExactName(c.Record, backupID) },
		func(c Candidate) bool { return matchesSuffixOrToken(c.Record, backupID) },
	}

	for _, matches := range strategies {
		if best, ok := pickMostRecent(candidates, matches); ok {
			return best, nil
		}
	}
	return Candidate{}, faults.Errorf(faults.NotFound, resolveOp, "no backup matches %q", backupID)
}

// pickMostRecent applies one strategy and breaks ties by timestamp.
func pickMostRecent(candidates []Candidate, matches func(Candidate) bool) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !matches(c) {
			continue
		}
		if !found || c.Record.Timestamp.After(best.Record.Timestamp) {
			best = c
			found = true
		}
	}
	return best, found
}

func matchesExactName(rec record.BackupRecord, backupID string) bool {
	base := rec.ArchiveBaseName()
	return base == backupID || base == backupID+record.ArchiveSuffix
}

func matchesSuffixOrToken(rec record.BackupRecord, backupID string) bool {
	base := rec.ArchiveBaseName()
	trimmed := strings.TrimSuffix(base, record.ArchiveSuffix)
	if strings.HasSuffix(base, backupID) || strings.HasSuffix(trimmed, backupID) {
		return true
	}
	return record.TrailingToken(base) == backupID
}
