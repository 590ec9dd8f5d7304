package resolve

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
)

// ScanResult reconciles the ledger with what is actually on disk.
type ScanResult struct {
	// Candidates are resolvable backups: every ledger record whose
	// archive exists, plus strays found on disk.
	Candidates []Candidate
	// Dangling are ledger records whose archive is gone. They cannot be
	// restored and should be dropped from the ledger.
	Dangling []record.BackupRecord
}

// Strays returns the candidates that have no ledger entry.
func (s ScanResult) Strays() []record.BackupRecord {
	var strays []record.BackupRecord
	for _, c := range s.Candidates {
		if !c.InLedger {
			strays = append(strays, c.Record)
		}
	}
	return strays
}

// Scan lists the backup root and reconciles it with ledgerRecords.
// A missing backup root is an empty result, not an error; nothing has
// been backed up yet.
func Scan(backupRoot string, ledgerRecords []record.BackupRecord, log clog.Logger) (ScanResult, error) {
	if log == nil {
		log = clog.Nop()
	}

	var result ScanResult
	seen := make(map[string]bool, len(ledgerRecords))

	for _, rec := range ledgerRecords {
		if _, err := os.Stat(rec.Location); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				result.Dangling = append(result.Dangling, rec)
				continue
			}
			return ScanResult{}, faults.Wrapf(faults.IO, "scan", err, "could not stat %s", rec.Location)
		}
		seen[rec.ArchiveBaseName()] = true
		result.Candidates = append(result.Candidates, Candidate{Record: rec, InLedger: true})
	}

	entries, err := os.ReadDir(backupRoot)
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return ScanResult{}, faults.Wrapf(faults.IO, "scan", err, "could not list backup root %s", backupRoot)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, record.ArchiveSuffix) || seen[name] {
			continue
		}
		location := filepath.Join(backupRoot, name)
		stray, err := synthesizeStray(location)
		if err != nil {
			log.Warn("Found archive that cannot be described, ignoring", "file", name, "error", err)
			continue
		}
		log.Debug("Found stray archive", "file", name)
		result.Candidates = append(result.Candidates, Candidate{Record: stray})
	}
	return result, nil
}

// synthesizeStray rebuilds a record for an archive with no ledger
// entry. The embedded metadata member is the preferred source; an
// archive predating it falls back to what the file name and mtime say.
func synthesizeStray(location string) (record.BackupRecord, error) {
	info, err := os.Stat(location)
	if err != nil {
		return record.BackupRecord{}, err
	}

	rec := record.BackupRecord{
		Type:      record.TypeManual,
		Location:  location,
		SizeBytes: uint64(info.Size()),
	}

	zr, err := zip.OpenReader(location)
	if err != nil {
		return record.BackupRecord{}, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != record.MetadataMemberName {
			rec.FileCount++
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		var meta record.ArchiveMetadata
		decodeErr := json.NewDecoder(rc).Decode(&meta)
		rc.Close()
		if decodeErr != nil {
			continue
		}
		rec.ID = meta.ID
		rec.Name = meta.Name
		rec.Timestamp = meta.CreatedAt
		rec.Type = meta.Type
		rec.Metadata = meta.Metadata
	}

	base := filepath.Base(location)
	if rec.Name == "" {
		rec.Name = strings.TrimSuffix(base, record.ArchiveSuffix)
		if idx := strings.LastIndex(rec.Name, "_"); idx > 0 {
			rec.Name = rec.Name[:idx]
		}
	}
	if rec.Timestamp.IsZero() {
		if ts, err := record.ParseTimestampToken(record.TrailingToken(base)); err == nil {
			rec.Timestamp = ts
		} else {
			rec.Timestamp = info.ModTime().UTC()
		}
	}
	return rec, nil
}
