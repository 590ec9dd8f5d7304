// Package ledger persists the backup version history.
//
// The ledger is a single JSON document in the backup root:
//
//	{
//	  "last_updated": "2026-08-23T10:00:00Z",
//	  "backups": [ ...records, newest first... ]
//	}
//
// The Store is an in-memory working copy of that document. It is NOT
// safe for concurrent use; the owning service serializes all
// read-modify-write cycles behind its own mutex, so the store itself
// stays lock-free and trivially testable.
//
// DESIGN NOTE: The ledger is the source of truth for what backups
// exist. Archives on disk that the ledger does not know about are
// strays, and ledger entries whose archive is gone are dangling. The
// store never reconciles those itself; reconciliation is a maintenance
// decision that belongs to the caller.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/klauspost/pgzip"

	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

const (
	// FileName is the name of the ledger file inside the backup root.
	FileName = "version_history.json"

	// snapshotSuffix extends the ledger path for the compressed
	// fallback snapshot written after each successful save.
	snapshotSuffix = ".gz"
)

// historyEnvelope is the on-disk shape of the ledger. Entries are kept
// raw during decoding so one mangled record cannot take down the rest.
type historyEnvelope struct {
	LastUpdated time.Time         `json:"last_updated"`
	Backups     []json.RawMessage `json:"backups"`
}

type saveEnvelope struct {
	LastUpdated time.Time             `json:"last_updated"`
	Backups     []record.BackupRecord `json:"backups"`
}

// Store is the in-memory working copy of the ledger file.
type Store struct {
	path        string
	clk         clock.Clock
	log         clog.Logger
	records     []record.BackupRecord
	lastUpdated time.Time
}

// Open loads the ledger at path. A missing ledger is treated as empty
// and immediately written back, so a fresh backup root always ends up
// with a valid (if empty) history file. An unreadable or unparseable
// ledger falls back to the compressed snapshot from the last save, and
// if that fails too, to an empty history. Only the total inability to
// establish a working copy is an error.
func Open(path string, clk clock.Clock, log clog.Logger) (*Store, error) {
	if log == nil {
		log = clog.Nop()
	}
	s := &Store{path: path, clk: clk, log: log}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("No version history found, starting a new one", "path", path)
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, faults.Wrapf(faults.IO, "ledger.open", err, "could not read version history %s", path)
	}

	env, decodeErr := decodeEnvelope(data)
	if decodeErr != nil {
		log.Warn("Version history is unparseable, trying last snapshot", "path", path, "error", decodeErr)
		env, decodeErr = s.loadSnapshot()
	}
	if decodeErr != nil {
		log.Warn("No usable version history, starting empty", "path", path, "error", decodeErr)
		return s, nil
	}

	s.lastUpdated = env.LastUpdated
	s.records = decodeRecords(env.Backups, log)
	return s, nil
}

// Path returns the location of the ledger file.
func (s *Store) Path() string { return s.path }

// LastUpdated returns the timestamp of the last save, or the loaded
// value if nothing has been saved yet.
func (s *Store) LastUpdated() time.Time { return s.lastUpdated }

// Len returns the number of records in the working copy.
func (s *Store) Len() int { return len(s.records) }

// Records returns a defensive copy of all records, newest first.
func (s *Store) Records() []record.BackupRecord {
	out := make([]record.BackupRecord, len(s.records))
	copy(out, s.records)
	sortNewestFirst(out)
	return out
}

// Get looks up a record by its unique ID.
func (s *Store) Get(id string) (record.BackupRecord, bool) {
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return record.BackupRecord{}, false
}

// Add inserts rec into the working copy, replacing any existing record
// with the same ID.
func (s *Store) Add(rec record.BackupRecord) {
	for i, r := range s.records {
		if r.ID == rec.ID {
			s.records[i] = rec
			return
		}
	}
	s.records = append(s.records, rec)
}

// Remove deletes the record with the given ID from the working copy.
// It reports whether a record was actually removed.
func (s *Store) Remove(id string) bool {
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return true
		}
	}
	return false
}

// SetCategory updates the retention category of the record with the
// given ID. It reports whether the record exists.
func (s *Store) SetCategory(id string, cat record.RetentionCategory) bool {
	for i, r := range s.records {
		if r.ID == id {
			s.records[i].RetentionCategory = cat
			return true
		}
	}
	return false
}

// Save writes the working copy to disk atomically: marshal, write to a
// temporary file in the same directory, fsync, then rename over the
// ledger path. After a successful save a compressed snapshot is
// refreshed on a best-effort basis; snapshot failures are logged, not
// returned, because the primary write already succeeded.
func (s *Store) Save() (err error) {
	if err := os.MkdirAll(filepath.Dir(s.path), util.UserWritableDirPerms); err != nil {
		return faults.Wrap(faults.IO, "ledger.save", err)
	}

	stamp := s.clk.Now().UTC()
	out := saveEnvelope{LastUpdated: stamp, Backups: s.Records()}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return faults.Wrap(faults.IO, "ledger.save", err)
	}
	data = append(data, '\n')

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), FileName+".tmp-*")
	if err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not create temporary ledger file")
	}
	tempPath := tempFile.Name()
	defer func() {
		if err != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err = tempFile.Write(data); err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not write version history")
	}
	if err = tempFile.Sync(); err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not sync version history")
	}
	if err = tempFile.Close(); err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not close version history")
	}
	if err = os.Chmod(tempPath, util.UserWritableFilePerms); err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not set version history permissions")
	}

	// os.Rename is atomic on POSIX and uses MoveFileEx with MOVEFILE_REPLACE_EXISTING on Windows.
	if err = os.Rename(tempPath, s.path); err != nil {
		return faults.Wrapf(faults.IO, "ledger.save", err, "could not move version history into place")
	}

	s.lastUpdated = stamp
	s.writeSnapshot(data)
	return nil
}

// writeSnapshot refreshes the compressed fallback copy of the ledger.
func (s *Store) writeSnapshot(data []byte) {
	snapPath := s.path + snapshotSuffix
	f, err := os.OpenFile(snapPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		s.log.Warn("Could not create ledger snapshot", "path", snapPath, "error", err)
		return
	}
	defer f.Close()

	zw := pgzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		s.log.Warn("Could not write ledger snapshot", "path", snapPath, "error", err)
		zw.Close()
		return
	}
	if err := zw.Close(); err != nil {
		s.log.Warn("Could not finish ledger snapshot", "path", snapPath, "error", err)
	}
}

// loadSnapshot reads and decodes the compressed fallback copy.
func (s *Store) loadSnapshot() (historyEnvelope, error) {
	snapPath := s.path + snapshotSuffix
	f, err := os.Open(snapPath)
	if err != nil {
		return historyEnvelope{}, fmt.Errorf("could not open snapshot %s: %w", snapPath, err)
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return historyEnvelope{}, fmt.Errorf("could not read snapshot %s: %w", snapPath, err)
	}
	defer zr.Close()

	var env historyEnvelope
	if err := json.NewDecoder(zr).Decode(&env); err != nil {
		return historyEnvelope{}, fmt.Errorf("could not parse snapshot %s: %w", snapPath, err)
	}
	return env, nil
}

func decodeEnvelope(data []byte) (historyEnvelope, error) {
	var env historyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return historyEnvelope{}, err
	}
	return env, nil
}

// decodeRecords parses each raw ledger entry on its own. A record that
// fails to parse or is missing required fields is skipped with a
// warning; losing one entry must never lose the history.
func decodeRecords(raw []json.RawMessage, log clog.Logger) []record.BackupRecord {
	records := make([]record.BackupRecord, 0, len(raw))
	for i, msg := range raw {
		var rec record.BackupRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Warn("Skipping unparseable history entry", "index", i, "error", err)
			continue
		}
		if err := rec.Validate(); err != nil {
			log.Warn("Skipping invalid history entry", "index", i, "id", rec.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func sortNewestFirst(records []record.BackupRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
