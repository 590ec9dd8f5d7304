// --- ARCHITECTURAL OVERVIEW: Coordinator ---
//
// BackupService ties the engine together: preflight, archive writer,
// restore engine, verifier, retention and the ledger. It owns the only
// mutex in the system; the ledger store itself is not safe for concurrent
// use and every access to it happens under mu.
//
// Locking follows the work: long filesystem operations (archiving,
// extraction) run outside the lock and only the ledger commit takes it,
// so a slow backup never blocks a concurrent list. Cleanup is the
// exception and holds the lock for its whole run, because it interleaves
// disk deletions with ledger mutations and a concurrent writer could
// otherwise observe records whose archives are half gone.
//
// Every public operation reports failures twice: once as a structured log
// line and once as an alert on the dispatcher. Alerts never fail an
// operation; the Dispatcher guarantees that.

// Package service exposes the backup engine's public operations.
package service

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/juju/clock"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/archive"
	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/config"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/ledger"
	"github.com/cronos-project/cronos-backup/pkg/preflight"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/resolve"
	"github.com/cronos-project/cronos-backup/pkg/restore"
	"github.com/cronos-project/cronos-backup/pkg/verify"
)

const (
	createOp  = "backup.create"
	restoreOp = "backup.restore"
	cleanupOp = "backup.cleanup"
	verifyOp  = "backup.verify"
	listOp    = "backup.list"
)

// BackupService coordinates all backup lifecycle operations against one
// backup directory. It is safe for concurrent use.
type BackupService struct {
	cfg config.Config

	mu    sync.Mutex
	store *ledger.Store

	writer   *archive.Writer
	engine   *restore.Engine
	verifier *verify.Verifier
	pub      *alert.Dispatcher
	clk      clock.Clock
	log      clog.Logger

	level           archive.Level
	defaultStrategy restore.Strategy
}

// New builds a BackupService from a validated configuration. The ledger
// is opened (and created if absent) immediately, so construction fails
// fast on an unusable backup directory.
func New(cfg config.Config, clk clock.Clock, pub alert.Publisher, log clog.Logger) (*BackupService, error) {
	if log == nil {
		log = clog.Nop()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := archive.ParseLevel(cfg.Backup.CompressionLevel)
	if err != nil {
		return nil, faults.Wrap(faults.Config, "service.new", err)
	}
	strategy, err := restore.ParseStrategy(cfg.Restore.DefaultStrategy)
	if err != nil {
		return nil, faults.Wrap(faults.Config, "service.new", err)
	}

	if !cfg.Alerts.Enabled {
		pub = nil
	}
	dispatcher := alert.NewDispatcher(pub, log)

	store, err := ledger.Open(filepath.Join(cfg.Backup.Directory, ledger.FileName), clk, log)
	if err != nil {
		return nil, err
	}

	verifier := verify.NewVerifier(cfg.Engine.Workers, log)
	return &BackupService{
		cfg:             cfg,
		store:           store,
		writer:          archive.NewWriter(cfg.Engine.BufferSizeKB, clk, dispatcher, log),
		engine:          restore.NewEngine(cfg.Engine.BufferSizeKB, cfg.Backup.Directory, verifier, clk, log),
		verifier:        verifier,
		pub:             dispatcher,
		clk:             clk,
		log:             log,
		level:           level,
		defaultStrategy: strategy,
	}, nil
}

// CreateRequest describes one backup to take.
type CreateRequest struct {
	// Name labels the backup; it becomes the archive's base name.
	Name string

	// SourceDir is the directory tree to archive.
	SourceDir string

	// Type classifies the backup. Empty defaults to manual.
	Type record.BackupType

	// Metadata is merged into the record and the embedded archive metadata.
	Metadata map[string]string

	// DryRun walks the source and reports what would be archived without
	// touching the filesystem.
	DryRun bool
}

// CreateReport is the outcome of a creation run.
type CreateReport struct {
	Record  record.BackupRecord
	Skipped []archive.FileOutcome
	DryRun  bool
}

// CreateBackup archives req.SourceDir into the backup directory and
// commits the resulting record to the ledger.
func (s *BackupService) CreateBackup(ctx context.Context, req CreateRequest) (CreateReport, error) {
	rep, err := s.createBackup(ctx, req)
	if err != nil {
		s.log.Error("Backup failed", "backup_name", req.Name, "source", req.SourceDir, "error", err)
		s.pub.Publish(alert.TopicBackupFailed, map[string]any{
			"backup_name": req.Name,
			"reason":      string(faults.KindOf(err)),
			"error":       err.Error(),
		})
		return CreateReport{}, err
	}
	if rep.DryRun {
		s.log.Info("Dry run complete", "backup_name", req.Name, "files", rep.Record.FileCount)
		return rep, nil
	}
	s.publishCreated(rep.Record)
	return rep, nil
}

// createBackup is the alert-free creation path shared with restore
// points.
func (s *BackupService) createBackup(ctx context.Context, req CreateRequest) (CreateReport, error) {
	if req.Name == "" {
		return CreateReport{}, faults.New(faults.Validation, createOp, "backup name must not be empty")
	}
	typ := req.Type
	if typ == "" {
		typ = record.TypeManual
	}
	if _, err := record.ParseBackupType(string(typ)); err != nil {
		return CreateReport{}, faults.Wrap(faults.Validation, createOp, err)
	}

	if err := preflight.CheckSource(req.SourceDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CreateReport{}, faults.Wrap(faults.NotFound, createOp, err)
		}
		return CreateReport{}, faults.Wrap(faults.Validation, createOp, err)
	}
	if !req.DryRun {
		if err := preflight.CheckTarget(s.cfg.Backup.Directory, s.cfg.Engine.MinFreeSpaceMB); err != nil {
			return CreateReport{}, faults.Wrap(faults.IO, createOp, err)
		}
		if onSystem, err := preflight.OnSystemDisk(s.cfg.Backup.Directory); err == nil && onSystem {
			s.log.Warn("Backup directory is on the system disk; an external drive may not be mounted",
				"directory", s.cfg.Backup.Directory)
		}
	}

	res, err := s.writer.Create(ctx, archive.CreatePlan{
		SourceRoot: req.SourceDir,
		TargetDir:  s.cfg.Backup.Directory,
		Name:       req.Name,
		Type:       typ,
		Include:    s.cfg.Backup.Include,
		Exclude:    s.cfg.Backup.Exclude,
		// The backup directory must never archive itself.
		ExcludeSubtrees: []string{s.cfg.Backup.Directory},
		Level:           s.level,
		ProgressEvery:   s.cfg.Backup.ProgressEvery,
		Metadata:        req.Metadata,
		DryRun:          req.DryRun,
		Metrics:         s.cfg.Engine.Metrics,
	})
	if err != nil {
		return CreateReport{}, err
	}
	if req.DryRun {
		return CreateReport{Record: res.Record, Skipped: res.Skipped, DryRun: true}, nil
	}

	s.mu.Lock()
	s.store.Add(res.Record)
	saveErr := s.store.Save()
	s.mu.Unlock()
	if saveErr != nil {
		// The archive exists; the next cleanup scan will rediscover it as
		// a stray even though this run could not record it.
		s.log.Error("Backup archived but ledger update failed", "backup_id", res.Record.ID, "error", saveErr)
		return CreateReport{}, saveErr
	}

	return CreateReport{Record: res.Record, Skipped: res.Skipped}, nil
}

func (s *BackupService) publishCreated(rec record.BackupRecord) {
	s.pub.Publish(alert.TopicBackupCreated, map[string]any{
		"backup_id":   rec.ID,
		"backup_name": rec.Name,
		"backup_type": rec.Type.String(),
		"location":    rec.Location,
		"size_bytes":  rec.SizeBytes,
		"file_count":  rec.FileCount,
	})
}

// List returns the merged ledger and disk view, newest first. Stray
// archives appear with InLedger false; ledger entries whose archive is
// gone do not appear at all (the next cleanup drops them).
func (s *BackupService) List(ctx context.Context) ([]resolve.Candidate, error) {
	// Check for cancellation
	select {
	case <-ctx.Done():
		return nil, faults.Wrap(faults.Cancelled, listOp, ctx.Err())
	default:
	}

	scan, err := s.scanBackups()
	if err != nil {
		return nil, err
	}
	candidates := scan.Candidates
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Record.Timestamp.After(candidates[j].Record.Timestamp)
	})
	return candidates, nil
}

// VerifyBackup checks one backup against its manifest. The report carries
// the outcome; the error return is reserved for cancellation and lookup
// failures.
func (s *BackupService) VerifyBackup(ctx context.Context, backupID string) (verify.Report, record.BackupRecord, error) {
	rec, err := s.resolveBackup(backupID)
	if err != nil {
		return verify.Report{}, record.BackupRecord{}, err
	}

	report, err := s.verifier.Verify(ctx, rec)
	if err != nil {
		return verify.Report{}, rec, err
	}
	if !report.OK {
		s.log.Warn("Verification failed", "backup_id", rec.ID, "reason", report.Reason)
		s.pub.Publish(alert.TopicVerifyFailed, map[string]any{
			"backup_id": rec.ID,
			"location":  rec.Location,
			"reason":    report.Reason,
		})
	}
	return report, rec, nil
}

// scanBackups reconciles the ledger with the backup directory. The lock
// is held only while copying the records; the disk walk runs outside it.
func (s *BackupService) scanBackups() (resolve.ScanResult, error) {
	s.mu.Lock()
	records := s.store.Records()
	s.mu.Unlock()

	return resolve.Scan(s.cfg.Backup.Directory, records, s.log)
}

// resolveBackup maps a user-supplied identifier to a concrete record,
// considering both the ledger and archives found on disk.
func (s *BackupService) resolveBackup(backupID string) (record.BackupRecord, error) {
	scan, err := s.scanBackups()
	if err != nil {
		return record.BackupRecord{}, err
	}
	cand, err := resolve.Resolve(backupID, scan.Candidates)
	if err != nil {
		return record.BackupRecord{}, err
	}
	if !cand.InLedger {
		s.log.Info("Resolved backup is not in the ledger", "backup_id", backupID, "location", cand.Record.Location)
	}
	return cand.Record, nil
}
