package service

import (
	"context"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/restore"
)

// RestoreRequest describes one restore run. Use NewRestoreRequest to
// start from the configured defaults.
type RestoreRequest struct {
	// BackupID identifies the backup: a record ID, an archive file name,
	// or a unique suffix of one.
	BackupID string

	// TargetDir overrides the default restore location. Only honored by
	// the new-location strategy.
	TargetDir string

	// Strategy selects the restore mode. Empty falls back to the
	// configured default.
	Strategy restore.Strategy

	// Verify re-checks the archive against its manifest before extraction.
	Verify bool

	// RestorePoint snapshots the source tree before an overwrite restore.
	RestorePoint bool
}

// NewRestoreRequest returns a request for backupID with the configured
// restore defaults applied.
func (s *BackupService) NewRestoreRequest(backupID string) RestoreRequest {
	return RestoreRequest{
		BackupID:     backupID,
		Strategy:     s.defaultStrategy,
		Verify:       s.cfg.Restore.VerifyIntegrity,
		RestorePoint: s.cfg.Restore.CreateRestorePoint,
	}
}

// RestoreReport is the outcome of a restore run.
type RestoreReport struct {
	// Record is the backup that was restored.
	Record record.BackupRecord

	// Target is the directory the archive was extracted into.
	Target string

	// FilesRestored counts extracted file and symlink members.
	FilesRestored uint64

	// RestorePoint is the pre-restore snapshot, nil when none was taken.
	RestorePoint *record.BackupRecord

	// Verified reports whether the archive passed a pre-restore check.
	Verified bool
}

// RestoreBackup resolves req.BackupID and extracts it according to the
// requested strategy.
func (s *BackupService) RestoreBackup(ctx context.Context, req RestoreRequest) (RestoreReport, error) {
	rep, err := s.restoreBackup(ctx, req)
	if err != nil {
		s.log.Error("Restore failed", "backup_id", req.BackupID, "error", err)
		s.pub.Publish(alert.TopicRestoreFailed, map[string]any{
			"backup_id": req.BackupID,
			"reason":    string(faults.KindOf(err)),
			"error":     err.Error(),
		})
		return RestoreReport{}, err
	}
	s.pub.Publish(alert.TopicRestoreCompleted, map[string]any{
		"backup_id":      rep.Record.ID,
		"backup_name":    rep.Record.Name,
		"target":         rep.Target,
		"files_restored": rep.FilesRestored,
	})
	return rep, nil
}

func (s *BackupService) restoreBackup(ctx context.Context, req RestoreRequest) (RestoreReport, error) {
	rec, err := s.resolveBackup(req.BackupID)
	if err != nil {
		return RestoreReport{}, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.defaultStrategy
	}

	var snapshot restore.SnapshotFunc
	if strategy == restore.Overwrite && req.RestorePoint {
		snapshot = func(ctx context.Context) (record.BackupRecord, error) {
			return s.createRestorePoint(ctx, rec)
		}
	}

	res, err := s.engine.Restore(ctx, restore.Plan{
		Backup:      rec,
		Strategy:    strategy,
		TargetPath:  req.TargetDir,
		VerifyFirst: req.Verify,
		Snapshot:    snapshot,
		Metrics:     s.cfg.Engine.Metrics,
	})
	if err != nil {
		return RestoreReport{}, err
	}

	s.log.Info("Restore complete", "backup_id", rec.ID, "target", res.Target, "files", res.FilesRestored)
	return RestoreReport{
		Record:        rec,
		Target:        res.Target,
		FilesRestored: res.FilesRestored,
		RestorePoint:  res.RestorePoint,
		Verified:      req.Verify,
	}, nil
}

// createRestorePoint snapshots the backup's source tree before an
// overwrite restore replaces it. The snapshot is a full backup in its own
// right: recorded in the ledger and subject to retention like any other.
func (s *BackupService) createRestorePoint(ctx context.Context, rec record.BackupRecord) (record.BackupRecord, error) {
	rep, err := s.createBackup(ctx, CreateRequest{
		Name:      rec.Name + "_pre_restore",
		SourceDir: rec.SourceRoot(),
		Type:      record.TypeRestorePoint,
	})
	if err != nil {
		return record.BackupRecord{}, err
	}
	s.publishCreated(rep.Record)
	return rep.Record, nil
}
