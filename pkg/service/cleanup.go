package service

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/cleanupmetrics"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/resolve"
	"github.com/cronos-project/cronos-backup/pkg/retention"
)

// CleanupRequest controls a cleanup run.
type CleanupRequest struct {
	// DryRun reports the plan without deleting anything or touching the
	// ledger.
	DryRun bool
}

// CleanupReport is the outcome of one cleanup run.
type CleanupReport struct {
	// Kept holds the surviving backups with their retention categories.
	Kept []retention.Decision

	// Deleted lists the backups whose archives were removed (or, in a dry
	// run, would be).
	Deleted []record.BackupRecord

	// Failed lists the backups whose archives could not be removed. Their
	// records stay in the ledger so the next run retries.
	Failed []record.BackupRecord

	// Dangling lists ledger entries whose archives were already gone.
	Dangling []record.BackupRecord

	// Strays lists archives on disk the ledger knows nothing about. They
	// are reported for operator review, never deleted.
	Strays []record.BackupRecord

	DryRun bool
}

// cleanupTask holds the mutable state for a single cleanup run, keeping
// the service itself stateless across runs.
type cleanupTask struct {
	*BackupService

	ctx     context.Context
	dryRun  bool
	metrics cleanupmetrics.Metrics

	deleteTasksChan chan record.BackupRecord
	deleteWg        sync.WaitGroup

	resMu   sync.Mutex
	deleted []record.BackupRecord
	failed  []record.BackupRecord
}

// Cleanup reconciles the ledger with the backup directory and applies the
// retention policy. The service lock is held for the entire run.
func (s *BackupService) Cleanup(ctx context.Context, req CleanupRequest) (CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m cleanupmetrics.Metrics
	if s.cfg.Engine.Metrics {
		m = cleanupmetrics.New(s.log)
	} else {
		// Use the No-op implementation if metrics are disabled.
		m = &cleanupmetrics.NoopMetrics{}
	}

	t := &cleanupTask{
		BackupService:   s,
		ctx:             ctx,
		dryRun:          req.DryRun,
		metrics:         m,
		deleteTasksChan: make(chan record.BackupRecord),
	}
	rep, err := t.execute()
	if err != nil {
		s.log.Error("Cleanup failed", "error", err)
		return rep, err
	}

	s.pub.Publish(alert.TopicCleanupCompleted, map[string]any{
		"deleted":  len(rep.Deleted),
		"failed":   len(rep.Failed),
		"kept":     len(rep.Kept),
		"dangling": len(rep.Dangling),
		"strays":   len(rep.Strays),
		"dry_run":  rep.DryRun,
	})
	return rep, nil
}

// execute runs the cleanup logic.
func (t *cleanupTask) execute() (CleanupReport, error) {
	// Check for cancellation
	select {
	case <-t.ctx.Done():
		return CleanupReport{}, faults.Wrap(faults.Cancelled, cleanupOp, t.ctx.Err())
	default:
	}

	scan, err := resolve.Scan(t.cfg.Backup.Directory, t.store.Records(), t.log)
	if err != nil {
		return CleanupReport{}, err
	}

	rep := CleanupReport{DryRun: t.dryRun}

	// Ledger entries whose archives vanished: drop them instead of letting
	// them haunt every future listing.
	rep.Dangling = scan.Dangling
	for _, rec := range scan.Dangling {
		if t.dryRun {
			t.log.Info("[DRY RUN] DROP dangling ledger entry", "backup_id", rec.ID, "archive", rec.Location)
			continue
		}
		t.log.Warn("Dropping ledger entry with no archive on disk", "backup_id", rec.ID, "archive", rec.Location)
		t.store.Remove(rec.ID)
	}

	rep.Strays = scan.Strays()
	t.metrics.AddStraysFound(int64(len(rep.Strays)))
	for _, stray := range rep.Strays {
		t.log.Info("Found archive not in the ledger", "archive", stray.Location, "name", stray.Name)
	}

	ledgered := make([]record.BackupRecord, 0, len(scan.Candidates))
	for _, cand := range scan.Candidates {
		if cand.InLedger {
			ledgered = append(ledgered, cand.Record)
		}
	}

	plan := retention.Compute(ledgered, retention.Policy{
		Daily:   t.cfg.Backup.Retention.Daily,
		Weekly:  t.cfg.Backup.Retention.Weekly,
		Monthly: t.cfg.Backup.Retention.Monthly,
	}, t.clk.Now())
	rep.Kept = plan.Keep

	if len(plan.Delete) == 0 {
		t.log.Debug("No backups need deletion")
	} else {
		t.log.Info("Deleting outdated backups", "count", len(plan.Delete))

		t.metrics.StartProgress("Cleanup progress", 10*time.Second)

		// Start workers
		for i := 0; i < t.cfg.Engine.Workers; i++ {
			t.deleteWg.Add(1)
			go t.deleteWorker()
		}

		// Start producer
		go t.deleteProducer(plan.Delete)

		t.deleteWg.Wait()
		t.metrics.StopProgress()
	}
	rep.Deleted = t.deleted
	rep.Failed = t.failed

	if !t.dryRun {
		// Records whose archives were deleted leave the ledger even when
		// the run was cancelled partway; a record must never outlive its
		// archive because of an interrupt.
		for _, rec := range t.deleted {
			t.store.Remove(rec.ID)
		}
		for _, dec := range plan.Keep {
			t.store.SetCategory(dec.Record.ID, dec.Category)
		}
		if err := t.store.Save(); err != nil {
			return rep, err
		}
	}

	t.metrics.LogSummary("Cleanup finished")

	if err := t.ctx.Err(); err != nil {
		return rep, faults.Wrap(faults.Cancelled, cleanupOp, err)
	}
	return rep, nil
}

// deleteProducer feeds the doomed backups into the channel for workers.
func (t *cleanupTask) deleteProducer(toDelete []record.BackupRecord) {
	defer close(t.deleteTasksChan)
	for _, rec := range toDelete {
		select {
		case <-t.ctx.Done():
			t.log.Debug("Cancellation received, stopping cleanup feeding")
			return // Stop feeding on cancel.
		case t.deleteTasksChan <- rec:
		}
	}
}

// deleteWorker consumes records from the channel and deletes their
// artifacts.
func (t *cleanupTask) deleteWorker() {
	defer t.deleteWg.Done()
	for rec := range t.deleteTasksChan {
		// Check for cancellation before each deletion.
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.dryRun {
			t.log.Info("[DRY RUN] DELETE", "archive", rec.Location)
			t.note(rec, true)
			continue
		}

		t.log.Info("DELETE", "archive", rec.Location)
		if err := removeArtifact(rec.Location); err != nil {
			t.metrics.AddBackupsFailed(1)
			t.log.Warn("Failed to delete outdated archive", "archive", rec.Location, "error", err)
			t.note(rec, false)
			continue
		}
		// A manifest is useless without its archive; failing to remove one
		// is only worth a warning.
		if err := removeArtifact(rec.ManifestPath()); err != nil {
			t.log.Warn("Failed to delete manifest", "manifest", rec.ManifestPath(), "error", err)
		}
		t.metrics.AddBackupsDeleted(1)
		t.note(rec, true)
	}
}

// note records one delete outcome. Workers run concurrently.
func (t *cleanupTask) note(rec record.BackupRecord, ok bool) {
	t.resMu.Lock()
	defer t.resMu.Unlock()
	if ok {
		t.deleted = append(t.deleted, rec)
	} else {
		t.failed = append(t.failed, rec)
	}
}

// removeArtifact deletes a file, tolerating one that is already gone.
func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
