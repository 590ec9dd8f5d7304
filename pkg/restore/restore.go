// --- ARCHITECTURAL OVERVIEW: Restore ---
//
// The Engine mirrors the archive Writer's split: the Engine holds only
// reusable resources and is safe for concurrent use, while each Restore
// call carries its own plan and metrics.
//
// The two strategies make opposite promises:
//  1. NewLocation never touches existing data. The target must be absent
//     or an empty directory; anything else is a conflict and the run
//     returns before a single byte lands on disk.
//  2. Overwrite writes over the recorded source root. It is guarded, not
//     atomic: a restore point is taken first (and its failure aborts the
//     run with the source untouched), but once extraction starts a
//     failure leaves a partially overwritten tree behind.
//
// Cancellation mid-extraction into a fresh target discards the partial
// tree; the pre-check guarantees everything under it came from this run.

// Package restore extracts backup archives back onto the filesystem.
package restore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/pool"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/restoremetrics"
	"github.com/cronos-project/cronos-backup/pkg/util"
	"github.com/cronos-project/cronos-backup/pkg/verify"
)

const restoreOp = "restore"

// RestoresDirName is the directory under the backup root that collects
// new-location restores when the caller names no explicit target.
const RestoresDirName = "restores"

// SnapshotFunc captures the current source tree as a restore-point backup
// before an overwrite restore touches it, returning the record of the
// snapshot it created.
type SnapshotFunc func(ctx context.Context) (record.BackupRecord, error)

// Plan describes one restore run.
type Plan struct {
	// Backup is the resolved record of the archive to restore.
	Backup record.BackupRecord

	// Strategy selects the restore mode.
	Strategy Strategy

	// TargetPath overrides the default restore directory. Only honored by
	// the NewLocation strategy; Overwrite always targets the source root.
	TargetPath string

	// VerifyFirst re-checks the archive against its manifest before any
	// extraction. A failed check aborts the restore.
	VerifyFirst bool

	// Snapshot, when set, runs before an Overwrite restore writes anything.
	// Its failure aborts the run with the source tree untouched.
	Snapshot SnapshotFunc

	// Metrics enables restore statistics logging.
	Metrics bool
}

// Result reports what a restore run did.
type Result struct {
	// Target is the directory the archive was extracted into.
	Target string

	// FilesRestored counts extracted file and symlink members.
	FilesRestored uint64

	// RestorePoint is the snapshot taken before an overwrite restore,
	// nil when none was taken.
	RestorePoint *record.BackupRecord
}

// Engine extracts backup archives. One Engine serves the whole process.
type Engine struct {
	ioBufferPool *pool.FixedBufferPool
	backupRoot   string
	verifier     *verify.Verifier
	clk          clock.Clock
	log          clog.Logger
}

// NewEngine creates an Engine with the given I/O buffer size. backupRoot
// anchors default restore targets; verifier backs VerifyFirst plans.
func NewEngine(bufferSizeKB int, backupRoot string, verifier *verify.Verifier, clk clock.Clock, log clog.Logger) *Engine {
	if log == nil {
		log = clog.Nop()
	}
	return &Engine{
		backupRoot:   backupRoot,
		verifier:     verifier,
		clk:          clk,
		log:          log,
		ioBufferPool: pool.NewFixedBuffer(int64(bufferSizeKB) * 1024),
	}
}

// Restore extracts plan.Backup according to plan.Strategy.
func (e *Engine) Restore(ctx context.Context, plan Plan) (Result, error) {
	// Check for cancellation
	select {
	case <-ctx.Done():
		return Result{}, faults.Wrap(faults.Cancelled, restoreOp, ctx.Err())
	default:
	}

	switch plan.Strategy {
	case NewLocation, Overwrite:
	default:
		return Result{}, faults.Errorf(faults.Validation, restoreOp, "unsupported restore strategy %q", string(plan.Strategy))
	}

	if plan.VerifyFirst {
		if e.verifier == nil {
			return Result{}, faults.New(faults.Validation, restoreOp, "verification requested but no verifier configured")
		}
		report, err := e.verifier.Verify(ctx, plan.Backup)
		if err != nil {
			return Result{}, err
		}
		if !report.OK {
			return Result{}, faults.Errorf(faults.Corrupted, restoreOp, "pre-restore verification failed: %s", report.Reason)
		}
		e.log.Info("Pre-restore verification passed", "backup_id", plan.Backup.ID, "files_checked", report.FilesChecked)
	}

	var m restoremetrics.Metrics
	if plan.Metrics {
		m = restoremetrics.New(e.log)
	} else {
		// Use the No-op implementation if metrics are disabled.
		m = &restoremetrics.NoopMetrics{}
	}

	m.StartProgress("Restore progress", 10*time.Second)
	defer func() {
		m.StopProgress()
		m.LogSummary("Restore finished")
	}()

	if plan.Strategy == Overwrite {
		return e.restoreOverSource(ctx, plan, m)
	}
	return e.restoreToNewLocation(ctx, plan, m)
}

// restoreToNewLocation extracts into a directory that is guaranteed to
// hold no pre-existing data.
func (e *Engine) restoreToNewLocation(ctx context.Context, plan Plan, m restoremetrics.Metrics) (Result, error) {
	target := plan.TargetPath
	if target == "" {
		target = e.defaultTarget(plan.Backup)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return Result{}, faults.Wrapf(faults.Validation, restoreOp, err, "invalid restore target %q", target)
	}

	created, err := prepareFreshTarget(absTarget)
	if err != nil {
		return Result{}, err
	}

	e.log.Info("Restoring to new location", "backup_id", plan.Backup.ID, "archive", plan.Backup.Location, "target", absTarget)

	files, err := e.extract(ctx, plan.Backup.Location, absTarget, m)
	if err != nil {
		if faults.Is(err, faults.Cancelled) {
			e.discardPartial(absTarget, created)
		}
		return Result{}, err
	}
	return Result{Target: absTarget, FilesRestored: files}, nil
}

// restoreOverSource extracts over the backup's recorded source root,
// taking a restore point first when the plan provides one.
func (e *Engine) restoreOverSource(ctx context.Context, plan Plan, m restoremetrics.Metrics) (Result, error) {
	source := plan.Backup.SourceRoot()
	if source == "" {
		return Result{}, faults.New(faults.Validation, restoreOp, "backup does not record its source root; use a new-location restore")
	}

	res := Result{Target: source}
	if plan.Snapshot != nil {
		snap, err := plan.Snapshot(ctx)
		if err != nil {
			kind := faults.KindOf(err)
			if kind == faults.Unknown {
				kind = faults.IO
			}
			return Result{}, faults.Wrapf(kind, restoreOp, err, "restore point creation failed; source tree left untouched")
		}
		res.RestorePoint = &snap
		e.log.Info("Restore point created", "backup_id", snap.ID, "archive", snap.Location)
	}

	if err := os.MkdirAll(source, util.UserWritableDirPerms); err != nil {
		return Result{}, faults.Wrapf(faults.IO, restoreOp, err, "cannot create source root %q", source)
	}

	e.log.Info("Restoring over source root", "backup_id", plan.Backup.ID, "archive", plan.Backup.Location, "target", source)

	files, err := e.extract(ctx, plan.Backup.Location, source, m)
	if err != nil {
		// No rollback here: the restore point is the recovery path.
		return Result{}, err
	}
	res.FilesRestored = files
	return res, nil
}

// defaultTarget names the destination of a new-location restore:
// <backupRoot>/restores/restore_<id>_<now-token>.
func (e *Engine) defaultTarget(rec record.BackupRecord) string {
	id := rec.ID
	if id == "" {
		id = util.SanitizeName(strings.TrimSuffix(rec.ArchiveBaseName(), record.ArchiveSuffix))
	}
	token := e.clk.Now().UTC().Format(record.TimestampTokenFormat)
	return filepath.Join(e.backupRoot, RestoresDirName, "restore_"+id+"_"+token)
}

// prepareFreshTarget ensures target either does not exist yet or is an
// empty directory, creating it in the former case. Nothing on disk has
// changed when it returns an error.
func prepareFreshTarget(target string) (created bool, err error) {
	info, statErr := os.Lstat(target)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if mkErr := os.MkdirAll(target, util.UserWritableDirPerms); mkErr != nil {
			return false, faults.Wrapf(faults.IO, restoreOp, mkErr, "cannot create restore target %q", target)
		}
		return true, nil
	case statErr != nil:
		return false, faults.Wrapf(faults.IO, restoreOp, statErr, "cannot inspect restore target %q", target)
	case !info.IsDir():
		return false, faults.Errorf(faults.Conflict, restoreOp, "restore target %q already exists and is not a directory", target)
	}

	entries, readErr := os.ReadDir(target)
	if readErr != nil {
		return false, faults.Wrapf(faults.IO, restoreOp, readErr, "cannot inspect restore target %q", target)
	}
	if len(entries) > 0 {
		return false, faults.Errorf(faults.Conflict, restoreOp, "restore target %q is not empty", target)
	}
	return false, nil
}

// discardPartial removes what a cancelled run left under target. When the
// run created the directory the whole tree goes; when the directory
// pre-existed it was verified empty, so its children are all ours.
func (e *Engine) discardPartial(target string, created bool) {
	if created {
		if err := os.RemoveAll(target); err != nil {
			e.log.Warn("Could not discard partial restore", "path", target, "error", err)
		}
		return
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		e.log.Warn("Could not discard partial restore", "path", target, "error", err)
		return
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(target, entry.Name())); err != nil {
			e.log.Warn("Could not discard partial restore", "path", filepath.Join(target, entry.Name()), "error", err)
		}
	}
}
