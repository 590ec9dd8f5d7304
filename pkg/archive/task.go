package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/archivemetrics"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/manifest"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

const (
	createOp = "archive.create"

	tempFilePrefix = "cronos-backup-"
	tempFileSuffix = ".zip.tmp"

	// staleTempAge guards the temp file janitor: a live temp file has its
	// mtime refreshed by every write, so only abandoned files age past this.
	staleTempAge = time.Hour
)

// task holds the mutable state for a single archive creation run.
// This keeps the Writer itself stateless and safe for concurrent use.
type createTask struct {
	*Writer

	ctx     context.Context
	plan    CreatePlan
	match   *matcher
	metrics archivemetrics.Metrics

	createdAt time.Time
	archiveID string
	tempPath  string

	entries    []manifest.Entry
	skipped    []FileOutcome
	fileCount  uint64
	sinceAlert int
}

// execute runs the archive creation.
func (t *createTask) execute() (Result, error) {
	absSource, err := filepath.Abs(t.plan.SourceRoot)
	if err != nil {
		return Result{}, faults.Wrapf(faults.Validation, createOp, err, "bad source root %q", t.plan.SourceRoot)
	}
	info, err := os.Stat(absSource)
	if err != nil {
		return Result{}, faults.Wrapf(faults.NotFound, createOp, err, "source root %s", absSource)
	}
	if !info.IsDir() {
		return Result{}, faults.Errorf(faults.Validation, createOp, "source root %s is not a directory", absSource)
	}

	t.createdAt = t.clk.Now().UTC()
	t.archiveID = uuid.NewString()

	sanitized := util.SanitizeName(t.plan.Name)
	finalPath := filepath.Join(t.plan.TargetDir, record.ArchiveFileName(sanitized, t.createdAt))

	if t.plan.DryRun {
		if err := t.enumerate(absSource); err != nil {
			return Result{}, t.asFault(err)
		}
		return Result{
			Record: record.BackupRecord{
				Name:      t.plan.Name,
				Timestamp: t.createdAt,
				Type:      t.plan.Type,
				Location:  finalPath,
				FileCount: t.fileCount,
				Metadata:  t.mergedMetadata(absSource),
			},
			Skipped: t.skipped,
		}, nil
	}

	if err := os.MkdirAll(t.plan.TargetDir, util.UserWritableDirPerms); err != nil {
		return Result{}, faults.Wrapf(faults.IO, createOp, err, "could not create backup directory %s", t.plan.TargetDir)
	}

	// Cleanup stale tmp files from previous crashed runs.
	// We do this first to ensure we aren't wasting disk space or
	// potentially confusing os.CreateTemp.
	t.cleanupStaleTempFiles(t.plan.TargetDir)

	tempPath, err := t.createArchive(absSource)
	if err != nil {
		return Result{}, t.asFault(err)
	}
	defer os.Remove(tempPath)

	archiveInfo, err := os.Stat(tempPath)
	if err != nil {
		return Result{}, faults.Wrap(faults.IO, createOp, err)
	}
	t.metrics.AddCompressedBytes(archiveInfo.Size())

	// Commit the manifest before the archive. A crash between the two
	// leaves an orphaned manifest, which is harmless; the reverse order
	// could leave an archive that can never be verified.
	manifestPath := finalPath + record.ManifestSuffix
	if err := manifest.WriteFile(manifestPath, t.entries); err != nil {
		return Result{}, faults.Wrapf(faults.IO, createOp, err, "could not write manifest for %s", finalPath)
	}

	// os.Rename is atomic on POSIX and uses MoveFileEx with MOVEFILE_REPLACE_EXISTING on Windows.
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(manifestPath)
		return Result{}, faults.Wrapf(faults.IO, createOp, err, "could not move archive into place")
	}

	return Result{
		Record: record.BackupRecord{
			ID:        t.archiveID,
			Name:      t.plan.Name,
			Timestamp: t.createdAt,
			Type:      t.plan.Type,
			Location:  finalPath,
			SizeBytes: uint64(archiveInfo.Size()),
			FileCount: t.fileCount,
			Metadata:  t.mergedMetadata(absSource),
		},
		ManifestPath: manifestPath,
		Skipped:      t.skipped,
	}, nil
}

// createArchive writes the temporary archive file and returns its path.
// It uses a temporary file and an atomic rename (done by the caller) to
// prevent partial/corrupt archives.
func (t *createTask) createArchive(absSource string) (tempPath string, err error) {
	tempFile, err := os.CreateTemp(t.plan.TargetDir, tempFilePrefix+"*"+tempFileSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary archive file: %w", err)
	}
	tempPath = tempFile.Name()
	t.tempPath = tempPath

	// Get a buffered writer from the pool. It sits between the
	// compressor and the disk to reduce syscalls; reusing buffers
	// reduces GC pressure.
	bufWriter := t.ioWriterPool.Get().(*bufio.Writer)
	bufWriter.Reset(tempFile)
	defer func() {
		bufWriter.Reset(io.Discard)
		t.ioWriterPool.Put(bufWriter)
	}()

	zipWriter := zip.NewWriter(bufWriter)
	level := t.plan.Level.flateLevel()
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	// Handle cleanup through the named return `err`. The writer chain
	// must be torn down innermost-first, and the temp file removed if
	// anything failed along the way.
	defer func() {
		if closeErr := zipWriter.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("zip writer close failed: %w", closeErr)
		}
		if flushErr := bufWriter.Flush(); flushErr != nil && err == nil {
			err = fmt.Errorf("buffer flush failed: %w", flushErr)
		}
		if fileErr := tempFile.Close(); fileErr != nil && err == nil {
			err = fmt.Errorf("temp file close failed: %w", fileErr)
		}
		if err != nil {
			os.Remove(tempPath)
		}
	}()

	// The reserved metadata member goes in first so the archive is
	// self-describing even when truncated.
	if err = t.writeMetadataMember(zipWriter, absSource); err != nil {
		return "", err
	}

	walkErr := t.walkTree(absSource, func(absPath, relPath string, info os.FileInfo) error {
		added, addErr := t.addEntry(zipWriter, absPath, relPath, info)
		if addErr != nil {
			return addErr
		}
		if added {
			t.noteAdded(relPath, info)
		}
		return nil
	})
	if walkErr != nil {
		err = walkErr // Assign to the named return variable so the defer block sees it.
		return "", err
	}

	return tempPath, nil
}

// enumerate runs the matching walk without writing anything.
func (t *createTask) enumerate(absSource string) error {
	return t.walkTree(absSource, func(absPath, relPath string, info os.FileInfo) error {
		t.log.Debug("[DRY RUN] ADD", "file", relPath)
		t.fileCount++
		t.metrics.AddFilesAdded(1)
		t.metrics.AddOriginalBytes(info.Size())
		return nil
	})
}

// walkTree walks the source tree applying pattern selection, subtree
// pruning and cancellation checks, handing every selected file to
// handle. Per-file stat problems are recorded as skips; only handle
// errors and cancellation abort the walk.
func (t *createTask) walkTree(absSource string, handle func(absPath, relPath string, info os.FileInfo) error) error {
	return filepath.WalkDir(absSource, func(absPath string, d fs.DirEntry, walkErr error) error {
		select {
		case <-t.ctx.Done():
			return context.Canceled
		default:
		}

		if walkErr != nil {
			if absPath == absSource {
				return walkErr // The root itself is unreadable; nothing to archive.
			}
			t.skip(t.relPosix(absSource, absPath), walkErr)
			return nil
		}
		if absPath == absSource {
			return nil
		}

		relPath := t.relPosix(absSource, absPath)
		base := d.Name()

		if d.IsDir() {
			if t.isExcludedSubtree(absPath) || t.match.excluded(relPath, base) {
				return fs.SkipDir
			}
			return nil
		}
		// Never archive our own in-progress artifact.
		if absPath == t.tempPath {
			return nil
		}
		if !t.match.selects(relPath, base) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			t.skip(relPath, err)
			return nil
		}
		return handle(absPath, relPath, info)
	})
}

// addEntry writes one file or symlink into the archive and appends its
// checksum to the manifest entries. It reports added=false for files
// skipped because they could not be read in the first place; errors
// after bytes reached the zip stream are returned as fatal.
func (t *createTask) addEntry(zw *zip.Writer, absPath, relPath string, info os.FileInfo) (added bool, err error) {
	if info.Mode()&os.ModeSymlink != 0 {
		return t.addSymlink(zw, absPath, relPath, info)
	}
	return t.addFile(zw, absPath, relPath, info)
}

func (t *createTask) addFile(zw *zip.Writer, absPath, relPath string, info os.FileInfo) (bool, error) {
	// Open before touching the zip stream so an unreadable file skips cleanly.
	f, err := os.Open(absPath)
	if err != nil {
		t.skip(relPath, err)
		return false, nil
	}
	defer f.Close()

	// Create a zip header from the file info.
	// By using FileInfoHeader, we preserve the original file's
	// permissions (Mode) and modification time; zip.Create() would use
	// defaults and the current time.
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		t.skip(relPath, err)
		return false, nil
	}
	header.Name = relPath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return false, fmt.Errorf("failed to create entry for %s in zip: %w", relPath, err)
	}

	hash := sha256.New()

	// Use a closure so the copy buffer returns to the pool right after
	// this file, not after the whole walk.
	err = func() error {
		bufPtr := t.ioBufferPool.Get()
		defer t.ioBufferPool.Put(bufPtr)
		_, copyErr := io.CopyBuffer(io.MultiWriter(writer, hash), f, *bufPtr)
		return copyErr
	}()
	if err != nil {
		// Bytes may already sit in the archive stream; the member cannot
		// be unwritten, so this poisons the whole artifact.
		return false, fmt.Errorf("failed to copy file %s to zip: %w", absPath, err)
	}

	t.entries = append(t.entries, manifest.Entry{
		Sum:  hex.EncodeToString(hash.Sum(nil)),
		Path: relPath,
	})
	return true, nil
}

func (t *createTask) addSymlink(zw *zip.Writer, absPath, relPath string, info os.FileInfo) (bool, error) {
	target, err := os.Readlink(absPath)
	if err != nil {
		t.skip(relPath, err)
		return false, nil
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		t.skip(relPath, err)
		return false, nil
	}
	header.Name = relPath
	header.Method = zip.Store

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return false, fmt.Errorf("failed to create entry for %s in zip: %w", relPath, err)
	}
	if _, err := writer.Write([]byte(target)); err != nil {
		return false, fmt.Errorf("failed to write link target for %s: %w", relPath, err)
	}

	sum := sha256.Sum256([]byte(target))
	t.entries = append(t.entries, manifest.Entry{
		Sum:  hex.EncodeToString(sum[:]),
		Path: relPath,
	})
	return true, nil
}

// writeMetadataMember stores the reserved self-description document as
// the first archive member.
func (t *createTask) writeMetadataMember(zw *zip.Writer, absSource string) error {
	doc := record.ArchiveMetadata{
		ID:        t.archiveID,
		Name:      t.plan.Name,
		CreatedAt: t.createdAt,
		Type:      t.plan.Type,
		Metadata:  t.mergedMetadata(absSource),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal archive metadata: %w", err)
	}

	header := &zip.FileHeader{
		Name:     record.MetadataMemberName,
		Method:   zip.Deflate,
		Modified: t.createdAt,
	}
	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create metadata member: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write metadata member: %w", err)
	}
	return nil
}

// noteAdded does the per-file bookkeeping after a successful add.
func (t *createTask) noteAdded(relPath string, info os.FileInfo) {
	t.log.Debug("ADD", "file", relPath)
	t.fileCount++
	t.metrics.AddFilesAdded(1)
	t.metrics.AddOriginalBytes(info.Size())

	if t.plan.ProgressEvery <= 0 {
		return
	}
	t.sinceAlert++
	if t.sinceAlert >= t.plan.ProgressEvery {
		t.sinceAlert = 0
		t.pub.Publish(alert.TopicBackupProgress, map[string]any{
			"backup_name":     t.plan.Name,
			"backup_type":     t.plan.Type.String(),
			"files_processed": t.fileCount,
		})
	}
}

// skip records one left-behind file in the batch outcome.
func (t *createTask) skip(relPath string, cause error) {
	t.log.Warn("Skipping unreadable file", "file", relPath, "error", cause)
	t.metrics.AddFilesSkipped(1)
	t.skipped = append(t.skipped, FileOutcome{Path: relPath, Reason: cause.Error()})
}

// mergedMetadata combines caller metadata with the engine-owned keys.
func (t *createTask) mergedMetadata(absSource string) map[string]string {
	merged := make(map[string]string, len(t.plan.Metadata)+1)
	for k, v := range t.plan.Metadata {
		merged[k] = v
	}
	merged[record.MetadataKeySourceRoot] = absSource
	return merged
}

func (t *createTask) relPosix(absSource, absPath string) string {
	rel, err := filepath.Rel(absSource, absPath)
	if err != nil {
		return util.NormalizePath(absPath)
	}
	return util.NormalizePath(rel)
}

func (t *createTask) isExcludedSubtree(absPath string) bool {
	for _, sub := range t.plan.ExcludeSubtrees {
		if sub == "" {
			continue
		}
		if cleaned, err := filepath.Abs(sub); err == nil && cleaned == absPath {
			return true
		}
	}
	return false
}

// asFault maps walk failures onto the error taxonomy.
func (t *createTask) asFault(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.log.Debug("Archive creation was canceled", "name", t.plan.Name)
		return faults.Wrap(faults.Cancelled, createOp, err)
	}
	return faults.Wrapf(faults.IO, createOp, err, "could not archive %q", t.plan.Name)
}

func (t *createTask) cleanupStaleTempFiles(dirPath string) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return
	}
	// Compared against filesystem mtimes, so wall time rather than the
	// injected clock.
	threshold := time.Now().Add(-staleTempAge)
	for _, entry := range entries {
		// Look for our specific temp pattern: cronos-backup-*.tmp
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempFilePrefix) || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(threshold) {
			continue // Too young: possibly another run's live temp file.
		}
		t.log.Debug("Removing stale temporary archive", "file", entry.Name())
		os.Remove(filepath.Join(dirPath, entry.Name()))
	}
}
