package restore

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/restoremetrics"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

// extract unpacks every member of the archive at archivePath into
// targetDir, returning how many file and symlink members it wrote. The
// first member failure aborts the run; directories created so far stay.
func (e *Engine) extract(ctx context.Context, archivePath, targetDir string, m restoremetrics.Metrics) (uint64, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, faults.Errorf(faults.NotFound, restoreOp, "archive %q does not exist", archivePath)
		}
		return 0, faults.Wrapf(faults.IO, restoreOp, err, "cannot open archive %q", archivePath)
	}
	defer reader.Close()

	// Decompress with the optimized flate implementation.
	reader.RegisterDecompressor(zip.Deflate, flate.NewReader)

	cleanRoot := filepath.Clean(targetDir)
	var files uint64
	for _, f := range reader.File {
		// Check for cancellation between members.
		select {
		case <-ctx.Done():
			return files, faults.Wrap(faults.Cancelled, restoreOp, ctx.Err())
		default:
		}

		if f.Name == record.MetadataMemberName {
			// Engine bookkeeping, not user data.
			continue
		}

		wrote, err := e.extractMember(f, cleanRoot, m)
		if err != nil {
			m.AddFilesFailed(1)
			return files, err
		}
		if wrote {
			files++
			m.AddFilesExtracted(1)
			e.log.Debug("RESTORE", "member", f.Name)
		}
	}
	return files, nil
}

// extractMember writes one archive member under cleanRoot. It reports
// whether a file or symlink was written (directories don't count).
func (e *Engine) extractMember(f *zip.File, cleanRoot string, m restoremetrics.Metrics) (bool, error) {
	absTarget := filepath.Join(cleanRoot, util.DenormalizePath(f.Name))

	// Security check: ensure the member path does not escape the restore
	// root ("Zip Slip").
	if !strings.HasPrefix(absTarget, cleanRoot+string(os.PathSeparator)) {
		return false, faults.Errorf(faults.Corrupted, restoreOp, "archive member %q escapes the restore root", f.Name)
	}

	// Security check: strip setuid/setgid bits before the mode reaches disk.
	mode := f.Mode() &^ (os.ModeSetuid | os.ModeSetgid)

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(absTarget, mode.Perm()); err != nil {
			return false, faults.Wrapf(faults.IO, restoreOp, err, "cannot create directory %q", absTarget)
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
		return false, faults.Wrapf(faults.IO, restoreOp, err, "cannot create parent directory for %q", absTarget)
	}

	if f.Mode()&os.ModeSymlink != 0 {
		if err := e.extractSymlink(f, absTarget); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := e.extractFile(f, absTarget, mode.Perm(), m); err != nil {
		return false, err
	}
	return true, nil
}

// extractSymlink recreates a symlink member; the member content is the
// link target.
func (e *Engine) extractSymlink(f *zip.File, absTarget string) error {
	rc, err := f.Open()
	if err != nil {
		return faults.Wrapf(faults.IO, restoreOp, err, "cannot open member %q", f.Name)
	}
	defer rc.Close()

	linkTarget, err := io.ReadAll(rc)
	if err != nil {
		return faults.Wrapf(faults.IO, restoreOp, err, "cannot read link target of %q", f.Name)
	}

	// An existing entry at the path would make os.Symlink fail, and an
	// existing symlink would silently redirect a later write. Remove first.
	_ = os.Remove(absTarget)

	if err := os.Symlink(string(linkTarget), absTarget); err != nil {
		return faults.Wrapf(faults.IO, restoreOp, err, "cannot create symlink %q", absTarget)
	}
	return nil
}

// extractFile writes a regular file member and restores its archived
// modification time.
func (e *Engine) extractFile(f *zip.File, absTarget string, perm os.FileMode, m restoremetrics.Metrics) error {
	rc, err := f.Open()
	if err != nil {
		return faults.Wrapf(faults.IO, restoreOp, err, "cannot open member %q", f.Name)
	}
	defer rc.Close()

	// Security check: a stale symlink at the target would redirect the
	// write outside the restore root. Remove whatever sits there.
	_ = os.Remove(absTarget)

	out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return faults.Wrapf(faults.IO, restoreOp, err, "cannot create file %q", absTarget)
	}

	bufPtr := e.ioBufferPool.Get()
	written, copyErr := io.CopyBuffer(out, rc, *bufPtr)
	e.ioBufferPool.Put(bufPtr)
	closeErr := out.Close()

	if copyErr != nil {
		return faults.Wrapf(faults.IO, restoreOp, copyErr, "cannot write file %q", absTarget)
	}
	if closeErr != nil {
		return faults.Wrapf(faults.IO, restoreOp, closeErr, "cannot close file %q", absTarget)
	}
	m.AddBytesWritten(written)

	if err := os.Chtimes(absTarget, f.Modified, f.Modified); err != nil {
		e.log.Warn("Could not restore modification time", "path", absTarget, "error", err)
	}
	return nil
}
