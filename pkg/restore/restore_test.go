package restore

import (
	"archive/zip"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/cronos-project/cronos-backup/pkg/archive"
	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/record"
	"github.com/cronos-project/cronos-backup/pkg/verify"
)

var testEpoch = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

func newTestEngine(backupRoot string) *Engine {
	return NewEngine(64, backupRoot, verify.NewVerifier(2, clog.Nop()), testclock.NewClock(testEpoch), clog.Nop())
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			t.Fatalf("could not create dir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatalf("could not write fixture file: %v", err)
		}
	}
}

// readTree collects every regular file under root as posix-rel-path -> content.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("could not read tree %s: %v", root, err)
	}
	return out
}

// makeBackup creates a real backup of files and returns its record plus
// the source directory it was taken from.
func makeBackup(t *testing.T, files map[string]string) (record.BackupRecord, string) {
	t.Helper()
	source := t.TempDir()
	writeTree(t, source, files)

	w := archive.NewWriter(64, testclock.NewClock(testEpoch), nil, clog.Nop())
	res, err := w.Create(context.Background(), archive.CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "docs",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("could not create fixture backup: %v", err)
	}
	return res.Record, source
}

func TestRestoreNewLocationRoundTrip(t *testing.T) {
	files := map[string]string{
		"a.txt":         "alpha content",
		"sub/b.py":      "print('fixture')",
		"deep/dir/c.md": "# notes",
	}
	rec, source := makeBackup(t, files)
	target := filepath.Join(t.TempDir(), "out")

	e := newTestEngine(t.TempDir())
	res, err := e.Restore(context.Background(), Plan{
		Backup:     rec,
		Strategy:   NewLocation,
		TargetPath: target,
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if res.Target != target {
		t.Errorf("Target = %q, want %q", res.Target, target)
	}
	if res.FilesRestored != 3 {
		t.Errorf("FilesRestored = %d, want 3", res.FilesRestored)
	}
	if got := readTree(t, target); !reflect.DeepEqual(got, files) {
		t.Errorf("restored tree = %v, want %v", got, files)
	}
	if _, err := os.Stat(filepath.Join(target, record.MetadataMemberName)); !os.IsNotExist(err) {
		t.Errorf("metadata member must not be restored, stat err = %v", err)
	}

	srcInfo, err := os.Stat(filepath.Join(source, "a.txt"))
	if err != nil {
		t.Fatalf("could not stat source file: %v", err)
	}
	dstInfo, err := os.Stat(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatalf("could not stat restored file: %v", err)
	}
	if diff := dstInfo.ModTime().Sub(srcInfo.ModTime()); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("restored mtime %v too far from source mtime %v", dstInfo.ModTime(), srcInfo.ModTime())
	}
}

func TestRestoreConflictLeavesTargetUntouched(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})

	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(target, "keep.txt"), []byte("untouched"), 0644); err != nil {
		t.Fatalf("could not seed target: %v", err)
	}

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: NewLocation, TargetPath: target})
	if !faults.Is(err, faults.Conflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	want := map[string]string{"keep.txt": "untouched"}
	if got := readTree(t, target); !reflect.DeepEqual(got, want) {
		t.Errorf("target changed on conflict: %v, want %v", got, want)
	}
}

func TestRestoreIntoExistingEmptyDir(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})
	target := t.TempDir()

	e := newTestEngine(t.TempDir())
	res, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: NewLocation, TargetPath: target})
	if err != nil {
		t.Fatalf("Restore into empty dir failed: %v", err)
	}
	if res.FilesRestored != 1 {
		t.Errorf("FilesRestored = %d, want 1", res.FilesRestored)
	}
}

func TestRestoreDefaultTargetUnderBackupRoot(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})
	backupRoot := t.TempDir()

	e := newTestEngine(backupRoot)
	res, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: NewLocation})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	wantDir := filepath.Join(backupRoot, RestoresDirName)
	if filepath.Dir(res.Target) != wantDir {
		t.Errorf("Target dir = %q, want under %q", res.Target, wantDir)
	}
	wantBase := "restore_" + rec.ID + "_" + testEpoch.Format(record.TimestampTokenFormat)
	if filepath.Base(res.Target) != wantBase {
		t.Errorf("Target base = %q, want %q", filepath.Base(res.Target), wantBase)
	}
	if got := readTree(t, res.Target); got["a.txt"] != "alpha" {
		t.Errorf("restored tree = %v", got)
	}
}

func TestRestoreOverwriteTakesSnapshotFirst(t *testing.T) {
	rec, source := makeBackup(t, map[string]string{"a.txt": "alpha", "sub/b.py": "print('fixture')"})

	// Damage the source after the backup was taken.
	writeTree(t, source, map[string]string{"a.txt": "corrupted beyond repair", "extra.txt": "new since backup"})

	var snapshotSaw map[string]string
	snapshot := func(ctx context.Context) (record.BackupRecord, error) {
		// Runs before any extraction, so it must see the damaged tree.
		snapshotSaw = readTree(t, source)
		return record.BackupRecord{
			ID:        "snap-1",
			Name:      "docs_pre_restore",
			Timestamp: testEpoch,
			Type:      record.TypeRestorePoint,
			Location:  "/backups/docs_pre_restore.zip",
		}, nil
	}

	e := newTestEngine(t.TempDir())
	res, err := e.Restore(context.Background(), Plan{
		Backup:   rec,
		Strategy: Overwrite,
		Snapshot: snapshot,
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if res.RestorePoint == nil || res.RestorePoint.ID != "snap-1" {
		t.Fatalf("RestorePoint = %+v, want snap-1", res.RestorePoint)
	}
	if res.Target != source {
		t.Errorf("Target = %q, want source root %q", res.Target, source)
	}
	if snapshotSaw["a.txt"] != "corrupted beyond repair" {
		t.Errorf("snapshot ran after extraction started: saw %v", snapshotSaw)
	}

	got := readTree(t, source)
	if got["a.txt"] != "alpha" || got["sub/b.py"] != "print('fixture')" {
		t.Errorf("source not restored: %v", got)
	}
	// Overwrite lays the archive over the tree; it does not delete strays.
	if got["extra.txt"] != "new since backup" {
		t.Errorf("stray file should survive an overwrite restore: %v", got)
	}
}

func TestRestoreOverwriteSnapshotFailureAborts(t *testing.T) {
	rec, source := makeBackup(t, map[string]string{"a.txt": "alpha"})

	writeTree(t, source, map[string]string{"a.txt": "damaged"})
	before := readTree(t, source)

	snapshot := func(ctx context.Context) (record.BackupRecord, error) {
		return record.BackupRecord{}, faults.New(faults.IO, "backup.create", "disk full")
	}

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: Overwrite, Snapshot: snapshot})
	if !faults.Is(err, faults.IO) {
		t.Fatalf("err = %v, want io fault", err)
	}

	if got := readTree(t, source); !reflect.DeepEqual(got, before) {
		t.Errorf("source modified despite snapshot failure: %v, want %v", got, before)
	}
}

func TestRestoreOverwriteWithoutSourceRoot(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})
	rec.Metadata = nil // e.g. a stray synthesized without its metadata member

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: Overwrite})
	if !faults.Is(err, faults.Validation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestRestoreVerifyFirstRejectsDamagedBackup(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})
	if err := os.Remove(rec.ManifestPath()); err != nil {
		t.Fatalf("could not remove manifest: %v", err)
	}
	target := filepath.Join(t.TempDir(), "out")

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(context.Background(), Plan{
		Backup:      rec,
		Strategy:    NewLocation,
		TargetPath:  target,
		VerifyFirst: true,
	})
	if !faults.Is(err, faults.Corrupted) {
		t.Fatalf("err = %v, want corrupted fault", err)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Errorf("target created despite failed verification, stat err = %v", statErr)
	}
}

func TestRestoreUnsupportedStrategy(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: Strategy("zfs-clone")})
	if !faults.Is(err, faults.Validation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestRestoreCancelled(t *testing.T) {
	rec, _ := makeBackup(t, map[string]string{"a.txt": "alpha"})
	target := filepath.Join(t.TempDir(), "out")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t.TempDir())
	_, err := e.Restore(ctx, Plan{Backup: rec, Strategy: NewLocation, TargetPath: target})
	if !faults.Is(err, faults.Cancelled) {
		t.Fatalf("err = %v, want cancelled fault", err)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Errorf("cancelled restore left a target behind, stat err = %v", statErr)
	}
}

func TestRestorePreservesSymlinks(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "alpha"})
	if err := os.Symlink("a.txt", filepath.Join(source, "link")); err != nil {
		t.Skipf("symlinks not supported here: %v", err)
	}

	w := archive.NewWriter(64, testclock.NewClock(testEpoch), nil, clog.Nop())
	res, err := w.Create(context.Background(), archive.CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "docs",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("could not create fixture backup: %v", err)
	}

	target := filepath.Join(t.TempDir(), "out")
	e := newTestEngine(t.TempDir())
	rres, err := e.Restore(context.Background(), Plan{Backup: res.Record, Strategy: NewLocation, TargetPath: target})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if rres.FilesRestored != 2 {
		t.Errorf("FilesRestored = %d, want 2", rres.FilesRestored)
	}
	linkTarget, err := os.Readlink(filepath.Join(target, "link"))
	if err != nil {
		t.Fatalf("restored link is not a symlink: %v", err)
	}
	if linkTarget != "a.txt" {
		t.Errorf("link target = %q, want %q", linkTarget, "a.txt")
	}
}

func TestRestoreStripsSetuidBits(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "tool_20260823-120000.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("could not create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	header := &zip.FileHeader{Name: "tool", Method: zip.Deflate}
	header.SetMode(0755 | os.ModeSetuid | os.ModeSetgid)
	wr, err := zw.CreateHeader(header)
	if err != nil {
		t.Fatalf("could not add member: %v", err)
	}
	if _, err := wr.Write([]byte("#!/bin/sh\n")); err != nil {
		t.Fatalf("could not write member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("could not finish archive: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("could not close archive: %v", err)
	}

	rec := record.BackupRecord{
		ID:        "suid-test",
		Name:      "tool",
		Timestamp: testEpoch,
		Type:      record.TypeManual,
		Location:  archivePath,
		FileCount: 1,
	}

	target := filepath.Join(t.TempDir(), "out")
	e := newTestEngine(t.TempDir())
	if _, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: NewLocation, TargetPath: target}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(target, "tool"))
	if err != nil {
		t.Fatalf("could not stat restored file: %v", err)
	}
	if info.Mode()&os.ModeSetuid != 0 || info.Mode()&os.ModeSetgid != 0 {
		t.Errorf("setuid/setgid bits survived extraction: mode = %v", info.Mode())
	}
	if info.Mode().Perm()&0700 != 0700 {
		t.Errorf("owner permissions lost: mode = %v", info.Mode())
	}
}

func TestRestoreRejectsPathTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil_20260823-120000.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("could not create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	wr, err := zw.CreateHeader(&zip.FileHeader{Name: "../evil.txt", Method: zip.Deflate})
	if err != nil {
		t.Fatalf("could not add member: %v", err)
	}
	if _, err := wr.Write([]byte("escaped")); err != nil {
		t.Fatalf("could not write member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("could not finish archive: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("could not close archive: %v", err)
	}

	rec := record.BackupRecord{
		ID:        "traversal-test",
		Name:      "evil",
		Timestamp: testEpoch,
		Type:      record.TypeManual,
		Location:  archivePath,
		FileCount: 1,
	}

	parent := t.TempDir()
	target := filepath.Join(parent, "out")
	e := newTestEngine(t.TempDir())
	if _, err := e.Restore(context.Background(), Plan{Backup: rec, Strategy: NewLocation, TargetPath: target}); err == nil {
		t.Fatal("Restore accepted a path-traversal member")
	}
	if _, statErr := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(statErr) {
		t.Errorf("member escaped the restore root, stat err = %v", statErr)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"", NewLocation, false},
		{"new-location", NewLocation, false},
		{"overwrite", Overwrite, false},
		{"in-place", "", true},
		{"OVERWRITE", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
