package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/manifest"
	"github.com/cronos-project/cronos-backup/pkg/record"
)

var testEpoch = time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)

type capturePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []map[string]any
}

func (p *capturePublisher) Publish(topic string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
}

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestWriter(pub alert.Publisher) *Writer {
	return NewWriter(64, testclock.NewClock(testEpoch), alert.NewDispatcher(pub, clog.Nop()), clog.Nop())
}

// buildTree materializes a map of relative path -> content under root.
func buildTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			t.Fatalf("could not create dir for %s: %v", rel, err)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatalf("could not write %s: %v", rel, err)
		}
	}
}

// readArchive returns member name -> content for every archive member.
func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("could not open archive %s: %v", path, err)
	}
	defer zr.Close()

	members := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("could not open member %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("could not read member %s: %v", f.Name, err)
		}
		members[f.Name] = string(data)
	}
	return members
}

func TestCreateAppliesExcludePatterns(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	buildTree(t, source, map[string]string{
		"a.txt":         "alpha",
		"sub/b.py":      "print('b')",
		"sub/debug.log": "noise",
	})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  target,
		Name:       "nightly",
		Type:       record.TypeScheduled,
		Exclude:    []string{"*.log"},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	want := []string{record.MetadataMemberName, "a.txt", "sub/b.py"}
	if len(members) != len(want) {
		t.Errorf("archive holds %d members, expected %d: %v", len(members), len(want), memberNames(members))
	}
	for _, name := range want {
		if _, ok := members[name]; !ok {
			t.Errorf("archive is missing member %q", name)
		}
	}
	if res.Record.FileCount != 2 {
		t.Errorf("file_count = %d, expected 2 (metadata member is not counted)", res.Record.FileCount)
	}
	if res.Record.SizeBytes == 0 {
		t.Error("size_bytes should reflect the written archive")
	}
	if res.Record.ID == "" {
		t.Error("record has no id")
	}
	if len(res.Skipped) != 0 {
		t.Errorf("unexpected skips: %v", res.Skipped)
	}
}

func TestCreateDefaultExcludesAlwaysApply(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{
		"a.txt":              "keep",
		".git/config":        "drop",
		"node_modules/x.js":  "drop",
		"cache/file.tmp":     "drop",
		"sub/.DS_Store":      "drop",
		"sub/real_work.toml": "keep",
	})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "defaults",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	for name := range members {
		if strings.Contains(name, ".git") || strings.Contains(name, "node_modules") ||
			strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".DS_Store") {
			t.Errorf("default-excluded member %q ended up archived", name)
		}
	}
	if res.Record.FileCount != 2 {
		t.Errorf("file_count = %d, expected 2", res.Record.FileCount)
	}
}

func TestCreateIncludePatternsDescendIntoSubdirs(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{
		"a.txt":     "keep",
		"b.md":      "drop",
		"sub/c.txt": "keep",
		"sub/d.bin": "drop",
	})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "texts",
		Type:       record.TypeManual,
		Include:    []string{"*.txt"},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	if _, ok := members["sub/c.txt"]; !ok {
		t.Error("include patterns must still reach nested files")
	}
	if _, ok := members["b.md"]; ok {
		t.Error("non-matching file was archived")
	}
	if res.Record.FileCount != 2 {
		t.Errorf("file_count = %d, expected 2", res.Record.FileCount)
	}
}

func TestCreateSkipsUnreadableAndContinues(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha"})

	// A socket cannot be opened as a file, forcing the per-file skip path.
	ln, err := net.Listen("unix", filepath.Join(source, "app.sock"))
	if err != nil {
		t.Skipf("cannot create unix socket: %v", err)
	}
	defer ln.Close()

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "partial",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("Create must tolerate unreadable files, got: %v", err)
	}

	if res.Record.FileCount != 1 {
		t.Errorf("file_count = %d, expected 1", res.Record.FileCount)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Path != "app.sock" {
		t.Fatalf("skipped = %+v, expected app.sock", res.Skipped)
	}
	if res.Skipped[0].Reason == "" {
		t.Error("skip outcome carries no reason")
	}
}

func TestCreateCancelledBeforeStart(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newTestWriter(nil)
	_, err := w.Create(ctx, CreatePlan{
		SourceRoot: source,
		TargetDir:  target,
		Name:       "doomed",
		Type:       record.TypeManual,
	})
	if !faults.Is(err, faults.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}

	entries, readErr := os.ReadDir(target)
	if readErr != nil {
		t.Fatalf("could not read target dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("cancelled run left %d artifacts behind", len(entries))
	}
}

func TestCreateEmitsProgressAlerts(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{
		"f1.txt": "1", "f2.txt": "2", "f3.txt": "3", "f4.txt": "4", "f5.txt": "5",
	})

	pub := &capturePublisher{}
	w := newTestWriter(pub)
	_, err := w.Create(context.Background(), CreatePlan{
		SourceRoot:    source,
		TargetDir:     t.TempDir(),
		Name:          "chatty",
		Type:          record.TypeManual,
		ProgressEvery: 2,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if got := pub.count(alert.TopicBackupProgress); got != 2 {
		t.Errorf("progress alerts = %d, expected 2 for 5 files at interval 2", got)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i, topic := range pub.topics {
		if topic != alert.TopicBackupProgress {
			continue
		}
		if _, ok := pub.payloads[i]["files_processed"]; !ok {
			t.Error("progress payload is missing files_processed")
		}
	}
}

func TestCreateDryRunWritesNothing(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha", "b.txt": "beta"})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  target,
		Name:       "rehearsal",
		Type:       record.TypeManual,
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if res.Record.FileCount != 2 {
		t.Errorf("dry run counted %d files, expected 2", res.Record.FileCount)
	}
	if res.Record.ID != "" {
		t.Error("dry run must not mint a committed record id")
	}
	entries, readErr := os.ReadDir(target)
	if readErr != nil {
		t.Fatalf("could not read target dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("dry run wrote %d artifacts", len(entries))
	}
}

func TestCreateMetadataMemberDescribesArchive(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha"})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "described",
		Type:       record.TypeRestorePoint,
		Metadata:   map[string]string{"trigger": "pre-restore"},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	raw, ok := members[record.MetadataMemberName]
	if !ok {
		t.Fatal("archive is missing the metadata member")
	}

	var meta record.ArchiveMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("metadata member is not valid JSON: %v", err)
	}
	if meta.ID != res.Record.ID {
		t.Errorf("metadata id = %q, record id = %q", meta.ID, res.Record.ID)
	}
	if meta.Name != "described" || meta.Type != record.TypeRestorePoint {
		t.Errorf("metadata = %+v", meta)
	}
	if !meta.CreatedAt.Equal(testEpoch) {
		t.Errorf("created_at = %v, expected %v", meta.CreatedAt, testEpoch)
	}
	if meta.Metadata["trigger"] != "pre-restore" {
		t.Error("caller metadata was not carried into the member")
	}
	absSource, _ := filepath.Abs(source)
	if meta.Metadata[record.MetadataKeySourceRoot] != absSource {
		t.Errorf("source_root = %q, expected %q", meta.Metadata[record.MetadataKeySourceRoot], absSource)
	}
}

func TestCreateManifestMatchesArchivedBytes(t *testing.T) {
	source := t.TempDir()
	files := map[string]string{
		"a.txt":          "alpha content",
		"sub/b.py":       "print('hello')",
		"sub/deep/c.bin": "\x00\x01\x02",
	}
	buildTree(t, source, files)

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "hashed",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	entries, err := manifest.ReadFile(res.ManifestPath)
	if err != nil {
		t.Fatalf("could not read manifest: %v", err)
	}
	if uint64(len(entries)) != res.Record.FileCount {
		t.Errorf("manifest has %d entries, record counts %d files", len(entries), res.Record.FileCount)
	}

	idx := manifest.Index(entries)
	for rel, content := range files {
		sum := sha256.Sum256([]byte(content))
		if idx[rel] != hex.EncodeToString(sum[:]) {
			t.Errorf("manifest hash for %s does not match source bytes", rel)
		}
	}
}

func TestCreateArchivesSymlinkAsLink(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{"real.txt": "payload"})
	if err := os.Symlink("real.txt", filepath.Join(source, "alias")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "links",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	if members["alias"] != "real.txt" {
		t.Errorf("symlink member content = %q, expected the link target", members["alias"])
	}
	if res.Record.FileCount != 2 {
		t.Errorf("file_count = %d, expected symlink to count", res.Record.FileCount)
	}
}

func TestCreateUsesTimestampedName(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha"})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot: source,
		TargetDir:  t.TempDir(),
		Name:       "My Documents",
		Type:       record.TypeManual,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	base := res.Record.ArchiveBaseName()
	wantToken := testEpoch.Format(record.TimestampTokenFormat)
	if record.TrailingToken(base) != wantToken {
		t.Errorf("archive name %q does not end with token %q", base, wantToken)
	}
	if strings.Contains(base, " ") {
		t.Errorf("archive name %q was not sanitized", base)
	}
	if res.Record.Name != "My Documents" {
		t.Errorf("record keeps the display name, got %q", res.Record.Name)
	}
}

func TestCreateExcludesBackupRootSubtree(t *testing.T) {
	source := t.TempDir()
	buildTree(t, source, map[string]string{"a.txt": "alpha"})
	// The backup root lives inside the source tree.
	target := filepath.Join(source, "backups")
	buildTree(t, source, map[string]string{"backups/old_backup.zip": "binary junk"})

	w := newTestWriter(nil)
	res, err := w.Create(context.Background(), CreatePlan{
		SourceRoot:      source,
		TargetDir:       target,
		Name:            "recursive",
		Type:            record.TypeManual,
		ExcludeSubtrees: []string{target},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	members := readArchive(t, res.Record.Location)
	for name := range members {
		if strings.HasPrefix(name, "backups/") {
			t.Errorf("backup root member %q archived into itself", name)
		}
	}
	if res.Record.FileCount != 1 {
		t.Errorf("file_count = %d, expected 1", res.Record.FileCount)
	}
}

func memberNames(members map[string]string) []string {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	return names
}
