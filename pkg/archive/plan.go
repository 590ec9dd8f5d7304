package archive

import (
	"github.com/cronos-project/cronos-backup/pkg/record"
)

// CreatePlan describes one archive creation run.
type CreatePlan struct {
	// SourceRoot is the directory tree to archive.
	SourceRoot string
	// TargetDir is the backup root the finished archive lands in.
	TargetDir string
	// Name is the caller-facing backup name. It is sanitized before it
	// becomes part of the archive file name.
	Name string
	// Type tags the resulting record (manual, scheduled, restore_point).
	Type record.BackupType
	// Include and Exclude are glob patterns matched against both the
	// base name and the forward-slash relative path of every file.
	// DefaultExcludes always apply on top of Exclude.
	Include []string
	Exclude []string
	// ExcludeSubtrees lists absolute directories pruned from the walk
	// outright. The backup root itself always belongs here when it
	// lives inside SourceRoot.
	ExcludeSubtrees []string
	// Level selects the compression trade-off.
	Level Level
	// ProgressEvery emits a progress alert after that many archived
	// files. Zero disables progress alerts.
	ProgressEvery int
	// Metadata is carried verbatim into the record and the embedded
	// metadata member.
	Metadata map[string]string
	// DryRun walks and matches without writing anything.
	DryRun bool

	// Global flags
	Metrics bool
}

// FileOutcome records one file the writer had to leave behind.
type FileOutcome struct {
	// Path is the forward-slash relative path of the skipped file.
	Path string `json:"path"`
	// Reason is the human-readable cause.
	Reason string `json:"reason"`
}

// Result is the batch outcome of one archive creation run. Skipped
// files are reported explicitly instead of being folded into an error:
// a partially successful run is still a success.
type Result struct {
	Record       record.BackupRecord
	ManifestPath string
	Skipped      []FileOutcome
}

// DefaultExcludes is the built-in exclusion set applied to every
// archive on top of caller patterns: version control, caches, virtual
// environments and editor/OS litter. The backup directory itself is
// excluded via CreatePlan.ExcludeSubtrees since its location is
// configuration-dependent.
func DefaultExcludes() []string {
	return []string{
		".git",
		".svn",
		".hg",
		"__pycache__",
		".cache",
		".venv",
		"venv",
		"node_modules",
		"*.tmp",
		"*.swp",
		".DS_Store",
		"Thumbs.db",
	}
}
