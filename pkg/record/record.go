// Package record defines the data model shared by the whole engine: the
// ledger entry describing one archive, the enums attached to it, and the
// naming scheme that ties an archive file back to its record.
package record

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	// ArchiveSuffix is the container extension of every backup artifact.
	ArchiveSuffix = ".zip"

	// ManifestSuffix is appended to the archive path to name its sibling
	// integrity manifest.
	ManifestSuffix = ".sha256"

	// MetadataMemberName is the reserved top-level archive member holding
	// the ArchiveMetadata document. It is never restored and never counted
	// as an archived file.
	MetadataMemberName = "backup_metadata.json"

	// TimestampTokenFormat renders the UTC creation instant as the trailing
	// token of an archive base name, e.g. "nightly_20260114-031500.zip".
	// The token is deliberately underscore-free so it can be recovered as
	// the substring after the last underscore.
	TimestampTokenFormat = "20060102-150405"

	// MetadataKeySourceRoot is the metadata entry recording where the
	// backup was taken from. Overwrite-style restores read it back.
	MetadataKeySourceRoot = "source_root"
)

// BackupRecord is one ledger entry. Records are immutable once written;
// only cleanup removes them or stamps their retention category.
type BackupRecord struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Timestamp         time.Time         `json:"timestamp"`
	Type              BackupType        `json:"backup_type"`
	Location          string            `json:"location"`
	SizeBytes         uint64            `json:"size_bytes"`
	FileCount         uint64            `json:"file_count"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RetentionCategory RetentionCategory `json:"retention_category,omitempty"`
}

// Validate reports whether the record is complete enough to live in the
// ledger. The ledger loader skips entries that fail this check.
func (r BackupRecord) Validate() error {
	if r.ID == "" {
		return errMissingField("id")
	}
	if r.Name == "" {
		return errMissingField("name")
	}
	if r.Location == "" {
		return errMissingField("location")
	}
	if r.Timestamp.IsZero() {
		return errMissingField("timestamp")
	}
	if _, err := ParseBackupType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// SourceRoot returns the recorded origin of the backup, or "" when the
// record predates source tracking (e.g. a stray synthesized from disk).
func (r BackupRecord) SourceRoot() string {
	return r.Metadata[MetadataKeySourceRoot]
}

// ArchiveBaseName returns the archive's file name without its directory.
func (r BackupRecord) ArchiveBaseName() string {
	return filepath.Base(r.Location)
}

// ManifestPath returns the path of the record's sibling manifest file.
func (r BackupRecord) ManifestPath() string {
	return r.Location + ManifestSuffix
}

// ArchiveMetadata is the document stored in the reserved archive member.
// It makes an archive self-describing: a stray found on disk with no ledger
// entry can be re-identified from this member alone.
type ArchiveMetadata struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Type      BackupType        `json:"backup_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ArchiveFileName builds the canonical archive base name for a backup:
// "<sanitized-name>_<timestamp-token>.zip".
func ArchiveFileName(sanitizedName string, createdAt time.Time) string {
	return sanitizedName + "_" + createdAt.UTC().Format(TimestampTokenFormat) + ArchiveSuffix
}

// TrailingToken extracts the timestamp token from an archive base name:
// the substring after the last underscore, with the container suffix
// stripped. It returns "" when the name has no underscore.
func TrailingToken(baseName string) string {
	trimmed := strings.TrimSuffix(baseName, ArchiveSuffix)
	idx := strings.LastIndex(trimmed, "_")
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}

// ParseTimestampToken parses a trailing token back into its UTC instant.
func ParseTimestampToken(token string) (time.Time, error) {
	return time.ParseInLocation(TimestampTokenFormat, token, time.UTC)
}

type fieldError struct{ field string }

func (e fieldError) Error() string { return "record is missing required field " + e.field }

func errMissingField(field string) error { return fieldError{field: field} }
