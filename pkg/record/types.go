package record

import (
	"encoding/json"
	"fmt"

	"github.com/cronos-project/cronos-backup/pkg/util"
)

// BackupType classifies how a backup came to exist.
type BackupType string

const (
	TypeManual       BackupType = "manual"
	TypeScheduled    BackupType = "scheduled"
	TypeRestorePoint BackupType = "restore_point"
)

var backupTypeToString = map[BackupType]string{
	TypeManual:       "manual",
	TypeScheduled:    "scheduled",
	TypeRestorePoint: "restore_point",
}

var stringToBackupType map[string]BackupType

func init() {
	// Inverting the map at runtime ensures backupTypeToString is fully loaded
	stringToBackupType = util.InvertMap(backupTypeToString)
}

func (t BackupType) String() string {
	if str, ok := backupTypeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("unknown_backup_type(%s)", string(t))
}

// ParseBackupType parses a string into a BackupType.
// It defaults to manual if the string is empty.
func ParseBackupType(s string) (BackupType, error) {
	if s == "" {
		return TypeManual, nil
	}
	if t, ok := stringToBackupType[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("invalid backup type: %q. Must be 'manual', 'scheduled', or 'restore_point'", s)
}

// MarshalJSON implements the json.Marshaler interface for BackupType.
func (t BackupType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for BackupType.
func (t *BackupType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("backup type should be a string, got %s", data)
	}
	parsed, err := ParseBackupType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RetentionCategory records which retention tier kept a backup. The zero
// value means the planner has not classified it yet.
type RetentionCategory string

const (
	CategoryDaily   RetentionCategory = "daily"
	CategoryWeekly  RetentionCategory = "weekly"
	CategoryMonthly RetentionCategory = "monthly"
	CategoryLatest  RetentionCategory = "latest"
)

var categoryToString = map[RetentionCategory]string{
	CategoryDaily:   "daily",
	CategoryWeekly:  "weekly",
	CategoryMonthly: "monthly",
	CategoryLatest:  "latest",
}

var stringToCategory map[string]RetentionCategory

func init() {
	stringToCategory = util.InvertMap(categoryToString)
}

func (c RetentionCategory) String() string {
	if str, ok := categoryToString[c]; ok {
		return str
	}
	return string(c)
}

// ParseRetentionCategory parses a string into a RetentionCategory.
// The empty string parses to the unclassified zero value.
func ParseRetentionCategory(s string) (RetentionCategory, error) {
	if s == "" {
		return "", nil
	}
	if c, ok := stringToCategory[s]; ok {
		return c, nil
	}
	return "", fmt.Errorf("invalid retention category: %q. Must be 'daily', 'weekly', 'monthly', or 'latest'", s)
}

// MarshalJSON implements the json.Marshaler interface for RetentionCategory.
func (c RetentionCategory) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for RetentionCategory.
func (c *RetentionCategory) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("retention category should be a string, got %s", data)
	}
	parsed, err := ParseRetentionCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
