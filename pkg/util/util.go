package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// NormalizePath converts a platform path to the forward-slash form used for
// archive members, manifest entries and pattern matching.
func NormalizePath(path string) string {
	return filepath.ToSlash(path)
}

// DenormalizePath converts a forward-slash path back to the platform form.
func DenormalizePath(path string) string {
	return filepath.FromSlash(path)
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// SanitizeName reduces a user-supplied backup name to a token that is safe
// inside an archive filename: path separators, spaces and control characters
// become underscores, everything else passes through.
func SanitizeName(name string) string {
	if name == "" {
		return "backup"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == ' ':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// MergeAndDeduplicate combines multiple string slices into a single slice,
// removing any duplicate entries.
func MergeAndDeduplicate(slices ...[]string) []string {
	// Use a map to automatically handle duplicates.
	combined := make(map[string]struct{})
	for _, s := range slices {
		for _, item := range s {
			combined[item] = struct{}{}
		}
	}

	// Convert map keys back to a slice.
	result := make([]string, 0, len(combined))
	for item := range combined {
		result = append(result, item)
	}
	return result
}
