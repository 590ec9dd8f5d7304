// Package manifest reads and writes the per-archive checksum manifest.
//
// A manifest is a plain text file listing one line per archived file:
//
//	<sha256-hex> <relative/posix/path>
//
// The path is always forward-slash separated, regardless of the OS the
// archive was created on. Paths may contain spaces; only the first space
// on a line separates the checksum from the path.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cronos-project/cronos-backup/pkg/util"
)

// Entry is a single manifest line: the hex-encoded SHA-256 checksum of a
// file and its forward-slash relative path inside the archive.
type Entry struct {
	Sum  string
	Path string
}

// hexSumLen is the length of a hex-encoded SHA-256 checksum.
const hexSumLen = sha256.Size * 2

// Write streams entries to w in manifest line format.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s %s\n", e.Sum, e.Path); err != nil {
			return fmt.Errorf("could not write manifest entry for %s: %w", e.Path, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes entries to path atomically. The manifest is first
// written to a temporary file in the same directory, then moved into
// place with an atomic rename so readers never observe a partial file.
func WriteFile(path string, entries []Entry) (err error) {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temporary manifest file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if err != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if err = Write(tempFile, entries); err != nil {
		return err
	}
	if err = tempFile.Sync(); err != nil {
		return fmt.Errorf("could not sync manifest file: %w", err)
	}
	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("could not close manifest file: %w", err)
	}
	if err = os.Chmod(tempPath, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not set manifest permissions: %w", err)
	}

	// os.Rename is atomic on POSIX and uses MoveFileEx with MOVEFILE_REPLACE_EXISTING on Windows.
	if err = os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("could not move manifest into place: %w", err)
	}
	return nil
}

// Parse reads manifest lines from r. Blank lines are ignored. A line
// that does not start with a well-formed checksum makes the whole
// manifest invalid; a half-trusted manifest is worse than none.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		sum, path, found := strings.Cut(line, " ")
		if !found || path == "" {
			return nil, fmt.Errorf("malformed manifest line %d: missing path", lineNo)
		}
		if !isHexSum(sum) {
			return nil, fmt.Errorf("malformed manifest line %d: invalid checksum %q", lineNo, sum)
		}
		entries = append(entries, Entry{Sum: sum, Path: path})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read manifest: %w", err)
	}
	return entries, nil
}

// ReadFile opens and parses the manifest at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return nil, err // Return the original error so os.IsNotExist works.
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("could not parse manifest %s: %w", path, err)
	}
	return entries, nil
}

// Index builds a path-to-checksum lookup from entries. Duplicate paths
// keep the last entry, mirroring how the archive writer appends.
func Index(entries []Entry) map[string]string {
	idx := make(map[string]string, len(entries))
	for _, e := range entries {
		idx[e.Path] = e.Sum
	}
	return idx
}

func isHexSum(s string) bool {
	if len(s) != hexSumLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
