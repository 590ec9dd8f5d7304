package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	sumA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sumB = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func TestWriteAndParseRoundTrip(t *testing.T) {
	entries := []Entry{
		{Sum: sumA, Path: "docs/readme.md"},
		{Sum: sumB, Path: "data/with space/file.txt"},
	}

	var sb strings.Builder
	if err := Write(&sb, entries); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	parsed, err := Parse(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(parsed) != len(entries) {
		t.Fatalf("parsed %d entries, expected %d", len(parsed), len(entries))
	}
	for i := range entries {
		if parsed[i] != entries[i] {
			t.Errorf("entry %d = %+v, expected %+v", i, parsed[i], entries[i])
		}
	}
}

func TestParseKeepsSpacesInPaths(t *testing.T) {
	parsed, err := Parse(strings.NewReader(sumA + " dir/name with  spaces.txt\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if parsed[0].Path != "dir/name with  spaces.txt" {
		t.Errorf("path = %q", parsed[0].Path)
	}
}

func TestParseIgnoresBlankLinesAndCR(t *testing.T) {
	input := "\n" + sumA + " a.txt\r\n\n" + sumB + " b.txt\n"
	parsed, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d entries, expected 2", len(parsed))
	}
	if parsed[0].Path != "a.txt" || parsed[1].Path != "b.txt" {
		t.Errorf("paths = %q, %q", parsed[0].Path, parsed[1].Path)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"missing path", sumA + "\n"},
		{"empty path", sumA + " \n"},
		{"short checksum", "abc123 file.txt\n"},
		{"uppercase checksum", strings.ToUpper(sumB) + " file.txt\n"},
		{"non-hex checksum", strings.Repeat("z", 64) + " file.txt\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.input)); err == nil {
				t.Errorf("expected error for input %q", tc.input)
			}
		})
	}
}

func TestWriteFileIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.zip.sha256")
	entries := []Entry{{Sum: sumA, Path: "x/y.bin"}}

	if err := WriteFile(path, entries); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	parsed, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	if len(parsed) != 1 || parsed[0] != entries[0] {
		t.Errorf("parsed = %+v", parsed)
	}

	// No temp files may survive a successful write.
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("could not read dir: %v", err)
	}
	if len(dirEntries) != 1 {
		t.Errorf("directory holds %d files, expected just the manifest", len(dirEntries))
	}
}

func TestReadFileMissingReturnsNotExist(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.sha256"))
	if !os.IsNotExist(err) {
		t.Errorf("expected IsNotExist error, got %v", err)
	}
}

func TestIndexKeepsLastDuplicate(t *testing.T) {
	idx := Index([]Entry{
		{Sum: sumA, Path: "f.txt"},
		{Sum: sumB, Path: "f.txt"},
	})
	if idx["f.txt"] != sumB {
		t.Errorf("index = %q, expected last entry to win", idx["f.txt"])
	}
}
