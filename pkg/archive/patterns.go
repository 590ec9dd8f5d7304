package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

type patternMatchType int

const (
	prefixMatch patternMatchType = iota
	suffixMatch
	globMatch
)

// patternSet holds categorized glob patterns for efficient matching.
// Every pattern is tried against BOTH the forward-slash relative path
// and the base name of a candidate, so "*.log" hits nested logs and
// "docs/notes.txt" pins one exact file.
type patternSet struct {
	// literals are for exact matches, which are the fastest to check.
	literals map[string]struct{}
	// nonLiterals are for patterns requiring more complex logic (wildcards, prefixes).
	nonLiterals []pattern
}

// pattern stores the pre-analyzed pattern details.
type pattern struct {
	raw          string           // The original pattern for logging/debugging.
	cleanPattern string           // The pattern without wildcards for prefix/suffix matching, or the full pattern for glob.
	matchType    patternMatchType // The type of match to perform (prefix, suffix, glob).
	dirPrefix    bool             // The pattern named a directory ("build/"); only true subtree matches count.
}

// makePatternSet analyzes and categorizes patterns to enable optimized matching later.
// Malformed glob syntax is rejected up front so matching never has to
// handle pattern errors mid-walk.
func makePatternSet(patterns []string) (patternSet, error) {
	set := patternSet{
		literals:    make(map[string]struct{}),
		nonLiterals: make([]pattern, 0, len(patterns)),
	}

	for _, p := range patterns {
		// Normalize to a consistent, case-insensitive key.
		p = normalizePattern(p)
		if p == "" {
			return patternSet{}, fmt.Errorf("empty pattern")
		}
		if strings.ContainsAny(p, "*?[]") {
			if _, err := filepath.Match(p, ""); err != nil {
				return patternSet{}, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			switch {
			case strings.HasSuffix(p, "/*"):
				// A pattern like `build/*` keeps the directory entry but drops its contents.
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:          p,
					cleanPattern: strings.TrimSuffix(p, "*"), // e.g., "build/"
					matchType:    prefixMatch,
				})
			case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?[]"):
				// A pattern like `~*` or `temp_*`.
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:          p,
					cleanPattern: strings.TrimSuffix(p, "*"), // e.g., "~"
					matchType:    prefixMatch,
				})
			case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]"):
				// A pattern like `*.log` or `*.tmp`.
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:          p,
					cleanPattern: p[1:], // e.g., ".log"
					matchType:    suffixMatch,
				})
			default:
				// Otherwise, it's a general glob pattern.
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw: p, cleanPattern: p, matchType: globMatch,
				})
			}
		} else if strings.HasSuffix(p, "/") {
			// A pattern like `build/` names a whole subtree.
			set.nonLiterals = append(set.nonLiterals, pattern{
				raw:          p,
				cleanPattern: strings.TrimSuffix(p, "/"),
				matchType:    prefixMatch,
				dirPrefix:    true,
			})
		} else {
			// No wildcards: "node_modules" or "docs/config.json".
			set.literals[p] = struct{}{}
		}
	}
	return set, nil
}

func (ps *patternSet) empty() bool {
	return len(ps.literals) == 0 && len(ps.nonLiterals) == 0
}

// matches checks whether the relative path or its base name hits any pattern.
func (ps *patternSet) matches(relPath, baseName string) bool {
	normalizedPath := normalizePattern(relPath)
	normalizedBase := normalizePattern(baseName)

	// 1. Check for O(1) literal matches on either candidate.
	if _, ok := ps.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := ps.literals[normalizedBase]; ok {
		return true
	}

	// 2. If no literal match, check other pattern types (wildcards).
	for _, p := range ps.nonLiterals {
		if p.matchCandidate(normalizedPath) || p.matchCandidate(normalizedBase) {
			return true
		}
	}
	return false
}

func (p *pattern) matchCandidate(candidate string) bool {
	switch p.matchType {
	case prefixMatch:
		if !strings.HasPrefix(candidate, p.cleanPattern) {
			return false
		}
		// For directory prefixes ("build/") avoid false positives on "build-tools".
		if p.dirPrefix {
			return candidate == p.cleanPattern || strings.HasPrefix(candidate, p.cleanPattern+"/")
		}
		return true
	case suffixMatch:
		return strings.HasSuffix(candidate, p.cleanPattern)
	case globMatch:
		// Pattern syntax was validated at construction, Match cannot fail here.
		ok, _ := filepath.Match(p.cleanPattern, candidate)
		return ok
	}
	return false
}

// matcher combines an include and an exclude set into the final
// selection rule: a path is selected iff it matches at least one
// include pattern (an empty include set selects everything) and no
// exclude pattern. Exclusion always wins.
type matcher struct {
	include patternSet
	exclude patternSet
}

func newMatcher(include, exclude []string) (*matcher, error) {
	inc, err := makePatternSet(include)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exc, err := makePatternSet(exclude)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	return &matcher{include: inc, exclude: exc}, nil
}

// selects reports whether a file at relPath should be archived.
func (m *matcher) selects(relPath, baseName string) bool {
	if m.exclude.matches(relPath, baseName) {
		return false
	}
	if m.include.empty() {
		return true
	}
	return m.include.matches(relPath, baseName)
}

// excluded reports whether a directory subtree can be pruned outright.
// Include patterns never prune directories; a file deep inside may
// still match.
func (m *matcher) excluded(relPath, baseName string) bool {
	return m.exclude.matches(relPath, baseName)
}

// normalizePattern converts a path or pattern into a standardized,
// case-insensitive key format (forward slashes, lowercase).
func normalizePattern(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}
