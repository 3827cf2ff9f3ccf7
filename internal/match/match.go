// Package match implements the glob and gitignore-style pattern matching used
// to filter discovered files. Paths are always compared with forward slashes.
package match

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Normalize converts a path to the forward-slash form used for matching.
func Normalize(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// Glob reports whether name matches the shell-glob pattern. Patterns may use
// *, ?, [...] and ** (doublestar). A malformed pattern never matches.
func Glob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// Matches reports whether relPath matches any of the given patterns.
//
// A pattern ending in "/" is a directory prefix pattern: it matches the path
// equal to the pattern minus the slash, or any path under it. The literal
// pattern ".git/" additionally matches ".git" appearing as any path
// component, so VCS metadata is excluded regardless of nesting depth.
// All other patterns use glob semantics against the full relative path and,
// independently, against the path's final segment.
func Matches(relPath string, patterns []string) bool {
	relPath = Normalize(relPath)

	for _, pattern := range patterns {
		switch {
		case pattern == ".git/":
			if relPath == ".git" || strings.HasPrefix(relPath, ".git/") || strings.Contains(relPath, "/.git/") {
				return true
			}
		case strings.HasSuffix(pattern, "/"):
			if relPath == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(relPath, pattern) {
				return true
			}
		default:
			if Glob(pattern, relPath) || Glob(pattern, path.Base(relPath)) {
				return true
			}
		}
	}
	return false
}

// MatchesFilename reports whether the final segment of relPath matches any
// pattern. Used as a fallback check for exclude patterns without path
// separators.
func MatchesFilename(relPath string, patterns []string) bool {
	name := path.Base(Normalize(relPath))
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "/") && Glob(pattern, name) {
			return true
		}
	}
	return false
}
