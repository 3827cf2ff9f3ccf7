// Package discover walks the configured source roots, applies gitignore and
// exclude filters, and returns the deterministic sorted set of files that
// make up the prompt context.
package discover

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/klimentij/nerdprompt/internal/match"
)

// File is one discovered file: its resolved absolute path plus its path
// relative to the project root, slash-normalized, used for pattern matching.
type File struct {
	AbsPath string
	RelPath string
}

// Stats reports what discovery saw and filtered, for console reporting.
type Stats struct {
	Scanned           int
	ExcludedGitignore int
	ExcludedConfig    int
	Included          int
}

// Discoverer finds the files to include in a run. It has no fatal error path
// of its own: permission and pattern problems degrade to warnings and the
// offending entry is skipped.
type Discoverer struct {
	ProjectRoot string
	warnf       func(format string, args ...any)
}

// New creates a Discoverer rooted at projectRoot. The warn function receives
// non-fatal problems; pass nil to discard them.
func New(projectRoot string, warnf func(format string, args ...any)) *Discoverer {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	return &Discoverer{ProjectRoot: projectRoot, warnf: warnf}
}

// IsRemoteInclude reports whether an include spec refers to a remote git
// repository rather than a local path or glob.
func IsRemoteInclude(spec string) bool {
	return strings.HasPrefix(spec, "http://") ||
		strings.HasPrefix(spec, "https://") ||
		strings.HasPrefix(spec, "git@")
}

// Discover returns the sorted set of files reachable from the local include
// specs plus the already-materialized git roots, filtered by gitignore and
// exclude patterns. The result contains each resolved path exactly once, in
// lexicographic order of the absolute path.
func (d *Discoverer) Discover(gitRoots []string, gitignorePatterns, includeSpecs, excludePatterns []string) ([]File, Stats) {
	var stats Stats
	included := map[string]File{}

	searchPaths := d.expandIncludes(includeSpecs)
	for _, root := range gitRoots {
		if abs, err := filepath.Abs(root); err == nil {
			searchPaths = append(searchPaths, abs)
		}
	}

	// Deduplicate, then walk shallowest roots first so descendants of an
	// already-processed root can be skipped.
	seen := map[string]bool{}
	var unique []string
	for _, p := range searchPaths {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		di, dj := strings.Count(unique[i], string(filepath.Separator)), strings.Count(unique[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return unique[i] < unique[j]
	})

	var processedRoots []string
	for _, searchPath := range unique {
		if underAny(searchPath, processedRoots) {
			continue
		}

		info, err := os.Stat(searchPath)
		if err != nil {
			// Broken symlink or vanished entry: skip silently.
			continue
		}

		if !info.IsDir() {
			d.classify(searchPath, gitignorePatterns, excludePatterns, included, &stats)
			continue
		}

		processedRoots = append(processedRoots, searchPath)
		walkErr := filepath.WalkDir(searchPath, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				d.warnf("could not read %s: %v", p, err)
				return nil
			}
			if entry.IsDir() {
				return nil
			}
			if entry.Type()&fs.ModeSymlink != 0 {
				if _, err := os.Stat(p); err != nil {
					return nil // broken symlink
				}
			}
			d.classify(p, gitignorePatterns, excludePatterns, included, &stats)
			return nil
		})
		if walkErr != nil {
			d.warnf("could not walk %s: %v", searchPath, walkErr)
		}
	}

	files := make([]File, 0, len(included))
	for _, f := range included {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].AbsPath < files[j].AbsPath })
	stats.Included = len(files)
	return files, stats
}

// expandIncludes resolves the local include specs into absolute search
// paths. An empty local include list, or one containing "./", adds the
// project root itself.
func (d *Discoverer) expandIncludes(includeSpecs []string) []string {
	var local []string
	for _, spec := range includeSpecs {
		if !IsRemoteInclude(spec) {
			local = append(local, spec)
		}
	}

	var paths []string
	rootAdded := false
	addRoot := func() {
		if !rootAdded {
			if abs, err := filepath.Abs(d.ProjectRoot); err == nil {
				paths = append(paths, abs)
				rootAdded = true
			}
		}
	}

	if len(local) == 0 {
		addRoot()
		return paths
	}
	for _, pattern := range local {
		if pattern == "./" {
			addRoot()
			continue
		}
		matches, err := doublestar.FilepathGlob(filepath.Join(d.ProjectRoot, filepath.FromSlash(pattern)))
		if err != nil {
			d.warnf("could not process include pattern %q: %v", pattern, err)
			continue
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			if _, err := os.Stat(abs); err != nil {
				continue // broken symlink
			}
			paths = append(paths, abs)
		}
	}
	return paths
}

// classify applies the filter chain to one candidate file and records it when
// accepted. Gitignore patterns are checked against both the relative path and
// the bare filename; exclude patterns go through the full matcher with a
// filename-only fallback for patterns without path separators.
func (d *Discoverer) classify(absPath string, gitignorePatterns, excludePatterns []string, included map[string]File, stats *Stats) {
	if _, ok := included[absPath]; ok {
		return
	}
	stats.Scanned++

	rel := d.relPath(absPath)
	for _, pattern := range gitignorePatterns {
		if match.Glob(pattern, rel) || match.Glob(pattern, filepath.Base(absPath)) {
			stats.ExcludedGitignore++
			return
		}
	}

	if match.Matches(rel, excludePatterns) || match.MatchesFilename(rel, excludePatterns) {
		stats.ExcludedConfig++
		return
	}

	included[absPath] = File{AbsPath: absPath, RelPath: rel}
}

// relPath computes the slash-normalized path of absPath relative to the
// project root, falling back to the absolute path when outside it.
func (d *Discoverer) relPath(absPath string) string {
	rel, err := filepath.Rel(d.ProjectRoot, absPath)
	if err != nil {
		return filepath.ToSlash(absPath)
	}
	return filepath.ToSlash(rel)
}

// underAny reports whether p is a strict descendant of any root in roots.
func underAny(p string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		if rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".." {
			return true
		}
	}
	return false
}
