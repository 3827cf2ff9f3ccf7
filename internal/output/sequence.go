package output

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// folderNamePattern matches conforming task folder names: NNN-name.
var folderNamePattern = regexp.MustCompile(`^(\d+)-(.+)$`)

// Sequencer maintains the numbered-folder invariant inside the output
// directory: every subfolder is named <NNN>-<slug> with consistent
// zero-padding, and numbers are globally unique and monotonically increasing.
type Sequencer struct {
	OutputDir string
	warnf     func(format string, args ...any)
}

// NewSequencer creates a Sequencer over outputDir. The warn function receives
// non-fatal rename problems; pass nil to discard them.
func NewSequencer(outputDir string, warnf func(format string, args ...any)) *Sequencer {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	return &Sequencer{OutputDir: outputDir, warnf: warnf}
}

// paddingFor returns the zero-padding width for a given maximum folder
// number: 2 digits, upgraded to 3 at 99, to 4 at 999, and so on.
func paddingFor(maxNum int) int {
	width := 2
	for threshold := 99; maxNum >= threshold; threshold = threshold*10 + 9 {
		width++
	}
	return width
}

// widestPrefix returns the widest numeric prefix among conforming folder
// names. Existing padding is never narrowed, only widened.
func widestPrefix(conforming map[int]string) int {
	widest := 0
	for _, name := range conforming {
		if m := folderNamePattern.FindStringSubmatch(name); m != nil && len(m[1]) > widest {
			widest = len(m[1])
		}
	}
	return widest
}

// effectivePadding combines the number-driven width with the width already
// in use on disk.
func effectivePadding(maxNum int, conforming map[int]string) int {
	padding := paddingFor(maxNum)
	if w := widestPrefix(conforming); w > padding {
		padding = w
	}
	return padding
}

// NextNumber scans the output directory, renames legacy folders into the
// numbered scheme (oldest first), fixes padding drift, and returns the next
// available number with its padded string form. Calling it twice without
// creating a folder in between returns the same result both times; it only
// mutates the directory to repair inconsistent existing state. Rename
// failures are reported and skipped, never fatal.
func (s *Sequencer) NextNumber() (int, string) {
	conforming, nonConforming := s.scan()

	maxNum := 0
	for num := range conforming {
		if num > maxNum {
			maxNum = num
		}
	}
	padding := effectivePadding(maxNum, conforming)
	next := maxNum + 1

	// Oldest non-conforming folder gets the smallest available number.
	sort.Slice(nonConforming, func(i, j int) bool {
		return nonConforming[i].modTime.Before(nonConforming[j].modTime)
	})
	for _, entry := range nonConforming {
		for conforming[next] != "" {
			next++
		}
		newName := fmt.Sprintf("%0*d-%s", padding, next, entry.name)
		oldPath := filepath.Join(s.OutputDir, entry.name)
		newPath := filepath.Join(s.OutputDir, newName)
		if err := os.Rename(oldPath, newPath); err != nil {
			s.warnf("failed to rename %q: %v", entry.name, err)
			continue
		}
		s.warnf("renamed %q -> %q for consistent numbering", entry.name, newName)
		conforming[next] = newName
		next++
	}

	// Re-pad conforming folders if the required width changed, in numeric
	// order, skipping renames that would be no-ops.
	maxAfterRename := 0
	for num := range conforming {
		if num > maxAfterRename {
			maxAfterRename = num
		}
	}
	requiredPadding := effectivePadding(maxAfterRename, conforming)

	var nums []int
	for num := range conforming {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	for _, num := range nums {
		name := conforming[num]
		m := folderNamePattern.FindStringSubmatch(name)
		if m == nil || len(m[1]) == requiredPadding {
			continue
		}
		newName := fmt.Sprintf("%0*d-%s", requiredPadding, num, m[2])
		if newName == name {
			continue
		}
		if err := os.Rename(filepath.Join(s.OutputDir, name), filepath.Join(s.OutputDir, newName)); err != nil {
			s.warnf("failed to adjust padding for %q: %v", name, err)
			continue
		}
		s.warnf("adjusted padding %q -> %q", name, newName)
	}

	// Recompute the true maximum after all renames.
	finalConforming, _ := s.scan()
	finalMax := 0
	for num := range finalConforming {
		if num > finalMax {
			finalMax = num
		}
	}
	finalNext := finalMax + 1
	return finalNext, fmt.Sprintf("%0*d", effectivePadding(finalMax, finalConforming), finalNext)
}

type legacyFolder struct {
	name    string
	modTime time.Time
}

// scan enumerates immediate subdirectories, splitting them into conforming
// (numbered) and non-conforming folders.
func (s *Sequencer) scan() (map[int]string, []legacyFolder) {
	conforming := map[int]string{}
	var nonConforming []legacyFolder

	entries, err := os.ReadDir(s.OutputDir)
	if err != nil {
		return conforming, nonConforming
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if m := folderNamePattern.FindStringSubmatch(entry.Name()); m != nil {
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			// Keep the widest-padded name if a number somehow appears twice.
			if existing, ok := conforming[num]; !ok || len(entry.Name()) > len(existing) {
				conforming[num] = entry.Name()
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		nonConforming = append(nonConforming, legacyFolder{name: entry.Name(), modTime: info.ModTime()})
	}
	return conforming, nonConforming
}
