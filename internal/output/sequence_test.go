package output

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mkdir(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNextNumber_EmptyDir(t *testing.T) {
	seq := NewSequencer(t.TempDir(), nil)
	num, padded := seq.NextNumber()
	if num != 1 || padded != "01" {
		t.Errorf("got %d %q, want 1 \"01\"", num, padded)
	}
}

func TestNextNumber_Sequential(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, dir, "01-first")
	mkdir(t, dir, "02-second")

	seq := NewSequencer(dir, nil)
	num, padded := seq.NextNumber()
	if num != 3 || padded != "03" {
		t.Errorf("got %d %q, want 3 \"03\"", num, padded)
	}
}

func TestNextNumber_Idempotent(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, dir, "01-first")

	seq := NewSequencer(dir, nil)
	n1, p1 := seq.NextNumber()
	n2, p2 := seq.NextNumber()
	if n1 != n2 || p1 != p2 {
		t.Errorf("repeated calls disagree: %d %q vs %d %q", n1, p1, n2, p2)
	}
}

func TestNextNumber_RenamesLegacyFolders(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, dir, "01-first")
	mkdir(t, dir, "02-second")
	legacy := mkdir(t, dir, "old-stuff")
	// Make the legacy folder clearly older than anything else.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(legacy, past, past); err != nil {
		t.Fatal(err)
	}

	seq := NewSequencer(dir, nil)
	num, _ := seq.NextNumber()

	if _, err := os.Stat(filepath.Join(dir, "03-old-stuff")); err != nil {
		t.Errorf("legacy folder not renamed: %v", err)
	}
	if num != 4 {
		t.Errorf("next = %d, want 4", num)
	}
}

func TestNextNumber_LegacyOrderByAge(t *testing.T) {
	dir := t.TempDir()
	older := mkdir(t, dir, "zebra")
	newer := mkdir(t, dir, "apple")
	t1 := time.Now().Add(-2 * time.Hour)
	t2 := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, t1, t1); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newer, t2, t2); err != nil {
		t.Fatal(err)
	}

	seq := NewSequencer(dir, nil)
	seq.NextNumber()

	if _, err := os.Stat(filepath.Join(dir, "01-zebra")); err != nil {
		t.Error("oldest legacy folder should take the smallest number")
	}
	if _, err := os.Stat(filepath.Join(dir, "02-apple")); err != nil {
		t.Error("newer legacy folder should take the next number")
	}
}

func TestNextNumber_KeepsExistingWiderPadding(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, dir, "001-a")
	mkdir(t, dir, "002-b")
	legacy := mkdir(t, dir, "old-stuff")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(legacy, past, past); err != nil {
		t.Fatal(err)
	}

	seq := NewSequencer(dir, nil)
	num, padded := seq.NextNumber()

	if _, err := os.Stat(filepath.Join(dir, "003-old-stuff")); err != nil {
		t.Errorf("legacy folder should adopt the existing three-digit padding: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "001-a")); err != nil {
		t.Error("existing folders must not be narrowed")
	}
	if num != 4 || padded != "004" {
		t.Errorf("got %d %q, want 4 \"004\"", num, padded)
	}
}

func TestNextNumber_PaddingWidensAt99(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 99; i++ {
		mkdir(t, dir, fmt.Sprintf("%02d-task", i))
	}

	seq := NewSequencer(dir, nil)
	num, padded := seq.NextNumber()
	if num != 100 || padded != "100" {
		t.Errorf("got %d %q, want 100 \"100\"", num, padded)
	}
	if _, err := os.Stat(filepath.Join(dir, "001-task")); err != nil {
		t.Error("existing folders should be re-padded to three digits")
	}
	if _, err := os.Stat(filepath.Join(dir, "01-task")); err == nil {
		t.Error("two-digit name should be gone after re-padding")
	}
}

func TestNextNumber_IgnoresFiles(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, dir, "01-first")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	seq := NewSequencer(dir, nil)
	num, _ := seq.NextNumber()
	if num != 2 {
		t.Errorf("next = %d, want 2", num)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("plain files must never be renamed")
	}
}

func TestPaddingFor(t *testing.T) {
	cases := []struct {
		max, want int
	}{
		{0, 2}, {1, 2}, {98, 2}, {99, 3}, {998, 3}, {999, 4},
	}
	for _, c := range cases {
		if got := paddingFor(c.max); got != c.want {
			t.Errorf("paddingFor(%d) = %d, want %d", c.max, got, c.want)
		}
	}
}
