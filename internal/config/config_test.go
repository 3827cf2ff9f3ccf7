package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProjectState_MissingFile(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	state := mgr.LoadProjectState()

	if len(state.DefaultIncludes) != 1 || state.DefaultIncludes[0] != "./" {
		t.Errorf("default includes = %v, want [./]", state.DefaultIncludes)
	}
	if state.GitRepoMap == nil {
		t.Error("GitRepoMap should never be nil")
	}
	if len(state.DefaultExcludes) == 0 {
		t.Error("default excludes should not be empty")
	}
}

func TestLoadProjectState_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ProjectConfigFilename), []byte("not [valid toml"), 0644); err != nil {
		t.Fatal(err)
	}

	warned := false
	mgr := NewManager(dir, func(string, ...any) { warned = true })
	state := mgr.LoadProjectState()

	if !warned {
		t.Error("corrupt config should warn")
	}
	if len(state.DefaultIncludes) != 1 || state.DefaultIncludes[0] != "./" {
		t.Errorf("corrupt config should fall back to defaults, got %v", state.DefaultIncludes)
	}
}

func TestSaveLoadProjectState_RoundTrip(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)

	state := DefaultProjectState()
	state.DefaultIncludes = []string{"src/", "docs/readme.md"}
	state.DefaultLLMs = []string{"openai/gpt-4o", "claude"}
	state.GitRepoMap["https://example.com/r.git#DEFAULT"] = "004-r"
	state.DefaultModelOverrides = map[string]map[string]any{
		"openai/gpt-4o": {"temperature": 0.5},
	}
	if err := mgr.SaveProjectState(state); err != nil {
		t.Fatalf("SaveProjectState failed: %v", err)
	}

	loaded := mgr.LoadProjectState()
	if len(loaded.DefaultIncludes) != 2 || loaded.DefaultIncludes[0] != "src/" {
		t.Errorf("includes = %v", loaded.DefaultIncludes)
	}
	if loaded.GitRepoMap["https://example.com/r.git#DEFAULT"] != "004-r" {
		t.Errorf("git repo map = %v", loaded.GitRepoMap)
	}
	if loaded.DefaultModelOverrides["openai/gpt-4o"]["temperature"] != 0.5 {
		t.Errorf("overrides = %v", loaded.DefaultModelOverrides)
	}
}

func TestUpdateGitRepoMap_NoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, nil)
	if err := mgr.UpdateGitRepoMap("key", "001-repo"); err != nil {
		t.Fatalf("UpdateGitRepoMap failed: %v", err)
	}

	path := filepath.Join(dir, ProjectConfigFilename)
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.UpdateGitRepoMap("key", "001-repo"); err != nil {
		t.Fatalf("second UpdateGitRepoMap failed: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Error("unchanged mapping should not rewrite the config file")
	}

	if mgr.LoadProjectState().GitRepoMap["key"] != "001-repo" {
		t.Error("mapping not persisted")
	}
}

func TestLoadAPIKey_EnvWinsOverGlobal(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, nil)
	mgr.SetGlobalConfigDir(t.TempDir())

	if err := mgr.SaveAPIKey("sk-from-global"); err != nil {
		t.Fatalf("SaveAPIKey failed: %v", err)
	}

	t.Setenv(APIKeyEnvVar, "sk-from-env")
	if got := mgr.LoadAPIKey(); got != "sk-from-env" {
		t.Errorf("key = %q, want env value", got)
	}

	t.Setenv(APIKeyEnvVar, "")
	if got := mgr.LoadAPIKey(); got != "sk-from-global" {
		t.Errorf("key = %q, want global value", got)
	}
}

func TestLoadAPIKey_ProjectBackupFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(APIKeyEnvVar, "")
	mgr := NewManager(dir, nil)
	mgr.SetGlobalConfigDir(t.TempDir())

	state := DefaultProjectState()
	state.APIKeyBackup = "sk-backup"
	if err := mgr.SaveProjectState(state); err != nil {
		t.Fatal(err)
	}

	if got := mgr.LoadAPIKey(); got != "sk-backup" {
		t.Errorf("key = %q, want backup value", got)
	}
}

func TestLoadAPIKey_Missing(t *testing.T) {
	t.Setenv(APIKeyEnvVar, "")
	mgr := NewManager(t.TempDir(), nil)
	mgr.SetGlobalConfigDir(t.TempDir())
	if got := mgr.LoadAPIKey(); got != "" {
		t.Errorf("key = %q, want empty", got)
	}
}

func TestLoadGitignorePatterns(t *testing.T) {
	dir := t.TempDir()
	gitignore := "# comment\n\n*.tmp\nbuild/\n   \n # indented comment\nsecret.txt\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(dir, nil)
	patterns := mgr.LoadGitignorePatterns()
	want := []string{"*.tmp", "build/", "secret.txt"}
	if len(patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", patterns, want)
	}
	for i := range want {
		if patterns[i] != want[i] {
			t.Errorf("patterns[%d] = %q, want %q", i, patterns[i], want[i])
		}
	}
}

func TestEffectiveExcludes_MergeAndDedupe(t *testing.T) {
	state := DefaultProjectState()
	state.DefaultExcludes = append(state.DefaultExcludes, "custom/")

	got := EffectiveExcludes(state, []string{"*.log", "run-only/", " custom/ "})

	seen := make(map[string]int)
	for _, p := range got {
		seen[p]++
	}
	if seen["*.log"] != 1 {
		t.Errorf("*.log appears %d times, want 1", seen["*.log"])
	}
	if seen["custom/"] != 1 {
		t.Errorf("custom/ appears %d times, want 1", seen["custom/"])
	}
	if seen["run-only/"] != 1 {
		t.Error("run exclude missing")
	}
	if seen[".git/"] != 1 {
		t.Error("default excludes missing")
	}
}
