// Package config holds the run configuration and the persisted project state
// (.npconfig.toml), plus OpenRouter API key resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/klimentij/nerdprompt/internal/errors"
)

const (
	// ProjectConfigFilename is the per-project state file in the project root.
	ProjectConfigFilename = ".npconfig.toml"

	// GlobalConfigDirName is the directory under the user config dir that
	// holds the global settings file.
	GlobalConfigDirName = "nerd-prompt"

	// GlobalConfigFilename holds global settings, including the API key.
	GlobalConfigFilename = "settings.toml"

	// APIKeyEnvVar is the environment variable checked first for the key.
	APIKeyEnvVar = "OPENROUTER_API_KEY"

	// DefaultCharsPerToken is the token estimation divisor.
	DefaultCharsPerToken = 4.0
)

// DefaultExcludes are always applied on top of .gitignore and run excludes.
var DefaultExcludes = []string{
	".git/",
	"__pycache__/",
	"node_modules/",
	".vscode/",
	"*.log",
	ProjectConfigFilename,
	"np_output/",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.webp", "*.ico", "*.bmp",
	".DS_Store",
	"*.pyc",
	"*.pyo",
	"*~$*",
	".env",
	"venv/",
	".venv/",
	"dist/",
	"build/",
	"*.egg-info/",
}

// RunConfig holds the resolved configuration for a single invocation.
type RunConfig struct {
	Includes         []string
	Excludes         []string
	LLMs             []string
	TaskName         string
	TaskDefinition   string
	ModelOverrides   map[string]map[string]any
	SkipConfirmation bool
	ProjectRoot      string
	APIKey           string
	CharsPerToken    float64
}

// ProjectState is the persistent state stored in .npconfig.toml.
type ProjectState struct {
	DefaultIncludes       []string                  `toml:"include"`
	DefaultExcludes       []string                  `toml:"exclude"`
	DefaultLLMs           []string                  `toml:"llms"`
	DefaultModelOverrides map[string]map[string]any `toml:"model_overrides"`
	GitRepoMap            map[string]string         `toml:"git_repo_map"`
	APIKeyBackup          string                    `toml:"api_key_backup,omitempty"`
}

// DefaultProjectState returns the state used when no config file exists.
func DefaultProjectState() *ProjectState {
	return &ProjectState{
		DefaultIncludes: []string{"./"},
		DefaultExcludes: append([]string(nil), DefaultExcludes...),
		GitRepoMap:      map[string]string{},
	}
}

// Manager loads and saves project and global configuration.
type Manager struct {
	ProjectRoot       string
	projectConfigPath string
	globalConfigDir   string
	globalConfigPath  string
	warnf             func(format string, args ...any)
}

// NewManager creates a Manager rooted at projectRoot. The warn function
// receives non-fatal load problems; pass nil to discard them.
func NewManager(projectRoot string, warnf func(format string, args ...any)) *Manager {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	m := &Manager{
		ProjectRoot:       projectRoot,
		projectConfigPath: filepath.Join(projectRoot, ProjectConfigFilename),
		warnf:             warnf,
	}
	if dir, err := os.UserConfigDir(); err == nil {
		m.globalConfigDir = filepath.Join(dir, GlobalConfigDirName)
		m.globalConfigPath = filepath.Join(m.globalConfigDir, GlobalConfigFilename)
	}
	return m
}

// SetGlobalConfigDir overrides the global config location. Used by tests.
func (m *Manager) SetGlobalConfigDir(dir string) {
	m.globalConfigDir = dir
	m.globalConfigPath = filepath.Join(dir, GlobalConfigFilename)
}

// LoadProjectState loads state from .npconfig.toml, returning defaults if the
// file does not exist. A corrupt file is a warning, not an error.
func (m *Manager) LoadProjectState() *ProjectState {
	state := DefaultProjectState()
	data, err := os.ReadFile(m.projectConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.warnf("could not read project config %s: %v", m.projectConfigPath, err)
		}
		return state
	}
	if err := toml.Unmarshal(data, state); err != nil {
		m.warnf("could not parse project config %s: %v", m.projectConfigPath, err)
		return DefaultProjectState()
	}
	if state.GitRepoMap == nil {
		state.GitRepoMap = map[string]string{}
	}
	return state
}

// SaveProjectState writes the state back to .npconfig.toml.
func (m *Manager) SaveProjectState(state *ProjectState) error {
	f, err := os.Create(m.projectConfigPath)
	if err != nil {
		return errors.NewConfig(m.projectConfigPath, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(state); err != nil {
		return errors.NewConfig(m.projectConfigPath, err)
	}
	return nil
}

// UpdateGitRepoMap records a repo key → folder name association and saves
// immediately. A no-op when the mapping is unchanged.
func (m *Manager) UpdateGitRepoMap(repoKey, folderName string) error {
	state := m.LoadProjectState()
	if state.GitRepoMap[repoKey] == folderName {
		return nil
	}
	state.GitRepoMap[repoKey] = folderName
	return m.SaveProjectState(state)
}

// globalSettings is the shape of the global settings.toml.
type globalSettings struct {
	Settings map[string]string `toml:"settings"`
}

// LoadAPIKey resolves the OpenRouter API key: environment variable first
// (after loading a local .env if present), then the global settings file,
// then the project config backup. Returns "" when nothing is configured.
func (m *Manager) LoadAPIKey() string {
	_ = godotenv.Load(filepath.Join(m.ProjectRoot, ".env"))
	if key := strings.TrimSpace(os.Getenv(APIKeyEnvVar)); key != "" {
		return key
	}

	if m.globalConfigPath != "" {
		var settings globalSettings
		if _, err := toml.DecodeFile(m.globalConfigPath, &settings); err == nil {
			if key := strings.TrimSpace(settings.Settings[APIKeyEnvVar]); key != "" {
				return key
			}
		} else if !os.IsNotExist(err) {
			m.warnf("could not load global config %s: %v", m.globalConfigPath, err)
		}
	}

	state := m.LoadProjectState()
	if key := strings.TrimSpace(state.APIKeyBackup); key != "" {
		m.warnf("using API key from project config (fallback)")
		return key
	}
	return ""
}

// SaveAPIKey persists the key to the global settings file with restricted
// permissions, and mirrors it into the project config as a backup.
func (m *Manager) SaveAPIKey(key string) error {
	if m.globalConfigDir == "" {
		return errors.NewConfig(GlobalConfigFilename, fmt.Errorf("no user config directory"))
	}
	if err := os.MkdirAll(m.globalConfigDir, 0700); err != nil {
		return errors.NewConfig(m.globalConfigDir, err)
	}
	_ = os.Chmod(m.globalConfigDir, 0700)

	f, err := os.Create(m.globalConfigPath)
	if err != nil {
		return errors.NewConfig(m.globalConfigPath, err)
	}
	defer f.Close()
	settings := globalSettings{Settings: map[string]string{APIKeyEnvVar: key}}
	if err := toml.NewEncoder(f).Encode(settings); err != nil {
		return errors.NewConfig(m.globalConfigPath, err)
	}
	_ = os.Chmod(m.globalConfigPath, 0600)

	// Backup copy in the project config so the key survives a lost home dir.
	state := m.LoadProjectState()
	state.APIKeyBackup = key
	return m.SaveProjectState(state)
}

// LoadGitignorePatterns returns the non-comment, non-blank lines of the
// project root .gitignore. A missing or unreadable file yields no patterns.
func (m *Manager) LoadGitignorePatterns() []string {
	data, err := os.ReadFile(filepath.Join(m.ProjectRoot, ".gitignore"))
	if err != nil {
		if !os.IsNotExist(err) {
			m.warnf("could not read .gitignore: %v", err)
		}
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// EffectiveExcludes merges the default excludes, the project state excludes,
// and the run excludes into one deduplicated list, keeping first-seen order.
func EffectiveExcludes(state *ProjectState, runExcludes []string) []string {
	return mergeStringSlice(mergeStringSlice(DefaultExcludes, state.DefaultExcludes), runExcludes)
}

// mergeStringSlice combines two slices, trims whitespace, and removes
// duplicates while keeping first-seen order.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
