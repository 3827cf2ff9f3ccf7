// Package gitrepo materializes remote git includes into the output
// directory so their files can join the assembled context.
package gitrepo

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klimentij/nerdprompt/internal/errors"
	"github.com/klimentij/nerdprompt/internal/output"
)

// Repo describes one synced repository clone.
type Repo struct {
	URL    string
	Branch string
	Commit string
	Path   string
}

// Mapper persists repo key → folder name associations between runs.
type Mapper interface {
	UpdateGitRepoMap(repoKey, folderName string) error
}

// ParseURL splits a repo spec into its clone URL and branch. Two forms
// carry a branch: an explicit "url#branch" suffix, and GitHub-style
// ".../tree/<branch>" web URLs.
func ParseURL(spec string) (url, branch string) {
	url = spec
	if idx := strings.LastIndex(spec, "#"); idx > 0 {
		url = spec[:idx]
		branch = spec[idx+1:]
	}
	if idx := strings.Index(url, "/tree/"); idx > 0 {
		if branch == "" {
			branch = url[idx+len("/tree/"):]
			branch = strings.TrimSuffix(branch, "/")
		}
		url = url[:idx]
	}
	return url, branch
}

// repoKey identifies one url+branch pair in the persistent mapping.
func repoKey(url, branch string) string {
	if branch == "" {
		branch = "DEFAULT"
	}
	return url + "#" + branch
}

// repoSlug derives a folder slug from the clone URL.
func repoSlug(url string) string {
	name := url
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	return output.Slugify(name)
}

// Handler clones and refreshes remote includes under the output directory.
type Handler struct {
	OutputDir string
	Mapper    Mapper
	warnf     func(format string, args ...any)

	// runGit executes one git command in dir. Swappable for tests.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewHandler creates a Handler over outputDir. mapper may be nil when
// mappings should not be persisted.
func NewHandler(outputDir string, mapper Mapper, warnf func(format string, args ...any)) *Handler {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	return &Handler{
		OutputDir: outputDir,
		Mapper:    mapper,
		warnf:     warnf,
		runGit:    runGitCommand,
	}
}

func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.NewGit("git "+strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Sync brings every remote include up to date and returns the resulting
// clones. Known repos (present in repoMap with an existing folder) are
// pulled in place, falling back to a wipe and re-clone when the pull
// fails. New repos are cloned into the next numbered folder.
func (h *Handler) Sync(ctx context.Context, specs []string, repoMap map[string]string) ([]Repo, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	repos := make([]Repo, 0, len(specs))
	for _, spec := range specs {
		url, branch := ParseURL(spec)
		repo, err := h.syncOne(ctx, url, branch, repoMap)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, nil
}

func (h *Handler) syncOne(ctx context.Context, url, branch string, repoMap map[string]string) (*Repo, error) {
	key := repoKey(url, branch)

	if folder := repoMap[key]; folder != "" {
		path := filepath.Join(h.OutputDir, folder)
		if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info.IsDir() {
			if err := h.update(ctx, path, branch); err == nil {
				return h.describe(ctx, url, branch, path)
			}
			h.warnf("pull failed for %s, re-cloning", url)
			if err := os.RemoveAll(path); err != nil {
				return nil, errors.NewGit("remove "+path, err.Error())
			}
			if err := h.clone(ctx, url, branch, path); err != nil {
				return nil, err
			}
			return h.describe(ctx, url, branch, path)
		}
	}

	folder := h.allocateFolder(url, branch)
	path := filepath.Join(h.OutputDir, folder)
	if err := h.clone(ctx, url, branch, path); err != nil {
		return nil, err
	}
	if h.Mapper != nil {
		if err := h.Mapper.UpdateGitRepoMap(key, folder); err != nil {
			h.warnf("could not record repo mapping for %s: %v", url, err)
		}
	}
	if repoMap != nil {
		repoMap[key] = folder
	}
	return h.describe(ctx, url, branch, path)
}

// allocateFolder picks the next numbered folder name for a fresh clone.
func (h *Handler) allocateFolder(url, branch string) string {
	seq := output.NewSequencer(h.OutputDir, h.warnf)
	_, padded := seq.NextNumber()
	slug := repoSlug(url)
	if branch != "" {
		slug = slug + "-" + output.Slugify(branch)
	}
	return padded + "-" + slug
}

func (h *Handler) clone(ctx context.Context, url, branch, path string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, url, path)
	_, err := h.runGit(ctx, "", args...)
	return err
}

func (h *Handler) update(ctx context.Context, path, branch string) error {
	if branch != "" {
		if _, err := h.runGit(ctx, path, "checkout", branch); err != nil {
			return err
		}
	}
	_, err := h.runGit(ctx, path, "pull", "--ff-only")
	return err
}

func (h *Handler) describe(ctx context.Context, url, branch, path string) (*Repo, error) {
	commit, err := h.runGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		h.warnf("could not resolve HEAD for %s: %v", url, err)
		commit = ""
	}
	return &Repo{URL: url, Branch: branch, Commit: commit, Path: path}, nil
}
