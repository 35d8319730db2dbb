// Package git shells out to the git binary for cloning remote sources and
// listing the files of a work tree.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

var ErrNotWorkTree = errors.New("not a git work tree")

type GitService struct {
	basePath string
	logger   *slog.Logger
	clones   singleflight.Group
}

func NewGitService(basePath string, logger *slog.Logger) *GitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitService{basePath: basePath, logger: logger}
}

// Clone clones a repository below the base path. An existing clone is
// fast-forwarded instead. Concurrent calls for the same path share one run.
func (s *GitService) Clone(ctx context.Context, url, branch string) (string, error) {
	repoPath := s.RepoPath(ExtractRepoName(url))
	_, err, _ := s.clones.Do(repoPath, func() (any, error) {
		return nil, s.cloneOrPull(ctx, url, branch, repoPath)
	})
	if err != nil {
		return "", err
	}
	return repoPath, nil
}

func (s *GitService) cloneOrPull(ctx context.Context, url, branch, repoPath string) error {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err == nil {
		return s.Pull(ctx, repoPath)
	}

	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return fmt.Errorf("create repos directory: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, repoPath)

	s.logger.Info("cloning repository", "url", url, "branch", branch, "path", repoPath)
	if _, err := s.run(ctx, "", args...); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

func (s *GitService) Pull(ctx context.Context, repoPath string) error {
	s.logger.Info("updating repository", "path", repoPath)
	if _, err := s.run(ctx, repoPath, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("git pull: %w", err)
	}
	return nil
}

func (s *GitService) CurrentCommit(ctx context.Context, repoPath string) (string, error) {
	out, err := s.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsWorkTree reports whether dir is inside a git work tree.
func (s *GitService) IsWorkTree(ctx context.Context, dir string) bool {
	out, err := s.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// TopLevel returns the root directory of the work tree containing dir.
func (s *GitService) TopLevel(ctx context.Context, dir string) (string, error) {
	out, err := s.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotWorkTree, dir)
	}
	return filepath.FromSlash(strings.TrimSpace(string(out))), nil
}

// ListFiles returns the tracked and untracked-but-not-ignored files of the
// work tree at repoPath, relative to repoPath with forward slashes.
func (s *GitService) ListFiles(ctx context.Context, repoPath string) ([]string, error) {
	if !s.IsWorkTree(ctx, repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotWorkTree, repoPath)
	}
	out, err := s.run(ctx, repoPath, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var files []string
	seen := make(map[string]bool)
	for _, name := range bytes.Split(out, []byte{0}) {
		if len(name) == 0 || seen[string(name)] {
			continue
		}
		seen[string(name)] = true
		files = append(files, filepath.ToSlash(string(name)))
	}
	return files, nil
}

func (s *GitService) RepoPath(repoName string) string {
	return filepath.Join(s.basePath, repoName)
}

func (s *GitService) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// ExtractRepoName extracts the repository name from an HTTPS or SSH URL.
func ExtractRepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		parts := strings.Split(url, "/")
		return parts[len(parts)-1]
	}

	// git@github.com:owner/repo
	if strings.Contains(url, ":") {
		parts := strings.Split(url, ":")
		if len(parts) > 1 {
			pathParts := strings.Split(parts[1], "/")
			return pathParts[len(pathParts)-1]
		}
	}

	return url
}
