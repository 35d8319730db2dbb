package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRepoName(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://github.com/owner/repo", "repo"},
		{"https://github.com/owner/repo.git", "repo"},
		{"https://github.com/owner/repo/", "repo"},
		{"git@github.com:owner/repo.git", "repo"},
		{"http://gitlab.com/group/project", "project"},
	}

	for _, tt := range tests {
		got := ExtractRepoName(tt.url)
		if got != tt.expected {
			t.Errorf("ExtractRepoName(%s) = %s, want %s", tt.url, got, tt.expected)
		}
	}
}

func TestListFiles(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	svc := NewGitService(dir, nil)
	ctx := context.Background()

	assert.False(t, svc.IsWorkTree(ctx, dir))
	_, err := svc.ListFiles(ctx, dir)
	assert.ErrorIs(t, err, ErrNotWorkTree)

	_, err = svc.run(ctx, dir, "init", "-q")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))

	files, err := svc.ListFiles(ctx, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".gitignore", "pkg/a.go"}, files)

	top, err := svc.TopLevel(ctx, filepath.Join(dir, "pkg"))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(top)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCloneRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	repoURL := "https://github.com/kelseyhightower/nocode"

	tmpDir, err := os.MkdirTemp("", "codegraph-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	service := NewGitService(tmpDir, nil)

	repoPath, err := service.Clone(context.Background(), repoURL, "master")
	if err != nil {
		t.Fatalf("Failed to clone: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		t.Error("Expected .git directory to exist")
	}
	if _, err := os.Stat(filepath.Join(repoPath, "README.md")); os.IsNotExist(err) {
		t.Error("Expected README.md to exist")
	}
}
