package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dpolishuk/codegraph/internal/git"
	"github.com/dpolishuk/codegraph/internal/models"
)

var (
	ErrInvalidRoot  = errors.New("invalid source root")
	ErrFileTooLarge = errors.New("file too large")
)

// ScanError is a file skipped during a walk. Walks continue past them.
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string { return fmt.Sprintf("scan %s: %v", e.Path, e.Err) }

func (e ScanError) Unwrap() error { return e.Err }

type WalkerOptions struct {
	Includes    []string
	Excludes    []string
	MaxFileSize int64
	// UseGit lists candidates with git ls-files when the root is a work tree.
	UseGit bool
}

// Walker enumerates the source files below a root with their content hashes.
type Walker struct {
	matcher     *GlobMatcher
	maxFileSize int64
	useGit      bool
	git         *git.GitService
	logger      *slog.Logger
}

func NewWalker(opts WalkerOptions, gitSvc *git.GitService, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	includes := opts.Includes
	if len(includes) == 0 {
		includes = DefaultIncludes()
	}
	excludes := append(append([]string{}, DefaultExcludes...), opts.Excludes...)
	if gitSvc == nil {
		gitSvc = git.NewGitService("", logger)
	}
	return &Walker{
		matcher:     NewGlobMatcher(includes, excludes),
		maxFileSize: opts.MaxFileSize,
		useGit:      opts.UseGit,
		git:         gitSvc,
		logger:      logger,
	}
}

// Matches reports whether a relative path would be picked up by Walk.
func (w *Walker) Matches(rel string) bool {
	return w.matcher.Match(rel) && models.DetectLanguage(rel) != ""
}

// Walk returns the matching files below root sorted by path. Unreadable or
// oversized files are reported as scan errors.
func (w *Walker) Walk(ctx context.Context, root string) ([]models.SourceFile, []ScanError, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}

	candidates, err := w.candidates(ctx, absRoot)
	if err != nil {
		return nil, nil, err
	}

	var files []models.SourceFile
	var scanErrs []ScanError
	for _, rel := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !w.Matches(rel) {
			continue
		}
		f, err := w.Stat(absRoot, rel)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			scanErrs = append(scanErrs, ScanError{Path: rel, Err: err})
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, se := range scanErrs {
		w.logger.Warn("skipping file", "path", se.Path, "error", se.Err)
	}
	return files, scanErrs, nil
}

func (w *Walker) candidates(ctx context.Context, absRoot string) ([]string, error) {
	if w.useGit && w.git.IsWorkTree(ctx, absRoot) {
		files, err := w.git.ListFiles(ctx, absRoot)
		if err == nil {
			return files, nil
		}
		w.logger.Warn("git ls-files failed, walking the directory", "root", absRoot, "error", err)
	}

	var out []string
	err := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == absRoot {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(absRoot, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if p != absRoot && w.matcher.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", absRoot, err)
	}
	return out, nil
}

// Stat hashes one file below root.
func (w *Walker) Stat(root, rel string) (models.SourceFile, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return models.SourceFile{}, err
	}
	if !info.Mode().IsRegular() {
		return models.SourceFile{}, fmt.Errorf("%s is not a regular file", rel)
	}
	if w.maxFileSize > 0 && info.Size() > w.maxFileSize {
		return models.SourceFile{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}
	hash, err := HashFile(abs)
	if err != nil {
		return models.SourceFile{}, err
	}
	return models.SourceFile{
		Path:        filepath.ToSlash(rel),
		AbsPath:     abs,
		Language:    models.DetectLanguage(rel),
		ContentHash: hash,
		ModTime:     info.ModTime(),
		Size:        info.Size(),
	}, nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
