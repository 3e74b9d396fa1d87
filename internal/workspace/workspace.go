// Package workspace implements the Workspace Manager: per-run scratch
// directories on the host filesystem, materialized from a fixed template
// tree overlaid with generated files, and torn down on run termination.
//
// Grounded on the teacher's internal/runner/docker_backtest.go
// createBacktestConfigFiles/cleanupBacktestConfigFiles (os.MkdirAll,
// os.WriteFile, os.RemoveAll), generalized from a handful of fixed
// filenames to an arbitrary template-tree-plus-overlay.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"codearena/internal/logger"
)

// UnsafePathError is returned when a supplied relative path would escape
// the run's workspace directory.
type UnsafePathError struct {
	Path string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe workspace path: %q", e.Path)
}

// Manager roots all run workspaces under a single base directory and
// overlays a shared template tree into each one.
type Manager struct {
	baseDir     string
	templateDir string
}

// New creates a Manager. baseDir is created if missing; templateDir may be
// empty, in which case no template tree is overlaid (useful in tests).
func New(baseDir, templateDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Manager{baseDir: baseDir, templateDir: templateDir}, nil
}

// Dir returns the root directory for a run's workspace, whether or not it
// has been materialized yet.
func (m *Manager) Dir(runID string) string {
	return filepath.Join(m.baseDir, runID)
}

// Materialize creates the run's workspace directory, copies the template
// tree into it, then overlays the supplied files (overlay wins on
// conflict). Every relative path in files is validated against path
// traversal, absolute prefixes, and symlink components before it is
// written.
func (m *Manager) Materialize(ctx context.Context, runID string, files map[string]string) (string, error) {
	log := logger.GetLogger(ctx).With(zap.String("run_id", runID))

	dir := m.Dir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run workspace: %w", err)
	}

	if m.templateDir != "" {
		if err := copyTree(m.templateDir, dir); err != nil {
			return "", fmt.Errorf("copy template tree: %w", err)
		}
	}

	for rel, content := range files {
		if err := validateRelPath(rel); err != nil {
			return "", err
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		cur := dir
		for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/") {
			cur = filepath.Join(cur, part)
			if fi, err := os.Lstat(cur); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
				return "", &UnsafePathError{Path: rel}
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
	}

	log.Debug("workspace materialized", zap.String("dir", dir), zap.Int("overlay_files", len(files)))
	return dir, nil
}

// Delete recursively removes a run's workspace directory. Idempotent: a
// missing directory is not an error.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	dir := m.Dir(runID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete workspace %s: %w", dir, err)
	}
	logger.GetLogger(ctx).Debug("workspace deleted", zap.String("run_id", runID), zap.String("dir", dir))
	return nil
}

// Exists reports whether a run's workspace directory is present.
func (m *Manager) Exists(runID string) bool {
	_, err := os.Stat(m.Dir(runID))
	return err == nil
}

// validateRelPath rejects empty paths, paths containing "..", and absolute
// prefixes, matching the Workspace Manager's UnsafePathError contract.
// Symlink components are checked by Materialize once the path is joined to
// the workspace directory.
func validateRelPath(rel string) error {
	if rel == "" {
		return &UnsafePathError{Path: rel}
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(filepath.ToSlash(rel), "/") {
		return &UnsafePathError{Path: rel}
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &UnsafePathError{Path: rel}
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return &UnsafePathError{Path: rel}
		}
	}
	return nil
}

// copyTree copies a directory tree, rejecting symlinks anywhere in the
// source so a deployer-supplied template can't be used to smuggle a path
// escape into the workspace.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return &UnsafePathError{Path: path}
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template file %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}
