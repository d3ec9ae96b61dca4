package backend

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ArtifactCollector copies files a task produced in its scratch directory
// into a persistent per-task directory before the scratch directory is
// removed.
type ArtifactCollector struct {
	root   string
	logger *slog.Logger
}

// NewArtifactCollector stores artifacts under root/<task id>.
func NewArtifactCollector(root string, logger *slog.Logger) *ArtifactCollector {
	return &ArtifactCollector{root: root, logger: logger}
}

// Collect copies every regular file in scratchDir matching one of patterns
// and returns the persisted paths, sorted. Patterns are doublestar globs
// ("**/*.log") relative to scratchDir. Invalid patterns are skipped.
func (c *ArtifactCollector) Collect(taskID, scratchDir string, patterns []string) ([]string, error) {
	if c == nil || len(patterns) == 0 {
		return nil, nil
	}

	fsys := os.DirFS(scratchDir)
	matched := make(map[string]bool)
	for _, pattern := range patterns {
		if filepath.IsAbs(pattern) || !doublestar.ValidatePattern(pattern) {
			c.logger.Warn("skipping invalid artifact pattern", "task_id", taskID, "pattern", pattern)
			continue
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			matched[m] = true
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	rels := make([]string, 0, len(matched))
	for m := range matched {
		rels = append(rels, m)
	}
	sort.Strings(rels)

	dest := filepath.Join(c.root, sanitize(taskID))
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		src := filepath.Join(scratchDir, filepath.FromSlash(rel))
		info, err := os.Lstat(src)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		dst := filepath.Join(dest, filepath.FromSlash(rel))
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return out, fmt.Errorf("copy artifact %s: %w", rel, err)
		}
		out = append(out, dst)
	}
	return out, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
