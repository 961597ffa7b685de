package cache

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultExcludePatterns are skipped during directory ingestion.
var DefaultExcludePatterns = []string{
	".git", "__pycache__", ".pytest_cache", "node_modules",
	".pyc", ".egg-info", ".so", ".o",
}

// TestArtifactStore is the narrow facade for test artifacts: fixtures,
// recorded outputs, and other reusable test inputs.
type TestArtifactStore struct {
	store *Store
}

// NewTestArtifactStore wraps store for test artifact handling.
func NewTestArtifactStore(store *Store) *TestArtifactStore {
	return &TestArtifactStore{store: store}
}

// CacheArtifact stores one file under the given category.
func (t *TestArtifactStore) CacheArtifact(ctx context.Context, path, category string) (string, error) {
	if category == "" {
		category = "general"
	}
	return t.store.Put(ctx, path, TypeTestArtifact, "", map[string]any{"category": category})
}

// CacheDirectory ingests every file under dir, excluding paths matching
// any of the patterns (substring match, DefaultExcludePatterns when nil).
// Files are hashed and stored concurrently; the store serializes index
// mutations internally. Returns the keys of all stored files.
func (t *TestArtifactStore) CacheDirectory(ctx context.Context, dir, category string, excludes []string) ([]string, error) {
	if excludes == nil {
		excludes = DefaultExcludePatterns
	}
	if category == "" {
		category = "general"
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		for _, pat := range excludes {
			if strings.Contains(path, pat) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, file := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(dir, file)
			if err != nil {
				rel = filepath.Base(file)
			}
			sub := category
			if parent := filepath.Dir(rel); parent != "." {
				sub = category + "/" + parent
			}
			key, err := t.CacheArtifact(gctx, file, sub)
			if err != nil {
				return err
			}
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}

// GetArtifact copies the artifact for key to outPath.
func (t *TestArtifactStore) GetArtifact(key, outPath string) (string, error) {
	return t.store.Get(key, outPath)
}

// ListArtifacts returns test artifacts, optionally filtered to categories
// with the given prefix.
func (t *TestArtifactStore) ListArtifacts(category string) []Entry {
	entries := t.store.List(TypeTestArtifact)
	if category == "" {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		if cat, _ := e.Meta.CustomMetadata["category"].(string); strings.HasPrefix(cat, category) {
			out = append(out, e)
		}
	}
	return out
}

// CleanupTestArtifacts removes test artifacts created more than
// maxAgeDays ago. Returns the number removed.
func (t *TestArtifactStore) CleanupTestArtifacts(maxAgeDays int) int {
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
	removed := 0
	for _, e := range t.store.List(TypeTestArtifact) {
		if e.Meta.CreationTime < cutoff {
			if t.store.Remove(e.Key) {
				removed++
			}
		}
	}
	return removed
}
