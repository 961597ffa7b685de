// Package cache is a content-addressed artifact store shared across
// sandboxes. Files are keyed by the hex SHA-256 of their bytes and stored
// write-once; an on-disk JSON index tracks metadata and access statistics
// and is flushed after every mutation. Eviction is LRU under a byte
// budget.
//
// Layout under the cache root:
//
//	content/<hex>         artifact bytes, read-only after insertion
//	metadata/<hex>.json   per-artifact metadata
//	artifacts.json        the index
//	.temp/                staging area for downloads
//	.lock                 flock guard: one owning process at a time
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/safespace-sh/safespace/errdefs"
)

// Type tags an artifact with its role.
type Type string

const (
	TypeVMImage        Type = "vm_image"
	TypeTestArtifact   Type = "test_artifact"
	TypeContainerImage Type = "container_image"
	TypePackage        Type = "package"
	TypeConfig         Type = "config"
	TypeData           Type = "data"
	TypeOther          Type = "other"
)

// Metadata describes one cached artifact. Field names match the on-disk
// index; unknown fields in existing indexes are tolerated.
type Metadata struct {
	Hash           string         `json:"hash"`
	OriginalName   string         `json:"original_name"`
	Type           Type           `json:"type"`
	Size           int64          `json:"size"`
	SourceURL      string         `json:"source_url,omitempty"`
	CreationTime   int64          `json:"creation_time"`
	AccessTime     int64          `json:"access_time"`
	AccessCount    int            `json:"access_count"`
	CustomMetadata map[string]any `json:"custom_metadata"`
}

// Entry pairs a key with its metadata for listings.
type Entry struct {
	Key  string
	Meta Metadata
}

// Store is the content-addressed cache. A single process owns the store;
// within the process every index mutation is serialized by one mutex.
type Store struct {
	dir         string
	contentDir  string
	metadataDir string
	indexPath   string
	maxBytes    int64

	mu    sync.Mutex
	index map[string]*Metadata

	lockFile *os.File

	now func() time.Time
}

// Open initializes the cache under dir. maxBytes of 0 means unbudgeted.
// A second process opening the same directory fails with ErrPrecondition
// (the lock is advisory flock on .lock).
func Open(dir string, maxBytes int64) (*Store, error) {
	s := &Store{
		dir:         dir,
		contentDir:  filepath.Join(dir, "content"),
		metadataDir: filepath.Join(dir, "metadata"),
		indexPath:   filepath.Join(dir, "artifacts.json"),
		maxBytes:    maxBytes,
		index:       map[string]*Metadata{},
		now:         time.Now,
	}
	for _, d := range []string{s.contentDir, s.metadataDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	lock, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache lock: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: cache at %s is owned by another process", errdefs.ErrPrecondition, dir)
	}
	s.lockFile = lock

	s.loadIndex()
	return s, nil
}

// Close flushes the index and releases the ownership lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.saveIndexLocked()
	if s.lockFile != nil {
		syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		s.lockFile.Close()
		s.lockFile = nil
	}
	return err
}

// Dir returns the cache root directory.
func (s *Store) Dir() string { return s.dir }

// StagingDir returns the staging area for in-flight downloads, creating
// it if needed.
func (s *Store) StagingDir() (string, error) {
	d := filepath.Join(s.dir, ".temp")
	if err := os.MkdirAll(d, 0o700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return d, nil
}

// loadIndex reads artifacts.json. Corruption is not fatal: the store
// restarts with an empty in-memory index and the on-disk blobs are left
// for operator recovery.
func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		slog.Error("cache: read index", "path", s.indexPath, "error", err)
		return
	}
	raw := map[string]*Metadata{}
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("cache: index corrupt, starting empty", "path", s.indexPath,
			"error", fmt.Errorf("%w: %v", errdefs.ErrIndexCorrupt, err))
		return
	}
	for k, m := range raw {
		if m.CustomMetadata == nil {
			m.CustomMetadata = map[string]any{}
		}
		s.index[k] = m
	}
}

// saveIndexLocked writes the index atomically (temp file + rename).
// Callers hold s.mu.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write index: %v", errdefs.ErrTransientFS, err)
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replace index: %v", errdefs.ErrTransientFS, err)
	}
	return nil
}

// HashFile computes the streaming hex SHA-256 of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 64*1024))
	if err != nil {
		return "", 0, fmt.Errorf("%w: hash %s: %v", errdefs.ErrTransientFS, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFromURL extracts a hash hint from a URL's query parameters
// (hash= or sha256=), if present.
func HashFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, key := range []string{"hash", "sha256"} {
		if v := u.Query().Get(key); v != "" {
			return v
		}
	}
	return ""
}

// Put inserts the file at path and returns its hex key. Inserting bytes
// that are already cached bumps the entry's access statistics instead of
// copying again.
func (s *Store) Put(ctx context.Context, path string, typ Type, sourceURL string, custom map[string]any) (string, error) {
	key, size, err := HashFile(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.index[key]; ok {
		s.touchLocked(m)
		if err := s.saveIndexLocked(); err != nil {
			return "", err
		}
		slog.DebugContext(ctx, "cache: hit on put", "key", key, "name", m.OriginalName)
		return key, nil
	}

	if s.maxBytes > 0 {
		s.evictLocked(s.maxBytes - size)
	}

	contentPath := filepath.Join(s.contentDir, key)
	metaPath := filepath.Join(s.metadataDir, key+".json")
	if err := copyFile(path, contentPath); err != nil {
		os.Remove(contentPath)
		return "", fmt.Errorf("%w: stage content: %v", errdefs.ErrTransientFS, err)
	}
	// Read-only where POSIX permits; the key is the content, so the bytes
	// must never change in place.
	if err := os.Chmod(contentPath, 0o444); err != nil {
		slog.DebugContext(ctx, "cache: chmod content", "key", key, "error", err)
	}

	if custom == nil {
		custom = map[string]any{}
	}
	now := s.now().Unix()
	m := &Metadata{
		Hash:           key,
		OriginalName:   filepath.Base(path),
		Type:           typ,
		Size:           size,
		SourceURL:      sourceURL,
		CreationTime:   now,
		AccessTime:     now,
		AccessCount:    1, // the insert itself counts as an access
		CustomMetadata: custom,
	}
	metaData, err := json.MarshalIndent(m, "", "  ")
	if err == nil {
		err = os.WriteFile(metaPath, metaData, 0o600)
	}
	if err != nil {
		os.Remove(contentPath)
		os.Remove(metaPath)
		return "", fmt.Errorf("%w: write metadata: %v", errdefs.ErrTransientFS, err)
	}

	s.index[key] = m
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "cache: stored artifact", "key", key, "name", m.OriginalName,
		"size", humanize.Bytes(uint64(size)))
	return key, nil
}

// Get resolves key to a readable path. With outPath empty the in-cache
// content path is returned; otherwise the content is copied to outPath.
// A missing key (or an index entry whose content file vanished) yields
// ErrNotFound after repairing the index.
func (s *Store) Get(key, outPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[key]
	if !ok {
		return "", fmt.Errorf("%w: artifact %s", errdefs.ErrNotFound, key)
	}
	contentPath := filepath.Join(s.contentDir, key)
	if _, err := os.Stat(contentPath); err != nil {
		slog.Warn("cache: indexed content missing on disk", "key", key)
		delete(s.index, key)
		s.saveIndexLocked()
		return "", fmt.Errorf("%w: artifact %s", errdefs.ErrNotFound, key)
	}

	s.touchLocked(m)
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}

	if outPath == "" {
		return contentPath, nil
	}
	if err := copyFile(contentPath, outPath); err != nil {
		return "", fmt.Errorf("%w: copy out %s: %v", errdefs.ErrTransientFS, key, err)
	}
	return outPath, nil
}

// Contains reports whether key is cached, repairing the index when the
// content file has gone missing.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; !ok {
		return false
	}
	if _, err := os.Stat(filepath.Join(s.contentDir, key)); err != nil {
		delete(s.index, key)
		s.saveIndexLocked()
		return false
	}
	return true
}

// Metadata returns a copy of the metadata for key.
func (s *Store) Metadata(key string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[key]
	if !ok {
		return Metadata{}, false
	}
	return *m, true
}

// List returns entries, optionally filtered by type (empty matches all),
// in no particular order.
func (s *Store) List(typ Type) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for k, m := range s.index {
		if typ != "" && m.Type != typ {
			continue
		}
		out = append(out, Entry{Key: k, Meta: *m})
	}
	return out
}

// Remove deletes one artifact's content and metadata.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *Store) removeLocked(key string) bool {
	if _, ok := s.index[key]; !ok {
		return false
	}
	contentPath := filepath.Join(s.contentDir, key)
	os.Chmod(contentPath, 0o600)
	if err := os.Remove(contentPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("cache: remove content", "key", key, "error", err)
		return false
	}
	if err := os.Remove(filepath.Join(s.metadataDir, key+".json")); err != nil && !os.IsNotExist(err) {
		slog.Warn("cache: remove metadata", "key", key, "error", err)
	}
	delete(s.index, key)
	s.saveIndexLocked()
	return true
}

// Clear removes every artifact.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.index {
		s.removeLocked(key)
	}
	s.index = map[string]*Metadata{}
	return s.saveIndexLocked()
}

// VerifyIntegrity recomputes the SHA-256 of every content file. Entries
// with a missing file or a hash mismatch are removed. Returns the count
// of valid and invalid entries.
func (s *Store) VerifyIntegrity() (valid, invalid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.index {
		contentPath := filepath.Join(s.contentDir, key)
		computed, _, err := HashFile(contentPath)
		if err != nil {
			slog.Warn("cache: content unreadable during verify", "key", key, "error", err)
			delete(s.index, key)
			invalid++
			continue
		}
		if computed != key {
			slog.Warn("cache: hash mismatch, dropping artifact",
				"error", errdefs.ErrIntegrity, "want", key, "got", computed)
			s.removeLocked(key)
			invalid++
			continue
		}
		valid++
	}
	s.saveIndexLocked()
	return valid, invalid
}

// Cleanup evicts least-recently-used entries until the indexed size is at
// most targetBytes. Returns the number of bytes freed.
func (s *Store) Cleanup(targetBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(targetBytes)
}

// TotalSize returns the indexed byte total.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSizeLocked()
}

func (s *Store) totalSizeLocked() int64 {
	var total int64
	for _, m := range s.index {
		total += m.Size
	}
	return total
}

// evictLocked removes entries, oldest access first (among equal access
// times the more-used entry goes first), until the total is at or below
// target.
func (s *Store) evictLocked(target int64) int64 {
	if target < 0 {
		target = 0
	}
	current := s.totalSizeLocked()
	if current <= target {
		return 0
	}

	entries := make([]*Metadata, 0, len(s.index))
	for _, m := range s.index {
		entries = append(entries, m)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccessTime != entries[j].AccessTime {
			return entries[i].AccessTime < entries[j].AccessTime
		}
		return entries[i].AccessCount > entries[j].AccessCount
	})

	var freed int64
	for _, m := range entries {
		if current <= target {
			break
		}
		if s.removeLocked(m.Hash) {
			current -= m.Size
			freed += m.Size
			slog.Debug("cache: evicted artifact", "key", m.Hash, "name", m.OriginalName,
				"size", humanize.Bytes(uint64(m.Size)))
		}
	}
	return freed
}

// setOriginalName rewrites the recorded filename for key. Downloads
// stage through temp files, so the name recorded by Put needs fixing up.
func (s *Store) setOriginalName(key, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[key]
	if !ok || m.OriginalName == name {
		return
	}
	m.OriginalName = name
	if data, err := json.MarshalIndent(m, "", "  "); err == nil {
		os.WriteFile(filepath.Join(s.metadataDir, key+".json"), data, 0o600)
	}
	s.saveIndexLocked()
}

func (s *Store) touchLocked(m *Metadata) {
	m.AccessTime = s.now().Unix()
	m.AccessCount++
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IsHexDigest reports whether s looks like a hex SHA-256 digest.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F')
	}) < 0
}
