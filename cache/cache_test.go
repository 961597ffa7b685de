package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safespace-sh/safespace/errdefs"
)

const abcDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func newStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := newStore(t, 0)
	dir := t.TempDir()
	ctx := context.Background()

	first := writeFile(t, dir, "one.txt", []byte("abc"))
	second := writeFile(t, dir, "two.txt", []byte("abc"))

	k1, err := s.Put(ctx, first, TypeData, "", nil)
	require.NoError(t, err)
	k2, err := s.Put(ctx, second, TypeData, "", nil)
	require.NoError(t, err)

	assert.Equal(t, abcDigest, k1)
	assert.Equal(t, k1, k2)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "content"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	m, ok := s.Metadata(k1)
	require.True(t, ok)
	// Both puts count as accesses of the single entry.
	assert.Equal(t, 2, m.AccessCount)
}

func TestPutEmptyFile(t *testing.T) {
	s := newStore(t, 0)
	path := writeFile(t, t.TempDir(), "empty", nil)

	key, err := s.Put(context.Background(), path, TypeOther, "", nil)
	require.NoError(t, err)

	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), key)
}

func TestGetRoundTrip(t *testing.T) {
	s := newStore(t, 0)
	dir := t.TempDir()
	path := writeFile(t, dir, "payload.bin", []byte("payload bytes"))

	key, err := s.Put(context.Background(), path, TypeData, "http://example.com/payload", nil)
	require.NoError(t, err)

	// In-place lookup.
	got, err := s.Get(key, "")
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), data)

	// Copy-out lookup.
	out := filepath.Join(dir, "restored.bin")
	_, err = s.Get(key, out)
	require.NoError(t, err)
	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), data)

	m, _ := s.Metadata(key)
	assert.Equal(t, 3, m.AccessCount)
}

func TestGetMissingKey(t *testing.T) {
	s := newStore(t, 0)
	_, err := s.Get(abcDigest, "")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestContainsRepairsIndexWhenContentMissing(t *testing.T) {
	s := newStore(t, 0)
	path := writeFile(t, t.TempDir(), "f", []byte("gone soon"))
	key, err := s.Put(context.Background(), path, TypeData, "", nil)
	require.NoError(t, err)

	contentPath := filepath.Join(s.Dir(), "content", key)
	require.NoError(t, os.Chmod(contentPath, 0o600))
	require.NoError(t, os.Remove(contentPath))

	assert.False(t, s.Contains(key))
	// The stale entry is gone from the index too.
	_, ok := s.Metadata(key)
	assert.False(t, ok)
}

func TestCleanupEvictsLRU(t *testing.T) {
	s := newStore(t, 0)
	dir := t.TempDir()
	ctx := context.Background()

	// Three 8-byte artifacts with distinct access times.
	now := time.Now()
	for i, name := range []string{"a", "b", "c"} {
		s.now = func() time.Time { return now.Add(time.Duration(i) * time.Minute) }
		path := writeFile(t, dir, name, []byte("12345678"[:4]+name+"pad"))
		_, err := s.Put(ctx, path, TypeData, "", nil)
		require.NoError(t, err)
	}
	require.Equal(t, int64(24), s.TotalSize())

	freed := s.Cleanup(16)
	assert.Equal(t, int64(8), freed)
	assert.LessOrEqual(t, s.TotalSize(), int64(16))

	// The oldest entry ("a") went first.
	sum := sha256.Sum256([]byte("1234" + "a" + "pad"))
	assert.False(t, s.Contains(hex.EncodeToString(sum[:])))
}

func TestPutEvictsToBudget(t *testing.T) {
	s := newStore(t, 20)
	dir := t.TempDir()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	_, err := s.Put(ctx, writeFile(t, dir, "old", []byte("0123456789")), TypeData, "", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(time.Minute) }
	_, err = s.Put(ctx, writeFile(t, dir, "mid", []byte("abcdefghij")), TypeData, "", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	key, err := s.Put(ctx, writeFile(t, dir, "new", []byte("qrstuvwxyz")), TypeData, "", nil)
	require.NoError(t, err)

	assert.True(t, s.Contains(key))
	assert.LessOrEqual(t, s.TotalSize(), int64(20))
}

func TestVerifyIntegrityDropsCorruptedContent(t *testing.T) {
	s := newStore(t, 0)
	dir := t.TempDir()
	ctx := context.Background()

	good, err := s.Put(ctx, writeFile(t, dir, "good", []byte("intact")), TypeData, "", nil)
	require.NoError(t, err)
	bad, err := s.Put(ctx, writeFile(t, dir, "bad", []byte("will rot")), TypeData, "", nil)
	require.NoError(t, err)

	corrupt := filepath.Join(s.Dir(), "content", bad)
	require.NoError(t, os.Chmod(corrupt, 0o600))
	require.NoError(t, os.WriteFile(corrupt, []byte("rotted!"), 0o600))

	valid, invalid := s.VerifyIntegrity()
	assert.Equal(t, 1, valid)
	assert.Equal(t, 1, invalid)
	assert.True(t, s.Contains(good))
	assert.False(t, s.Contains(bad))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)

	key, err := s.Put(context.Background(), writeFile(t, t.TempDir(), "f", []byte("persist me")), TypeConfig, "", map[string]any{"origin": "test"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, 0)
	require.NoError(t, err)
	defer s2.Close()

	assert.True(t, s2.Contains(key))
	m, ok := s2.Metadata(key)
	require.True(t, ok)
	assert.Equal(t, TypeConfig, m.Type)
	assert.Equal(t, "test", m.CustomMetadata["origin"])
}

func TestOpenStartsEmptyOnCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "content"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts.json"), []byte("{not json"), 0o600))
	// A stranded blob must survive the reset for operator recovery.
	blob := filepath.Join(dir, "content", abcDigest)
	require.NoError(t, os.WriteFile(blob, []byte("abc"), 0o600))

	s, err := Open(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.List(""))
	_, statErr := os.Stat(blob)
	assert.NoError(t, statErr)
}

func TestSecondOwnerRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, 0)
	assert.ErrorIs(t, err, errdefs.ErrPrecondition)
}

func TestHashFromURL(t *testing.T) {
	tests := map[string]string{
		"https://example.com/file.iso?sha256=" + abcDigest: abcDigest,
		"https://example.com/file.iso?hash=deadbeef":       "deadbeef",
		"https://example.com/file.iso":                     "",
	}
	for url, want := range tests {
		if got := HashFromURL(url); got != want {
			t.Errorf("HashFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestIsHexDigest(t *testing.T) {
	assert.True(t, IsHexDigest(abcDigest))
	assert.False(t, IsHexDigest("zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"))
	assert.False(t, IsHexDigest("abcd"))
}
