package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safespace-sh/safespace/errdefs"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestDownloadStoresAndCopiesOut(t *testing.T) {
	body := []byte("iso image payload")
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(body)
	}))
	defer srv.Close()

	s := newStore(t, 0)
	d := NewDownloader(s)
	out := filepath.Join(t.TempDir(), "alpine.iso")

	err := d.Download(context.Background(), srv.URL+"/alpine.iso", out, TypeVMImage, digestOf(body), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.True(t, s.Contains(digestOf(body)))

	m, ok := s.Metadata(digestOf(body))
	require.True(t, ok)
	assert.Equal(t, "alpine.iso", m.OriginalName)
	assert.Equal(t, TypeVMImage, m.Type)

	// Second download with a known hash is served from cache.
	err = d.Download(context.Background(), srv.URL+"/alpine.iso", out, TypeVMImage, digestOf(body), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestDownloadHashMismatchCommitsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered bytes"))
	}))
	defer srv.Close()

	s := newStore(t, 0)
	d := NewDownloader(s)
	out := filepath.Join(t.TempDir(), "file.bin")
	wrong := digestOf([]byte("the real bytes"))

	err := d.Download(context.Background(), srv.URL+"/file.bin", out, TypeOther, wrong, nil)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)

	assert.Empty(t, s.List(""))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	// The staging area holds no leftovers.
	staging, err := s.StagingDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadHTTPErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newStore(t, 0)
	d := NewDownloader(s)
	err := d.Download(context.Background(), srv.URL+"/missing", filepath.Join(t.TempDir(), "x"), TypeOther, "", nil)
	assert.Error(t, err)
	assert.Empty(t, s.List(""))
}

func TestDownloadUsesURLHashHint(t *testing.T) {
	body := []byte("hinted content")
	key := digestOf(body)

	s := newStore(t, 0)
	// Pre-seed the cache so the hinted download never touches the network.
	seed := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(seed, body, 0o600))
	_, err := s.Put(context.Background(), seed, TypeData, "", nil)
	require.NoError(t, err)

	d := NewDownloader(s)
	out := filepath.Join(t.TempDir(), "hinted")
	err = d.Download(context.Background(), "http://127.0.0.1:1/unreachable?sha256="+key, out, TypeData, "", nil)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestVMImageFetchVerified(t *testing.T) {
	body := []byte("alpine iso bytes")
	digest := digestOf(body)

	mux := http.NewServeMux()
	mux.HandleFunc("/alpine.iso", func(w http.ResponseWriter, r *http.Request) { w.Write(body) })
	mux.HandleFunc("/alpine.iso.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(digest + "  alpine.iso\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newStore(t, 0)
	images := NewVMImageStore(s)
	dest := filepath.Join(t.TempDir(), "alpine.iso")

	err := images.Fetch(context.Background(), srv.URL+"/alpine.iso", srv.URL+"/alpine.iso.sha256", dest)
	require.NoError(t, err)

	m, ok := s.Metadata(digest)
	require.True(t, ok)
	assert.Equal(t, TypeVMImage, m.Type)
	assert.Equal(t, srv.URL+"/alpine.iso.sha256", m.CustomMetadata["sha256_url"])
	assert.Len(t, images.List(), 1)
}

func TestVMImageFetchRejectsWrongSidecar(t *testing.T) {
	body := []byte("alpine iso bytes")
	other := digestOf([]byte("some other bytes"))

	mux := http.NewServeMux()
	mux.HandleFunc("/alpine.iso", func(w http.ResponseWriter, r *http.Request) { w.Write(body) })
	mux.HandleFunc("/alpine.iso.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(other + "  alpine.iso\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newStore(t, 0)
	images := NewVMImageStore(s)
	dest := filepath.Join(t.TempDir(), "alpine.iso")

	err := images.Fetch(context.Background(), srv.URL+"/alpine.iso", srv.URL+"/alpine.iso.sha256", dest)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)
	assert.Empty(t, s.List(""))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVMImageFetchMissingSidecar(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newStore(t, 0)
	images := NewVMImageStore(s)

	err := images.Fetch(context.Background(), srv.URL+"/alpine.iso", srv.URL+"/alpine.iso.sha256", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)
}

func TestTestArtifactDirectoryIngestion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fixtures"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fixtures", "one.json"), []byte(`{"a":1}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o600))

	s := newStore(t, 0)
	artifacts := NewTestArtifactStore(s)

	keys, err := artifacts.CacheDirectory(context.Background(), dir, "suite", nil)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	all := artifacts.ListArtifacts("suite")
	assert.Len(t, all, 2)
	nested := artifacts.ListArtifacts("suite/fixtures")
	require.Len(t, nested, 1)
	assert.Equal(t, "one.json", nested[0].Meta.OriginalName)
}
