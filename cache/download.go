package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/safespace-sh/safespace/errdefs"
)

// Downloader fetches URLs through the cache. Downloads stream into the
// store's staging area, are optionally verified against an expected
// SHA-256, and land in the store before being copied to their
// destination. Downloads are single-attempt.
type Downloader struct {
	Store  *Store
	Client *http.Client
}

// NewDownloader returns a Downloader over store using the default HTTP
// client.
func NewDownloader(store *Store) *Downloader {
	return &Downloader{Store: store, Client: http.DefaultClient}
}

// Download fetches rawURL to outPath. When expectedHex is set (or a hash
// hint is present in the URL) a cache hit skips the network entirely. A
// hash mismatch fails with ErrIntegrity and commits nothing.
func (d *Downloader) Download(ctx context.Context, rawURL, outPath string, typ Type, expectedHex string, custom map[string]any) error {
	filename := path.Base(urlPath(rawURL))
	if filename == "" || filename == "." || filename == "/" {
		filename = "downloaded_file"
	}

	key := expectedHex
	if key == "" {
		key = HashFromURL(rawURL)
	}
	if key != "" && d.Store.Contains(key) {
		slog.InfoContext(ctx, "download: cache hit", "url", rawURL, "key", key)
		_, err := d.Store.Get(key, outPath)
		return err
	}

	slog.InfoContext(ctx, "download: fetching", "url", rawURL)
	staging, err := d.Store.StagingDir()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(staging, "download_*_"+filename)
	if err != nil {
		return fmt.Errorf("%w: create staging file: %v", errdefs.ErrTransientFS, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := d.fetch(ctx, rawURL, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: finish staging file: %v", errdefs.ErrTransientFS, err)
	}

	if expectedHex != "" {
		computed, _, err := HashFile(tmpPath)
		if err != nil {
			return err
		}
		if computed != expectedHex {
			return fmt.Errorf("%w: %s: expected %s, got %s", errdefs.ErrIntegrity, rawURL, expectedHex, computed)
		}
	}

	key, err = d.Store.Put(ctx, tmpPath, typ, rawURL, custom)
	if err != nil {
		return err
	}
	// Preserve the real filename: Put records the staging name.
	if m, ok := d.Store.Metadata(key); ok && m.OriginalName != filename {
		d.Store.setOriginalName(key, filename)
	}
	if outPath != "" {
		if _, err := d.Store.Get(key, outPath); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: stream %s: %v", errdefs.ErrTransientFS, rawURL, err)
	}
	return nil
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
