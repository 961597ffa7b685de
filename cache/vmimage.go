package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/safespace-sh/safespace/errdefs"
)

// VMImageStore is the narrow facade for base-image artifacts: verified
// download keyed on the image URL with the published SHA-256 sidecar.
type VMImageStore struct {
	store      *Store
	downloader *Downloader
}

// NewVMImageStore wraps store for VM image handling.
func NewVMImageStore(store *Store) *VMImageStore {
	return &VMImageStore{store: store, downloader: NewDownloader(store)}
}

// Fetch obtains the image at imageURL, verified against the digest
// published at sha256URL, and copies it to dest. The sidecar body is
// fetched first; failure to obtain or parse it is an integrity
// failure: an unverifiable image must never reach the emulator.
func (v *VMImageStore) Fetch(ctx context.Context, imageURL, sha256URL, dest string) error {
	expected, err := v.fetchSidecarDigest(ctx, sha256URL)
	if err != nil {
		return err
	}

	custom := map[string]any{
		"vm_image":   true,
		"sha256_url": sha256URL,
	}
	return v.downloader.Download(ctx, imageURL, dest, TypeVMImage, expected, custom)
}

// fetchSidecarDigest downloads the sidecar body and extracts the first
// 64-hex-digit token (the conventional `<hex>  <filename>` layout).
func (v *VMImageStore) fetchSidecarDigest(ctx context.Context, sha256URL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sha256URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build sidecar request: %v", errdefs.ErrIntegrity, err)
	}
	resp, err := v.downloader.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch sidecar %s: %v", errdefs.ErrIntegrity, sha256URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch sidecar %s: status %s", errdefs.ErrIntegrity, sha256URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("%w: read sidecar %s: %v", errdefs.ErrIntegrity, sha256URL, err)
	}

	for _, field := range strings.Fields(string(body)) {
		if IsHexDigest(field) {
			return strings.ToLower(field), nil
		}
	}
	slog.WarnContext(ctx, "vm image sidecar carried no digest", "url", sha256URL)
	return "", fmt.Errorf("%w: no SHA-256 digest in sidecar %s", errdefs.ErrIntegrity, sha256URL)
}

// List returns all cached VM images.
func (v *VMImageStore) List() []Entry {
	return v.store.List(TypeVMImage)
}
