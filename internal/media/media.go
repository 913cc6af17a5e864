// Package media handles the two blob concerns the dispatcher has:
// pulling campaign media into scratch storage for an attachment, and
// persisting failure evidence screenshots.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Fetcher downloads media to a scratch file. The caller owns the file
// and must remove it on every exit path.
type Fetcher struct {
	scratchDir string
	maxBytes   int64
	client     *http.Client
}

func NewFetcher(scratchDir string, maxBytes int64, timeout time.Duration) *Fetcher {
	return &Fetcher{
		scratchDir: scratchDir,
		maxBytes:   maxBytes,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (f *Fetcher) Fetch(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.scratchDir, "herald-media-*")
	if err != nil {
		return "", err
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > f.maxBytes {
		err = fmt.Errorf("media exceeds %d bytes", f.maxBytes)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// EvidenceStore persists failure screenshots and hands back an opaque
// reference the API layer can resolve. Disk-backed; the seam for a
// real blob service.
type EvidenceStore struct {
	dir string
}

func NewEvidenceStore(dir string) (*EvidenceStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &EvidenceStore{dir: dir}, nil
}

func (s *EvidenceStore) Put(png []byte) (string, error) {
	if len(png) == 0 {
		return "", nil
	}
	ref := uuid.NewString() + ".png"
	if err := os.WriteFile(filepath.Join(s.dir, ref), png, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}
