package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/pkg/api"
)

// ErrChecksumMismatch means the downloaded bytes do not hash to the
// checksum the assignment promised.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Downloader fetches media items into the content-addressed store. Files
// are named by checksum, so a re-listed item under a new ref costs no
// second download.
type Downloader struct {
	client   *http.Client
	mediaDir string
	resolve  func(ref string) string
}

// NewDownloader creates a downloader writing into mediaDir. resolve maps
// a media ref to an absolute URL.
func NewDownloader(mediaDir string, resolve func(ref string) string) *Downloader {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 2 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil

	return &Downloader{
		client:   rc.StandardClient(),
		mediaDir: mediaDir,
		resolve:  resolve,
	}
}

// Fetch downloads and verifies one item, returning its media entry. The
// file lands under its final name only after the checksum matches; a
// crash mid-download leaves a .part file the next run overwrites.
func (d *Downloader) Fetch(ctx context.Context, item api.MediaItem) (store.MediaEntry, error) {
	if err := os.MkdirAll(d.mediaDir, 0755); err != nil {
		return store.MediaEntry{}, fmt.Errorf("create media dir: %w", err)
	}

	finalPath := d.LocalPath(item)
	partPath := finalPath + ".part"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.resolve(item.Ref), nil)
	if err != nil {
		return store.MediaEntry{}, fmt.Errorf("build request for %s: %w", item.Ref, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return store.MediaEntry{}, fmt.Errorf("fetch %s: %w", item.Ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.MediaEntry{}, fmt.Errorf("fetch %s: status %d", item.Ref, resp.StatusCode)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return store.MediaEntry{}, fmt.Errorf("create %s: %w", partPath, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partPath)
		return store.MediaEntry{}, fmt.Errorf("download %s: %w", item.Ref, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(sum, item.Checksum) {
		os.Remove(partPath)
		return store.MediaEntry{}, fmt.Errorf("%s: got %s, want %s: %w", item.Ref, sum, item.Checksum, ErrChecksumMismatch)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return store.MediaEntry{}, fmt.Errorf("finalize %s: %w", finalPath, err)
	}

	return store.MediaEntry{
		Checksum:   strings.ToLower(item.Checksum),
		Ref:        item.Ref,
		Path:       finalPath,
		Size:       size,
		VerifiedAt: time.Now(),
	}, nil
}

// LocalPath returns the content-addressed path an item lives at once
// verified. The original extension is kept so the renderer can infer the
// media type.
func (d *Downloader) LocalPath(item api.MediaItem) string {
	name := strings.ToLower(item.Checksum)
	if ext := filepath.Ext(item.Ref); ext != "" && len(ext) <= 8 {
		name += ext
	}
	return filepath.Join(d.mediaDir, name)
}
