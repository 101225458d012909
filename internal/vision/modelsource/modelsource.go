// Package modelsource makes sure model files exist locally, downloading and
// checksum-verifying them from a URL or an object store bucket when needed.
package modelsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/config"
)

var (
	ErrChecksumMismatch = errors.New("model checksum mismatch")
	ErrNoSource         = errors.New("model file missing and no download source configured")
)

// Loader fetches model files. Blobs is only required for bucket sources.
type Loader struct {
	HTTPClient *http.Client
	Blobs      blob.BucketReader
	Timeout    time.Duration
}

func NewLoader(blobs blob.BucketReader, timeout time.Duration) *Loader {
	return &Loader{HTTPClient: &http.Client{}, Blobs: blobs, Timeout: timeout}
}

// Ensure returns src.Path once it holds a file matching src.SHA256. A stale
// or missing file is (re)downloaded; a download that does not match the
// expected checksum is removed and reported as ErrChecksumMismatch.
func (l *Loader) Ensure(ctx context.Context, name string, src config.ModelSource) (string, error) {
	if src.Path == "" {
		return "", fmt.Errorf("%s model: path is required", name)
	}
	want := strings.ToLower(src.SHA256)

	if _, err := os.Stat(src.Path); err == nil {
		if want == "" {
			return src.Path, nil
		}
		got, err := fileSHA256(src.Path)
		if err != nil {
			return "", fmt.Errorf("%s model: %w", name, err)
		}
		if got == want {
			return src.Path, nil
		}
		slog.Warn("model checksum mismatch, re-downloading", "model", name, "path", src.Path, "got", got, "want", want)
		if err := os.Remove(src.Path); err != nil {
			return "", fmt.Errorf("%s model: remove stale file: %w", name, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s model: %w", name, err)
	}

	if err := l.download(ctx, name, src, want); err != nil {
		return "", err
	}
	return src.Path, nil
}

func (l *Loader) download(ctx context.Context, name string, src config.ModelSource, want string) error {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	body, origin, err := l.open(ctx, src)
	if err != nil {
		return fmt.Errorf("%s model: %w", name, err)
	}
	defer body.Close()

	dir := filepath.Dir(src.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s model: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(src.Path)+".download-*")
	if err != nil {
		return fmt.Errorf("%s model: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s model: download from %s: %w", name, origin, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && got != want {
		return fmt.Errorf("%w: %s model from %s has sha256 %s, want %s", ErrChecksumMismatch, name, origin, got, want)
	}
	if err := os.Rename(tmp.Name(), src.Path); err != nil {
		return fmt.Errorf("%s model: %w", name, err)
	}

	slog.Info("model downloaded",
		"model", name,
		"source", origin,
		"bytes", n,
		"sha256", got,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (l *Loader) open(ctx context.Context, src config.ModelSource) (io.ReadCloser, string, error) {
	switch {
	case src.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, src.URL, err
		}
		resp, err := l.HTTPClient.Do(req)
		if err != nil {
			return nil, src.URL, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, src.URL, fmt.Errorf("download %s: unexpected status %d", src.URL, resp.StatusCode)
		}
		return resp.Body, src.URL, nil
	case src.ObjectKey != "":
		origin := src.Bucket + "/" + src.ObjectKey
		if l.Blobs == nil {
			return nil, origin, fmt.Errorf("no object store configured for %s", origin)
		}
		rc, err := l.Blobs.OpenObject(ctx, src.Bucket, src.ObjectKey)
		return rc, origin, err
	default:
		return nil, "", ErrNoSource
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
