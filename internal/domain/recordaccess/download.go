package recordaccess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/blobstore"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/metrics"
)

// Saver delivers a downloaded file to its destination and returns where it
// went (a path, or a label such as "response").
type Saver interface {
	Save(ctx context.Context, blob *blobstore.Blob, content io.Reader) (string, error)
}

// SavedFile describes a completed download.
type SavedFile struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	Hash     string `json:"sha256"`
}

// Downloader turns a permitted DownloadRequest into a saved file. The
// response is staged in a blob store and the blob is released on every path.
type Downloader struct {
	backend Backend
	staging blobstore.Store
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

func NewDownloader(backend Backend, staging blobstore.Store, rec *metrics.Recorder, logger zerolog.Logger) *Downloader {
	return &Downloader{backend: backend, staging: staging, metrics: rec, logger: logger}
}

// Download performs one attempt. The file name is the server's suggestion,
// else fallbackName, else test-result-{id}.pdf.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest, fallbackName string, saver Saver) (*SavedFile, error) {
	resp, err := d.backend.Download(ctx, req)
	if err != nil {
		d.metrics.Download("failed", 0)
		return nil, err
	}
	defer resp.Body.Close()

	name := pickFilename(resp.Filename, fallbackName, req.TestID)
	blob, err := d.staging.Stage(ctx, name, resp.ContentType, resp.Body)
	if err != nil {
		d.metrics.Download("failed", 0)
		return nil, fmt.Errorf("stage download: %w", err)
	}
	defer func() {
		if err := d.staging.Release(context.WithoutCancel(ctx), blob.ID); err != nil {
			d.logger.Error().Err(err).Str("blob", blob.ID).Msg("release staged download")
		}
	}()

	rc, meta, err := d.staging.Open(ctx, blob.ID)
	if err != nil {
		d.metrics.Download("failed", 0)
		return nil, fmt.Errorf("open staged download: %w", err)
	}
	defer rc.Close()

	location, err := saver.Save(ctx, meta, rc)
	if err != nil {
		d.metrics.Download("failed", 0)
		return nil, fmt.Errorf("save %s: %w", name, err)
	}

	d.metrics.Download("saved", meta.Size)
	d.logger.Info().
		Int64("test_id", req.TestID).
		Str("patient_id", req.PatientID).
		Str("file", name).
		Int64("size", meta.Size).
		Msg("test result saved")

	return &SavedFile{Name: name, Location: location, Size: meta.Size, Hash: meta.Hash}, nil
}

// pickFilename reduces the candidate to a bare file name so a hostile header
// cannot point outside the destination directory.
func pickFilename(suggested, fallback string, testID int64) string {
	for _, candidate := range []string{suggested, fallback} {
		name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(candidate), "\\", "/"))
		if name != "" && name != "." && name != "/" && name != ".." {
			return name
		}
	}
	return fmt.Sprintf("test-result-%d.pdf", testID)
}

// ---------------------------------------------------------------------------
// Directory saver
// ---------------------------------------------------------------------------

// DirSaver writes files into Dir. An existing file is never overwritten;
// "name (1).ext", "name (2).ext" ... are tried instead.
type DirSaver struct {
	Dir string
}

const maxNameAttempts = 100

func (s DirSaver) Save(_ context.Context, blob *blobstore.Blob, content io.Reader) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	ext := filepath.Ext(blob.FileName)
	stem := strings.TrimSuffix(blob.FileName, ext)
	for i := 0; i < maxNameAttempts; i++ {
		name := blob.FileName
		if i > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(s.Dir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", blob.FileName, s.Dir)
}
