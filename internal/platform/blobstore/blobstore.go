// Package blobstore stages downloaded files between the backend response and
// their final destination. Every staged blob holds a resource (memory or a
// temp file) until it is released; Outstanding reports how many are still
// held so callers can prove release on every path.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the largest blob accepted (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// AllowedContentTypes lists the media types a test result file may have. An
// empty content type is accepted.
var AllowedContentTypes = map[string]bool{
	"application/pdf":          true,
	"application/octet-stream": true,
	"application/dicom":        true,
	"image/png":                true,
	"image/jpeg":               true,
}

// Blob describes a staged file.
type Blob struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store stages blobs until they are released.
type Store interface {
	Stage(ctx context.Context, fileName, contentType string, content io.Reader) (*Blob, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *Blob, error)
	Release(ctx context.Context, id string) error
	Outstanding() int
}

// validate checks name and content type and returns the bare media type.
func validate(fileName, contentType string) (string, error) {
	if fileName == "" {
		return "", ErrMissingFileName
	}
	if contentType == "" {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !AllowedContentTypes[mediaType] {
		return "", fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	return mediaType, nil
}

// readLimited reads at most MaxFileSize bytes, returning ErrFileTooLarge past it.
func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func newBlob(fileName, mediaType string, data []byte) *Blob {
	return &Blob{
		ID:          uuid.New().String(),
		FileName:    fileName,
		ContentType: mediaType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		CreatedAt:   time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	meta    Blob
	content []byte
}

// MemoryStore keeps staged blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *MemoryStore) Stage(_ context.Context, fileName, contentType string, content io.Reader) (*Blob, error) {
	mediaType, err := validate(fileName, contentType)
	if err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	meta := newBlob(fileName, mediaType, data)
	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{meta: *meta, content: data}
	s.mu.Unlock()
	return meta, nil
}

func (s *MemoryStore) Open(_ context.Context, id string) (io.ReadCloser, *Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := b.meta
	return io.NopCloser(bytes.NewReader(b.content)), &meta, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) Outstanding() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ---------------------------------------------------------------------------
// Temp-directory implementation
// ---------------------------------------------------------------------------

// DirStore stages blobs as files in a private directory, keeping large
// results out of memory.
type DirStore struct {
	mu    sync.RWMutex
	dir   string
	blobs map[string]*Blob
}

// NewDirStore creates a DirStore rooted at a fresh directory under parent
// (os.TempDir when empty).
func NewDirStore(parent string) (*DirStore, error) {
	dir, err := os.MkdirTemp(parent, "portal-staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &DirStore{dir: dir, blobs: make(map[string]*Blob)}, nil
}

func (s *DirStore) Stage(_ context.Context, fileName, contentType string, content io.Reader) (*Blob, error) {
	mediaType, err := validate(fileName, contentType)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := filepath.Join(s.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(content, MaxFileSize+1))
	cerr := f.Close()
	switch {
	case err != nil:
		os.Remove(path)
		return nil, fmt.Errorf("reading content: %w", err)
	case n > MaxFileSize:
		os.Remove(path)
		return nil, ErrFileTooLarge
	case cerr != nil:
		os.Remove(path)
		return nil, fmt.Errorf("close staged file: %w", cerr)
	}

	meta := &Blob{
		ID:          id,
		FileName:    fileName,
		ContentType: mediaType,
		Size:        n,
		Hash:        fmt.Sprintf("%x", h.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.blobs[id] = meta
	s.mu.Unlock()
	return meta, nil
}

func (s *DirStore) Open(_ context.Context, id string) (io.ReadCloser, *Blob, error) {
	s.mu.RLock()
	meta, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		return nil, nil, fmt.Errorf("open staged file: %w", err)
	}
	copied := *meta
	return f, &copied, nil
}

func (s *DirStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

func (s *DirStore) Outstanding() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Close removes the staging directory and anything left in it.
func (s *DirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string]*Blob)
	return os.RemoveAll(s.dir)
}
