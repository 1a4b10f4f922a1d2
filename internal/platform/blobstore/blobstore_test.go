package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
)

// stores runs each test against both implementations.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"dir":    dir,
	}
}

func TestStore_StageOpenRelease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := "%PDF-1.4 report"

			blob, err := store.Stage(ctx, "report7.pdf", "application/pdf", strings.NewReader(content))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if blob.ID == "" || blob.FileName != "report7.pdf" || blob.ContentType != "application/pdf" {
				t.Fatalf("unexpected blob %+v", blob)
			}
			if blob.Size != int64(len(content)) {
				t.Errorf("Size = %d, want %d", blob.Size, len(content))
			}
			if want := fmt.Sprintf("%x", sha256.Sum256([]byte(content))); blob.Hash != want {
				t.Errorf("Hash = %s, want %s", blob.Hash, want)
			}
			if store.Outstanding() != 1 {
				t.Fatalf("Outstanding = %d, want 1", store.Outstanding())
			}

			rc, meta, err := store.Open(ctx, blob.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := io.ReadAll(rc)
			rc.Close()
			if string(got) != content || meta.ID != blob.ID {
				t.Fatalf("read %q meta %+v", got, meta)
			}

			if err := store.Release(ctx, blob.ID); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store.Outstanding() != 0 {
				t.Fatalf("Outstanding = %d after release", store.Outstanding())
			}
			if _, _, err := store.Open(ctx, blob.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Fatalf("expected ErrBlobNotFound after release, got %v", err)
			}
			if err := store.Release(ctx, blob.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Fatalf("expected ErrBlobNotFound on double release, got %v", err)
			}
		})
	}
}

func TestStore_Validation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tests := []struct {
				file, ctype string
				want        error
			}{
				{"", "application/pdf", ErrMissingFileName},
				{"page.html", "text/html; charset=utf-8", ErrInvalidContentType},
				{"x.pdf", "not a media type;;", ErrInvalidContentType},
			}
			for _, tt := range tests {
				if _, err := store.Stage(ctx, tt.file, tt.ctype, strings.NewReader("x")); !errors.Is(err, tt.want) {
					t.Errorf("Stage(%q, %q) = %v, want %v", tt.file, tt.ctype, err, tt.want)
				}
			}
			if store.Outstanding() != 0 {
				t.Fatalf("rejected blobs must not be held, got %d", store.Outstanding())
			}

			blob, err := store.Stage(ctx, "x.pdf", "application/pdf; name=x.pdf", strings.NewReader("x"))
			if err != nil {
				t.Fatalf("parameters on an allowed type: unexpected error: %v", err)
			}
			if blob.ContentType != "application/pdf" {
				t.Errorf("ContentType = %q, want bare media type", blob.ContentType)
			}
			if _, err := store.Stage(ctx, "x.bin", "", strings.NewReader("x")); err != nil {
				t.Errorf("empty content type: unexpected error: %v", err)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStore_ReadFailureHoldsNothing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Stage(context.Background(), "x.pdf", "application/pdf", failingReader{}); err == nil {
				t.Fatal("expected error")
			}
			if store.Outstanding() != 0 {
				t.Fatalf("Outstanding = %d, want 0", store.Outstanding())
			}
		})
	}
}

func TestDirStore_CloseRemovesDir(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Stage(context.Background(), "a.pdf", "application/pdf", strings.NewReader("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(store.dir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed, got %v", err)
	}
	if store.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d after close", store.Outstanding())
	}
}
