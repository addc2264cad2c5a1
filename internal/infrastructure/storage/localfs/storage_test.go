package localfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func TestStoreRetrieveDelete(t *testing.T) {
	base := t.TempDir()
	storage, err := New(base)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	path, err := storage.Store(ctx, []byte("%PDF-1.4"), "batch-1/doc-1_invoice.pdf")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if path != "batch-1/doc-1_invoice.pdf" {
		t.Fatalf("unexpected path %q", path)
	}
	if _, err := os.Stat(filepath.Join(base, "batch-1", "doc-1_invoice.pdf")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	data, err := storage.Retrieve(ctx, path)
	if err != nil || string(data) != "%PDF-1.4" {
		t.Fatalf("Retrieve() = %q, %v", data, err)
	}
	if ok, err := storage.Exists(ctx, path); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	if err := storage.Delete(ctx, path); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := storage.Delete(ctx, path); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if ok, _ := storage.Exists(ctx, path); ok {
		t.Fatalf("object still exists after delete")
	}

	entries, _ := os.ReadDir(filepath.Join(base, "batch-1"))
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestRetrieveMissingIsStorageError(t *testing.T) {
	storage, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := storage.Retrieve(context.Background(), "nope.pdf"); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestPathsCannotEscapeRoot(t *testing.T) {
	storage, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, path := range []string{"../outside.pdf", "/etc/passwd", "", "a/../../b"} {
		if _, err := storage.Store(context.Background(), []byte("x"), path); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("Store(%q) expected ErrInvalidInput, got %v", path, err)
		}
	}
}
