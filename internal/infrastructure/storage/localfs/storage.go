package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Storage keeps document bytes under a base directory. Paths returned by
// Store are relative to that directory.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "create storage dir", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Store writes data under pathHint via a temp file and rename, so readers
// never observe a partial file.
func (s *Storage) Store(_ context.Context, data []byte, pathHint string) (string, error) {
	full, rel, err := s.resolve(pathHint)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", domain.WrapError(domain.ErrStorage, "create object dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", domain.WrapError(domain.ErrStorage, "create file", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", domain.WrapError(domain.ErrStorage, "write file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", domain.WrapError(domain.ErrStorage, "close file", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", domain.WrapError(domain.ErrStorage, "rename file", err)
	}
	return rel, nil
}

func (s *Storage) Retrieve(_ context.Context, path string) ([]byte, error) {
	full, _, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "read file", err)
	}
	return data, nil
}

// Delete removes the object; a missing object is not an error.
func (s *Storage) Delete(_ context.Context, path string) error {
	full, _, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.WrapError(domain.ErrStorage, "delete file", err)
	}
	return nil
}

func (s *Storage) Exists(_ context.Context, path string) (bool, error) {
	full, _, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, domain.WrapError(domain.ErrStorage, "stat file", err)
	}
}

func (s *Storage) resolve(path string) (string, string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", domain.WrapError(domain.ErrInvalidInput, "resolve storage path", fmt.Errorf("path %q escapes storage root", path))
	}
	return filepath.Join(s.basePath, rel), filepath.ToSlash(rel), nil
}
