// Package storage holds attachment bytes for quotes and orders.
package storage

//go:generate mockgen -source=storage.go -destination=mocks/mock_storage.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Storage reads and writes attachment bytes. Paths are opaque to callers.
type Storage interface {
	ReadBytes(ctx context.Context, path string) ([]byte, error)
	WriteBytes(ctx context.Context, business, customer, reference, filename string, data []byte) (string, error)
}

// ErrInvalidPath is returned for paths that escape the storage root.
var ErrInvalidPath = errors.New("invalid_storage_path")

// FileStorage keeps files under Root as business/customer/reference/filename.
type FileStorage struct {
	Root string
}

func NewFileStorage(root string) *FileStorage { return &FileStorage{Root: root} }

func (s *FileStorage) resolve(p string) (string, error) {
	p = filepath.FromSlash(path.Clean("/" + p))[1:]
	if p == "" || !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return filepath.Join(s.Root, p), nil
}

func (s *FileStorage) ReadBytes(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteBytes stores data and returns its slash-separated path relative to
// Root. An existing file is never overwritten; a numeric suffix is added.
func (s *FileStorage) WriteBytes(ctx context.Context, business, customer, reference, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := Segment(filename)
	if name == "" {
		return "", fmt.Errorf("%w: empty filename", ErrInvalidPath)
	}
	dir := path.Join(Segment(business), Segment(customer), Segment(reference))
	full, err := s.resolve(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", err
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(full, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return path.Join(dir, candidate), nil
	}
}

// Segment turns a free-form label into a single safe path element.
func Segment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
