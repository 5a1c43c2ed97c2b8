package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// containedPath resolves untrustedPath under basePath and rejects anything
// that escapes it.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrInvalidKey, untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalStore writes recordings below a directory on the local filesystem.
type LocalStore struct {
	BasePath      string
	PublicBaseURL string
}

// NewLocalStore creates a LocalStore rooted at basePath. When publicBaseURL
// is empty, Put returns file:// references.
func NewLocalStore(basePath, publicBaseURL string) *LocalStore {
	return &LocalStore{
		BasePath:      filepath.Clean(basePath),
		PublicBaseURL: publicBaseURL,
	}
}

func (s *LocalStore) Name() string { return "local" }

// Put writes body to a temporary file and renames it into place, so readers
// never observe a partial recording.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	dest, err := containedPath(s.BasePath, key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return "", fmt.Errorf("short write for %s: wrote %d of %d bytes", key, n, size)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	slog.Debug("Stored recording locally", "path", dest, "bytes", n, "content_type", contentType)

	if s.PublicBaseURL != "" {
		return joinURL(s.PublicBaseURL, key), nil
	}
	return "file://" + filepath.ToSlash(dest), nil
}
