package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/speakcapture/speakcapture/internal/config"
)

// ErrInvalidKey is returned for empty or escaping object keys.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore accepts finished recordings and returns a public reference.
type ObjectStore interface {
	// Put stores body under key. size may be -1 when unknown.
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	Name() string
}

// New creates the object store selected by cfg.Storage.Backend.
func New(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return NewS3Store(ctx, cfg.Storage)
	case "local", "":
		return NewLocalStore(cfg.Storage.Directory, cfg.Storage.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// ObjectKey builds "<prefix>/<question>/<id>.<ext>".
func ObjectKey(prefix, questionID, id, ext string) string {
	name := id
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return path.Join(strings.Trim(prefix, "/"), questionID, name)
}

// joinURL joins base and key with exactly one slash.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
