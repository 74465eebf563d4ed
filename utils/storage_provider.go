package utils

import (
	"context"
	"os"
	"strings"
)

const (
	StorageProviderGCS = "gcs"
)

// ObjectStore is the narrow surface the pipeline needs from the underlying
// store: point read/write/delete/exists plus server-side copy. Locations are
// plain key prefixes; tenant scoping of keys happens above this layer.
type ObjectStore interface {
	Write(ctx context.Context, objectKey string, data []byte, contentType string) error
	Read(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
	Exists(ctx context.Context, objectKey string) (bool, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// GetObjectStore returns the configured store. GCS is the only provider today;
// the indirection exists so tests can fault-inject and so another provider can
// slot in without touching the pipeline.
func GetObjectStore() ObjectStore {
	return &gcsStore{}
}
