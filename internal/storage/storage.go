package storage

import "context"

// ObjectStore abstracts the image object storage. Both operations may fail
// transiently; retries are the caller's responsibility, not the store's.
type ObjectStore interface {
	// Download fetches the object identified by ref.
	Download(ctx context.Context, ref string) ([]byte, error)
	// Upload writes data under a key derived from pathHint and returns the
	// stored ref.
	Upload(ctx context.Context, data []byte, pathHint string) (string, error)
}
