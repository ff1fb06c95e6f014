// Package pinning uploads listing metadata to a content-addressed file store
// reachable over HTTP, with fallback across configured providers.
package pinning

import "context"

// Provider pins a blob of bytes and returns its content hash. Pinning is
// idempotent at the content-address level: re-uploading identical bytes may
// return the same hash.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// Pin uploads the bytes under the given display name and returns the
	// resulting content hash (without any URI scheme prefix).
	Pin(ctx context.Context, data []byte, name string) (string, error)
}
