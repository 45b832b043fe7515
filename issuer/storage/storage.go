// Package storage is the artifact gateway of the pipeline. Rendered
// certificates, QR images and augmented documents are written through it
// under a stable key layout so that any driver (local disk, S3) can serve
// the same keys back to the verification surface.
package storage

import (
	"context"
	"path"
)

// DefaultFolder is the top-level prefix artifacts are stored under.
const DefaultFolder = "certificates"

// DefaultExtension is used when a save does not override it.
const DefaultExtension = ".pdf"

// Storage stores and retrieves issuance artifacts by key.
type Storage interface {
	// Save writes data under the key derived from the tenant, batch and
	// object ids plus the options, and returns that key.
	Save(ctx context.Context, tenantID, batchID, objectID string, data []byte, opts ...Option) (string, error)
	// Load reads the artifact previously saved under key.
	Load(ctx context.Context, key string) ([]byte, error)
	// PublicURL returns the address a saved key is served from. Local
	// drivers return a filesystem path.
	PublicURL(key string) string
	// Name identifies the driver for logs and configuration output.
	Name() string
}

type saveOptions struct {
	folder      string
	extension   string
	contentType string
}

// Option adjusts how a single artifact is keyed and stored.
type Option func(*saveOptions)

// WithFolder overrides the top-level key prefix.
func WithFolder(folder string) Option {
	return func(o *saveOptions) {
		o.folder = folder
	}
}

// WithExtension overrides the key's file extension. The extension must
// include its leading dot.
func WithExtension(ext string) Option {
	return func(o *saveOptions) {
		o.extension = ext
	}
}

// WithContentType sets the content type recorded by drivers that keep one.
func WithContentType(ct string) Option {
	return func(o *saveOptions) {
		o.contentType = ct
	}
}

func applyOptions(opts []Option) saveOptions {
	o := saveOptions{
		folder:      DefaultFolder,
		extension:   DefaultExtension,
		contentType: "application/pdf",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Key derives the storage key for an artifact.
func Key(folder, tenantID, batchID, objectID, ext string) string {
	return path.Join(folder, tenantID, batchID, objectID+ext)
}
