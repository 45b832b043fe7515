package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "storage")

// LocalStorage stores artifacts on the local filesystem under a base
// directory. Writes go to a .partial file first and are renamed into place
// so a crashed write never leaves a readable half-artifact.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create storage directory %s", baseDir)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Save writes the artifact and returns its key.
func (s *LocalStorage) Save(_ context.Context, tenantID, batchID, objectID string, data []byte, opts ...Option) (string, error) {
	o := applyOptions(opts)
	key := Key(o.folder, tenantID, batchID, objectID, o.extension)
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errors.Wrap(err, "could not create artifact directory")
	}
	partial := full + ".partial"
	if err := os.WriteFile(partial, data, 0o644); err != nil {
		return "", errors.Wrap(err, "could not write partial artifact")
	}
	if err := os.Rename(partial, full); err != nil {
		return "", errors.Wrap(err, "could not finalize artifact")
	}
	log.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("Saved artifact")
	return key, nil
}

// Load reads the artifact stored under key.
func (s *LocalStorage) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read artifact %s", key)
	}
	return data, nil
}

// PublicURL returns the absolute filesystem path of a stored key.
func (s *LocalStorage) PublicURL(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Name identifies the driver.
func (s *LocalStorage) Name() string {
	return "local"
}
