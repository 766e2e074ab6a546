package uploader

import (
	"context"

	"squill/internal/config"
)

// Uploader ships a finished suite run directory to external storage.
type Uploader interface {
	Enabled() bool
	UploadDir(ctx context.Context, dir string) (string, error)
}

type NoopUploader struct{}

func (n NoopUploader) Enabled() bool {
	return false
}

func (n NoopUploader) UploadDir(ctx context.Context, dir string) (string, error) {
	return "", nil
}

// FromConfig picks the configured uploader. S3 wins when both backends are
// enabled.
func FromConfig(cfg config.StorageConfig) (Uploader, error) {
	if !cfg.CloudEnabled() {
		return NoopUploader{}, nil
	}
	if cfg.S3.Enabled {
		return NewS3(cfg.S3)
	}
	return NewGCS(cfg.GCS)
}
