package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/onetool-io/mailingest/internal/config"
)

// Backend type names as used in configuration and on stored attachment rows.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// NewFromConfig creates the backend selected by storage.type and verifies it is usable.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	backendType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if backendType == "" {
		backendType = TypeLocal
	}

	var params map[string]interface{}
	switch backendType {
	case TypeLocal:
		params = map[string]interface{}{"path": cfg.Local.Path}
	case TypeS3:
		params = map[string]interface{}{
			"bucket":         cfg.S3.Bucket,
			"region":         cfg.S3.Region,
			"access_key":     cfg.S3.AccessKey,
			"secret_key":     cfg.S3.SecretKey,
			"endpoint":       cfg.S3.Endpoint,
			"prefix":         cfg.S3.Prefix,
			"use_path_style": cfg.S3.UsePathStyle,
		}
	}

	backend, err := DefaultFactory.Create(backendType, params)
	if err != nil {
		return nil, err
	}
	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("storage backend %s failed health check: %w", backendType, err)
	}
	return backend, nil
}
