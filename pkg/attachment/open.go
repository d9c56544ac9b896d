package attachment

import (
	"context"
	"fmt"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/logger"
	"gorm.io/gorm"
)

const (
	BackendDB  = "db"
	BackendGCS = "gcs"
)

// Open builds the store selected by cfg.AttachmentBackend. The returned
// close func releases whatever client the backend holds.
func Open(ctx context.Context, cfg *config.Config, db *gorm.DB) (Store, func() error, error) {
	switch cfg.AttachmentBackend {
	case BackendGCS:
		if cfg.AttachmentBucket == "" {
			return nil, nil, fmt.Errorf("attachment backend %q requires ATTACHMENT_BUCKET", BackendGCS)
		}
		store, client, err := NewGCSStore(ctx, cfg.AttachmentBucket)
		if err != nil {
			return nil, nil, err
		}
		logger.Log.WithField("bucket", cfg.AttachmentBucket).Info("Using GCS attachment store")
		return store, client.Close, nil
	case BackendDB, "":
		store := NewGormStore(db)
		if err := store.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("migrating attachments: %w", err)
		}
		return store, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown attachment backend %q", cfg.AttachmentBackend)
	}
}
