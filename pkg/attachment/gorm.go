package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type blobModel struct {
	Ref       uuid.UUID `gorm:"type:uuid;primaryKey;column:ref"`
	MediaType string    `gorm:"column:media_type;not null"`
	Size      int64     `gorm:"column:size"`
	SHA256    string    `gorm:"column:sha256;index"`
	PageCount int       `gorm:"column:page_count"`
	Data      []byte    `gorm:"column:data;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (blobModel) TableName() string { return "attachments" }

var _ Store = (*GormStore)(nil)

// GormStore keeps blobs in a database table. The row insert is the commit
// point, so a failed write never leaves a usable ref behind.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&blobModel{})
}

func (s *GormStore) Put(ctx context.Context, up Upload) (models.Attachment, error) {
	if len(up.Data) == 0 {
		return models.Attachment{}, ErrEmpty
	}
	sum := sha256.Sum256(up.Data)
	row := &blobModel{
		Ref:       uuid.New(),
		MediaType: up.MediaType,
		Size:      int64(len(up.Data)),
		SHA256:    hex.EncodeToString(sum[:]),
		PageCount: up.PageCount,
		Data:      up.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.Attachment{}, fmt.Errorf("persisting attachment: %w", err)
	}
	return toAttachment(row), nil
}

func (s *GormStore) Get(ctx context.Context, ref string) (*Blob, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	var row blobModel
	if err := s.db.WithContext(ctx).First(&row, "ref = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &Blob{
		Attachment: toAttachment(&row),
		Body:       io.NopCloser(bytes.NewReader(row.Data)),
	}, nil
}

func (s *GormStore) Stat(ctx context.Context, ref string) (models.Attachment, error) {
	id, err := parseRef(ref)
	if err != nil {
		return models.Attachment{}, err
	}
	var row blobModel
	err = s.db.WithContext(ctx).
		Select("ref", "media_type", "size", "sha256", "page_count", "created_at").
		First(&row, "ref = ?", id).Error
	if err != nil {
		return models.Attachment{}, mapNotFound(err)
	}
	return toAttachment(&row), nil
}

func (s *GormStore) Refs(ctx context.Context) ([]string, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&blobModel{}).Pluck("ref", &ids).Error; err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, id.String())
	}
	return refs, nil
}

func toAttachment(row *blobModel) models.Attachment {
	return models.Attachment{
		Ref:       row.Ref.String(),
		MediaType: row.MediaType,
		Size:      row.Size,
		SHA256:    row.SHA256,
		PageCount: row.PageCount,
		CreatedAt: row.CreatedAt,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
