// Package ledger is the canonical store of document requests: one row per
// request, independent of who submitted it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type requestModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey;column:id"`
	RequesterEmail string          `gorm:"column:requester_email;index"`
	Metadata       models.Metadata `gorm:"embedded"`
	Status         string          `gorm:"column:status;index;not null"`
	RejectReason   *string         `gorm:"column:reject_reason"`
	AttachmentRef  *string         `gorm:"column:attachment_ref"`
	MirrorID       uuid.UUID       `gorm:"type:uuid;column:mirror_id;uniqueIndex"`
	Revision       int64           `gorm:"column:revision;not null;default:1"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (requestModel) TableName() string { return "document_requests" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&requestModel{})
}

type CreateInput struct {
	// ID is optional; a zero value gets a generated id.
	ID             uuid.UUID
	Metadata       models.Metadata
	RequesterEmail string
	MirrorID       uuid.UUID
}

// Create inserts a new request. The status is always pending.
func (r *Repository) Create(ctx context.Context, input CreateInput) (models.DocumentRequest, error) {
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	row := requestModel{
		ID:             id,
		RequesterEmail: strings.ToLower(strings.TrimSpace(input.RequesterEmail)),
		Metadata:       input.Metadata,
		Status:         string(models.StatusPending),
		MirrorID:       input.MirrorID,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.DocumentRequest{}, fmt.Errorf("inserting request: %w", err)
	}
	return mapRequest(row), nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.DocumentRequest, error) {
	var row requestModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DocumentRequest{}, models.ErrRequestNotFound
		}
		return models.DocumentRequest{}, err
	}
	return mapRequest(row), nil
}

// ListAll returns every request, newest first.
func (r *Repository) ListAll(ctx context.Context) ([]models.DocumentRequest, error) {
	var rows []requestModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.DocumentRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapRequest(row))
	}
	return out, nil
}

// UpdateStatus applies a validated status triple if the row is still at
// expectedRevision. A stale revision yields models.ErrConflict.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, change models.StatusChange, expectedRevision int64) (models.DocumentRequest, error) {
	change, err := models.NewStatusChange(change.Status, change.RejectReason, change.AttachmentRef)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	var reason *string
	if change.RejectReason != nil {
		s := string(*change.RejectReason)
		reason = &s
	}
	updates := map[string]interface{}{
		"status":         string(change.Status),
		"reject_reason":  reason,
		"attachment_ref": change.AttachmentRef,
		"revision":       gorm.Expr("revision + 1"),
		"updated_at":     time.Now().UTC(),
	}

	res := r.db.WithContext(ctx).Model(&requestModel{}).
		Where("id = ? AND revision = ?", id, expectedRevision).
		Updates(updates)
	if res.Error != nil {
		return models.DocumentRequest{}, fmt.Errorf("updating request status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return models.DocumentRequest{}, err
		}
		return models.DocumentRequest{}, models.ErrConflict
	}
	return r.Get(ctx, id)
}

// UpdateMetadata rewrites the descriptive fields only.
func (r *Repository) UpdateMetadata(ctx context.Context, id uuid.UUID, md models.Metadata) (models.DocumentRequest, error) {
	updates := map[string]interface{}{
		"title":            md.Title,
		"authors":          md.Authors,
		"publication_name": md.PublicationName,
		"publication_year": md.PublicationYear,
		"volume":           md.Volume,
		"issue":            md.Issue,
		"pages":            md.Pages,
		"source_url":       md.SourceURL,
		"publisher":        md.Publisher,
		"revision":         gorm.Expr("revision + 1"),
		"updated_at":       time.Now().UTC(),
	}
	res := r.db.WithContext(ctx).Model(&requestModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return models.DocumentRequest{}, fmt.Errorf("updating request metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.DocumentRequest{}, models.ErrRequestNotFound
	}
	return r.Get(ctx, id)
}

// AttachmentRefs returns every attachment reference currently held by a row.
func (r *Repository) AttachmentRefs(ctx context.Context) ([]string, error) {
	var refs []string
	err := r.db.WithContext(ctx).Model(&requestModel{}).
		Where("attachment_ref IS NOT NULL").
		Pluck("attachment_ref", &refs).Error
	return refs, err
}

func mapRequest(row requestModel) models.DocumentRequest {
	req := models.DocumentRequest{
		ID:             row.ID,
		RequesterEmail: row.RequesterEmail,
		Metadata:       row.Metadata,
		Status:         models.Status(row.Status),
		AttachmentRef:  row.AttachmentRef,
		MirrorID:       row.MirrorID,
		Revision:       row.Revision,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.RejectReason != nil {
		reason := models.RejectReason(*row.RejectReason)
		req.RejectReason = &reason
	}
	return req
}
