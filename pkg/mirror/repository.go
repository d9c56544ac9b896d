// Package mirror keeps each requester's embedded copy of their requests. The
// entries live in a JSON column on the owner row; a side table maps every
// mirror id to its owner so lookups do not have to scan.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/common/retry"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEntryNotFound = errors.New("mirror entry not found")
	errStaleOwner    = errors.New("owner row changed concurrently")
)

const (
	casAttempts  = 5
	casBaseDelay = 10 * time.Millisecond
	scanBatch    = 200
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type ownerModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey;column:id"`
	Email     string         `gorm:"column:email;uniqueIndex"`
	Entries   datatypes.JSON `gorm:"column:entries"`
	Revision  int64          `gorm:"column:revision;not null;default:1"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (ownerModel) TableName() string { return "owners" }

type indexModel struct {
	MirrorID uuid.UUID `gorm:"type:uuid;primaryKey;column:mirror_id"`
	OwnerID  uuid.UUID `gorm:"type:uuid;column:owner_id;index"`
}

func (indexModel) TableName() string { return "mirror_index" }

// entryRecord is the persisted shape of an entry inside the JSON column.
type entryRecord struct {
	ID            uuid.UUID       `json:"id"`
	RequestID     uuid.UUID       `json:"requestId"`
	Metadata      models.Metadata `json:"metadata"`
	Status        string          `json:"status"`
	RejectReason  *string         `json:"rejectReason,omitempty"`
	AttachmentRef *string         `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ownerModel{}, &indexModel{})
}

// EnsureOwner returns the owner row for the identity, creating an empty one
// on first use.
func (r *Repository) EnsureOwner(ctx context.Context, identity models.Identity) (models.Owner, error) {
	now := time.Now().UTC()
	row := ownerModel{
		ID:        identity.ID,
		Email:     strings.ToLower(strings.TrimSpace(identity.Email)),
		Entries:   datatypes.JSON("[]"),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return models.Owner{}, fmt.Errorf("ensuring owner: %w", err)
	}
	return r.GetOwner(ctx, identity.ID)
}

func (r *Repository) GetOwner(ctx context.Context, ownerID uuid.UUID) (models.Owner, error) {
	row, err := r.loadOwner(ctx, ownerID)
	if err != nil {
		return models.Owner{}, err
	}
	return mapOwner(row)
}

// CreateEntry appends a pending entry for requestID and returns its mirror id.
func (r *Repository) CreateEntry(ctx context.Context, ownerID, requestID uuid.UUID, md models.Metadata) (uuid.UUID, error) {
	now := time.Now().UTC()
	entry := entryRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		Metadata:  md,
		Status:    string(models.StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.mutate(ctx, ownerID, func(entries []entryRecord) ([]entryRecord, error) {
		return append(entries, entry), nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	// The entry is already committed; a missing index row only costs a scan.
	if err := r.indexEntry(ctx, entry.ID, ownerID); err != nil {
		logger.Log.WithError(err).WithField("mirror_id", entry.ID).Warn("Failed to index mirror entry")
	}
	return entry.ID, nil
}

// FindOwnerByMirrorID resolves the owner holding mirrorID. The index is
// consulted first; a miss or stale row falls back to scanning owners, and the
// index is repaired when the scan succeeds.
func (r *Repository) FindOwnerByMirrorID(ctx context.Context, mirrorID uuid.UUID) (models.Owner, error) {
	var idx indexModel
	err := r.db.WithContext(ctx).First(&idx, "mirror_id = ?", mirrorID).Error
	switch {
	case err == nil:
		owner, err := r.GetOwner(ctx, idx.OwnerID)
		if err == nil {
			if _, ok := owner.Entry(mirrorID); ok {
				return owner, nil
			}
		} else if !errors.Is(err, models.ErrOwnerNotFound) {
			return models.Owner{}, err
		}
		logger.Log.WithField("mirror_id", mirrorID).Warn("Stale mirror index row, scanning owners")
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return models.Owner{}, err
	}

	owner, err := r.scanForEntry(ctx, mirrorID)
	if err != nil {
		return models.Owner{}, err
	}
	if err := r.indexEntry(ctx, mirrorID, owner.ID); err != nil {
		logger.Log.WithError(err).WithField("mirror_id", mirrorID).Warn("Failed to repair mirror index")
	}
	return owner, nil
}

func (r *Repository) scanForEntry(ctx context.Context, mirrorID uuid.UUID) (models.Owner, error) {
	var (
		found models.Owner
		hit   bool
		rows  []ownerModel
	)
	res := r.db.WithContext(ctx).
		Where("CAST(entries AS TEXT) LIKE ?", "%"+mirrorID.String()+"%").
		FindInBatches(&rows, scanBatch, func(tx *gorm.DB, _ int) error {
			for _, row := range rows {
				owner, err := mapOwner(row)
				if err != nil {
					return err
				}
				if _, ok := owner.Entry(mirrorID); ok {
					found, hit = owner, true
					return errStopScan
				}
			}
			return nil
		})
	if res.Error != nil && !errors.Is(res.Error, errStopScan) {
		return models.Owner{}, res.Error
	}
	if !hit {
		return models.Owner{}, models.ErrOwnerNotFound
	}
	return found, nil
}

var errStopScan = errors.New("stop scan")

// UpdateEntry applies a status triple to the entry, clearing whatever the
// new status does not carry.
func (r *Repository) UpdateEntry(ctx context.Context, ownerID, mirrorID uuid.UUID, change models.StatusChange) (models.MirrorEntry, error) {
	change, err := models.NewStatusChange(change.Status, change.RejectReason, change.AttachmentRef)
	if err != nil {
		return models.MirrorEntry{}, err
	}
	var updated entryRecord
	err = r.mutate(ctx, ownerID, func(entries []entryRecord) ([]entryRecord, error) {
		i := findEntry(entries, mirrorID)
		if i < 0 {
			return nil, ErrEntryNotFound
		}
		e := &entries[i]
		e.Status = string(change.Status)
		e.RejectReason = nil
		if change.RejectReason != nil {
			s := string(*change.RejectReason)
			e.RejectReason = &s
		}
		e.AttachmentRef = change.AttachmentRef
		e.UpdatedAt = time.Now().UTC()
		updated = *e
		return entries, nil
	})
	if err != nil {
		return models.MirrorEntry{}, err
	}
	return mapEntry(updated), nil
}

// UpdateEntryMetadata rewrites the descriptive fields of one entry.
func (r *Repository) UpdateEntryMetadata(ctx context.Context, ownerID, mirrorID uuid.UUID, md models.Metadata) (models.MirrorEntry, error) {
	var updated entryRecord
	err := r.mutate(ctx, ownerID, func(entries []entryRecord) ([]entryRecord, error) {
		i := findEntry(entries, mirrorID)
		if i < 0 {
			return nil, ErrEntryNotFound
		}
		entries[i].Metadata = md
		entries[i].UpdatedAt = time.Now().UTC()
		updated = entries[i]
		return entries, nil
	})
	if err != nil {
		return models.MirrorEntry{}, err
	}
	return mapEntry(updated), nil
}

// RemoveEntry drops an entry and its index row. It only exists to undo a
// submission whose ledger insert failed.
func (r *Repository) RemoveEntry(ctx context.Context, ownerID, mirrorID uuid.UUID) error {
	err := r.mutate(ctx, ownerID, func(entries []entryRecord) ([]entryRecord, error) {
		i := findEntry(entries, mirrorID)
		if i < 0 {
			return nil, ErrEntryNotFound
		}
		return append(entries[:i], entries[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Delete(&indexModel{}, "mirror_id = ?", mirrorID).Error
}

// ListForOwner returns the owner's entries, newest first. An identity that
// never submitted anything has no entries.
func (r *Repository) ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.MirrorEntry, error) {
	owner, err := r.GetOwner(ctx, ownerID)
	if errors.Is(err, models.ErrOwnerNotFound) {
		return []models.MirrorEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := owner.Entries
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// mutate reads the owner row, applies fn to its entries and writes them back
// guarded by the row revision. Lost races are retried a bounded number of
// times.
func (r *Repository) mutate(ctx context.Context, ownerID uuid.UUID, fn func([]entryRecord) ([]entryRecord, error)) error {
	return retry.Do(ctx, casAttempts, casBaseDelay, func(err error) bool {
		return errors.Is(err, errStaleOwner)
	}, func() error {
		row, err := r.loadOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		entries, err := decodeEntries(row.Entries)
		if err != nil {
			return err
		}
		entries, err = fn(entries)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return err
		}

		res := r.db.WithContext(ctx).Model(&ownerModel{}).
			Where("id = ? AND revision = ?", ownerID, row.Revision).
			Updates(map[string]interface{}{
				"entries":    datatypes.JSON(raw),
				"revision":   gorm.Expr("revision + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("writing owner entries: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errStaleOwner
		}
		return nil
	})
}

func (r *Repository) loadOwner(ctx context.Context, ownerID uuid.UUID) (ownerModel, error) {
	var row ownerModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ownerModel{}, models.ErrOwnerNotFound
		}
		return ownerModel{}, err
	}
	return row, nil
}

func (r *Repository) indexEntry(ctx context.Context, mirrorID, ownerID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mirror_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id"}),
		}).
		Create(&indexModel{MirrorID: mirrorID, OwnerID: ownerID}).Error
}

func findEntry(entries []entryRecord, mirrorID uuid.UUID) int {
	for i := range entries {
		if entries[i].ID == mirrorID {
			return i
		}
	}
	return -1
}

func decodeEntries(raw datatypes.JSON) ([]entryRecord, error) {
	if len(raw) == 0 {
		return []entryRecord{}, nil
	}
	var entries []entryRecord
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding mirror entries: %w", err)
	}
	return entries, nil
}

func mapOwner(row ownerModel) (models.Owner, error) {
	records, err := decodeEntries(row.Entries)
	if err != nil {
		return models.Owner{}, err
	}
	entries := make([]models.MirrorEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, mapEntry(rec))
	}
	return models.Owner{
		ID:       row.ID,
		Email:    row.Email,
		Revision: row.Revision,
		Entries:  entries,
	}, nil
}

func mapEntry(rec entryRecord) models.MirrorEntry {
	entry := models.MirrorEntry{
		ID:            rec.ID,
		RequestID:     rec.RequestID,
		Metadata:      rec.Metadata,
		Status:        models.Status(rec.Status),
		AttachmentRef: rec.AttachmentRef,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.RejectReason != nil {
		reason := models.RejectReason(*rec.RejectReason)
		entry.RejectReason = &reason
	}
	return entry
}
