// Package library holds partner libraries and the set of requests each one
// has been asked to source.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLibraryNotFound = errors.New("library not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type libraryModel struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey;column:id"`
	Name         string         `gorm:"column:name;not null"`
	ContactEmail string         `gorm:"column:contact_email;not null"`
	Contact      datatypes.JSON `gorm:"column:contact"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (libraryModel) TableName() string { return "libraries" }

// solicitationModel is one link in a library's solicitation set. The
// composite key makes inserting a link a set union.
type solicitationModel struct {
	LibraryID uuid.UUID `gorm:"type:uuid;primaryKey;column:library_id"`
	RequestID uuid.UUID `gorm:"type:uuid;primaryKey;column:request_id;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (solicitationModel) TableName() string { return "library_solicitations" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&libraryModel{}, &solicitationModel{})
}

type CreateInput struct {
	Name         string
	ContactEmail string
	Contact      map[string]interface{}
}

func (r *Repository) Create(ctx context.Context, input CreateInput) (models.Library, error) {
	if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.ContactEmail) == "" {
		return models.Library{}, models.NewValidationError(errors.New("library name and contact email are required"))
	}
	contact, err := json.Marshal(input.Contact)
	if err != nil {
		return models.Library{}, err
	}
	row := libraryModel{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(input.Name),
		ContactEmail: strings.ToLower(strings.TrimSpace(input.ContactEmail)),
		Contact:      datatypes.JSON(contact),
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Library{}, fmt.Errorf("inserting library: %w", err)
	}
	return mapLibrary(row, nil), nil
}

// Get returns the library with its solicitation set.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.Library, error) {
	var row libraryModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Library{}, ErrLibraryNotFound
		}
		return models.Library{}, err
	}
	links, err := r.Solicitations(ctx, id)
	if err != nil {
		return models.Library{}, err
	}
	return mapLibrary(row, links), nil
}

func (r *Repository) List(ctx context.Context) ([]models.Library, error) {
	var rows []libraryModel
	if err := r.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Library, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapLibrary(row, nil))
	}
	return out, nil
}

// FindByIDs returns the libraries that exist among ids. Unknown ids are
// silently dropped.
func (r *Repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Library, error) {
	if len(ids) == 0 {
		return []models.Library{}, nil
	}
	var rows []libraryModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Library, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapLibrary(row, nil))
	}
	return out, nil
}

// AddSolicitation links requestID to the library. Adding an existing link is
// a no-op.
func (r *Repository) AddSolicitation(ctx context.Context, libraryID, requestID uuid.UUID) error {
	link := solicitationModel{LibraryID: libraryID, RequestID: requestID, CreatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
}

func (r *Repository) Solicitations(ctx context.Context, libraryID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&solicitationModel{}).
		Where("library_id = ?", libraryID).
		Order("created_at").
		Pluck("request_id", &ids).Error
	return ids, err
}

func mapLibrary(row libraryModel, links []uuid.UUID) models.Library {
	lib := models.Library{
		ID:            row.ID,
		Name:          row.Name,
		ContactEmail:  row.ContactEmail,
		Solicitations: links,
		CreatedAt:     row.CreatedAt,
	}
	if lib.Solicitations == nil {
		lib.Solicitations = []uuid.UUID{}
	}
	if len(row.Contact) > 0 {
		var contact map[string]interface{}
		if err := json.Unmarshal(row.Contact, &contact); err == nil {
			lib.Contact = contact
		}
	}
	return lib
}
