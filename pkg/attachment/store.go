// Package attachment holds accepted-document files. Blobs are immutable and
// never deleted; a reference is only handed out once the blob is fully
// persisted.
package attachment

import (
	"context"
	"errors"
	"io"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
)

const MediaTypePDF = "application/pdf"

var (
	ErrNotFound             = errors.New("attachment not found")
	ErrUnsupportedMediaType = errors.New("only application/pdf attachments are accepted")
	ErrTooLarge             = errors.New("attachment exceeds the upload limit")
	ErrEmpty                = errors.New("attachment is empty")
	ErrInvalidPDF           = errors.New("attachment is not a readable PDF")
)

// Upload is a payload that already passed the intake boundary.
type Upload struct {
	Data      []byte
	MediaType string
	PageCount int
}

// Blob is an open attachment. Callers must close Body.
type Blob struct {
	models.Attachment
	Body io.ReadCloser
}

type Store interface {
	// Put persists the upload and returns its metadata, including the ref.
	Put(ctx context.Context, up Upload) (models.Attachment, error)
	// Get opens the blob behind ref. Unknown or malformed refs yield ErrNotFound.
	Get(ctx context.Context, ref string) (*Blob, error)
	// Stat returns metadata without opening the content.
	Stat(ctx context.Context, ref string) (models.Attachment, error)
	// Refs lists every stored reference.
	Refs(ctx context.Context) ([]string, error)
}

func parseRef(ref string) (uuid.UUID, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}
