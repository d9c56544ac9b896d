package attachment

import (
	"bytes"
	"fmt"
	"io"
	"mime"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pdfMagic = []byte("%PDF-")

// Intake is the upload boundary: it enforces media type and size limits and,
// in strict mode, parses the document before anything is stored.
type Intake struct {
	MaxBytes int64
	Strict   bool
}

func NewIntake(maxBytes int64, strict bool) *Intake {
	return &Intake{MaxBytes: maxBytes, Strict: strict}
}

// Read consumes r and returns an Upload ready for a Store. Every rejection is
// a validation error.
func (in *Intake) Read(r io.Reader, declaredType string) (Upload, error) {
	mediaType, _, err := mime.ParseMediaType(declaredType)
	if err != nil || mediaType != MediaTypePDF {
		return Upload{}, models.NewValidationError(ErrUnsupportedMediaType)
	}

	limit := in.MaxBytes
	if limit <= 0 {
		limit = 100 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Upload{}, fmt.Errorf("reading attachment: %w", err)
	}
	switch {
	case len(data) == 0:
		return Upload{}, models.NewValidationError(ErrEmpty)
	case int64(len(data)) > limit:
		return Upload{}, models.NewValidationError(ErrTooLarge)
	case !bytes.HasPrefix(data, pdfMagic):
		return Upload{}, models.NewValidationError(ErrUnsupportedMediaType)
	}

	up := Upload{Data: data, MediaType: MediaTypePDF}
	if !in.Strict {
		return up, nil
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return Upload{}, models.NewValidationError(fmt.Errorf("%w: %v", ErrInvalidPDF, err))
	}
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return Upload{}, models.NewValidationError(fmt.Errorf("%w: %v", ErrInvalidPDF, err))
	}
	up.PageCount = pages
	return up, nil
}
