package requests

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/docsupply/platform/pkg/common/models"
)

const minPublicationYear = 1800

var (
	errMissingField = errors.New("missing required field")
	errInvalidYear  = errors.New("publication year out of range")
	errInvalidURL   = errors.New("source URL is not a valid http(s) URL")
)

type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Normalize trims the metadata and checks required fields, the publication
// year window and the source URL.
func (v *Validator) Normalize(md models.Metadata) (models.Metadata, error) {
	md.Title = strings.TrimSpace(md.Title)
	md.Authors = strings.TrimSpace(md.Authors)
	md.PublicationName = strings.TrimSpace(md.PublicationName)
	md.Volume = strings.TrimSpace(md.Volume)
	md.Issue = strings.TrimSpace(md.Issue)
	md.Pages = strings.TrimSpace(md.Pages)
	md.SourceURL = strings.TrimSpace(md.SourceURL)
	md.Publisher = strings.TrimSpace(md.Publisher)

	required := []struct {
		name  string
		value string
	}{
		{"documentTitle", md.Title},
		{"authors", md.Authors},
		{"publicationName", md.PublicationName},
	}
	for _, f := range required {
		if f.value == "" {
			return models.Metadata{}, models.NewValidationError(fmt.Errorf("%w: %s", errMissingField, f.name))
		}
	}

	maxYear := v.now().Year() + 1
	if md.PublicationYear < minPublicationYear || md.PublicationYear > maxYear {
		return models.Metadata{}, models.NewValidationError(
			fmt.Errorf("%w: %d not in [%d, %d]", errInvalidYear, md.PublicationYear, minPublicationYear, maxYear))
	}

	if md.SourceURL != "" {
		u, err := url.ParseRequestURI(md.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.Metadata{}, models.NewValidationError(errInvalidURL)
		}
	}
	return md, nil
}
