package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const objectPrefix = "attachments/"

var _ Store = (*GCSStore)(nil)

// GCSStore keeps blobs as objects in a Cloud Storage bucket. An object only
// becomes visible once the writer is closed successfully.
type GCSStore struct {
	bucket *storage.BucketHandle
}

func NewGCSStore(ctx context.Context, bucketName string) (*GCSStore, *storage.Client, error) {
	if bucketName == "" {
		return nil, nil, errors.New("attachment bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucketName)}, client, nil
}

// errObjectExists reports a write refused by the DoesNotExist precondition.
var errObjectExists = errors.New("attachment object already exists")

func objectName(ref string) string {
	return objectPrefix + ref + ".pdf"
}

// refFromObject inverts objectName. Objects outside the layout, such as
// nested names or missing the extension, are not attachments.
func refFromObject(name string) (string, bool) {
	if !strings.HasPrefix(name, objectPrefix) || !strings.HasSuffix(name, ".pdf") {
		return "", false
	}
	ref := strings.TrimSuffix(strings.TrimPrefix(name, objectPrefix), ".pdf")
	id, err := uuid.Parse(ref)
	if err != nil || id.String() != ref {
		return "", false
	}
	return ref, true
}

func objectMetadata(att models.Attachment) map[string]string {
	return map[string]string{
		"sha256":     att.SHA256,
		"page_count": strconv.Itoa(att.PageCount),
	}
}

func attachmentFromAttrs(ref string, attrs *storage.ObjectAttrs) models.Attachment {
	pages, _ := strconv.Atoi(attrs.Metadata["page_count"])
	return models.Attachment{
		Ref:       ref,
		MediaType: attrs.ContentType,
		Size:      attrs.Size,
		SHA256:    attrs.Metadata["sha256"],
		PageCount: pages,
		CreatedAt: attrs.Created,
	}
}

func (s *GCSStore) Put(ctx context.Context, up Upload) (models.Attachment, error) {
	if len(up.Data) == 0 {
		return models.Attachment{}, ErrEmpty
	}
	sum := sha256.Sum256(up.Data)
	att := models.Attachment{
		Ref:       uuid.NewString(),
		MediaType: up.MediaType,
		Size:      int64(len(up.Data)),
		SHA256:    hex.EncodeToString(sum[:]),
		PageCount: up.PageCount,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeObject(ctx, att, up.Data); err != nil {
		return models.Attachment{}, err
	}
	return att, nil
}

// writeObject never replaces an existing object.
func (s *GCSStore) writeObject(ctx context.Context, att models.Attachment, data []byte) error {
	writer := s.bucket.Object(objectName(att.Ref)).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = att.MediaType
	writer.Metadata = objectMetadata(att)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing attachment object: %w", err)
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			logger.Log.WithField("ref", att.Ref).Error("Attachment object already exists")
			return fmt.Errorf("finalizing attachment object: %w", errObjectExists)
		}
		return fmt.Errorf("finalizing attachment object: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) (*Blob, error) {
	att, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}
	reader, err := s.bucket.Object(objectName(att.Ref)).NewReader(ctx)
	if err != nil {
		return nil, mapObjectErr(err)
	}
	return &Blob{Attachment: att, Body: reader}, nil
}

func (s *GCSStore) Stat(ctx context.Context, ref string) (models.Attachment, error) {
	id, err := parseRef(ref)
	if err != nil {
		return models.Attachment{}, err
	}
	attrs, err := s.bucket.Object(objectName(id.String())).Attrs(ctx)
	if err != nil {
		return models.Attachment{}, mapObjectErr(err)
	}
	return attachmentFromAttrs(id.String(), attrs), nil
}

func (s *GCSStore) Refs(ctx context.Context) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: objectPrefix})
	var refs []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing attachment objects: %w", err)
		}
		if ref, ok := refFromObject(attrs.Name); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func mapObjectErr(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}
