package attachment

import (
	"context"
	"testing"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)

	store, closeFn, err := Open(ctx, &config.Config{AttachmentBackend: BackendDB}, db)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, store)
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, &config.Config{AttachmentBackend: BackendGCS}, db)
	assert.ErrorContains(t, err, "ATTACHMENT_BUCKET")

	_, _, err = Open(ctx, &config.Config{AttachmentBackend: "s3"}, db)
	assert.ErrorContains(t, err, "unknown attachment backend")
}
