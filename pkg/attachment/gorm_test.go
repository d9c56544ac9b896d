package attachment

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/docsupply/platform/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	store := NewGormStore(testutil.DB(t))
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestGormStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	payload := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte{0xAB}, 2*1024*1024)...)
	att, err := store.Put(ctx, Upload{Data: payload, MediaType: MediaTypePDF, PageCount: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, att.Ref)
	assert.Equal(t, int64(len(payload)), att.Size)
	assert.Len(t, att.SHA256, 64)

	blob, err := store.Get(ctx, att.Ref)
	require.NoError(t, err)
	defer blob.Body.Close()
	got, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, MediaTypePDF, blob.MediaType)
	assert.Equal(t, 3, blob.PageCount)

	meta, err := store.Stat(ctx, att.Ref)
	require.NoError(t, err)
	assert.Equal(t, att.SHA256, meta.SHA256)
}

func TestGormStoreUnknownRefs(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	_, err := store.Get(ctx, "not-a-ref")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Stat(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStoreRejectsEmpty(t *testing.T) {
	store := newGormStore(t)
	_, err := store.Put(context.Background(), Upload{MediaType: MediaTypePDF})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestGormStoreRefs(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	a, err := store.Put(ctx, Upload{Data: []byte("%PDF-a"), MediaType: MediaTypePDF})
	require.NoError(t, err)
	b, err := store.Put(ctx, Upload{Data: []byte("%PDF-b"), MediaType: MediaTypePDF})
	require.NoError(t, err)

	refs, err := store.Refs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Ref, b.Ref}, refs)
}
