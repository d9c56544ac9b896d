package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo := NewRepository(testutil.DB(t))
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func newOwner(t *testing.T, repo *Repository, email string) models.Owner {
	t.Helper()
	owner, err := repo.EnsureOwner(context.Background(), models.Identity{ID: uuid.New(), Email: email, Role: models.RoleUser})
	require.NoError(t, err)
	return owner
}

func TestEnsureOwnerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	id := models.Identity{ID: uuid.New(), Email: "Reader@Example.org"}

	first, err := repo.EnsureOwner(ctx, id)
	require.NoError(t, err)
	_, err = repo.CreateEntry(ctx, first.ID, uuid.New(), models.Metadata{Title: "kept"})
	require.NoError(t, err)

	again, err := repo.EnsureOwner(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reader@example.org", again.Email)
	assert.Len(t, again.Entries, 1)
}

func TestCreateEntryAndList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	owner := newOwner(t, repo, "a@example.org")

	older, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "older"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "newer"})
	require.NoError(t, err)

	entries, err := repo.ListForOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer, entries[0].ID)
	assert.Equal(t, older, entries[1].ID)
	assert.Equal(t, models.StatusPending, entries[0].Status)

	none, err := repo.ListForOwner(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindOwnerByMirrorID(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := newOwner(t, repo, "alice@example.org")
	bob := newOwner(t, repo, "bob@example.org")

	_, err := repo.CreateEntry(ctx, alice.ID, uuid.New(), models.Metadata{Title: "a"})
	require.NoError(t, err)
	mirrorID, err := repo.CreateEntry(ctx, bob.ID, uuid.New(), models.Metadata{Title: "b"})
	require.NoError(t, err)

	owner, err := repo.FindOwnerByMirrorID(ctx, mirrorID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, owner.ID)

	_, err = repo.FindOwnerByMirrorID(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrOwnerNotFound)
}

func TestFindOwnerFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := newOwner(t, repo, "alice@example.org")
	bob := newOwner(t, repo, "bob@example.org")

	mirrorID, err := repo.CreateEntry(ctx, bob.ID, uuid.New(), models.Metadata{Title: "b"})
	require.NoError(t, err)

	// Point the index at the wrong owner.
	require.NoError(t, repo.db.Model(&indexModel{}).
		Where("mirror_id = ?", mirrorID).
		Update("owner_id", alice.ID).Error)

	owner, err := repo.FindOwnerByMirrorID(ctx, mirrorID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, owner.ID)

	var idx indexModel
	require.NoError(t, repo.db.First(&idx, "mirror_id = ?", mirrorID).Error)
	assert.Equal(t, bob.ID, idx.OwnerID, "index repaired after scan")

	// Drop the index row entirely.
	require.NoError(t, repo.db.Delete(&indexModel{}, "mirror_id = ?", mirrorID).Error)
	owner, err = repo.FindOwnerByMirrorID(ctx, mirrorID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, owner.ID)
}

func TestUpdateEntryClearsFields(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	owner := newOwner(t, repo, "a@example.org")
	mirrorID, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "x"})
	require.NoError(t, err)

	ref := uuid.NewString()
	entry, err := repo.UpdateEntry(ctx, owner.ID, mirrorID, models.StatusChange{Status: models.StatusAccepted, AttachmentRef: &ref})
	require.NoError(t, err)
	require.NotNil(t, entry.AttachmentRef)
	assert.Equal(t, ref, *entry.AttachmentRef)

	reason := models.RejectDuplicate
	entry, err = repo.UpdateEntry(ctx, owner.ID, mirrorID, models.StatusChange{Status: models.StatusRejected, RejectReason: &reason, AttachmentRef: &ref})
	require.NoError(t, err)
	assert.Nil(t, entry.AttachmentRef)
	require.NotNil(t, entry.RejectReason)
	assert.Equal(t, models.RejectDuplicate, *entry.RejectReason)

	stored, err := repo.GetOwner(ctx, owner.ID)
	require.NoError(t, err)
	got, ok := stored.Entry(mirrorID)
	require.True(t, ok)
	assert.True(t, got.Triple().Equal(entry.Triple()))

	_, err = repo.UpdateEntry(ctx, owner.ID, uuid.New(), models.StatusChange{Status: models.StatusProcessing})
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = repo.UpdateEntry(ctx, owner.ID, mirrorID, models.StatusChange{Status: models.StatusAccepted})
	assert.ErrorIs(t, err, models.ErrMissingAttachment)
}

func TestUpdateEntryMetadata(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	owner := newOwner(t, repo, "a@example.org")
	mirrorID, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "old"})
	require.NoError(t, err)

	entry, err := repo.UpdateEntryMetadata(ctx, owner.ID, mirrorID, models.Metadata{Title: "new", PublicationYear: 2001})
	require.NoError(t, err)
	assert.Equal(t, "new", entry.Metadata.Title)
	assert.Equal(t, models.StatusPending, entry.Status)
}

func TestRemoveEntry(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	owner := newOwner(t, repo, "a@example.org")
	mirrorID, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "x"})
	require.NoError(t, err)

	require.NoError(t, repo.RemoveEntry(ctx, owner.ID, mirrorID))

	_, err = repo.FindOwnerByMirrorID(ctx, mirrorID)
	assert.ErrorIs(t, err, models.ErrOwnerNotFound)
	assert.ErrorIs(t, repo.RemoveEntry(ctx, owner.ID, mirrorID), ErrEntryNotFound)
}

func TestConcurrentCreateEntryKeepsAll(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	owner := newOwner(t, repo, "a@example.org")

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateEntry(ctx, owner.ID, uuid.New(), models.Metadata{Title: "c"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := repo.ListForOwner(ctx, owner.ID)
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}
