package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/testutil"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger      *ledger.Repository
	mirror      *mirror.Repository
	attachments *attachment.GormStore
	locker      *workflow.LocalLocker
	reconciler  *Reconciler
	owner       models.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	f := &fixture{
		ledger:      ledger.NewRepository(db),
		mirror:      mirror.NewRepository(db),
		attachments: attachment.NewGormStore(db),
	}
	require.NoError(t, f.ledger.AutoMigrate())
	require.NoError(t, f.mirror.AutoMigrate())
	require.NoError(t, f.attachments.AutoMigrate())

	owner, err := f.mirror.EnsureOwner(context.Background(), models.Identity{ID: uuid.New(), Email: "reader@example.org", Role: models.RoleUser})
	require.NoError(t, err)
	f.owner = owner
	f.locker = workflow.NewLocalLocker()
	f.reconciler = NewReconciler(f.ledger, f.mirror, f.attachments, f.locker)
	return f
}

func (f *fixture) submit(t *testing.T, title string) models.DocumentRequest {
	t.Helper()
	ctx := context.Background()
	md := models.Metadata{Title: title, Authors: "Noether, E.", PublicationName: "Math. Ann.", PublicationYear: 1921}
	requestID := uuid.New()
	mirrorID, err := f.mirror.CreateEntry(ctx, f.owner.ID, requestID, md)
	require.NoError(t, err)
	req, err := f.ledger.Create(ctx, ledger.CreateInput{ID: requestID, Metadata: md, RequesterEmail: f.owner.Email, MirrorID: mirrorID})
	require.NoError(t, err)
	return req
}

func (f *fixture) entry(t *testing.T, req models.DocumentRequest) models.MirrorEntry {
	t.Helper()
	owner, err := f.mirror.GetOwner(context.Background(), f.owner.ID)
	require.NoError(t, err)
	e, ok := owner.Entry(req.MirrorID)
	require.True(t, ok)
	return e
}

func (f *fixture) put(t *testing.T) string {
	t.Helper()
	a, err := f.attachments.Put(context.Background(), attachment.Upload{Data: []byte("%PDF-1.4\nbody"), MediaType: attachment.MediaTypePDF})
	require.NoError(t, err)
	return a.Ref
}

func TestRunInSyncChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "Idealtheorie in Ringbereichen")

	report, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, report.Repaired)
	assert.Empty(t, report.MissingOwners)
	assert.Empty(t, report.Orphans)
}

func TestRunRepairsDivergedMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submit(t, "Idealtheorie in Ringbereichen")

	// ledger committed but the mirror write never happened
	change, err := models.NewStatusChange(models.StatusProcessing, nil, nil)
	require.NoError(t, err)
	_, err = f.ledger.UpdateStatus(ctx, req.ID, change, req.Revision)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.entry(t, req).Status)

	report, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, models.StatusProcessing, f.entry(t, req).Status)

	again, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Repaired)
}

func TestRunRepairsMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submit(t, "Idealtheorie")

	md := req.Metadata
	md.Title = "Idealtheorie in Ringbereichen"
	_, err := f.ledger.UpdateMetadata(ctx, req.ID, md)
	require.NoError(t, err)

	report, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, md.Title, f.entry(t, req).Metadata.Title)
}

func TestRunReportsMissingOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orphan, err := f.ledger.Create(ctx, ledger.CreateInput{
		Metadata:       models.Metadata{Title: "Lost", Authors: "Nobody", PublicationName: "Void", PublicationYear: 1999},
		RequesterEmail: "gone@example.org",
		MirrorID:       uuid.New(),
	})
	require.NoError(t, err)
	f.submit(t, "Present")

	report, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []uuid.UUID{orphan.ID}, report.MissingOwners)
	assert.Zero(t, report.Failed)
}

func TestRunReportsOrphanedAttachments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submit(t, "Moderne Algebra")

	first := f.put(t)
	second := f.put(t)

	// accepted with the first upload, then rejected; the blob stays behind
	accepted, err := models.NewStatusChange(models.StatusAccepted, nil, &first)
	require.NoError(t, err)
	row, err := f.ledger.UpdateStatus(ctx, req.ID, accepted, req.Revision)
	require.NoError(t, err)
	_, err = f.mirror.UpdateEntry(ctx, f.owner.ID, req.MirrorID, accepted)
	require.NoError(t, err)

	reason := models.RejectNotFound
	rejected, err := models.NewStatusChange(models.StatusRejected, &reason, nil)
	require.NoError(t, err)
	_, err = f.ledger.UpdateStatus(ctx, req.ID, rejected, row.Revision)
	require.NoError(t, err)
	_, err = f.mirror.UpdateEntry(ctx, f.owner.ID, req.MirrorID, rejected)
	require.NoError(t, err)

	report, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, report.Orphans)

	_, err = f.attachments.Stat(ctx, first)
	assert.NoError(t, err, "orphans are reported, never deleted")
}

func TestRunHonoursCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "Anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.reconciler.Run(ctx)
	assert.Error(t, err)
}

func TestReconcileOneReadsCommittedRowNotListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	listed := f.submit(t, "Idealtheorie")

	// a transition commits to both copies after the pass listed the row
	change, err := models.NewStatusChange(models.StatusProcessing, nil, nil)
	require.NoError(t, err)
	_, err = f.ledger.UpdateStatus(ctx, listed.ID, change, listed.Revision)
	require.NoError(t, err)
	_, err = f.mirror.UpdateEntry(ctx, f.owner.ID, listed.MirrorID, change)
	require.NoError(t, err)

	repaired, err := f.reconciler.reconcileOne(ctx, listed.ID)
	require.NoError(t, err)
	assert.False(t, repaired)

	row, err := f.ledger.Get(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, row.Status)
	assert.Equal(t, models.StatusProcessing, f.entry(t, listed).Status)
}

func TestRunSkipsRequestUnderLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submit(t, "Idealtheorie")

	// ledger written, mirror write still in flight under the lease
	release, err := f.locker.Acquire(ctx, workflow.LeaseKey(req.ID), time.Minute)
	require.NoError(t, err)
	change, err := models.NewStatusChange(models.StatusProcessing, nil, nil)
	require.NoError(t, err)
	_, err = f.ledger.UpdateStatus(ctx, req.ID, change, req.Revision)
	require.NoError(t, err)

	report, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Repaired)
	assert.Equal(t, models.StatusPending, f.entry(t, req).Status)

	require.NoError(t, release(ctx))
	report, err = f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, models.StatusProcessing, f.entry(t, req).Status)
}
