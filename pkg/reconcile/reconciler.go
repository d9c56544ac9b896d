// Package reconcile re-projects the ledger onto owner mirrors and audits the
// attachment store. The ledger is the source of truth; nothing is deleted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/observability/metrics"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Report struct {
	Checked       int         `json:"checked"`
	Repaired      int         `json:"repaired"`
	MissingOwners []uuid.UUID `json:"missingOwners"`
	Orphans       []string    `json:"orphanedAttachments"`
	Skipped       int         `json:"skipped"`
	Failed        int         `json:"failed"`
	Duration      string      `json:"duration"`
}

type Reconciler struct {
	ledger      *ledger.Repository
	mirror      *mirror.Repository
	attachments attachment.Store
	locker      workflow.Locker
	leaseTTL    time.Duration
}

// NewReconciler takes the same locker as the transition engine so that a
// repair never interleaves with a transition or edit of the same request.
func NewReconciler(ledger *ledger.Repository, mirror *mirror.Repository, attachments attachment.Store, locker workflow.Locker) *Reconciler {
	if locker == nil {
		locker = workflow.NewLocalLocker()
	}
	return &Reconciler{
		ledger:      ledger,
		mirror:      mirror,
		attachments: attachments,
		locker:      locker,
		leaseTTL:    30 * time.Second,
	}
}

// Run performs one pass. Per-request failures are counted and logged; only a
// failure to read the ledger or the attachment listing aborts the pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{MissingOwners: []uuid.UUID{}, Orphans: []string{}}

	// blobs are listed before the ledger is read, so a blob written by a
	// transition during the pass has its ledger row visible by the end
	refs, err := r.attachments.Refs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing attachments: %w", err)
	}

	reqs, err := r.ledger.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("listing ledger: %w", err)
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		repaired, err := r.reconcileOne(ctx, req.ID)
		switch {
		case errors.Is(err, errBusy):
			report.Skipped++
		case errors.Is(err, models.ErrOwnerNotFound):
			report.MissingOwners = append(report.MissingOwners, req.ID)
			logger.Log.WithFields(logrus.Fields{
				"request_id": req.ID,
				"mirror_id":  req.MirrorID,
			}).Error("Ledger row has no mirror owner")
		case err != nil:
			report.Failed++
			logger.ForRequest(req.ID).WithError(err).Warn("Failed to reconcile request")
		case repaired:
			report.Repaired++
		}
	}

	referenced, err := r.ledger.AttachmentRefs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing referenced attachments: %w", err)
	}
	known := mapset.NewSet[string](referenced...)
	for _, ref := range refs {
		if !known.Contains(ref) {
			report.Orphans = append(report.Orphans, ref)
		}
	}
	sort.Strings(report.Orphans)

	report.Duration = time.Since(start).String()
	metrics.ObserveReconcile(report.Repaired, len(report.MissingOwners), len(report.Orphans))
	logger.Log.WithFields(logrus.Fields{
		"checked":        report.Checked,
		"repaired":       report.Repaired,
		"skipped":        report.Skipped,
		"missing_owners": len(report.MissingOwners),
		"orphans":        len(report.Orphans),
		"failed":         report.Failed,
	}).Info("Reconciliation pass finished")
	return report, nil
}

// errBusy marks a request whose lease is held elsewhere. The holder writes
// both copies itself, so the request is left for the next pass.
var errBusy = errors.New("request lease held")

// reconcileOne copies the ledger's triple and metadata onto the mirror entry
// when they differ. The row is re-read under the request lease; the listing
// that produced id may already be stale.
func (r *Reconciler) reconcileOne(ctx context.Context, id uuid.UUID) (bool, error) {
	release, err := r.locker.Acquire(ctx, workflow.LeaseKey(id), r.leaseTTL)
	if err != nil {
		if errors.Is(err, workflow.ErrLeaseHeld) {
			return false, errBusy
		}
		return false, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.ForRequest(id).WithError(err).Warn("Failed to release reconcile lease")
		}
	}()

	req, err := r.ledger.Get(ctx, id)
	if err != nil {
		return false, err
	}
	owner, err := r.mirror.FindOwnerByMirrorID(ctx, req.MirrorID)
	if err != nil {
		return false, err
	}
	entry, ok := owner.Entry(req.MirrorID)
	if !ok {
		return false, models.ErrOwnerNotFound
	}

	repaired := false
	if !entry.Triple().Equal(req.Triple()) {
		if _, err := r.mirror.UpdateEntry(ctx, owner.ID, req.MirrorID, req.Triple()); err != nil {
			return false, err
		}
		repaired = true
	}
	if entry.Metadata != req.Metadata {
		if _, err := r.mirror.UpdateEntryMetadata(ctx, owner.ID, req.MirrorID, req.Metadata); err != nil {
			return repaired, err
		}
		repaired = true
	}
	if repaired {
		logger.ForRequest(req.ID).Warn("Mirror entry diverged from ledger, repaired")
	}
	return repaired, nil
}

// Job runs the reconciler on a cron schedule.
type Job struct {
	reconciler *Reconciler
	schedule   string
	timeout    time.Duration
}

func NewJob(reconciler *Reconciler, schedule string, timeout time.Duration) *Job {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Job{reconciler: reconciler, schedule: schedule, timeout: timeout}
}

func (j *Job) Schedule() string { return j.schedule }

func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.reconciler.Run(ctx); err != nil {
		logger.Log.WithError(err).Error("Reconciliation pass failed")
	}
}
