// Package workflow implements the request state machine. A transition writes
// the attachment, the ledger row and the owner's mirror entry in that order,
// then notifies the requester.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/docsupply/platform/pkg/observability/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotificationFailed = errors.New("state committed but requester notification failed")
	ErrMirrorSync         = errors.New("ledger committed but mirror update failed")
	ErrAttachmentWrite    = errors.New("attachment could not be stored")
)

type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (models.DocumentRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, change models.StatusChange, expectedRevision int64) (models.DocumentRequest, error)
}

type Mirror interface {
	FindOwnerByMirrorID(ctx context.Context, mirrorID uuid.UUID) (models.Owner, error)
	UpdateEntry(ctx context.Context, ownerID, mirrorID uuid.UUID, change models.StatusChange) (models.MirrorEntry, error)
}

// Input is a requested transition as it arrives from the boundary. Status and
// RejectReason are raw strings; Attachment is set only when a file was
// uploaded.
type Input struct {
	Status       string
	RejectReason string
	Attachment   *attachment.Upload
}

// Result separates what was committed from the secondary effects. Committed
// means the ledger row holds the new status; MirrorSynced and Notified report
// the owner's copy and the requester email.
type Result struct {
	Request      models.DocumentRequest
	Committed    bool
	MirrorSynced bool
	Notified     bool
	NotifyErr    error
}

type Engine struct {
	ledger      Ledger
	mirror      Mirror
	attachments attachment.Store
	gateway     notify.Gateway
	templates   *notify.Templates
	locker      Locker
	leaseTTL    time.Duration
}

type Option func(*Engine)

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = ttl }
}

func WithTemplates(t *notify.Templates) Option {
	return func(e *Engine) { e.templates = t }
}

func NewEngine(ledger Ledger, mirror Mirror, attachments attachment.Store, gateway notify.Gateway, opts ...Option) *Engine {
	e := &Engine{
		ledger:      ledger,
		mirror:      mirror,
		attachments: attachments,
		gateway:     gateway,
		templates:   notify.DefaultTemplates(),
		locker:      NewLocalLocker(),
		leaseTTL:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition validates and applies a status change. Validation failures
// happen before anything is written. A notification failure after a
// successful commit returns both a committed Result and ErrNotificationFailed.
func (e *Engine) Transition(ctx context.Context, actor models.Identity, id uuid.UUID, in Input) (Result, error) {
	if !actor.IsAdmin() {
		return Result{}, models.ErrForbidden
	}
	status, reason, err := parseInput(in)
	if err != nil {
		return Result{}, err
	}

	log := logger.Log.WithFields(logrus.Fields{
		"request_id": id,
		"status":     status,
		"actor":      actor.Email,
	})

	release, err := e.locker.Acquire(ctx, LeaseKey(id), e.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			metrics.IncTransitionConflict()
			return Result{}, fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
		return Result{}, err
	}

	updated, err := e.apply(ctx, log, id, status, reason, in.Attachment)
	if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
		log.WithError(relErr).Warn("Failed to release transition lease")
	}
	// A mirror failure still leaves the ledger committed; reconciliation
	// brings the owner's entry up to date later.
	var mirrorErr error
	if err != nil {
		if !errors.Is(err, ErrMirrorSync) {
			return Result{}, err
		}
		mirrorErr = err
	}
	metrics.ObserveTransition(status)

	result := Result{Request: updated, Committed: true, MirrorSynced: mirrorErr == nil}
	if err := e.notifyRequester(ctx, updated); err != nil {
		metrics.IncNotificationFailure()
		log.WithError(err).Warn("Transition committed but requester notification failed")
		result.NotifyErr = err
		return result, errors.Join(mirrorErr, fmt.Errorf("%w: %v", ErrNotificationFailed, err))
	}
	result.Notified = true
	return result, mirrorErr
}

// apply runs the write sequence while the lease is held.
func (e *Engine) apply(ctx context.Context, log *logrus.Entry, id uuid.UUID, status models.Status, reason *models.RejectReason, upload *attachment.Upload) (models.DocumentRequest, error) {
	current, err := e.ledger.Get(ctx, id)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	owner, err := e.mirror.FindOwnerByMirrorID(ctx, current.MirrorID)
	if err != nil {
		if errors.Is(err, models.ErrOwnerNotFound) {
			log.WithField("mirror_id", current.MirrorID).Error("Ledger row has no mirror owner")
		}
		return models.DocumentRequest{}, err
	}

	var ref *string
	if status == models.StatusAccepted {
		att, err := e.attachments.Put(ctx, *upload)
		if err != nil {
			log.WithError(err).Error("Failed to store attachment")
			return models.DocumentRequest{}, fmt.Errorf("%w: %v", ErrAttachmentWrite, err)
		}
		ref = &att.Ref
		log = log.WithField("attachment_size", att.Size)
	}

	change, err := models.NewStatusChange(status, reason, ref)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	updated, err := e.ledger.UpdateStatus(ctx, id, change, current.Revision)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			metrics.IncTransitionConflict()
		}
		return models.DocumentRequest{}, err
	}

	if _, err := e.mirror.UpdateEntry(ctx, owner.ID, current.MirrorID, change); err != nil {
		metrics.IncMirrorSyncFailure()
		log.WithError(err).WithField("mirror_id", current.MirrorID).Error("Mirror update failed after ledger commit")
		return updated, fmt.Errorf("%w: %v", ErrMirrorSync, err)
	}

	log.Info("Request transitioned")
	return updated, nil
}

func (e *Engine) notifyRequester(ctx context.Context, req models.DocumentRequest) error {
	msg, err := e.templates.StatusChanged(req)
	if err != nil {
		return err
	}
	return e.gateway.Send(ctx, msg)
}

// parseInput performs every check that needs no I/O.
func parseInput(in Input) (models.Status, *models.RejectReason, error) {
	status, ok := models.ParseStatus(in.Status)
	if !ok {
		return "", nil, models.NewValidationError(fmt.Errorf("%q: %w", in.Status, models.ErrInvalidStatus))
	}
	var reason *models.RejectReason
	switch status {
	case models.StatusRejected:
		r, ok := models.ParseRejectReason(in.RejectReason)
		if !ok {
			return "", nil, models.NewValidationError(fmt.Errorf("%q: %w", in.RejectReason, models.ErrInvalidRejectReason))
		}
		reason = &r
	case models.StatusAccepted:
		if in.Attachment == nil || len(in.Attachment.Data) == 0 {
			return "", nil, models.NewValidationError(models.ErrMissingAttachment)
		}
	}
	return status, reason, nil
}
