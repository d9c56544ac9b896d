// Package requests is the public face of the document request core: it
// submits, lists, edits and serves requests and delegates transitions and
// solicitations to their engines.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/observability/metrics"
	"github.com/docsupply/platform/pkg/solicitation"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrNoAttachment = errors.New("request has no attachment")

const editLeaseTTL = 30 * time.Second

type Service struct {
	validator   *Validator
	ledger      *ledger.Repository
	mirror      *mirror.Repository
	libraries   *library.Repository
	attachments attachment.Store
	engine      *workflow.Engine
	fanout      *solicitation.Fanout
	locker      workflow.Locker
}

type Deps struct {
	Ledger      *ledger.Repository
	Mirror      *mirror.Repository
	Libraries   *library.Repository
	Attachments attachment.Store
	Engine      *workflow.Engine
	Fanout      *solicitation.Fanout
	// Locker must be the engine's locker; edits take the same request lease.
	Locker workflow.Locker
}

func NewService(validator *Validator, deps Deps) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = workflow.NewLocalLocker()
	}
	return &Service{
		validator:   validator,
		ledger:      deps.Ledger,
		mirror:      deps.Mirror,
		libraries:   deps.Libraries,
		attachments: deps.Attachments,
		engine:      deps.Engine,
		fanout:      deps.Fanout,
		locker:      locker,
	}
}

// Submit creates the mirror entry first, then the ledger row pointing at it.
// If the ledger insert fails the mirror entry is removed again.
func (s *Service) Submit(ctx context.Context, actor models.Identity, md models.Metadata) (models.DocumentRequest, error) {
	md, err := s.validator.Normalize(md)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	owner, err := s.mirror.EnsureOwner(ctx, actor)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	requestID := uuid.New()
	mirrorID, err := s.mirror.CreateEntry(ctx, owner.ID, requestID, md)
	if err != nil {
		return models.DocumentRequest{}, fmt.Errorf("creating mirror entry: %w", err)
	}

	req, err := s.ledger.Create(ctx, ledger.CreateInput{
		ID:             requestID,
		Metadata:       md,
		RequesterEmail: actor.Email,
		MirrorID:       mirrorID,
	})
	if err != nil {
		log := logger.Log.WithError(err).WithFields(logrus.Fields{"request_id": requestID, "mirror_id": mirrorID})
		if cerr := s.mirror.RemoveEntry(context.WithoutCancel(ctx), owner.ID, mirrorID); cerr != nil {
			log.WithField("compensation_error", cerr.Error()).Error("Ledger insert failed and mirror entry could not be removed")
		} else {
			log.Warn("Ledger insert failed, mirror entry removed")
		}
		return models.DocumentRequest{}, err
	}

	metrics.IncSubmission()
	logger.Log.WithFields(logrus.Fields{"request_id": req.ID, "requester": actor.Email}).Info("Request submitted")
	return req, nil
}

// Get returns a request to an admin or to its owner.
func (s *Service) Get(ctx context.Context, actor models.Identity, id uuid.UUID) (models.DocumentRequest, error) {
	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		return models.DocumentRequest{}, err
	}
	if actor.IsAdmin() {
		return req, nil
	}
	if _, err := s.authorize(ctx, actor, req); err != nil {
		return models.DocumentRequest{}, err
	}
	return req, nil
}

func (s *Service) ListAll(ctx context.Context, actor models.Identity) ([]models.DocumentRequest, error) {
	if !actor.IsAdmin() {
		return nil, models.ErrForbidden
	}
	return s.ledger.ListAll(ctx)
}

func (s *Service) ListMine(ctx context.Context, actor models.Identity) ([]models.MirrorEntry, error) {
	return s.mirror.ListForOwner(ctx, actor.ID)
}

// Edit rewrites the descriptive fields on the ledger row and on the owner's
// mirror entry. The owner is resolved through the mirror id. If only the
// mirror write fails, the updated row is returned with ErrMirrorSync.
func (s *Service) Edit(ctx context.Context, actor models.Identity, id uuid.UUID, md models.Metadata) (models.DocumentRequest, error) {
	md, err := s.validator.Normalize(md)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	release, err := s.locker.Acquire(ctx, workflow.LeaseKey(id), editLeaseTTL)
	if err != nil {
		if errors.Is(err, workflow.ErrLeaseHeld) {
			return models.DocumentRequest{}, fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
		return models.DocumentRequest{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.ForRequest(id).WithError(err).Warn("Failed to release edit lease")
		}
	}()

	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		return models.DocumentRequest{}, err
	}
	owner, err := s.authorize(ctx, actor, req)
	if err != nil {
		return models.DocumentRequest{}, err
	}

	updated, err := s.ledger.UpdateMetadata(ctx, id, md)
	if err != nil {
		return models.DocumentRequest{}, err
	}
	if _, err := s.mirror.UpdateEntryMetadata(ctx, owner.ID, req.MirrorID, md); err != nil {
		metrics.IncMirrorSyncFailure()
		logger.ForRequest(id).WithError(err).Error("Mirror metadata update failed after ledger commit")
		return updated, fmt.Errorf("%w: %v", workflow.ErrMirrorSync, err)
	}
	return updated, nil
}

// OpenAttachment opens the file of an accepted request. Callers must close
// the returned body.
func (s *Service) OpenAttachment(ctx context.Context, actor models.Identity, id uuid.UUID) (*attachment.Blob, error) {
	req, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if req.AttachmentRef == nil {
		return nil, ErrNoAttachment
	}
	return s.attachments.Get(ctx, *req.AttachmentRef)
}

func (s *Service) Transition(ctx context.Context, actor models.Identity, id uuid.UUID, in workflow.Input) (workflow.Result, error) {
	return s.engine.Transition(ctx, actor, id, in)
}

func (s *Service) Solicit(ctx context.Context, actor models.Identity, id uuid.UUID, libraryIDs []string) (solicitation.Outcome, error) {
	return s.fanout.Solicit(ctx, actor, id, libraryIDs)
}

func (s *Service) ListLibraries(ctx context.Context) ([]models.Library, error) {
	return s.libraries.List(ctx)
}

func (s *Service) GetLibrary(ctx context.Context, id uuid.UUID) (models.Library, error) {
	return s.libraries.Get(ctx, id)
}

// authorize resolves the owner of req and checks the actor may see it.
func (s *Service) authorize(ctx context.Context, actor models.Identity, req models.DocumentRequest) (models.Owner, error) {
	owner, err := s.mirror.FindOwnerByMirrorID(ctx, req.MirrorID)
	if err != nil {
		if errors.Is(err, models.ErrOwnerNotFound) {
			logger.Log.WithFields(logrus.Fields{"request_id": req.ID, "mirror_id": req.MirrorID}).Error("Ledger row has no mirror owner")
		}
		return models.Owner{}, err
	}
	if !actor.IsAdmin() && owner.ID != actor.ID {
		return models.Owner{}, models.ErrForbidden
	}
	return owner, nil
}
