// Package solicitation links a request to partner libraries and asks each of
// them, by email, to source the document.
package solicitation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/docsupply/platform/pkg/observability/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoValidLibraries = errors.New("none of the given libraries exist")
	ErrDispatchFailed   = errors.New("one or more library notifications failed")
)

const defaultConcurrency = 8

type Requests interface {
	Get(ctx context.Context, id uuid.UUID) (models.DocumentRequest, error)
}

type Libraries interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Library, error)
	AddSolicitation(ctx context.Context, libraryID, requestID uuid.UUID) error
}

type Failure struct {
	LibraryID uuid.UUID
	Recipient string
	Err       error
}

// Outcome reports links and dispatches separately: a library appears in
// Linked once its link is stored, whether or not its email went out.
type Outcome struct {
	RequestID  uuid.UUID
	Linked     []uuid.UUID
	Dispatched []uuid.UUID
	Failed     []Failure
	Ignored    []string
}

func (o Outcome) Failures() []models.NotificationFailure {
	out := make([]models.NotificationFailure, 0, len(o.Failed))
	for _, f := range o.Failed {
		out = append(out, models.NotificationFailure{
			Recipient: f.Recipient,
			LibraryID: f.LibraryID.String(),
			Error:     f.Err.Error(),
		})
	}
	return out
}

type Fanout struct {
	requests    Requests
	libraries   Libraries
	gateway     notify.Gateway
	templates   *notify.Templates
	concurrency int
}

func NewFanout(requests Requests, libraries Libraries, gateway notify.Gateway, templates *notify.Templates) *Fanout {
	if templates == nil {
		templates = notify.DefaultTemplates()
	}
	return &Fanout{
		requests:    requests,
		libraries:   libraries,
		gateway:     gateway,
		templates:   templates,
		concurrency: defaultConcurrency,
	}
}

// Solicit links requestID to every known library in libraryIDs and notifies
// each one. Links are committed per library; if any step fails for any
// library the call returns ErrDispatchFailed alongside the full Outcome.
func (f *Fanout) Solicit(ctx context.Context, actor models.Identity, requestID uuid.UUID, libraryIDs []string) (Outcome, error) {
	if !actor.IsAdmin() {
		return Outcome{}, models.ErrForbidden
	}

	outcome := Outcome{RequestID: requestID}
	wanted := mapset.NewSet[uuid.UUID]()
	for _, raw := range libraryIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			outcome.Ignored = append(outcome.Ignored, raw)
			continue
		}
		wanted.Add(id)
	}

	req, err := f.requests.Get(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}

	libs, err := f.libraries.FindByIDs(ctx, wanted.ToSlice())
	if err != nil {
		return Outcome{}, fmt.Errorf("resolving libraries: %w", err)
	}
	if len(libs) == 0 {
		return Outcome{}, models.NewValidationError(ErrNoValidLibraries)
	}
	found := mapset.NewSet[uuid.UUID]()
	for _, lib := range libs {
		found.Add(lib.ID)
	}
	for id := range wanted.Difference(found).Iter() {
		outcome.Ignored = append(outcome.Ignored, id.String())
	}

	log := logger.Log.WithFields(logrus.Fields{
		"request_id": requestID,
		"libraries":  len(libs),
	})

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.concurrency)
	for _, lib := range libs {
		lib := lib
		g.Go(func() error {
			linked, err := f.dispatch(ctx, lib, req)
			mu.Lock()
			defer mu.Unlock()
			if linked {
				outcome.Linked = append(outcome.Linked, lib.ID)
			}
			if err != nil {
				outcome.Failed = append(outcome.Failed, Failure{LibraryID: lib.ID, Recipient: lib.ContactEmail, Err: err})
				log.WithError(err).WithField("library_id", lib.ID).Warn("Library solicitation failed")
				return nil
			}
			outcome.Dispatched = append(outcome.Dispatched, lib.ID)
			return nil
		})
	}
	_ = g.Wait()

	sortIDs(outcome.Linked)
	sortIDs(outcome.Dispatched)
	sort.Slice(outcome.Failed, func(i, j int) bool {
		return outcome.Failed[i].LibraryID.String() < outcome.Failed[j].LibraryID.String()
	})
	metrics.ObserveSolicitation(len(outcome.Linked), len(outcome.Failed))

	if len(outcome.Failed) > 0 {
		return outcome, ErrDispatchFailed
	}
	log.Info("Request solicited")
	return outcome, nil
}

// dispatch stores the link before sending so a failed email never loses it.
func (f *Fanout) dispatch(ctx context.Context, lib models.Library, req models.DocumentRequest) (bool, error) {
	if err := f.libraries.AddSolicitation(ctx, lib.ID, req.ID); err != nil {
		return false, fmt.Errorf("recording solicitation: %w", err)
	}
	msg, err := f.templates.Solicitation(lib, req)
	if err != nil {
		return true, err
	}
	if err := f.gateway.Send(ctx, msg); err != nil {
		return true, err
	}
	return true, nil
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
