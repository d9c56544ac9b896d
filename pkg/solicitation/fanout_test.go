package solicitation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/docsupply/platform/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = models.Identity{ID: uuid.New(), Email: "admin@example.org", Role: models.RoleAdmin}

type selectiveGateway struct {
	mu      sync.Mutex
	failFor map[string]bool
	sent    []notify.Message
}

func (g *selectiveGateway) Send(_ context.Context, msg notify.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[msg.To] {
		return errors.New("mailbox unavailable")
	}
	g.sent = append(g.sent, msg)
	return nil
}

type fixture struct {
	ledger    *ledger.Repository
	libraries *library.Repository
	gateway   *selectiveGateway
	fanout    *Fanout
	request   models.DocumentRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	f := &fixture{
		ledger:    ledger.NewRepository(db),
		libraries: library.NewRepository(db),
		gateway:   &selectiveGateway{failFor: map[string]bool{}},
	}
	require.NoError(t, f.ledger.AutoMigrate())
	require.NoError(t, f.libraries.AutoMigrate())
	f.fanout = NewFanout(f.ledger, f.libraries, f.gateway, nil)

	req, err := f.ledger.Create(context.Background(), ledger.CreateInput{
		Metadata:       models.Metadata{Title: "Quantum Mechanics", Authors: "Dirac, P.", PublicationName: "Proc. R. Soc.", PublicationYear: 1928},
		RequesterEmail: "reader@example.org",
		MirrorID:       uuid.New(),
	})
	require.NoError(t, err)
	f.request = req
	return f
}

func (f *fixture) library(t *testing.T, name, email string) models.Library {
	t.Helper()
	lib, err := f.libraries.Create(context.Background(), library.CreateInput{Name: name, ContactEmail: email})
	require.NoError(t, err)
	return lib
}

func TestSolicitLinksAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.library(t, "A", "a@lib.example")
	b := f.library(t, "B", "b@lib.example")

	out, err := f.fanout.Solicit(ctx, admin, f.request.ID, []string{a.ID.String(), b.ID.String(), a.ID.String()})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, out.Linked)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, out.Dispatched)
	assert.Empty(t, out.Failed)
	assert.Len(t, f.gateway.sent, 2)
	for _, msg := range f.gateway.sent {
		assert.Contains(t, msg.Body, "Quantum Mechanics")
	}
}

func TestSolicitIsIdempotentUnion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.library(t, "A", "a@lib.example")
	b := f.library(t, "B", "b@lib.example")
	c := f.library(t, "C", "c@lib.example")

	_, err := f.fanout.Solicit(ctx, admin, f.request.ID, []string{a.ID.String(), b.ID.String()})
	require.NoError(t, err)
	_, err = f.fanout.Solicit(ctx, admin, f.request.ID, []string{b.ID.String(), c.ID.String()})
	require.NoError(t, err)

	for _, lib := range []models.Library{a, b, c} {
		links, err := f.libraries.Solicitations(ctx, lib.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{f.request.ID}, links, lib.Name)
	}
}

func TestSolicitKeepsLinkWhenDispatchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	valid := f.library(t, "Valid", "valid@lib.example")
	f.gateway.failFor["valid@lib.example"] = true

	out, err := f.fanout.Solicit(ctx, admin, f.request.ID, []string{uuid.NewString(), valid.ID.String()})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, []uuid.UUID{valid.ID}, out.Linked)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, valid.ID, out.Failed[0].LibraryID)
	assert.Len(t, out.Ignored, 1)
	assert.Equal(t, "valid@lib.example", out.Failures()[0].Recipient)

	links, err := f.libraries.Solicitations(ctx, valid.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.request.ID}, links)
}

func TestSolicitPartialFailureStillDispatchesOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := f.library(t, "Good", "good@lib.example")
	bad := f.library(t, "Bad", "bad@lib.example")
	f.gateway.failFor["bad@lib.example"] = true

	out, err := f.fanout.Solicit(ctx, admin, f.request.ID, []string{good.ID.String(), bad.ID.String()})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, []uuid.UUID{good.ID}, out.Dispatched)
	assert.ElementsMatch(t, []uuid.UUID{good.ID, bad.ID}, out.Linked)
}

func TestSolicitErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lib := f.library(t, "A", "a@lib.example")

	_, err := f.fanout.Solicit(ctx, admin, uuid.New(), []string{lib.ID.String()})
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	_, err = f.fanout.Solicit(ctx, admin, f.request.ID, []string{uuid.NewString(), "garbage"})
	assert.ErrorIs(t, err, ErrNoValidLibraries)
	assert.True(t, models.IsValidationError(err))

	_, err = f.fanout.Solicit(ctx, admin, f.request.ID, nil)
	assert.ErrorIs(t, err, ErrNoValidLibraries)

	user := models.Identity{ID: uuid.New(), Email: "u@example.org", Role: models.RoleUser}
	_, err = f.fanout.Solicit(ctx, user, f.request.ID, []string{lib.ID.String()})
	assert.ErrorIs(t, err, models.ErrForbidden)
}
