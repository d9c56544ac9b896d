package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/gateway/auth"
	"github.com/docsupply/platform/pkg/gateway/middleware"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/docsupply/platform/pkg/solicitation"
	"github.com/docsupply/platform/pkg/testutil"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (g *fakeGateway) Send(_ context.Context, msg notify.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, msg)
	return nil
}

type fixture struct {
	db          *gorm.DB
	ledger      *ledger.Repository
	mirror      *mirror.Repository
	libraries   *library.Repository
	attachments *attachment.GormStore
	gateway     *fakeGateway
	locker      *workflow.LocalLocker
	service     *Service
	jwt         *auth.JWTManager
	router      *mux.Router

	admin models.Identity
	alice models.Identity
	bob   models.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	f := &fixture{
		db:          db,
		ledger:      ledger.NewRepository(db),
		mirror:      mirror.NewRepository(db),
		libraries:   library.NewRepository(db),
		attachments: attachment.NewGormStore(db),
		gateway:     &fakeGateway{},
		admin:       models.Identity{ID: uuid.New(), Email: "admin@example.org", Role: models.RoleAdmin},
		alice:       models.Identity{ID: uuid.New(), Email: "alice@example.org", Role: models.RoleUser},
		bob:         models.Identity{ID: uuid.New(), Email: "bob@example.org", Role: models.RoleUser},
	}
	require.NoError(t, f.ledger.AutoMigrate())
	require.NoError(t, f.mirror.AutoMigrate())
	require.NoError(t, f.libraries.AutoMigrate())
	require.NoError(t, f.attachments.AutoMigrate())

	f.locker = workflow.NewLocalLocker()
	engine := workflow.NewEngine(f.ledger, f.mirror, f.attachments, f.gateway, workflow.WithLocker(f.locker))
	fanout := solicitation.NewFanout(f.ledger, f.libraries, f.gateway, nil)
	f.service = NewService(NewValidator(), Deps{
		Ledger:      f.ledger,
		Mirror:      f.mirror,
		Libraries:   f.libraries,
		Attachments: f.attachments,
		Engine:      engine,
		Fanout:      fanout,
		Locker:      f.locker,
	})

	jwt, err := auth.NewJWTManager("test-secret-0123456789", "docsupply", "docsupply-api", time.Hour)
	require.NoError(t, err)
	f.jwt = jwt

	f.router = mux.NewRouter()
	api := f.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(jwt))
	NewHTTPHandler(f.service, attachment.NewIntake(4*1024*1024, false)).Register(api)
	return f
}

func (f *fixture) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := f.jwt.IssueToken(id)
	require.NoError(t, err)
	return "Bearer " + tok
}

func validMetadata(title string) models.Metadata {
	return models.Metadata{
		Title:           title,
		Authors:         "Dirac, P.",
		PublicationName: "Proceedings of the Royal Society A",
		PublicationYear: 1928,
		Volume:          "117",
		Issue:           "778",
		Pages:           "610-624",
		SourceURL:       "https://example.org/dirac-1928",
	}
}

// failOwnerWrites makes every later update of an owner row fail, leaving the
// ledger writable.
func (f *fixture) failOwnerWrites(t *testing.T) {
	t.Helper()
	err := f.db.Callback().Update().Before("gorm:update").Register("test:fail_owner_writes", func(tx *gorm.DB) {
		if tx.Statement.Table == "owners" {
			_ = tx.AddError(errors.New("owner row unavailable"))
		}
	})
	require.NoError(t, err)
}
