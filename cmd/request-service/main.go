package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/database"
	"github.com/docsupply/platform/pkg/common/kafka"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/gateway/auth"
	"github.com/docsupply/platform/pkg/gateway/middleware"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/docsupply/platform/pkg/observability/metrics"
	"github.com/docsupply/platform/pkg/reconcile"
	"github.com/docsupply/platform/pkg/requests"
	"github.com/docsupply/platform/pkg/solicitation"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	ledgerRepo := ledger.NewRepository(db)
	mirrorRepo := mirror.NewRepository(db)
	libraryRepo := library.NewRepository(db)
	for name, migrate := range map[string]func() error{
		"ledger":    ledgerRepo.AutoMigrate,
		"mirror":    mirrorRepo.AutoMigrate,
		"libraries": libraryRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("tables", name).Fatal("failed to migrate")
		}
	}

	store, closeStore, err := attachment.Open(ctx, cfg, db)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open attachment store")
	}
	defer closeStore()

	jwt, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	if err != nil {
		logger.Log.WithError(err).Fatal("JWT_SECRET is not configured")
	}

	templates, err := notify.LoadTemplates(cfg.NotifyTemplates)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load notification templates")
	}

	var gateway notify.Gateway = notify.LogGateway{}
	if cfg.NotifyBackend == "kafka" {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
		defer producer.Close()
		gateway = notify.NewKafkaGateway(producer)
	} else {
		logger.Log.Warn("NOTIFY_BACKEND is not kafka, notifications are only logged")
	}

	// Transitions, edits and reconciliation serialise on the same lease.
	locker := workflow.NewPreferredLocker(ctx, database.GetRedis(cfg))
	engine := workflow.NewEngine(ledgerRepo, mirrorRepo, store, gateway,
		workflow.WithLocker(locker),
		workflow.WithLeaseTTL(cfg.LeaseTTL),
		workflow.WithTemplates(templates),
	)
	fanout := solicitation.NewFanout(ledgerRepo, libraryRepo, gateway, templates)

	service := requests.NewService(requests.NewValidator(), requests.Deps{
		Ledger:      ledgerRepo,
		Mirror:      mirrorRepo,
		Libraries:   libraryRepo,
		Attachments: store,
		Engine:      engine,
		Fanout:      fanout,
		Locker:      locker,
	})
	handler := requests.NewHTTPHandler(service, attachment.NewIntake(cfg.MaxUploadBytes, cfg.StrictPDFValidation),
		requests.WithUploadTimeout(cfg.UploadTimeout))

	executor := reconcile.NewTaskExecutor(
		reconcile.NewJob(reconcile.NewReconciler(ledgerRepo, mirrorRepo, store, locker), cfg.ReconcileSchedule, 0),
	)
	if err := executor.Start(); err != nil {
		logger.Log.WithError(err).Fatal("invalid RECONCILE_SCHEDULE")
	}
	defer executor.Stop()

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(50, 100))
	// multipart framing on top of the largest accepted upload
	router.Use(middleware.BodyLimit(cfg.MaxUploadBytes + cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.Authenticate(jwt))
	handler.Register(apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Request Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Request Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Request Service stopped")
}
