package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/kafka"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/common/retry"
	"github.com/docsupply/platform/pkg/notify"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type MailerApp struct {
	sender   notify.Gateway
	consumer *kafka.Consumer
}

func main() {
	logger.Init()
	cfg := config.Load()

	app := &MailerApp{
		sender: notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.NotifySender,
		}),
	}
	app.consumer = kafka.NewConsumer(cfg.KafkaBrokers, cfg.NotificationTopic, cfg.KafkaGroupID)
	defer app.consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An undelivered email stops the process; the group resumes from the
	// last committed offset after restart.
	go func() {
		if err := app.consumer.Consume(ctx, app.processEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, "8085"),
		Handler: router,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  "8085",
			"topic": cfg.NotificationTopic,
		}).Info("Mailer Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Mailer Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Mailer Service stopped")
}

// processEvent delivers one queued email. Malformed events and bad
// recipients are logged and dropped. Relay failures are retried a few times
// and then returned, which stops the consumer before the offset is committed.
func (a *MailerApp) processEvent(ctx context.Context, event models.Event) error {
	log := logger.Log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})
	if event.Type != notify.EventEmailRequested {
		log.Debug("ignoring event")
		return nil
	}

	msg, err := notify.MessageFromEvent(event.Data)
	if err != nil {
		log.WithError(err).Error("invalid notification payload")
		return nil
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func(err error) bool {
		return !errors.Is(err, notify.ErrInvalidRecipient)
	}, func() error {
		return a.sender.Send(ctx, msg)
	})
	if errors.Is(err, notify.ErrInvalidRecipient) {
		log.WithError(err).Error("dropping email with invalid recipient")
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("to", msg.To).Error("failed to deliver email")
		return err
	}

	log.WithField("to", msg.To).Info("email delivered")
	return nil
}
