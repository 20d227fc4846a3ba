package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/bus"
	"github.com/syncwell/customer-sync/internal/config"
	"github.com/syncwell/customer-sync/internal/httpapi"
	"github.com/syncwell/customer-sync/internal/storage"
	"github.com/syncwell/customer-sync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := newLogger(cfg.LogLevel).WithField("service", "customer-api")

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.Migrate(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("failed to migrate schema")
	}
	cancel()

	publisher, err := bus.NewKafkaPublisher(cfg.KafkaBrokers, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create kafka publisher")
	}
	defer publisher.Close()

	adapter, err := syncer.NewStripeAdapter(syncer.StripeAdapterOptions{
		BaseURL:       cfg.StripeAPIBaseURL,
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIVersion:    cfg.StripeAPIVersion,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create stripe adapter")
	}

	dispatcher := syncer.NewDispatcher(publisher, adapter.Provider(), log)
	server := httpapi.NewServer(httpapi.ServerConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Verifier:   adapter,
		Publisher:  publisher,
		Log:        log,
	})

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.APIAddr).Info("customer-api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown was not clean")
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}
