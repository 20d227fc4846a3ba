package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/bus"
	"github.com/syncwell/customer-sync/internal/config"
	"github.com/syncwell/customer-sync/internal/storage"
	"github.com/syncwell/customer-sync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := newLogger(cfg.LogLevel).WithField("service", "sync-worker")

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

	adapter, err := syncer.NewStripeAdapter(syncer.StripeAdapterOptions{
		BaseURL:       cfg.StripeAPIBaseURL,
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIVersion:    cfg.StripeAPIVersion,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create stripe adapter")
	}

	outbound := syncer.NewOutboundWorker(store, adapter, log)
	inbound := syncer.NewInboundWorker(store, adapter, log)

	outboundWorker, err := syncer.NewWorker(syncer.WorkerOptions{
		Name: "outbound-sync",
		Consumer: func() (bus.Consumer, error) {
			return bus.NewKafkaConsumer(cfg.KafkaBrokers, cfg.OutboundGroupID, bus.TopicOutbound, log)
		},
		Handler: outbound.HandleMessage,
		Log:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build outbound worker")
	}
	inboundWorker, err := syncer.NewWorker(syncer.WorkerOptions{
		Name: "inbound-sync",
		Consumer: func() (bus.Consumer, error) {
			return bus.NewKafkaConsumer(cfg.KafkaBrokers, cfg.InboundGroupID, bus.TopicInbound, log)
		},
		Handler: inbound.HandleMessage,
		Log:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build inbound worker")
	}

	// A fatal worker error (attach ceiling exhausted) terminates the whole
	// process; the supervisor restarts it.
	fatal := make(chan error, 2)
	var wg sync.WaitGroup
	for _, worker := range []*syncer.Worker{outboundWorker, inboundWorker} {
		wg.Add(1)
		go func(w *syncer.Worker) {
			defer wg.Done()
			if err := w.Run(context.Background()); err != nil {
				fatal <- err
			}
		}(worker)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-fatal:
		log.WithError(err).Error("worker failed fatally")
		outboundWorker.Stop()
		inboundWorker.Stop()
		wg.Wait()
		os.Exit(1)
	}

	outboundWorker.Stop()
	inboundWorker.Stop()
	wg.Wait()
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
