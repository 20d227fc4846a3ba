package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/bus"
)

type WorkerState int32

const (
	StateStopped WorkerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ConsumerFactory attaches a bus consumer. It is retried with bounded
// exponential backoff on worker start.
type ConsumerFactory func() (bus.Consumer, error)

type WorkerOptions struct {
	Name            string
	Consumer        ConsumerFactory
	Handler         bus.Handler
	MaxAttachTries  int
	AttachBaseDelay time.Duration
	Log             *logrus.Entry
}

// Worker drives one sequential consumer loop. Messages are handled one at a
// time; a per-message failure is the handler's business (it records the
// ledger row and re-raises for redelivery) and never stops the loop. Stop is
// cooperative: the in-flight message finishes before the loop exits.
type Worker struct {
	name            string
	consumerFactory ConsumerFactory
	handler         bus.Handler
	maxAttachTries  int
	attachBaseDelay time.Duration
	log             *logrus.Entry

	state  atomic.Int32
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Consumer == nil || opts.Handler == nil {
		return nil, fmt.Errorf("worker %q needs a consumer factory and a handler", opts.Name)
	}
	maxTries := opts.MaxAttachTries
	if maxTries <= 0 {
		maxTries = 5
	}
	baseDelay := opts.AttachBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		name:            opts.Name,
		consumerFactory: opts.Consumer,
		handler:         opts.Handler,
		maxAttachTries:  maxTries,
		attachBaseDelay: baseDelay,
		log:             log.WithField("worker", opts.Name),
	}, nil
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Run blocks until Stop is called or the attach ceiling is exhausted.
// Exhausting the ceiling is fatal: the returned error is meant to terminate
// the worker process.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("worker %s is already running", w.name)
	}
	defer w.state.Store(int32(StateStopped))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.log.Info("starting worker")
	consumer, err := w.attach(ctx)
	if err != nil {
		w.log.WithError(err).Error("worker failed to attach consumer")
		return err
	}
	defer consumer.Close()

	w.state.Store(int32(StateRunning))
	w.log.Info("worker running")

	err = consumer.Consume(ctx, w.handle)
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) attach(ctx context.Context) (bus.Consumer, error) {
	delay := w.attachBaseDelay
	var lastErr error
	for attempt := 1; attempt <= w.maxAttachTries; attempt++ {
		consumer, err := w.consumerFactory()
		if err == nil {
			return consumer, nil
		}
		lastErr = err
		if attempt == w.maxAttachTries {
			break
		}
		w.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     w.maxAttachTries,
			"delay":   delay.String(),
		}).Warn("consumer attach failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("attach failed after %d attempts: %w", w.maxAttachTries, lastErr)
}

func (w *Worker) handle(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := w.handler(ctx, key, value)
	entry := w.log.WithFields(logrus.Fields{
		"key":     key,
		"elapsed": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("message handling failed, leaving for redelivery")
		return err
	}
	entry.Debug("message handled")
	return nil
}

// Stop flips the worker to stopping and cancels the consume context. The
// message in flight completes; there is no forced mid-message cancellation.
func (w *Worker) Stop() {
	if !w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if !w.state.CompareAndSwap(int32(StateStarting), int32(StateStopping)) {
			return
		}
	}
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
