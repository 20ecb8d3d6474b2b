package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/logging"
)

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	// Destination to consume.
	Destination string

	// Concurrency is the number of deliveries handled at once.
	// Default: 4
	Concurrency int

	// RetryDelay is the redelivery delay after a store failure.
	// Default: 1s
	RetryDelay time.Duration
}

// DefaultWorkerConfig returns configuration with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Destination: "default",
		Concurrency: 4,
		RetryDelay:  time.Second,
	}
}

// WorkerStats counts settled deliveries.
type WorkerStats struct {
	Acked       int64
	Redelivered int64
	Dropped     int64
}

// Worker feeds deliveries from a Source to an Executor.
type Worker struct {
	exec   *Executor
	src    dispatch.Source
	config WorkerConfig
	log    *logrus.Entry

	acked       atomic.Int64
	redelivered atomic.Int64
	dropped     atomic.Int64
}

// NewWorker creates a worker pool.
func NewWorker(exec *Executor, src dispatch.Source, cfg WorkerConfig, log *logrus.Entry) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Destination == "" {
		cfg.Destination = def.Destination
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Worker{
		exec:   exec,
		src:    src,
		config: cfg,
		log:    logging.Component(log, "worker").WithField("destination", cfg.Destination),
	}
}

// Run consumes until ctx is done. Deliveries already picked up finish
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	cons, err := w.src.Consume(ctx, w.config.Destination)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeDispatch, "consume "+w.config.Destination)
	}
	defer cons.Stop()

	w.log.WithField("concurrency", w.config.Concurrency).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-cons.Deliveries():
					if !ok {
						return nil
					}
					w.process(context.WithoutCancel(gctx), d)
				}
			}
		})
	}

	err = g.Wait()
	w.log.WithFields(logrus.Fields{
		"acked":       w.acked.Load(),
		"redelivered": w.redelivered.Load(),
		"dropped":     w.dropped.Load(),
	}).Info("worker stopped")
	return err
}

func (w *Worker) process(ctx context.Context, d dispatch.Delivery) {
	ctx = ContextWithAttempt(ctx, d.Attempt())
	err := w.exec.Handle(ctx, d.Payload())

	switch {
	case err == nil:
		if aerr := d.Ack(); aerr != nil {
			w.log.WithError(aerr).Warn("ack failed, expect redelivery")
		}
		w.acked.Add(1)
	case errors.Is(err, errors.ErrCodeInvalidInput):
		_ = d.Term()
		w.dropped.Add(1)
	default:
		w.log.WithError(err).WithField(logging.FieldAttempt, d.Attempt()).Warn("requeueing delivery")
		_ = d.Nak(w.config.RetryDelay)
		w.redelivered.Add(1)
	}
}

// Stats returns settled delivery counts.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Acked:       w.acked.Load(),
		Redelivered: w.redelivered.Load(),
		Dropped:     w.dropped.Load(),
	}
}
