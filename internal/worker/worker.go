// Package worker runs AI response cycles from the job queue with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	natsclient "github.com/martechdevs/livechat/internal/nats"
	"github.com/martechdevs/livechat/internal/orchestrator"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// Processor runs one response cycle.
type Processor interface {
	ProcessAIResponse(ctx context.Context, conversationID string) (orchestrator.Result, error)
}

// Queue accepts follow-up jobs.
type Queue interface {
	Enqueue(ctx context.Context, job natsclient.Job, delay time.Duration) error
}

// Source yields due jobs until it is closed.
type Source interface {
	Next() (*natsclient.Delivery, error)
}

// Delivery settles a received job.
type Delivery interface {
	Ack() error
	Term() error
	Nak(delay time.Duration) error
}

// Config holds worker pool settings.
type Config struct {
	Concurrency int
	MaxAttempts int
}

// Worker dispatches jobs to the orchestrator. Retries are republished as new jobs
// with a backoff delay, so queue redelivery only covers crashed workers.
type Worker struct {
	processor Processor
	queue     Queue
	cfg       Config
	logger    *logger.Logger

	newBackOff func() backoff.BackOff
}

// New creates a worker.
func New(processor Processor, queue Queue, cfg Config, log *logger.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		processor:  processor,
		queue:      queue,
		cfg:        cfg,
		logger:     log.Named("worker"),
		newBackOff: newRetryBackOff,
	}
}

func newRetryBackOff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run pulls jobs until the source closes or ctx ends, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context, src Source) error {
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	// In-flight cycles finish even after shutdown starts.
	jobCtx := context.WithoutCancel(ctx)

	w.logger.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))

	for {
		d, err := src.Next()
		if errors.Is(err, natsclient.ErrQueueClosed) {
			break
		}
		if err != nil {
			w.logger.Error("failed to receive job", zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		g.Go(func() error {
			w.Handle(jobCtx, d.Job, d)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// Handle runs a job and settles its delivery.
func (w *Worker) Handle(ctx context.Context, job natsclient.Job, d Delivery) {
	log := w.logger.WithConversation(job.ConversationID).With(zap.Int("attempt", job.Attempt))

	res, err := w.processor.ProcessAIResponse(ctx, job.ConversationID)
	if err == nil {
		metrics.JobAttemptsTotal.WithLabelValues("ok").Inc()
		if res.Reschedule {
			follow := natsclient.Job{ConversationID: job.ConversationID, Attempt: 1}
			if err := w.queue.Enqueue(ctx, follow, res.RescheduleAfter); err != nil {
				log.Warn("failed to reschedule, redelivering", zap.Error(err))
				w.settle(log, d.Nak(res.RescheduleAfter))
				return
			}
		}
		w.settle(log, d.Ack())
		return
	}

	if isPermanent(err) || job.Attempt >= w.cfg.MaxAttempts {
		metrics.JobAttemptsTotal.WithLabelValues("exhausted").Inc()
		metrics.JobsExhaustedTotal.Inc()
		log.Error("AI response failed, giving up; customer message stays unanswered", zap.Error(err))
		w.settle(log, d.Term())
		return
	}

	metrics.JobAttemptsTotal.WithLabelValues("retry").Inc()
	delay := w.retryDelay(job.Attempt)
	log.Warn("AI response failed, retrying", zap.Error(err), zap.Duration("delay", delay))

	retry := natsclient.Job{ConversationID: job.ConversationID, Attempt: job.Attempt + 1}
	if err := w.queue.Enqueue(ctx, retry, delay); err != nil {
		log.Error("failed to enqueue retry, redelivering", zap.Error(err))
		w.settle(log, d.Nak(delay))
		return
	}
	w.settle(log, d.Ack())
}

// retryDelay is the backoff interval before the attempt after attempt.
func (w *Worker) retryDelay(attempt int) time.Duration {
	bo := w.newBackOff()
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	if delay == backoff.Stop {
		return 0
	}
	return delay
}

func (w *Worker) settle(log *logger.Logger, err error) {
	if err != nil {
		log.Warn("failed to settle job", zap.Error(err))
	}
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.Is(err, store.ErrNotFound) || errors.As(err, &perm)
}
