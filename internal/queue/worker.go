package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/retry"
	"wagate/internal/tracing"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Handler processes one job. Returning an error schedules a retry unless the
// error is Permanent or the attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

// FailureHandler runs once for a job that will not be retried again
type FailureHandler func(ctx context.Context, job *Job, err error)

// WorkerConfig bounds one queue's worker pool. Limiter, when set, gates
// every job start across the whole pool.
type WorkerConfig struct {
	Queue          string
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	Limiter        *rate.Limiter
	PollTimeout    time.Duration
	PromoteEvery   time.Duration
}

// Worker pulls jobs from a broker with a fixed number of goroutines
type Worker struct {
	broker   Broker
	cfg      WorkerConfig
	handler  Handler
	onFailed FailureHandler
	backoff  *retry.Backoff
	logger   *logrus.Entry
	metrics  *metrics.Registry
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	pullCancel context.CancelFunc
	jobCancel  context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a pool for cfg.Queue; call Start to run it
func NewWorker(broker Broker, cfg WorkerConfig, handler Handler, logger *logrus.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.PromoteEvery <= 0 {
		cfg.PromoteEvery = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Worker{
		broker:  broker,
		cfg:     cfg,
		handler: handler,
		backoff: retry.NewBackoff(retry.JobBackoffConfig(cfg.InitialBackoff, cfg.MaxAttempts)),
		logger:  logging.Component(logger, "queue").WithField(logging.FieldQueue, cfg.Queue),
		now:     time.Now,
	}
}

// OnFailed registers the hook for jobs that exhausted their attempts
func (w *Worker) OnFailed(fn FailureHandler) *Worker {
	w.onFailed = fn
	return w
}

// WithMetrics records retries and failures into m
func (w *Worker) WithMetrics(m *metrics.Registry) *Worker {
	w.metrics = m
	return w
}

// Start launches the pool and the delayed-job promoter. Cancelling ctx stops
// pulling new jobs; in-flight jobs finish unless Stop's grace runs out.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker for %s already running", w.cfg.Queue)
	}

	pullCtx, pullCancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	w.pullCancel, w.jobCancel = pullCancel, jobCancel
	w.running = true

	w.wg.Add(1)
	go w.promote(pullCtx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(pullCtx, jobCtx)
	}

	w.logger.WithFields(logrus.Fields{
		"concurrency":  w.cfg.Concurrency,
		"max_attempts": w.cfg.MaxAttempts,
	}).Info("Queue worker started")
	return nil
}

// Stop stops pulling and waits up to grace for in-flight jobs. Jobs still
// running after that are cancelled and put back on the queue.
func (w *Worker) Stop(grace time.Duration) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	pullCancel, jobCancel := w.pullCancel, w.jobCancel
	w.mu.Unlock()

	pullCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("Drain grace period elapsed, cancelling in-flight jobs")
		jobCancel()
		<-done
	}
	jobCancel()
	w.logger.Info("Queue worker stopped")
}

func (w *Worker) promote(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PromoteEvery)
	defer ticker.Stop()

	for {
		if n, err := w.broker.PromoteDue(ctx, w.cfg.Queue, w.now()); err != nil {
			if ctx.Err() == nil {
				w.logger.WithError(err).Warn("Failed to promote delayed jobs")
			}
		} else if n > 0 {
			w.logger.WithField("count", n).Debug("Promoted delayed jobs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) run(pullCtx, jobCtx context.Context) {
	defer w.wg.Done()

	for pullCtx.Err() == nil {
		data, err := w.broker.Pop(pullCtx, w.cfg.Queue, w.cfg.PollTimeout)
		if err != nil {
			if pullCtx.Err() != nil {
				return
			}
			w.logger.WithError(err).Warn("Failed to pop job")
			select {
			case <-pullCtx.Done():
				return
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if data == nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			w.logger.WithError(err).Error("Dropping malformed job envelope")
			continue
		}

		if w.cfg.Limiter != nil {
			if err := w.cfg.Limiter.Wait(pullCtx); err != nil {
				w.requeue(&job)
				return
			}
		}

		w.process(jobCtx, &job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	attempt := job.Attempts + 1
	log := w.logger.WithFields(logrus.Fields{
		logging.FieldJobID:   job.ID,
		logging.FieldAttempt: attempt,
	})

	spanCtx, span := tracing.StartSpan(ctx, "queue.process",
		tracing.AttrQueue.String(w.cfg.Queue),
		tracing.AttrAttempt.Int(attempt),
	)
	defer span.End()

	start := w.now()
	err := w.safeHandle(spanCtx, job)
	w.metrics.RecordTimer(metrics.DispatchDuration, w.now().Sub(start), map[string]string{"queue": w.cfg.Queue})
	if err == nil {
		log.Debug("Job completed")
		return
	}
	tracing.RecordError(spanCtx, err)

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Info("Job interrupted by shutdown, requeueing")
		w.requeue(job)
		return
	}

	job.Attempts = attempt
	job.LastError = err.Error()

	if IsPermanent(err) || !w.backoff.ShouldRetry(attempt) {
		w.fail(ctx, job, err, log)
		return
	}

	delay := w.backoff.Delay(attempt)
	data, mErr := json.Marshal(job)
	if mErr == nil {
		mErr = w.broker.Schedule(context.WithoutCancel(ctx), w.cfg.Queue, data, w.now().Add(delay))
	}
	if mErr != nil {
		log.WithError(mErr).Error("Failed to schedule retry")
		w.fail(ctx, job, err, log)
		return
	}

	w.metrics.IncrementCounter(metrics.JobsRetried, map[string]string{"queue": w.cfg.Queue}, "Jobs scheduled for another attempt")
	log.WithError(err).WithField("retry_in_ms", delay.Milliseconds()).Warn("Job failed, retry scheduled")
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *Job, err error, log *logrus.Entry) {
	w.metrics.IncrementCounter(metrics.JobsDeadLettered, map[string]string{"queue": w.cfg.Queue}, "Jobs that failed permanently")
	log.WithError(err).Error("Job failed permanently")

	if w.onFailed != nil {
		w.onFailed(context.WithoutCancel(ctx), job, err)
	}
}

func (w *Worker) requeue(job *Job) {
	data, err := json.Marshal(job)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.broker.Push(ctx, w.cfg.Queue, data)
	}
	if err != nil {
		w.logger.WithError(err).WithField(logging.FieldJobID, job.ID).Error("Failed to requeue job")
	}
}
