package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/metrics"
)

// SendError is the transport error contract between channel dispatchers and
// the worker. Permanent marks errors that retrying cannot fix.
type SendError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *SendError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPermanentError builds a SendError that should not be retried.
func NewPermanentError(code, message string) *SendError {
	return &SendError{Code: code, Message: message, Permanent: true}
}

// NewTransientError builds a SendError worth retrying later.
func NewTransientError(code, message string) *SendError {
	return &SendError{Code: code, Message: message}
}

// classifySendError normalises any dispatcher error into a SendError. Errors
// without an explicit classification are treated as transient, including
// context deadline hits on slow providers.
func classifySendError(err error) *SendError {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("timeout", "provider did not respond in time")
	}
	return NewTransientError("transport_error", err.Error())
}

// Dispatcher is one channel transport. Implementations return the provider's
// message identifier on success and a SendError on failure.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, task models.DeliveryTask) (providerMessageID string, err error)
}

// DispatchWorkerOptions configures the polling worker.
type DispatchWorkerOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	BatchSize   int
	Concurrency int
}

func (o *DispatchWorkerOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultPollLimit
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
}

// DispatchWorker drains the delivery queue: it claims due tasks, hands each to
// the dispatcher for its channel, and records the outcome in the delivery log.
type DispatchWorker struct {
	queue       *Queue
	logs        *DeliveryLogger
	rates       *RateCounter
	dispatchers map[string]Dispatcher
	opts        DispatchWorkerOptions
	now         func() time.Time
	log         *zap.Logger
}

// NewDispatchWorker constructs a DispatchWorker over the given transports.
func NewDispatchWorker(queue *Queue, logs *DeliveryLogger, rates *RateCounter, dispatchers map[string]Dispatcher, opts DispatchWorkerOptions) (*DispatchWorker, error) {
	if queue == nil {
		return nil, errors.New("dispatch worker: queue is required")
	}
	if logs == nil {
		return nil, errors.New("dispatch worker: delivery logger is required")
	}
	if len(dispatchers) == 0 {
		return nil, errors.New("dispatch worker: at least one dispatcher is required")
	}
	opts.applyDefaults()
	return &DispatchWorker{
		queue:       queue,
		logs:        logs,
		rates:       rates,
		dispatchers: dispatchers,
		opts:        opts,
		now:         time.Now,
		log:         logger.WithModule("dispatch"),
	}, nil
}

// Start runs the polling loop until the context is cancelled.
func (w *DispatchWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.log.Info("dispatch worker started",
		zap.Duration("interval", w.opts.Interval),
		zap.Int("batch_size", w.opts.BatchSize),
		zap.Int("concurrency", w.opts.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("dispatch worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("dispatch cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims one batch of due tasks and dispatches them concurrently,
// bounded by the configured concurrency. It returns the number of tasks
// processed.
func (w *DispatchWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.now().UTC()

	tasks, err := w.queue.PollDue(ctx, w.opts.BatchSize, now)
	if err != nil {
		return 0, fmt.Errorf("dispatch worker: poll due tasks: %w", err)
	}
	if len(tasks) == 0 {
		w.observeDepth(ctx)
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(w.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		task := task
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			w.process(gctx, task)
			return nil
		})
	}

	err = g.Wait()
	w.observeDepth(ctx)
	return len(tasks), err
}

func (w *DispatchWorker) process(ctx context.Context, task models.DeliveryTask) {
	dispatcher, ok := w.dispatchers[task.Channel]
	provider := ""
	if ok {
		provider = dispatcher.Name()
	}

	entry, err := w.logs.LogPending(ctx, task, provider)
	if err != nil {
		// The task stays dispatched and the stuck sweep will requeue it.
		w.log.Error("failed to open delivery log entry",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}

	if !ok {
		// A task for an unconfigured channel cannot be delivered by anyone.
		w.log.Error("no dispatcher for channel",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
		w.finish(ctx, task, *entry, "", NewPermanentError("unknown_channel", fmt.Sprintf("no dispatcher registered for %q", task.Channel)), 0)
		return
	}

	start := w.now()
	dctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	providerMessageID, sendErr := dispatcher.Dispatch(dctx, task)
	cancel()
	elapsed := w.now().Sub(start)

	w.finish(ctx, task, *entry, providerMessageID, sendErr, elapsed)
}

func (w *DispatchWorker) finish(ctx context.Context, task models.DeliveryTask, entry models.DeliveryLog, providerMessageID string, sendErr error, elapsed time.Duration) {
	now := w.now().UTC()

	if sendErr == nil {
		if entry.ID != "" {
			if _, err := w.logs.UpdateStatus(ctx, entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: providerMessageID}); err != nil {
				w.log.Error("failed to record sent status", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		if w.rates != nil {
			if err := w.rates.Record(ctx, task.RecipientID, task.Channel, now); err != nil {
				w.log.Warn("failed to record rate usage", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		metrics.Dispatches.WithLabelValues(task.Channel, "sent").Inc()
		metrics.DispatchLatency.WithLabelValues(task.Channel).Observe(elapsed.Seconds())
		w.log.Info("delivery dispatched",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.String("provider_message_id", providerMessageID),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		classified := classifySendError(sendErr)
		result := "transient_failure"
		if classified.Permanent {
			result = "permanent_failure"
		}
		if entry.ID != "" {
			if _, err := w.logs.UpdateStatus(ctx, entry.ID, models.DeliveryStatusFailed, StatusUpdate{
				ErrorCode:      classified.Code,
				ErrorMessage:   classified.Message,
				ErrorPermanent: classified.Permanent,
			}); err != nil {
				w.log.Error("failed to record failure", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		metrics.Dispatches.WithLabelValues(task.Channel, result).Inc()
		w.log.Warn("delivery failed",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.String("error_code", classified.Code),
			zap.Bool("permanent", classified.Permanent),
		)
	}

	// The attempt is over either way; failures are retried as fresh tasks.
	if err := w.queue.MarkCompleted(ctx, task.ID, now); err != nil {
		w.log.Error("failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (w *DispatchWorker) observeDepth(ctx context.Context) {
	depth, err := w.queue.Depth(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(depth))
}
