package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/metrics"
)

const (
	defaultRetrySpec = "@every 5m"
	defaultSweepSpec = "@every 10m"

	defaultStuckLease = 10 * time.Minute

	retryCycleBatch = 200
)

// defaultBackoff spaces the re-send attempts for a failed delivery. The index
// is the retry count already burned on the delivery.
var defaultBackoff = []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour}

// RetryScheduler periodically resurrects transient delivery failures as fresh
// queue tasks and finalises the hopeless ones. It also sweeps tasks whose
// worker died mid-dispatch back into the queue.
type RetryScheduler struct {
	db          *gorm.DB
	queue       *Queue
	logs        *DeliveryLogger
	cron        *cron.Cron
	now         func() time.Time
	log         *zap.Logger
	backoff     []time.Duration
	maxAttempts int
	stuckLease  time.Duration

	retrySchedule string
	sweepSchedule string
}

// RetryOption customises the RetryScheduler.
type RetryOption func(*RetryScheduler)

// WithRetryCron injects a preconfigured cron instance, primarily for testing.
func WithRetryCron(c *cron.Cron) RetryOption {
	return func(s *RetryScheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithRetryNow overrides the clock used for backoff comparisons.
func WithRetryNow(now func() time.Time) RetryOption {
	return func(s *RetryScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackoff replaces the backoff schedule.
func WithBackoff(backoff []time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		if len(backoff) > 0 {
			s.backoff = backoff
		}
	}
}

// WithMaxAttempts caps total dispatch attempts per delivery.
func WithMaxAttempts(max int) RetryOption {
	return func(s *RetryScheduler) {
		if max > 0 {
			s.maxAttempts = max
		}
	}
}

// WithStuckLease adjusts how long a claimed task may sit before the sweep
// returns it to the queue.
func WithStuckLease(lease time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		if lease > 0 {
			s.stuckLease = lease
		}
	}
}

// WithRetrySchedule overrides the cron specification for the retry cycle.
func WithRetrySchedule(spec string) RetryOption {
	return func(s *RetryScheduler) {
		if spec != "" {
			s.retrySchedule = spec
		}
	}
}

// WithSweepSchedule overrides the cron specification for the stuck-task sweep.
func WithSweepSchedule(spec string) RetryOption {
	return func(s *RetryScheduler) {
		if spec != "" {
			s.sweepSchedule = spec
		}
	}
}

// NewRetryScheduler constructs a RetryScheduler with sensible defaults.
func NewRetryScheduler(db *gorm.DB, queue *Queue, logs *DeliveryLogger, opts ...RetryOption) (*RetryScheduler, error) {
	if db == nil {
		return nil, errors.New("retry scheduler: db is required")
	}
	if queue == nil {
		return nil, errors.New("retry scheduler: queue is required")
	}
	if logs == nil {
		return nil, errors.New("retry scheduler: delivery logger is required")
	}

	s := &RetryScheduler{
		db:            db,
		queue:         queue,
		logs:          logs,
		now:           time.Now,
		log:           logger.WithModule("retry"),
		backoff:       defaultBackoff,
		maxAttempts:   defaultMaxAttempts,
		stuckLease:    defaultStuckLease,
		retrySchedule: defaultRetrySpec,
		sweepSchedule: defaultSweepSpec,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s, nil
}

// Start registers the retry and sweep jobs with the cron scheduler.
func (s *RetryScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.retrySchedule, func() {
		if _, err := s.RunRetryCycle(context.Background()); err != nil {
			s.log.Warn("retry cycle failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.sweepSchedule, func() {
		if _, err := s.RunStuckSweep(context.Background()); err != nil {
			s.log.Warn("stuck sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (s *RetryScheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes both jobs sequentially. Primarily used in tests and during
// graceful shutdown.
func (s *RetryScheduler) RunOnce(ctx context.Context) error {
	var errs error
	if _, err := s.RunRetryCycle(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := s.RunStuckSweep(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// RetryCycleStats summarises one pass over the failed deliveries.
type RetryCycleStats struct {
	Requeued  int
	Finalised int
}

// RunRetryCycle finalises permanently failed deliveries and re-enqueues
// transient ones whose backoff has elapsed. Each re-enqueued delivery becomes
// a fresh queue task carrying the original task's lineage.
func (s *RetryScheduler) RunRetryCycle(ctx context.Context) (RetryCycleStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now().UTC()
	stats := RetryCycleStats{}

	permanent, err := s.logs.QueryFailed(ctx, FailedFilter{
		PermanentOnly: true,
		NotYetRetried: true,
		Limit:         retryCycleBatch,
	})
	if err != nil {
		return stats, fmt.Errorf("retry cycle: load permanent failures: %w", err)
	}
	for _, entry := range permanent {
		if err := s.finalise(ctx, entry); err != nil {
			s.log.Warn("failed to finalise delivery", zap.String("log_id", entry.ID), zap.Error(err))
			continue
		}
		stats.Finalised++
	}

	candidates, err := s.logs.QueryFailed(ctx, FailedFilter{
		TransientOnly: true,
		NotYetRetried: true,
		Limit:         retryCycleBatch,
	})
	if err != nil {
		return stats, fmt.Errorf("retry cycle: load retry candidates: %w", err)
	}

	for _, entry := range candidates {
		if entry.RetryCount+1 >= s.maxAttempts {
			if err := s.finalise(ctx, entry); err != nil {
				s.log.Warn("failed to finalise delivery", zap.String("log_id", entry.ID), zap.Error(err))
				continue
			}
			stats.Finalised++
			continue
		}

		if entry.FailedAt == nil || now.Before(entry.FailedAt.Add(s.backoffFor(entry.RetryCount))) {
			continue
		}

		if err := s.requeue(ctx, entry, now); err != nil {
			s.log.Warn("failed to requeue delivery", zap.String("log_id", entry.ID), zap.Error(err))
			continue
		}
		stats.Requeued++
	}

	if stats.Requeued > 0 || stats.Finalised > 0 {
		s.log.Info("retry cycle completed",
			zap.Int("requeued", stats.Requeued),
			zap.Int("finalised", stats.Finalised),
		)
	}
	return stats, nil
}

func (s *RetryScheduler) backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(s.backoff) {
		return s.backoff[len(s.backoff)-1]
	}
	return s.backoff[retryCount]
}

func (s *RetryScheduler) finalise(ctx context.Context, entry models.DeliveryLog) error {
	_, err := s.logs.UpdateStatus(ctx, entry.ID, models.DeliveryStatusPermanentFailure, StatusUpdate{})
	return err
}

func (s *RetryScheduler) requeue(ctx context.Context, entry models.DeliveryLog, now time.Time) error {
	var origin models.DeliveryTask
	err := s.db.WithContext(ctx).Where("id = ?", entry.TaskID).First(&origin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Without the original payload there is nothing left to send.
		return s.finalise(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("load origin task: %w", err)
	}

	task := models.DeliveryTask{
		BatchID:      origin.BatchID,
		DealerID:     origin.DealerID,
		RecipientID:  origin.RecipientID,
		Channel:      origin.Channel,
		Payload:      origin.Payload,
		Priority:     origin.Priority,
		ScheduledFor: now,
		AttemptCount: entry.RetryCount + 1,
		MaxAttempts:  origin.MaxAttempts,
		OriginTaskID: origin.LineageID(),
	}
	if err := s.queue.Enqueue(ctx, []models.DeliveryTask{task}); err != nil {
		return fmt.Errorf("enqueue retry task: %w", err)
	}

	if err := s.logs.MarkRetried(ctx, entry.ID, now); err != nil {
		return err
	}

	metrics.Retries.WithLabelValues(entry.Channel).Inc()
	s.log.Info("delivery re-enqueued",
		zap.String("task_id", entry.TaskID),
		zap.String("channel", entry.Channel),
		zap.Int("attempt", task.AttemptCount+1),
	)
	return nil
}

// RunStuckSweep returns tasks that were claimed but never completed to the
// queue once their lease expires.
func (s *RetryScheduler) RunStuckSweep(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	released, err := s.queue.ReleaseStuck(ctx, s.stuckLease, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("stuck sweep: %w", err)
	}
	if released > 0 {
		s.log.Warn("released stuck delivery tasks", zap.Int64("count", released))
	}
	return released, nil
}
