package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/logger"
)

// DeliveryLogger records the lifecycle of every dispatch attempt and enforces
// the status state machine. It is one of the two shared mutable stores in the
// engine; all mutation goes through these methods.
type DeliveryLogger struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

// DeliveryLoggerOption customises a DeliveryLogger.
type DeliveryLoggerOption func(*DeliveryLogger)

// WithDeliveryLoggerClock overrides the clock, primarily for tests.
func WithDeliveryLoggerClock(now func() time.Time) DeliveryLoggerOption {
	return func(l *DeliveryLogger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewDeliveryLogger constructs a DeliveryLogger.
func NewDeliveryLogger(db *gorm.DB, opts ...DeliveryLoggerOption) (*DeliveryLogger, error) {
	if db == nil {
		return nil, errors.New("delivery logger: db is required")
	}
	l := &DeliveryLogger{
		db:  db,
		now: time.Now,
		log: logger.WithModule("delivery-log"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// StatusUpdate carries the optional fields written alongside a transition.
type StatusUpdate struct {
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	ErrorPermanent    bool
	Metadata          map[string]any
}

// LogPending creates the pending entry for a dispatch attempt. The entry is
// keyed to the task lineage id so retries of one delivery share a task id.
func (l *DeliveryLogger) LogPending(ctx context.Context, task models.DeliveryTask, provider string) (*models.DeliveryLog, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	entry := models.DeliveryLog{
		TaskID:      task.LineageID(),
		BatchID:     task.BatchID,
		DealerID:    task.DealerID,
		RecipientID: task.RecipientID,
		Channel:     task.Channel,
		Provider:    provider,
		Status:      models.DeliveryStatusPending,
		RetryCount:  task.AttemptCount,
		Content:     task.Payload,
	}

	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("delivery logger: log pending: %w", err)
	}
	return &entry, nil
}

// UpdateStatus applies a lifecycle transition by log id. An update to the
// entry's current status is an idempotent no-op; an unreachable status is
// rejected with ErrInvalidTransition and logged as an anomaly.
func (l *DeliveryLogger) UpdateStatus(ctx context.Context, logID, status string, update StatusUpdate) (*models.DeliveryLog, error) {
	return l.transition(ctx, "id = ?", logID, status, update)
}

// UpdateStatusByProviderMessageID applies a lifecycle transition located by
// the provider's own message identifier, as reported by webhooks.
func (l *DeliveryLogger) UpdateStatusByProviderMessageID(ctx context.Context, providerMessageID, status string, update StatusUpdate) (*models.DeliveryLog, error) {
	return l.transition(ctx, "provider_message_id = ?", providerMessageID, status, update)
}

// transitionAttempts bounds the reload-and-retry cycle when a concurrent
// transition wins the guarded update.
const transitionAttempts = 3

func (l *DeliveryLogger) transition(ctx context.Context, query string, arg any, status string, update StatusUpdate) (*models.DeliveryLog, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		var entry models.DeliveryLog
		err := l.db.WithContext(ctx).Where(query, arg).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("delivery logger: load entry: %w", err)
		}

		if entry.Status == status {
			// Duplicate webhook delivery; stored state is already correct.
			return &entry, nil
		}

		if !models.CanTransition(entry.Status, status) {
			l.log.Warn("rejected delivery status transition",
				zap.String("log_id", entry.ID),
				zap.String("task_id", entry.TaskID),
				zap.String("from", entry.Status),
				zap.String("to", status),
			)
			return nil, apperrors.ErrInvalidTransition
		}

		fields, err := l.transitionFields(entry, status, update)
		if err != nil {
			return nil, err
		}

		applied, err := l.applyTransition(ctx, entry, fields)
		if err != nil {
			return nil, err
		}
		if !applied {
			// A concurrent transition moved the entry between our read and
			// write. Reload and re-evaluate against the fresh status.
			continue
		}

		if err := l.db.WithContext(ctx).Where("id = ?", entry.ID).First(&entry).Error; err != nil {
			return nil, fmt.Errorf("delivery logger: reload entry: %w", err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("delivery logger: transition to %q: contention exhausted retries", status)
}

func (l *DeliveryLogger) transitionFields(entry models.DeliveryLog, status string, update StatusUpdate) (map[string]any, error) {
	now := l.now().UTC()
	fields := map[string]any{"status": status}

	switch status {
	case models.DeliveryStatusSent:
		fields["sent_at"] = now
		fields["latency_ms"] = now.Sub(entry.CreatedAt).Milliseconds()
		if update.ProviderMessageID != "" {
			fields["provider_message_id"] = update.ProviderMessageID
		}
	case models.DeliveryStatusDelivered:
		fields["delivered_at"] = now
	case models.DeliveryStatusFailed:
		fields["failed_at"] = now
		fields["error_code"] = update.ErrorCode
		fields["error_message"] = update.ErrorMessage
		fields["error_permanent"] = update.ErrorPermanent
	case models.DeliveryStatusClicked:
		fields["clicked_at"] = now
	case models.DeliveryStatusRead:
		fields["read_at"] = now
	case models.DeliveryStatusBounced:
		fields["bounced_at"] = now
	case models.DeliveryStatusPermanentFailure:
		// Terminal bookkeeping state; no extra timestamp beyond failed_at.
	default:
		return nil, fmt.Errorf("delivery logger: unknown status %q", status)
	}

	if update.Metadata != nil {
		data, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("delivery logger: marshal metadata: %w", err)
		}
		fields["metadata"] = datatypes.JSON(data)
	}
	return fields, nil
}

// applyTransition writes the transition only while the entry still holds the
// status it was loaded with, the same guard the queue uses to claim tasks.
// A false return means another writer moved the entry first.
func (l *DeliveryLogger) applyTransition(ctx context.Context, entry models.DeliveryLog, fields map[string]any) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&models.DeliveryLog{}).
		Where("id = ? AND status = ?", entry.ID, entry.Status).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("delivery logger: update status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkRetried stamps a failed entry after the retry cycle re-enqueues it, so
// later cycles skip it without a status change.
func (l *DeliveryLogger) MarkRetried(ctx context.Context, logID string, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := l.db.WithContext(ctx).
		Model(&models.DeliveryLog{}).
		Where("id = ? AND status = ?", logID, models.DeliveryStatusFailed).
		Update("retried_at", now).Error
	if err != nil {
		return fmt.Errorf("delivery logger: mark retried: %w", err)
	}
	return nil
}

// FailedFilter narrows QueryFailed.
type FailedFilter struct {
	TransientOnly  bool
	PermanentOnly  bool
	NotYetRetried  bool
	MaxRetryCount  int // entries with retry_count below this; 0 disables
	DealerID       string
	Channel        string
	Limit          int
}

// QueryFailed returns failed entries matching the filter, oldest first.
func (l *DeliveryLogger) QueryFailed(ctx context.Context, filter FailedFilter) ([]models.DeliveryLog, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q := l.db.WithContext(ctx).
		Where("status = ?", models.DeliveryStatusFailed).
		Order("failed_at ASC")

	if filter.TransientOnly {
		q = q.Where("error_permanent = ?", false)
	}
	if filter.PermanentOnly {
		q = q.Where("error_permanent = ?", true)
	}
	if filter.NotYetRetried {
		q = q.Where("retried_at IS NULL")
	}
	if filter.MaxRetryCount > 0 {
		q = q.Where("retry_count < ?", filter.MaxRetryCount)
	}
	if filter.DealerID != "" {
		q = q.Where("dealer_id = ?", filter.DealerID)
	}
	if filter.Channel != "" {
		q = q.Where("channel = ?", filter.Channel)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var entries []models.DeliveryLog
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("delivery logger: query failed entries: %w", err)
	}
	return entries, nil
}

// ListFilter narrows List for the operational API.
type ListFilter struct {
	DealerID string
	Status   string
	Channel  string
	BatchID  string
	Limit    int
	Offset   int
}

// List returns delivery log entries for the operational dashboard.
func (l *DeliveryLogger) List(ctx context.Context, filter ListFilter) ([]models.DeliveryLog, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := l.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.DealerID != "" {
		q = q.Where("dealer_id = ?", filter.DealerID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Channel != "" {
		q = q.Where("channel = ?", filter.Channel)
	}
	if filter.BatchID != "" {
		q = q.Where("batch_id = ?", filter.BatchID)
	}

	var entries []models.DeliveryLog
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("delivery logger: list entries: %w", err)
	}
	return entries, nil
}

// StatusCount is one row of the delivery stats breakdown.
type StatusCount struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Count   int64  `json:"count"`
}

// Stats aggregates delivery counts by channel and status since the cutoff.
func (l *DeliveryLogger) Stats(ctx context.Context, dealerID string, since time.Time) ([]StatusCount, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q := l.db.WithContext(ctx).
		Model(&models.DeliveryLog{}).
		Select("channel, status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("channel, status").
		Order("channel, status")
	if dealerID != "" {
		q = q.Where("dealer_id = ?", dealerID)
	}

	var rows []StatusCount
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("delivery logger: stats: %w", err)
	}
	return rows, nil
}
