package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/metrics"
)

const (
	defaultMaxAttempts = 3

	// DefaultPollLimit bounds how many due tasks one dispatch cycle claims.
	DefaultPollLimit = 50
)

// Queue is the durable, time-ordered store of pending delivery tasks.
// Enqueue is append-only; PollDue claims tasks by flipping queued to
// dispatched so two concurrent pollers never take the same task.
type Queue struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewQueue constructs a Queue.
func NewQueue(db *gorm.DB) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: db is required")
	}
	return &Queue{db: db, log: logger.WithModule("queue")}, nil
}

// Enqueue persists the tasks in one transaction.
func (q *Queue) Enqueue(ctx context.Context, tasks []models.DeliveryTask) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tasks) == 0 {
		return nil
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range tasks {
			if tasks[i].Status == "" {
				tasks[i].Status = models.TaskStatusQueued
			}
			if tasks[i].MaxAttempts <= 0 {
				tasks[i].MaxAttempts = defaultMaxAttempts
			}
			if err := tx.Create(&tasks[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue %d tasks: %w", len(tasks), err)
	}

	for _, task := range tasks {
		metrics.TasksQueued.WithLabelValues(task.Channel).Inc()
	}
	return nil
}

// PollDue claims up to limit due tasks, ordered by priority descending then
// scheduled time ascending. The claim is a guarded UPDATE per row: a row
// already claimed by a concurrent poller is skipped, not double-claimed.
func (q *Queue) PollDue(ctx context.Context, limit int, now time.Time) ([]models.DeliveryTask, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	var candidates []models.DeliveryTask
	err := q.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.TaskStatusQueued, now).
		Order("priority DESC, scheduled_for ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: poll due: %w", err)
	}

	claimedAt := now
	var claimed []models.DeliveryTask
	for _, task := range candidates {
		result := q.db.WithContext(ctx).
			Model(&models.DeliveryTask{}).
			Where("id = ? AND status = ?", task.ID, models.TaskStatusQueued).
			Updates(map[string]any{
				"status":     models.TaskStatusDispatched,
				"claimed_at": claimedAt,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("queue: claim task %s: %w", task.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the race to another poller.
			continue
		}

		task.Status = models.TaskStatusDispatched
		task.ClaimedAt = &claimedAt
		claimed = append(claimed, task)
	}

	return claimed, nil
}

// MarkCompleted records that the dispatcher finished with the task, so the
// stuck-task sweep leaves it alone.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := q.db.WithContext(ctx).
		Model(&models.DeliveryTask{}).
		Where("id = ? AND status = ?", taskID, models.TaskStatusDispatched).
		Update("completed_at", now).Error
	if err != nil {
		return fmt.Errorf("queue: mark completed %s: %w", taskID, err)
	}
	return nil
}

// ReleaseStuck requeues tasks claimed longer than lease ago whose dispatch
// never completed (a poller crashed between claim and send). Returns the
// number of tasks released.
func (q *Queue) ReleaseStuck(ctx context.Context, lease time.Duration, now time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lease <= 0 {
		return 0, errors.New("queue: lease must be positive")
	}

	cutoff := now.Add(-lease)
	result := q.db.WithContext(ctx).
		Model(&models.DeliveryTask{}).
		Where("status = ? AND completed_at IS NULL AND claimed_at < ?", models.TaskStatusDispatched, cutoff).
		Updates(map[string]any{
			"status":        models.TaskStatusQueued,
			"claimed_at":    nil,
			"scheduled_for": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: release stuck: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		q.log.Warn("requeued stuck tasks", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Depth counts tasks currently waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var count int64
	err := q.db.WithContext(ctx).
		Model(&models.DeliveryTask{}).
		Where("status = ?", models.TaskStatusQueued).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return count, nil
}
