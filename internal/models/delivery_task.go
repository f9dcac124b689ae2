package models

import (
	"time"

	"gorm.io/datatypes"
)

// Delivery task statuses. A task is owned by the queue while queued and by
// the delivery log once dispatched.
const (
	TaskStatusQueued     = "queued"
	TaskStatusDispatched = "dispatched"
)

// DeliveryTask is one planned send: a single (recipient, channel) pair
// produced by a notification decision. Tasks from one event share a batch id.
type DeliveryTask struct {
	BaseModel

	BatchID     string `gorm:"type:uuid;index;not null" json:"batch_id"`
	DealerID    string `gorm:"type:uuid;index;not null" json:"dealer_id"`
	RecipientID string `gorm:"type:uuid;index;not null" json:"recipient_id"`
	Channel     string `gorm:"type:varchar(32);not null" json:"channel"`

	Payload datatypes.JSON `json:"payload"`

	Priority     int       `gorm:"default:50;index:idx_task_due" json:"priority"`
	ScheduledFor time.Time `gorm:"index:idx_task_due;not null" json:"scheduled_for"`

	Status       string     `gorm:"type:varchar(16);default:'queued';index" json:"status"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	MaxAttempts  int        `gorm:"default:3" json:"max_attempts"`

	// OriginTaskID is empty on a first attempt and points at the first task of
	// the lineage on retries, so every delivery log attempt shares one task id.
	OriginTaskID string `gorm:"type:uuid;index" json:"origin_task_id"`
}

// LineageID returns the task id shared by every attempt of this delivery.
func (t *DeliveryTask) LineageID() string {
	if t.OriginTaskID != "" {
		return t.OriginTaskID
	}
	return t.ID
}
