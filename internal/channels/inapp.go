package channels

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
)

// InAppDispatcher writes notification rows for the application's bell icon.
// There is no external provider; the insert either works or it doesn't.
type InAppDispatcher struct {
	db *gorm.DB
}

// NewInAppDispatcher constructs an InAppDispatcher.
func NewInAppDispatcher(db *gorm.DB) (*InAppDispatcher, error) {
	if db == nil {
		return nil, errors.New("in-app dispatcher: db is required")
	}
	return &InAppDispatcher{db: db}, nil
}

// Name implements engine.Dispatcher.
func (d *InAppDispatcher) Name() string { return "in_app" }

// Dispatch implements engine.Dispatcher.
func (d *InAppDispatcher) Dispatch(ctx context.Context, task models.DeliveryTask) (string, error) {
	title, message, err := renderContent(task)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	payload, err := engine.DecodePayload(task.Payload)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	notification := models.Notification{
		UserID:   task.RecipientID,
		DealerID: task.DealerID,
		Type:     payload.Kind(),
		Title:    title,
		Message:  message,
		Metadata: task.Payload,
	}
	if err := d.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return "", engine.NewTransientError("insert_failed", err.Error())
	}
	return notification.ID, nil
}
