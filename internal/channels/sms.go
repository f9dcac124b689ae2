package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
)

// SMSDispatcher delivers text messages through the SMS provider.
type SMSDispatcher struct {
	db     *gorm.DB
	cfg    ProviderConfig
	client *http.Client
}

// NewSMSDispatcher constructs an SMSDispatcher.
func NewSMSDispatcher(db *gorm.DB, cfg ProviderConfig) (*SMSDispatcher, error) {
	if db == nil {
		return nil, errors.New("sms dispatcher: db is required")
	}
	if err := cfg.validate("sms"); err != nil {
		return nil, err
	}
	return &SMSDispatcher{db: db, cfg: cfg, client: newHTTPClient(cfg.Timeout)}, nil
}

// Name implements engine.Dispatcher.
func (d *SMSDispatcher) Name() string { return "sms-gateway" }

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// Dispatch implements engine.Dispatcher.
func (d *SMSDispatcher) Dispatch(ctx context.Context, task models.DeliveryTask) (string, error) {
	var user models.User
	err := d.db.WithContext(ctx).First(&user, "id = ?", task.RecipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", engine.NewPermanentError("unknown_recipient", "recipient does not exist")
	}
	if err != nil {
		return "", engine.NewTransientError("recipient_lookup", err.Error())
	}
	if strings.TrimSpace(user.Phone) == "" {
		return "", engine.NewPermanentError("no_phone_number", "recipient has no phone number")
	}

	title, message, err := renderContent(task)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	return postJSON(ctx, d.client, d.cfg, smsRequest{
		To:      user.Phone,
		Message: title + ": " + message,
		TaskID:  task.ID,
	})
}
