package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/mail"
)

// EmailDispatcher delivers through the configured SMTP mailer.
type EmailDispatcher struct {
	db     *gorm.DB
	mailer mail.Mailer
}

// NewEmailDispatcher constructs an EmailDispatcher.
func NewEmailDispatcher(db *gorm.DB, mailer mail.Mailer) (*EmailDispatcher, error) {
	if db == nil {
		return nil, errors.New("email dispatcher: db is required")
	}
	if mailer == nil {
		return nil, errors.New("email dispatcher: mailer is required")
	}
	return &EmailDispatcher{db: db, mailer: mailer}, nil
}

// Name implements engine.Dispatcher.
func (d *EmailDispatcher) Name() string { return "smtp" }

// Dispatch implements engine.Dispatcher. SMTP reports no message id of its
// own, so one is generated locally and stamped on the outgoing message as the
// Message-ID header. Relays that watch the mailbox echo it back as email_id,
// which is how email callbacks find their delivery log entry. Without such a
// relay the entry settles at sent.
func (d *EmailDispatcher) Dispatch(ctx context.Context, task models.DeliveryTask) (string, error) {
	var user models.User
	err := d.db.WithContext(ctx).First(&user, "id = ?", task.RecipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", engine.NewPermanentError("unknown_recipient", "recipient does not exist")
	}
	if err != nil {
		return "", engine.NewTransientError("recipient_lookup", err.Error())
	}
	if strings.TrimSpace(user.Email) == "" {
		return "", engine.NewPermanentError("no_email_address", "recipient has no email address")
	}

	title, message, err := renderContent(task)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	messageID := "email-" + uuid.NewString()
	if err := d.mailer.Send(ctx, mail.Message{
		To:        []string{user.Email},
		Subject:   title,
		Body:      message,
		MessageID: messageID,
	}); err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			return "", engine.NewPermanentError("smtp_disabled", err.Error())
		}
		return "", engine.NewTransientError("smtp_error", err.Error())
	}

	return messageID, nil
}
