package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
)

// PushDispatcher delivers to the recipient's registered devices through the
// push gateway. A permanently rejected token is deactivated so the next
// delivery does not try it again.
type PushDispatcher struct {
	db     *gorm.DB
	cfg    ProviderConfig
	client *http.Client
	log    *zap.Logger
}

// NewPushDispatcher constructs a PushDispatcher.
func NewPushDispatcher(db *gorm.DB, cfg ProviderConfig) (*PushDispatcher, error) {
	if db == nil {
		return nil, errors.New("push dispatcher: db is required")
	}
	if err := cfg.validate("push"); err != nil {
		return nil, err
	}
	return &PushDispatcher{
		db:     db,
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
		log:    logger.WithModule("push"),
	}, nil
}

// Name implements engine.Dispatcher.
func (d *PushDispatcher) Name() string { return "push-gateway" }

type pushRequest struct {
	Tokens  []string `json:"tokens"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	TaskID  string   `json:"task_id"`
}

// Dispatch implements engine.Dispatcher.
func (d *PushDispatcher) Dispatch(ctx context.Context, task models.DeliveryTask) (string, error) {
	var tokens []models.DeviceToken
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", task.RecipientID, true).
		Find(&tokens).Error
	if err != nil {
		return "", engine.NewTransientError("token_lookup", err.Error())
	}
	if len(tokens) == 0 {
		return "", engine.NewPermanentError("no_device_tokens", "recipient has no active devices")
	}

	title, message, err := renderContent(task)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	values := make([]string, 0, len(tokens))
	for _, token := range tokens {
		values = append(values, token.Token)
	}

	messageID, err := postJSON(ctx, d.client, d.cfg, pushRequest{
		Tokens:  values,
		Title:   title,
		Message: message,
		TaskID:  task.ID,
	})
	if err != nil {
		var sendErr *engine.SendError
		if errors.As(err, &sendErr) && tokenRejected(sendErr) {
			d.disableTokens(ctx, tokens, sendErr.Code)
		}
		return "", err
	}
	return messageID, nil
}

// tokenRejected reports whether the gateway said the destination itself is
// gone, as opposed to the request being malformed.
func tokenRejected(err *engine.SendError) bool {
	return err.Permanent && (err.Code == "provider_404" || err.Code == "provider_410")
}

// disableTokens deactivates the recipient's tokens after the gateway rejected
// them outright.
func (d *PushDispatcher) disableTokens(ctx context.Context, tokens []models.DeviceToken, reason string) {
	ids := make([]string, 0, len(tokens))
	for _, token := range tokens {
		ids = append(ids, token.ID)
	}

	now := time.Now().UTC()
	err := d.db.WithContext(ctx).
		Model(&models.DeviceToken{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"is_active":       false,
			"disabled_at":     now,
			"disabled_reason": fmt.Sprintf("push rejected: %s", reason),
		}).Error
	if err != nil {
		d.log.Warn("failed to disable device tokens", zap.Error(err))
		return
	}
	d.log.Info("disabled rejected device tokens", zap.Int("count", len(ids)), zap.String("reason", reason))
}
