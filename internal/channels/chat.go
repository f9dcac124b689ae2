package channels

import (
	"context"
	"net/http"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
)

// ChatDispatcher posts to the team chat integration (Slack-style incoming
// webhook behind an internal relay).
type ChatDispatcher struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewChatDispatcher constructs a ChatDispatcher.
func NewChatDispatcher(cfg ProviderConfig) (*ChatDispatcher, error) {
	if err := cfg.validate("chat"); err != nil {
		return nil, err
	}
	return &ChatDispatcher{cfg: cfg, client: newHTTPClient(cfg.Timeout)}, nil
}

// Name implements engine.Dispatcher.
func (d *ChatDispatcher) Name() string { return "chat-relay" }

type chatRequest struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// Dispatch implements engine.Dispatcher.
func (d *ChatDispatcher) Dispatch(ctx context.Context, task models.DeliveryTask) (string, error) {
	title, message, err := renderContent(task)
	if err != nil {
		return "", engine.NewPermanentError("malformed_payload", err.Error())
	}

	return postJSON(ctx, d.client, d.cfg, chatRequest{
		UserID:  task.RecipientID,
		Title:   title,
		Message: message,
		TaskID:  task.ID,
	})
}
