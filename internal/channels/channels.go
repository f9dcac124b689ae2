// Package channels provides the transport dispatchers behind each delivery
// channel: push, sms, email, chat, and in-app.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/models"
)

// ProviderConfig points a dispatcher at its delivery provider.
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

func (c ProviderConfig) validate(name string) error {
	if c.Endpoint == "" {
		return fmt.Errorf("%s dispatcher: endpoint is required", name)
	}
	return nil
}

// renderContent turns a task's payload snapshot into a title and message.
func renderContent(task models.DeliveryTask) (title, message string, err error) {
	payload, err := engine.DecodePayload(task.Payload)
	if err != nil {
		return "", "", err
	}

	switch payload.Kind() {
	case engine.PayloadKindStatusChange:
		title = "Status update"
	case engine.PayloadKindAssignment:
		title = "New assignment"
	case engine.PayloadKindComment:
		title = "New comment"
	default:
		title = "Notification"
	}
	return title, payload.Summary(), nil
}

// providerResponse is the minimal body shape shared by the HTTP providers.
type providerResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// postJSON sends the request body to the provider and returns its message id.
// HTTP status codes are mapped onto the transient/permanent error contract:
// 408, 429 and 5xx are retryable, every other non-2xx is not.
func postJSON(ctx context.Context, client *http.Client, cfg ProviderConfig, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", engine.NewPermanentError("encode_request", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return "", engine.NewPermanentError("build_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", engine.NewTransientError("timeout", "provider did not respond in time")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", engine.NewTransientError("timeout", "provider did not respond in time")
		}
		return "", engine.NewTransientError("connection_error", err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed providerResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parsed.MessageID, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return "", engine.NewTransientError(
			fmt.Sprintf("provider_%d", resp.StatusCode),
			providerErrorMessage(parsed, raw),
		)
	default:
		return "", engine.NewPermanentError(
			fmt.Sprintf("provider_%d", resp.StatusCode),
			providerErrorMessage(parsed, raw),
		)
	}
}

func providerErrorMessage(parsed providerResponse, raw []byte) string {
	if parsed.Error != "" {
		return parsed.Error
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
