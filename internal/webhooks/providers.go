// Package webhooks ingests delivery status callbacks from the channel
// providers and correlates them with delivery log entries.
package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charlesng35/dealerpulse/internal/models"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
)

// Known provider names as they appear in the webhook URL.
const (
	ProviderPush  = "push"
	ProviderSMS   = "sms"
	ProviderEmail = "email"
	ProviderChat  = "chat"
)

// Event is a provider callback normalised into the engine's vocabulary.
type Event struct {
	Provider          string
	ProviderMessageID string
	Status            string
	ErrorCode         string
	ErrorMessage      string
}

// statusVocabulary maps each provider's status words onto delivery statuses.
// Providers disagree on naming; the delivery log does not.
var statusVocabulary = map[string]string{
	"sent":        models.DeliveryStatusSent,
	"delivered":   models.DeliveryStatusDelivered,
	"open":        models.DeliveryStatusRead,
	"opened":      models.DeliveryStatusRead,
	"read":        models.DeliveryStatusRead,
	"click":       models.DeliveryStatusClicked,
	"clicked":     models.DeliveryStatusClicked,
	"bounce":      models.DeliveryStatusBounced,
	"bounced":     models.DeliveryStatusBounced,
	"failed":      models.DeliveryStatusFailed,
	"undelivered": models.DeliveryStatusFailed,
	"dropped":     models.DeliveryStatusFailed,
}

// rawPayload covers the field spellings used across the providers; each
// provider fills a different subset.
type rawPayload struct {
	MessageID  string `json:"message_id"`
	MessageSid string `json:"MessageSid"`
	EmailID    string `json:"email_id"`

	Status        string `json:"status"`
	MessageStatus string `json:"MessageStatus"`
	EventType     string `json:"event"`

	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ParsePayload normalises one provider callback body. Unknown providers and
// bodies without a message id or status are malformed.
func ParsePayload(provider string, body []byte) (Event, error) {
	switch provider {
	case ProviderPush, ProviderSMS, ProviderEmail, ProviderChat:
	default:
		return Event{}, fmt.Errorf("%w: unknown provider %q", apperrors.ErrMalformedPayload, provider)
	}

	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedPayload, err)
	}

	// Mail relays echo the Message-ID header, some with the RFC angle
	// brackets still attached.
	emailID := strings.Trim(strings.TrimSpace(raw.EmailID), "<>")

	event := Event{
		Provider:          provider,
		ProviderMessageID: firstNonEmpty(raw.MessageID, raw.MessageSid, emailID),
		ErrorCode:         raw.ErrorCode,
		ErrorMessage:      raw.ErrorMessage,
	}
	if event.ProviderMessageID == "" {
		return Event{}, fmt.Errorf("%w: missing message id", apperrors.ErrMalformedPayload)
	}

	providerStatus := strings.ToLower(strings.TrimSpace(firstNonEmpty(raw.Status, raw.MessageStatus, raw.EventType)))
	if providerStatus == "" {
		return Event{}, fmt.Errorf("%w: missing status", apperrors.ErrMalformedPayload)
	}

	status, ok := statusVocabulary[providerStatus]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown status %q", apperrors.ErrMalformedPayload, providerStatus)
	}
	event.Status = status
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
