package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/dealerpulse/internal/engine"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/metrics"
)

// Outcome describes what the correlator did with a verified callback.
type Outcome string

const (
	// OutcomeApplied means the delivery log entry was updated.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the message id matched nothing we sent. The
	// provider still gets an ack; redelivering would not help.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means the update arrived out of order and was logged
	// as an anomaly without changing stored state.
	OutcomeRejected Outcome = "rejected"
)

// Correlator verifies, parses, and applies provider status callbacks.
type Correlator struct {
	logs    *engine.DeliveryLogger
	secrets map[string]string
	log     *zap.Logger
}

// NewCorrelator constructs a Correlator. secrets maps provider names to their
// webhook signing secrets; a provider without a secret rejects all callbacks.
func NewCorrelator(logs *engine.DeliveryLogger, secrets map[string]string) (*Correlator, error) {
	if logs == nil {
		return nil, errors.New("correlator: delivery logger is required")
	}
	return &Correlator{
		logs:    logs,
		secrets: secrets,
		log:     logger.WithModule("webhooks"),
	}, nil
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body against
// the provider's shared secret.
func (c *Correlator) VerifySignature(provider string, body []byte, signature string) error {
	secret, ok := c.secrets[provider]
	if !ok || secret == "" {
		return apperrors.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}

// Sign produces the signature header value for a body, used by provider
// simulators and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleCallback processes one raw provider callback. Signature and payload
// errors are returned to the caller; correlation problems (unknown message
// id, out-of-order status) are absorbed so the provider stops retrying.
func (c *Correlator) HandleCallback(ctx context.Context, provider string, body []byte, signature string) (Outcome, error) {
	if err := c.VerifySignature(provider, body, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues(provider, "invalid_signature").Inc()
		return "", err
	}

	event, err := ParsePayload(provider, body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(provider, "malformed").Inc()
		return "", err
	}

	outcome, err := c.Apply(ctx, event)
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Apply updates the correlated delivery log entry from a normalised event.
func (c *Correlator) Apply(ctx context.Context, event Event) (Outcome, error) {
	update := engine.StatusUpdate{
		ErrorCode:    event.ErrorCode,
		ErrorMessage: event.ErrorMessage,
	}

	_, err := c.logs.UpdateStatusByProviderMessageID(ctx, event.ProviderMessageID, event.Status, update)
	switch {
	case err == nil:
		metrics.WebhookEvents.WithLabelValues(event.Provider, string(OutcomeApplied)).Inc()
		return OutcomeApplied, nil

	case errors.Is(err, apperrors.ErrNotFound):
		c.log.Warn("webhook for unknown message id",
			zap.String("provider", event.Provider),
			zap.String("provider_message_id", event.ProviderMessageID),
			zap.String("status", event.Status),
		)
		metrics.WebhookEvents.WithLabelValues(event.Provider, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil

	case errors.Is(err, apperrors.ErrInvalidTransition):
		metrics.WebhookEvents.WithLabelValues(event.Provider, string(OutcomeRejected)).Inc()
		return OutcomeRejected, nil

	default:
		metrics.WebhookEvents.WithLabelValues(event.Provider, "error").Inc()
		return "", err
	}
}
