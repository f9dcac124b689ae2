package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/webhooks"
	"github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/response"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the callback body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookHandler terminates provider delivery-status callbacks.
type WebhookHandler struct {
	correlator *webhooks.Correlator
}

// NewWebhookHandler constructs a webhook callback handler.
func NewWebhookHandler(correlator *webhooks.Correlator) (*WebhookHandler, error) {
	if correlator == nil {
		return nil, errors.New("CORRELATOR_REQUIRED", "webhook correlator must be provided", http.StatusInternalServerError)
	}
	return &WebhookHandler{correlator: correlator}, nil
}

// Callback verifies and applies one provider status callback. Unknown message
// ids and out-of-order updates are acknowledged so providers stop retrying.
func (h *WebhookHandler) Callback(c *gin.Context) {
	provider := c.Param("provider")

	body, err := c.GetRawData()
	if err != nil {
		response.Error(c, errors.NewBadRequest("unable to read request body"))
		return
	}

	outcome, err := h.correlator.HandleCallback(c.Request.Context(), provider, body, c.GetHeader(SignatureHeader))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"outcome": outcome})
}
