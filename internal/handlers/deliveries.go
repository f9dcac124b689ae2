package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/engine"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/response"
)

// DeliveryHandler exposes the delivery audit log for operational dashboards.
type DeliveryHandler struct {
	logs *engine.DeliveryLogger
}

// NewDeliveryHandler constructs a delivery log handler.
func NewDeliveryHandler(logs *engine.DeliveryLogger) (*DeliveryHandler, error) {
	if logs == nil {
		return nil, apperrors.New("LOGGER_REQUIRED", "delivery logger must be provided", http.StatusInternalServerError)
	}
	return &DeliveryHandler{logs: logs}, nil
}

// List returns delivery log entries filtered by dealer, status and channel.
func (h *DeliveryHandler) List(c *gin.Context) {
	dealerID, err := dealerScope(c, c.Query("dealer_id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	filter := engine.ListFilter{
		DealerID: dealerID,
		Status:   strings.TrimSpace(c.Query("status")),
		Channel:  strings.TrimSpace(c.Query("channel")),
		BatchID:  strings.TrimSpace(c.Query("batch_id")),
		Limit:    parseIntQuery(c, "limit", 50),
		Offset:   parseIntQuery(c, "offset", 0),
	}

	entries, err := h.logs.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "list deliveries"))
		return
	}

	response.Success(c, http.StatusOK, entries)
}

// Stats returns per channel/status delivery counts over a trailing window.
func (h *DeliveryHandler) Stats(c *gin.Context) {
	dealerID, err := dealerScope(c, c.Query("dealer_id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	hours := parseIntQuery(c, "hours", 24)
	if hours <= 0 || hours > 24*31 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	counts, err := h.logs.Stats(c.Request.Context(), dealerID, since)
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "delivery stats"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"since":  since.UTC(),
		"counts": counts,
	})
}
