package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/middleware"
	"github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/response"
)

// EventHandler accepts business events from the dealership application and
// hands them to the decision engine.
type EventHandler struct {
	engine *engine.Engine
}

// NewEventHandler constructs an event ingest handler.
func NewEventHandler(eng *engine.Engine) (*EventHandler, error) {
	if eng == nil {
		return nil, errors.New("ENGINE_REQUIRED", "decision engine must be provided", http.StatusInternalServerError)
	}
	return &EventHandler{engine: eng}, nil
}

type ingestEventRequest struct {
	DealerID    string         `json:"dealer_id"`
	Module      string         `json:"module" validate:"required,max=64"`
	EventType   string         `json:"event_type" validate:"required,max=64"`
	EntityType  string         `json:"entity_type" validate:"max=64"`
	EntityID    string         `json:"entity_id" validate:"max=255"`
	TriggeredBy string         `json:"triggered_by"`
	Priority    int            `json:"priority" validate:"min=0,max=100"`
	Payload     map[string]any `json:"payload"`
}

// Ingest decides and enqueues deliveries for one business event. The
// response reports the decision; delivery itself is asynchronous.
func (h *EventHandler) Ingest(c *gin.Context) {
	var req ingestEventRequest
	if !bindAndValidate(c, &req) {
		return
	}

	dealerID := req.DealerID
	if tokenDealer := c.GetString(middleware.CtxDealerIDKey); tokenDealer != "" {
		// Dealer-scoped tokens may only raise events for their own store.
		if dealerID != "" && dealerID != tokenDealer {
			response.Error(c, errors.ErrForbidden)
			return
		}
		dealerID = tokenDealer
	}

	event := engine.Event{
		DealerID:    dealerID,
		Module:      req.Module,
		Type:        req.EventType,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		TriggeredBy: req.TriggeredBy,
		Priority:    req.Priority,
		Payload:     engine.PayloadFromMap(req.EventType, req.Payload),
	}
	if err := event.Validate(); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	result, err := h.engine.ProcessEvent(c.Request.Context(), event)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, result)
}
