package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/handlers"
	"github.com/charlesng35/dealerpulse/internal/webhooks"
)

func registerWebhookRoutes(r *gin.Engine, correlator *webhooks.Correlator) error {
	handler, err := handlers.NewWebhookHandler(correlator)
	if err != nil {
		return err
	}

	r.POST("/webhooks/:provider", handler.Callback)
	return nil
}
