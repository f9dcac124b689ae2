package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/handlers"
)

func registerEventRoutes(api *gin.RouterGroup, eng *engine.Engine) error {
	handler, err := handlers.NewEventHandler(eng)
	if err != nil {
		return err
	}

	api.POST("/events", handler.Ingest)
	return nil
}
