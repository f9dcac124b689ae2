package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/handlers"
)

func registerDeliveryRoutes(api *gin.RouterGroup, logs *engine.DeliveryLogger) error {
	handler, err := handlers.NewDeliveryHandler(logs)
	if err != nil {
		return err
	}

	group := api.Group("/deliveries")
	{
		group.GET("", handler.List)
		group.GET("/stats", handler.Stats)
	}
	return nil
}
