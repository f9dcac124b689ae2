package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/handlers"
)

func registerRuleRoutes(api *gin.RouterGroup, db *gorm.DB) error {
	handler, err := handlers.NewRoutingRuleHandler(db)
	if err != nil {
		return err
	}

	group := api.Group("/routing-rules")
	{
		group.GET("", handler.List)
		group.GET("/:id", handler.Get)
		group.POST("", handler.Create)
		group.PUT("/:id", handler.Update)
		group.DELETE("/:id", handler.Delete)
	}
	return nil
}
