package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/handlers"
)

func registerPreferenceRoutes(api *gin.RouterGroup, db *gorm.DB) error {
	handler, err := handlers.NewPreferenceHandler(db)
	if err != nil {
		return err
	}

	group := api.Group("/preferences")
	{
		group.GET("", handler.Get)
		group.PUT("", handler.Put)
	}
	return nil
}
