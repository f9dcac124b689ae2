package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/app"
	"github.com/charlesng35/dealerpulse/internal/handlers"
)

func registerHealthRoutes(r *gin.Engine, db *gorm.DB, cfg *app.Config) {
	if cfg != nil && !cfg.Monitoring.Health.Enabled {
		r.GET("/health", disabledHealthHandler)
		return
	}

	check := handlers.Health(db)
	r.GET("/health", check)
	r.GET("/health/live", handlers.Health(nil))
	r.GET("/health/ready", check)
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   gin.H{"code": "HEALTH_DISABLED", "message": "health checks are disabled"},
	})
}
