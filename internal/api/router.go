package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/app"
	iauth "github.com/charlesng35/dealerpulse/internal/auth"
	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/middleware"
	"github.com/charlesng35/dealerpulse/internal/webhooks"
)

// Services bundles the wired application services the router exposes.
type Services struct {
	Engine     *engine.Engine
	Logs       *engine.DeliveryLogger
	Correlator *webhooks.Correlator
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, svc Services, rates middleware.RateStore) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svc.Engine == nil || svc.Logs == nil || svc.Correlator == nil {
		return nil, fmt.Errorf("engine, delivery logger and correlator must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	// Basic rate limiting: 300 requests/minute per IP+path
	if rates != nil {
		r.Use(middleware.RateLimitWithStore(rates, 300, time.Minute))
	} else {
		r.Use(middleware.RateLimit(300, time.Minute))
	}

	r.NoRoute(middleware.NotFoundHandler)

	registerHealthRoutes(r, db, cfg)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Provider callbacks authenticate with HMAC signatures, not JWTs.
	if err := registerWebhookRoutes(r, svc.Correlator); err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))

	if err := registerEventRoutes(api, svc.Engine); err != nil {
		return nil, err
	}
	if err := registerRuleRoutes(api, db); err != nil {
		return nil, err
	}
	if err := registerPreferenceRoutes(api, db); err != nil {
		return nil, err
	}
	if err := registerDeliveryRoutes(api, svc.Logs); err != nil {
		return nil, err
	}

	return r, nil
}
