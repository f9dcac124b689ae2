package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/middleware"
	"github.com/charlesng35/dealerpulse/internal/models"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/response"
)

// PreferenceHandler exposes a user's notification preferences.
type PreferenceHandler struct {
	db *gorm.DB
}

// NewPreferenceHandler constructs a preference handler.
func NewPreferenceHandler(db *gorm.DB) (*PreferenceHandler, error) {
	if db == nil {
		return nil, apperrors.New("DATABASE_REQUIRED", "database handle must be provided", http.StatusInternalServerError)
	}
	return &PreferenceHandler{db: db}, nil
}

type preferencePayload struct {
	UserID   string                      `json:"user_id"`
	DealerID string                      `json:"dealer_id"`
	Module   string                      `json:"module"`
	Settings models.NotificationSettings `json:"settings"`
}

func (h *PreferenceHandler) scope(c *gin.Context) (userID, dealerID, module string, err error) {
	userID = c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		return "", "", "", apperrors.ErrUnauthorized
	}

	dealerID, err = dealerScope(c, c.Query("dealer_id"))
	if err != nil {
		return "", "", "", err
	}

	module = strings.TrimSpace(c.Query("module"))
	if module == "" {
		return "", "", "", apperrors.NewBadRequest("module is required")
	}

	return userID, dealerID, module, nil
}

// Get returns the calling user's preferences for one (dealer, module) pair.
// A user without stored preferences receives defaults with every channel off.
func (h *PreferenceHandler) Get(c *gin.Context) {
	userID, dealerID, module, err := h.scope(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var config models.UserNotificationConfig
	err = h.db.WithContext(c.Request.Context()).
		First(&config, "user_id = ? AND dealer_id = ? AND module = ?", userID, dealerID, module).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Success(c, http.StatusOK, preferencePayload{
			UserID:   userID,
			DealerID: dealerID,
			Module:   module,
			Settings: models.NotificationSettings{
				Channels:   map[string]bool{},
				Events:     map[string]models.EventPreference{},
				RateLimits: map[string]models.RateLimit{},
			},
		})
		return
	}
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "load preferences"))
		return
	}

	settings, err := config.DecodeSettings()
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "decode preferences"))
		return
	}

	response.Success(c, http.StatusOK, preferencePayload{
		UserID:   userID,
		DealerID: dealerID,
		Module:   module,
		Settings: settings,
	})
}

type updatePreferencesRequest struct {
	DealerID string                      `json:"dealer_id"`
	Module   string                      `json:"module" validate:"required,max=64"`
	Settings models.NotificationSettings `json:"settings"`
}

// Put replaces the calling user's preferences for one (dealer, module) pair.
func (h *PreferenceHandler) Put(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req updatePreferencesRequest
	if !bindAndValidate(c, &req) {
		return
	}

	dealerID, err := dealerScope(c, req.DealerID)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := c.Request.Context()

	var config models.UserNotificationConfig
	err = h.db.WithContext(ctx).
		First(&config, "user_id = ? AND dealer_id = ? AND module = ?", userID, dealerID, req.Module).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		response.Error(c, apperrors.Wrap(err, "load preferences"))
		return
	}

	config.UserID = userID
	config.DealerID = dealerID
	config.Module = req.Module
	if err := config.EncodeSettings(req.Settings); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	if err := h.db.WithContext(ctx).Save(&config).Error; err != nil {
		response.Error(c, apperrors.Wrap(err, "save preferences"))
		return
	}

	response.Success(c, http.StatusOK, preferencePayload{
		UserID:   userID,
		DealerID: dealerID,
		Module:   req.Module,
		Settings: req.Settings,
	})
}
