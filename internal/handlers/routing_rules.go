package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/middleware"
	"github.com/charlesng35/dealerpulse/internal/models"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
	"github.com/charlesng35/dealerpulse/pkg/response"
)

// RoutingRuleHandler exposes CRUD endpoints for dealer routing rules.
type RoutingRuleHandler struct {
	db *gorm.DB
}

// NewRoutingRuleHandler constructs a routing rule handler.
func NewRoutingRuleHandler(db *gorm.DB) (*RoutingRuleHandler, error) {
	if db == nil {
		return nil, apperrors.New("DATABASE_REQUIRED", "database handle must be provided", http.StatusInternalServerError)
	}
	return &RoutingRuleHandler{db: db}, nil
}

type routingRuleRequest struct {
	DealerID         string   `json:"dealer_id"`
	Module           string   `json:"module" validate:"required,max=64"`
	EventType        string   `json:"event_type" validate:"required,max=64"`
	Name             string   `json:"name" validate:"max=255"`
	RoleNames        []string `json:"role_names"`
	UserIDs          []string `json:"user_ids"`
	IncludeAssigned  bool     `json:"include_assigned"`
	IncludeFollowers bool     `json:"include_followers"`
	Channels         []string `json:"channels" validate:"required,min=1,dive,channel"`
	Priority         int      `json:"priority" validate:"min=0,max=100"`
	Enabled          *bool    `json:"enabled"`
}

// dealerScope resolves the dealership a request operates on, preferring the
// token claim over the supplied value.
func dealerScope(c *gin.Context, supplied string) (string, error) {
	tokenDealer := c.GetString(middleware.CtxDealerIDKey)
	if tokenDealer != "" {
		if supplied != "" && supplied != tokenDealer {
			return "", apperrors.ErrForbidden
		}
		return tokenDealer, nil
	}
	if strings.TrimSpace(supplied) == "" {
		return "", apperrors.NewBadRequest("dealer_id is required")
	}
	return supplied, nil
}

// List returns the routing rules for a dealership, optionally filtered by module.
func (h *RoutingRuleHandler) List(c *gin.Context) {
	dealerID, err := dealerScope(c, c.Query("dealer_id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	query := h.db.WithContext(c.Request.Context()).Where("dealer_id = ?", dealerID)
	if module := strings.TrimSpace(c.Query("module")); module != "" {
		query = query.Where("module = ?", module)
	}

	var rules []models.RoutingRule
	if err := query.Order("module, event_type, priority DESC").Find(&rules).Error; err != nil {
		response.Error(c, apperrors.Wrap(err, "list routing rules"))
		return
	}

	response.Success(c, http.StatusOK, rules)
}

// Get returns one routing rule.
func (h *RoutingRuleHandler) Get(c *gin.Context) {
	rule, err := h.loadScoped(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rule)
}

// Create adds a routing rule for a dealership.
func (h *RoutingRuleHandler) Create(c *gin.Context) {
	var req routingRuleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	dealerID, err := dealerScope(c, req.DealerID)
	if err != nil {
		response.Error(c, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := models.RoutingRule{
		DealerID:         dealerID,
		Module:           req.Module,
		EventType:        req.EventType,
		Name:             req.Name,
		RoleNames:        datatypes.JSONSlice[string](req.RoleNames),
		UserIDs:          datatypes.JSONSlice[string](req.UserIDs),
		IncludeAssigned:  req.IncludeAssigned,
		IncludeFollowers: req.IncludeFollowers,
		Channels:         datatypes.JSONSlice[string](req.Channels),
		Priority:         req.Priority,
		Enabled:          enabled,
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&rule).Error; err != nil {
		response.Error(c, apperrors.Wrap(err, "create routing rule"))
		return
	}

	response.Success(c, http.StatusCreated, rule)
}

// Update replaces the mutable fields of a routing rule.
func (h *RoutingRuleHandler) Update(c *gin.Context) {
	rule, err := h.loadScoped(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var req routingRuleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	enabled := rule.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule.Module = req.Module
	rule.EventType = req.EventType
	rule.Name = req.Name
	rule.RoleNames = datatypes.JSONSlice[string](req.RoleNames)
	rule.UserIDs = datatypes.JSONSlice[string](req.UserIDs)
	rule.IncludeAssigned = req.IncludeAssigned
	rule.IncludeFollowers = req.IncludeFollowers
	rule.Channels = datatypes.JSONSlice[string](req.Channels)
	rule.Priority = req.Priority
	rule.Enabled = enabled

	if err := h.db.WithContext(c.Request.Context()).Save(rule).Error; err != nil {
		response.Error(c, apperrors.Wrap(err, "update routing rule"))
		return
	}

	response.Success(c, http.StatusOK, rule)
}

// Delete removes a routing rule.
func (h *RoutingRuleHandler) Delete(c *gin.Context) {
	rule, err := h.loadScoped(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Delete(rule).Error; err != nil {
		response.Error(c, apperrors.Wrap(err, "delete routing rule"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

func (h *RoutingRuleHandler) loadScoped(c *gin.Context) (*models.RoutingRule, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return nil, apperrors.NewBadRequest("rule id is required")
	}

	var rule models.RoutingRule
	err := h.db.WithContext(c.Request.Context()).First(&rule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load routing rule")
	}

	// Dealer-scoped tokens may only touch their own rules.
	if tokenDealer := c.GetString(middleware.CtxDealerIDKey); tokenDealer != "" && rule.DealerID != tokenDealer {
		return nil, apperrors.ErrForbidden
	}

	return &rule, nil
}
