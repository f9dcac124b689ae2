package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Dealer{},
		&models.User{},
		&models.Role{},
		&models.DeviceToken{},
		&models.EntityFollower{},
		&models.EntityAssignment{},
		&models.RoutingRule{},
		&models.UserNotificationConfig{},
		&models.DeliveryTask{},
		&models.DeliveryLog{},
		&models.Notification{},
		&models.CacheEntry{},
	)
}

// SeedData populates the default dealer roles.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			BaseModel:   models.BaseModel{ID: "manager"},
			Name:        "manager",
			Description: "Dealership management",
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "sales"},
			Name:        "sales",
			Description: "Sales staff",
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "service"},
			Name:        "service",
			Description: "Service and preparation staff",
			IsSystem:    true,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	return nil
}
