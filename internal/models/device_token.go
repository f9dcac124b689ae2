package models

import "time"

// DeviceToken is a push notification destination registered by a user's
// device. A permanent delivery failure (unregistered token) deactivates it.
type DeviceToken struct {
	BaseModel

	UserID   string `gorm:"type:uuid;index;not null" json:"user_id"`
	Token    string `gorm:"uniqueIndex;not null" json:"token"`
	Platform string `gorm:"type:varchar(32)" json:"platform"`
	IsActive bool   `gorm:"default:true;index" json:"is_active"`

	DisabledAt     *time.Time `json:"disabled_at"`
	DisabledReason string     `gorm:"type:varchar(128)" json:"disabled_reason"`
}
