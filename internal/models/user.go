package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User describes a dealership staff member who can receive notifications.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	DealerID string `gorm:"type:uuid;index;not null" json:"dealer_id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Phone    string `gorm:"type:varchar(32)" json:"phone"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	Dealer *Dealer `json:"dealer,omitempty"`
	Roles  []Role  `gorm:"many2many:user_roles;" json:"roles,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
