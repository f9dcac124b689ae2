package models

// Dealer is the tenant boundary: users, routing rules, and notification
// configuration are all scoped to one dealer.
type Dealer struct {
	BaseModel

	Name     string `gorm:"not null" json:"name"`
	Timezone string `gorm:"type:varchar(64);default:'UTC'" json:"timezone"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}
