package models

// EntityFollower records a user's interest in a business entity (an order, a
// vehicle, a customer). Routing rules may include an entity's followers as
// notification recipients.
type EntityFollower struct {
	BaseModel

	DealerID   string `gorm:"type:uuid;index;not null" json:"dealer_id"`
	EntityType string `gorm:"type:varchar(64);index:idx_follower_entity;not null" json:"entity_type"`
	EntityID   string `gorm:"type:varchar(64);index:idx_follower_entity;not null" json:"entity_id"`
	UserID     string `gorm:"type:uuid;index;not null" json:"user_id"`
	IsActive   bool   `gorm:"default:true;index" json:"is_active"`
}
