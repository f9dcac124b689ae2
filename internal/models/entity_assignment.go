package models

// EntityAssignment records which user is currently responsible for a business
// entity. Routing rules may include the assigned user as a recipient.
type EntityAssignment struct {
	BaseModel

	DealerID       string `gorm:"type:uuid;index;not null" json:"dealer_id"`
	EntityType     string `gorm:"type:varchar(64);uniqueIndex:idx_assignment_entity;not null" json:"entity_type"`
	EntityID       string `gorm:"type:varchar(64);uniqueIndex:idx_assignment_entity;not null" json:"entity_id"`
	AssignedUserID string `gorm:"type:uuid;index;not null" json:"assigned_user_id"`
}
