package models

// Role names a dealership job function (manager, sales, service advisor).
// Routing rules address recipients by role name.
type Role struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`
	IsSystem    bool   `gorm:"default:false" json:"is_system"`

	Users []User `gorm:"many2many:user_roles;" json:"users,omitempty"`
}
