package models

import "gorm.io/datatypes"

// RoutingRule is the per (dealer, module, event type) delivery configuration
// maintained by dealer administrators. Multiple rules may match one event;
// every matching enabled rule contributes recipients and the highest priority
// among matches governs quiet-hours and rate-limit overrides.
type RoutingRule struct {
	BaseModel

	DealerID  string `gorm:"type:uuid;index:idx_rule_match;not null" json:"dealer_id"`
	Module    string `gorm:"type:varchar(64);index:idx_rule_match;not null" json:"module"`
	EventType string `gorm:"type:varchar(64);index:idx_rule_match;not null" json:"event_type"`

	Name string `gorm:"type:varchar(255)" json:"name"`

	// Recipient specification: any combination of role names, explicit user
	// ids, the entity's assigned user, and the entity's followers.
	RoleNames        datatypes.JSONSlice[string] `json:"role_names"`
	UserIDs          datatypes.JSONSlice[string] `json:"user_ids"`
	IncludeAssigned  bool                        `gorm:"default:false" json:"include_assigned"`
	IncludeFollowers bool                        `gorm:"default:false" json:"include_followers"`

	// Channels permitted by this rule, in preference order.
	Channels datatypes.JSONSlice[string] `json:"channels"`

	Priority int  `gorm:"default:50" json:"priority"`
	Enabled  bool `gorm:"default:true;index" json:"enabled"`
}
