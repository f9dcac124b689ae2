package models

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// UserNotificationConfig stores a user's notification preferences for one
// (dealer, module) pair. The structured columns are JSON because dealers add
// event types without schema changes; NotificationSettings is the typed view.
type UserNotificationConfig struct {
	BaseModel

	UserID   string `gorm:"type:uuid;uniqueIndex:idx_config_scope;not null" json:"user_id"`
	DealerID string `gorm:"type:uuid;uniqueIndex:idx_config_scope;not null" json:"dealer_id"`
	Module   string `gorm:"type:varchar(64);uniqueIndex:idx_config_scope;not null" json:"module"`

	Settings datatypes.JSON `json:"settings"`
}

// EventPreference controls one event type: whether it notifies at all and
// which channels it may use. A channel is usable for the event only when it
// is enabled both here and in NotificationSettings.Channels.
type EventPreference struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels"`
}

// QuietHours defines a daily window during which only interruption-safe
// channels may be delivered immediately.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // "22:00"
	End      string `json:"end"`   // "07:00"
	Timezone string `json:"timezone"`
}

// RateLimit bounds deliveries per channel.
type RateLimit struct {
	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`
}

// NotificationSettings is the decoded form of UserNotificationConfig.Settings.
type NotificationSettings struct {
	Channels   map[string]bool            `json:"channels"`
	Events     map[string]EventPreference `json:"events"`
	QuietHours QuietHours                 `json:"quiet_hours"`
	RateLimits map[string]RateLimit       `json:"rate_limits"`
}

// DecodeSettings parses the JSON settings column.
func (c *UserNotificationConfig) DecodeSettings() (NotificationSettings, error) {
	settings := NotificationSettings{
		Channels:   map[string]bool{},
		Events:     map[string]EventPreference{},
		RateLimits: map[string]RateLimit{},
	}
	if len(c.Settings) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(c.Settings, &settings); err != nil {
		return settings, fmt.Errorf("notification config: decode settings: %w", err)
	}
	if settings.Channels == nil {
		settings.Channels = map[string]bool{}
	}
	if settings.Events == nil {
		settings.Events = map[string]EventPreference{}
	}
	if settings.RateLimits == nil {
		settings.RateLimits = map[string]RateLimit{}
	}
	return settings, nil
}

// EncodeSettings serialises settings back into the JSON column.
func (c *UserNotificationConfig) EncodeSettings(settings NotificationSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("notification config: encode settings: %w", err)
	}
	c.Settings = datatypes.JSON(data)
	return nil
}
