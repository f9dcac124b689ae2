package models

import (
	"time"

	"gorm.io/datatypes"
)

// Delivery channels.
const (
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelChat  = "chat"
	ChannelInApp = "in_app"
)

// KnownChannels lists every supported delivery channel.
var KnownChannels = []string{ChannelPush, ChannelSMS, ChannelEmail, ChannelChat, ChannelInApp}

// Canonical delivery lifecycle statuses.
const (
	DeliveryStatusPending          = "pending"
	DeliveryStatusSent             = "sent"
	DeliveryStatusDelivered        = "delivered"
	DeliveryStatusFailed           = "failed"
	DeliveryStatusClicked          = "clicked"
	DeliveryStatusRead             = "read"
	DeliveryStatusBounced          = "bounced"
	DeliveryStatusPermanentFailure = "permanent_failure"
)

// deliveryTransitions is the only legal ordering of lifecycle updates.
// pending -> sent|failed; sent -> delivered|failed|clicked|read|bounced;
// failed -> permanent_failure (retry exhaustion); everything else terminal.
var deliveryTransitions = map[string][]string{
	DeliveryStatusPending: {DeliveryStatusSent, DeliveryStatusFailed},
	DeliveryStatusSent: {
		DeliveryStatusDelivered,
		DeliveryStatusFailed,
		DeliveryStatusClicked,
		DeliveryStatusRead,
		DeliveryStatusBounced,
	},
	DeliveryStatusFailed: {DeliveryStatusPermanentFailure},
}

// CanTransition reports whether a delivery log entry may move between the two
// statuses. Out-of-order or duplicate webhook updates fail this check and are
// rejected by the delivery log service.
func CanTransition(from, to string) bool {
	for _, next := range deliveryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalDeliveryStatus reports whether no further lifecycle updates are
// permitted from the given status.
func IsTerminalDeliveryStatus(status string) bool {
	return len(deliveryTransitions[status]) == 0
}

// DeliveryLog records the full lifecycle of one dispatch attempt, keyed by
// both the internal task id and the provider's message id.
type DeliveryLog struct {
	BaseModel

	TaskID      string `gorm:"type:uuid;index;not null" json:"task_id"`
	BatchID     string `gorm:"type:uuid;index" json:"batch_id"`
	DealerID    string `gorm:"type:uuid;index" json:"dealer_id"`
	RecipientID string `gorm:"type:uuid;index" json:"recipient_id"`

	Channel  string `gorm:"type:varchar(32);index;not null" json:"channel"`
	Provider string `gorm:"type:varchar(64)" json:"provider"`

	ProviderMessageID *string `gorm:"type:varchar(255);index" json:"provider_message_id"`

	Status string `gorm:"type:varchar(32);default:'pending';index" json:"status"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	FailedAt    *time.Time `json:"failed_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	ReadAt      *time.Time `json:"read_at"`
	BouncedAt   *time.Time `json:"bounced_at"`

	LatencyMS *int64 `json:"latency_ms"`

	RetryCount int `gorm:"default:0" json:"retry_count"`

	// RetriedAt is set once the retry cycle re-enqueues this failed attempt,
	// keeping it out of subsequent cycles without a status change.
	RetriedAt *time.Time `json:"retried_at"`

	ErrorCode      string `gorm:"type:varchar(64)" json:"error_code"`
	ErrorMessage   string `gorm:"type:text" json:"error_message"`
	ErrorPermanent bool   `gorm:"default:false;index" json:"error_permanent"`

	Content  datatypes.JSON `json:"content"`
	Metadata datatypes.JSON `json:"metadata"`
}
