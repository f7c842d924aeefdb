package models

import "time"

// Webhook event processing states. Success and dead-lettered failed are
// terminal; pending marks an in-flight attempt, retrying waits for the
// provider's next redelivery.
const (
	WebhookStatusPending  = "pending"
	WebhookStatusRetrying = "retrying"
	WebhookStatusSuccess  = "success"
	WebhookStatusFailed   = "failed"
)

// webhookTransitions is the closed set of legal status moves. Anything not
// listed here is a bug in the caller, not a storage concern.
var webhookTransitions = map[string][]string{
	WebhookStatusPending:  {WebhookStatusSuccess, WebhookStatusRetrying, WebhookStatusFailed},
	WebhookStatusRetrying: {WebhookStatusPending, WebhookStatusSuccess, WebhookStatusRetrying, WebhookStatusFailed},
	WebhookStatusSuccess:  {},
	WebhookStatusFailed:   {},
}

// CanTransitionWebhookStatus reports whether moving from one event status to
// another is allowed by the lifecycle.
func CanTransitionWebhookStatus(from, to string) bool {
	for _, next := range webhookTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalWebhookStatus reports whether an event status accepts no further
// transitions.
func IsTerminalWebhookStatus(status string) bool {
	return len(webhookTransitions[status]) == 0
}

// WebhookEvent stores every inbound billing event with deduplication metadata
// for idempotent processing. The unique (provider, event_id) index is what
// arbitrates concurrent first-sight deliveries.
type WebhookEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Provider     string    `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	EventID      string    `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"event_id"`
	EventType    string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Status       string    `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	RetryCount   int       `gorm:"not null;default:0" json:"retry_count"`
	PayloadJSON  string    `gorm:"type:longtext;not null" json:"payload_json"`
	ErrorMessage string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
