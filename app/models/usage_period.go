package models

import "time"

// UsagePeriod is the period-scoped usage counter for an organization (and a
// single user on non-pooled tiers; UserID is 0 when the pool is shared).
// Rows are materialized lazily on first access to a period and the allowance
// is frozen at that point; `used` only ever grows via committed consumption.
type UsagePeriod struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	OrganizationID  uint      `gorm:"not null;index:ux_usage_periods_org_user_start,unique,priority:1" json:"organization_id"`
	UserID          uint      `gorm:"not null;default:0;index:ux_usage_periods_org_user_start,unique,priority:2" json:"user_id"`
	PeriodStart     time.Time `gorm:"type:timestamp;not null;index:ux_usage_periods_org_user_start,unique,priority:3" json:"period_start"`
	PeriodEnd       time.Time `gorm:"type:timestamp;not null" json:"period_end"`
	Allowance       int64     `gorm:"not null;default:0" json:"allowance"`
	Used            int64     `gorm:"not null;default:0" json:"used"`
	RolloverCarried int64     `gorm:"not null;default:0" json:"rollover_carried"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsageActionCounter keeps the per-action-type breakdown for reporting.
// Incremented with an ON CONFLICT upsert so concurrent commits never lose
// updates.
type UsageActionCounter struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"not null;index:ux_usage_action_counters_key,unique,priority:1" json:"organization_id"`
	UserID         uint      `gorm:"not null;default:0;index:ux_usage_action_counters_key,unique,priority:2" json:"user_id"`
	PeriodStart    time.Time `gorm:"type:timestamp;not null;index:ux_usage_action_counters_key,unique,priority:3" json:"period_start"`
	ActionType     string    `gorm:"type:varchar(50);not null;index:ux_usage_action_counters_key,unique,priority:4" json:"action_type"`
	Count          int64     `gorm:"not null;default:0" json:"count"`
	Amount         int64     `gorm:"not null;default:0" json:"amount"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
