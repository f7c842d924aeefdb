package models

import "time"

// Reservation states. Everything except `reserved` is terminal: once a hold
// is committed, released or expired it can never re-enter circulation.
const (
	ReservationStatusReserved  = "reserved"
	ReservationStatusCommitted = "committed"
	ReservationStatusReleased  = "released"
	ReservationStatusExpired   = "expired"
)

var reservationTransitions = map[string][]string{
	ReservationStatusReserved:  {ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired},
	ReservationStatusCommitted: {},
	ReservationStatusReleased:  {},
	ReservationStatusExpired:   {},
}

// CanTransitionReservationStatus reports whether a reservation may move from
// one status to another.
func CanTransitionReservationStatus(from, to string) bool {
	for _, next := range reservationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalReservationStatus reports whether a reservation status is final.
func IsTerminalReservationStatus(status string) bool {
	return len(reservationTransitions[status]) == 0
}

// Reservation is a short-lived hold against the usage ledger. The estimated
// amount counts against available capacity from the moment the row exists
// until the hold reaches a terminal state.
type Reservation struct {
	ID              string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	OrganizationID  uint       `gorm:"not null;index:idx_reservations_org_user,priority:1" json:"organization_id"`
	UserID          uint       `gorm:"not null;default:0;index:idx_reservations_org_user,priority:2" json:"user_id"`
	ActionType      string     `gorm:"type:varchar(50);not null" json:"action_type"`
	EstimatedAmount int64      `gorm:"not null" json:"estimated_amount"`
	ActualAmount    *int64     `gorm:"default:null" json:"actual_amount,omitempty"`
	Status          string     `gorm:"type:varchar(16);not null;default:'reserved';index:idx_reservations_status_expiry,priority:1" json:"status"`
	ReservedAt      time.Time  `gorm:"type:timestamp;not null" json:"reserved_at"`
	ExpiresAt       time.Time  `gorm:"type:timestamp;not null;index:idx_reservations_status_expiry,priority:2" json:"expires_at"`
	CommittedAt     *time.Time `gorm:"type:timestamp;default:null" json:"committed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
