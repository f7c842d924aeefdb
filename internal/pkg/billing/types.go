package billing

import "time"

// NormalizedSubscription is the provider-agnostic shape used by the billing
// service when syncing external subscription state into local tables.
type NormalizedSubscription struct {
	OrganizationID         uint
	Provider               string
	ProviderSubscriptionID string
	ProviderPriceRef       string
	SeatCount              int
	BillingInterval        string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	RawPayloadJSON         string
}

// stripeEventObject is the subset of a Stripe subscription object the sync
// path needs. Everything else stays verbatim in RawPayloadJSON.
type stripeEventObject struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	Quantity           int    `json:"quantity"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Metadata           struct {
		OrganizationID string `json:"organization_id"`
	} `json:"metadata"`
	Plan struct {
		ID       string `json:"id"`
		Interval string `json:"interval"`
	} `json:"plan"`
}
