package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/entitlements"
	"github.com/storypeak/storypeak/internal/pkg/eventledger"
)

// Stripe event types the sync path reacts to. Anything else is acknowledged
// and ignored.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaymentFail  = "invoice.payment_failed"
)

// Service syncs provider subscription state into local tables. It is the
// side effect the retry orchestrator wraps; all validation failures are
// marked permanent so they dead-letter instead of burning retry budget.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// ResolveMappedTier resolves a provider price reference to an internal tier.
func (s *Service) ResolveMappedTier(ctx context.Context, provider, providerPriceRef, interval string) (entitlements.Tier, error) {
	_ = ctx
	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPriceRef)
	i := normalizeInterval(interval)
	if p == "" || ref == "" {
		return entitlements.TierFree, errors.New("provider and provider price ref are required")
	}

	// Prefer exact interval match.
	m, err := s.repo.FindActivePlanMapping(p, ref, i)
	if err == nil {
		return entitlements.NormalizeTier(m.Tier), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	// Fallback for mappings that intentionally use "unknown".
	m, err = s.repo.FindActivePlanMapping(p, ref, models.BillingIntervalUnknown)
	if err == nil {
		return entitlements.NormalizeTier(m.Tier), nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlements.TierFree, gorm.ErrRecordNotFound
	}
	return "", err
}

// SyncSubscription upserts provider subscription data, stamping the
// entitlement inputs (pooling, rollover, soft cap) from the resolved tier.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if in.OrganizationID == 0 || provider == "" || strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return nil, errors.New("organization_id, provider and provider_subscription_id are required")
	}

	interval := normalizeInterval(in.BillingInterval)
	status := strings.ToLower(strings.TrimSpace(in.Status))
	if status == "" {
		status = models.BillingStatusActive
	}

	tier, err := s.ResolveMappedTier(ctx, provider, in.ProviderPriceRef, interval)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	cfg := entitlements.Config(tier)

	seats := in.SeatCount
	if seats < 1 {
		seats = 1
	}

	sub := &models.Subscription{
		OrganizationID:         in.OrganizationID,
		Provider:               provider,
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		ProviderPriceRef:       strings.TrimSpace(in.ProviderPriceRef),
		Tier:                   string(tier),
		SeatCount:              seats,
		PoolingEnabled:         cfg.Pooling,
		RolloverPercent:        cfg.RolloverPercent,
		BillingInterval:        interval,
		Status:                 status,
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		RawPayloadJSON:         in.RawPayloadJSON,
	}
	if cfg.SoftCapPerUser > 0 {
		softCap := cfg.SoftCapPerUser
		sub.SoftCapPerUser = &softCap
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// BestSubscription returns the highest-ranked entitling subscription for an
// organization, or nil when there is none (free tier applies).
func (s *Service) BestSubscription(ctx context.Context, organizationID uint) (*models.Subscription, error) {
	_ = ctx
	subs, err := s.repo.ListSubscriptionsByOrganization(organizationID)
	if err != nil {
		return nil, err
	}

	var best *models.Subscription
	for i := range subs {
		sub := &subs[i]
		if !entitlements.IsEntitlingStatus(sub.Status) {
			continue
		}
		if best == nil || entitlements.TierRank(entitlements.NormalizeTier(sub.Tier)) > entitlements.TierRank(entitlements.NormalizeTier(best.Tier)) {
			best = sub
		}
	}
	return best, nil
}

// SyncFromEvent applies a webhook event's subscription side effect. Malformed
// payloads are permanent errors; storage problems stay retryable.
func (s *Service) SyncFromEvent(ctx context.Context, eventType, payloadJSON string) error {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventInvoicePaymentFail:
	default:
		// Acknowledged but irrelevant to the metering core.
		return nil
	}

	obj, err := parseEventObject(payloadJSON)
	if err != nil {
		return eventledger.Permanent(err)
	}

	in := NormalizedSubscription{
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: obj.ID,
		ProviderPriceRef:       obj.Plan.ID,
		SeatCount:              obj.Quantity,
		BillingInterval:        obj.Plan.Interval,
		Status:                 obj.Status,
		CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		RawPayloadJSON:         payloadJSON,
	}

	orgID, err := strconv.ParseUint(obj.Metadata.OrganizationID, 10, 32)
	if err != nil || orgID == 0 {
		return eventledger.Permanent(fmt.Errorf("subscription %s carries no usable organization_id metadata", obj.ID))
	}
	in.OrganizationID = uint(orgID)

	if obj.CurrentPeriodStart > 0 {
		t := time.Unix(obj.CurrentPeriodStart, 0).UTC()
		in.CurrentPeriodStart = &t
	}
	if obj.CurrentPeriodEnd > 0 {
		t := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		in.CurrentPeriodEnd = &t
	}

	switch eventType {
	case EventSubscriptionDeleted:
		in.Status = models.BillingStatusCanceled
	case EventInvoicePaymentFail:
		in.Status = models.BillingStatusPastDue
	}

	_, err = s.SyncSubscription(ctx, in)
	return err
}

func parseEventObject(payloadJSON string) (*stripeEventObject, error) {
	var obj stripeEventObject
	if err := json.Unmarshal([]byte(payloadJSON), &obj); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, errors.New("event payload has no subscription id")
	}
	return &obj, nil
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case models.BillingIntervalMonth, models.BillingIntervalYear:
		return i
	default:
		return models.BillingIntervalUnknown
	}
}
