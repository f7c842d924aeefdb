package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/cache"
	"github.com/storypeak/storypeak/internal/pkg/entitlements"
)

// WarningThreshold is the used/allowance ratio at which consumption responses
// start carrying a low-balance warning.
const WarningThreshold = 0.90

// Denial reasons returned to callers. Machine-readable; the HTTP layer maps
// them onto upgrade prompts.
const (
	ReasonAllowanceExceeded = "allowance_exceeded"
	ReasonSoftCapExceeded   = "soft_cap_exceeded"
)

const snapshotCacheTTL = 30 * time.Second

// SubscriptionSource resolves the entitling subscription for an organization.
// Implemented by the billing service; nil results mean the free tier.
type SubscriptionSource interface {
	BestSubscription(ctx context.Context, organizationID uint) (*models.Subscription, error)
}

// Snapshot is the point-in-time usage view for one allowance scope.
type Snapshot struct {
	Used       int64   `json:"used"`
	Allowance  int64   `json:"allowance"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// Decision is the admission verdict for a prospective action.
type Decision struct {
	Allowed   bool
	Reason    string
	IsWarning bool
	Snapshot  Snapshot
}

// Scope identifies the allowance a request draws from: the organization pool
// for pooled tiers (UserID 0) or the individual user otherwise.
type Scope struct {
	OrganizationID uint
	UserID         uint
	RequestUserID  uint
	Pooled         bool
	SoftCap        int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Period         *models.UsagePeriod
	Subscription   *models.Subscription
}

// snapshotCache caches period snapshots. `used` is monotonic within a
// period, so set must atomically refuse to replace a cached snapshot with
// one whose `used` is lower: a read-side write-back that stalled across a
// concurrent consumption commit would otherwise reinstall the pre-commit
// view and hide the write until the TTL runs out.
type snapshotCache interface {
	get(key string) (Snapshot, bool)
	set(key string, snap Snapshot)
}

// Ledger owns the period-scoped usage counters. All mutation of `used` in the
// whole system funnels through RecordAction.
type Ledger struct {
	repo  Repository
	subs  SubscriptionSource
	cache snapshotCache
	now   func() time.Time
}

// NewLedger creates a usage ledger from injected collaborators, without the
// redis snapshot cache.
func NewLedger(repo Repository, subs SubscriptionSource) *Ledger {
	return &Ledger{repo: repo, subs: subs, now: time.Now}
}

// NewLedgerFromDB creates a usage ledger backed by GORM and the redis
// snapshot cache.
func NewLedgerFromDB(db *gorm.DB, subs SubscriptionSource) *Ledger {
	l := NewLedger(NewRepository(db), subs)
	l.cache = redisSnapshotCache{}
	return l
}

// Repo exposes the repository for collaborators that join their own
// transactions against the same tables (the reservation manager).
func (l *Ledger) Repo() Repository {
	return l.repo
}

// Scope resolves the allowance scope for a request and lazily materializes
// the current period row, freezing allowance and rollover on first access.
func (l *Ledger) Scope(ctx context.Context, organizationID, userID uint) (*Scope, error) {
	sub, err := l.subscriptionFor(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	pooled := entitlements.IsPooled(sub)
	scopeUser := userID
	if pooled {
		scopeUser = 0
	}

	now := l.now()
	scope := &Scope{
		OrganizationID: organizationID,
		UserID:         scopeUser,
		RequestUserID:  userID,
		Pooled:         pooled,
		SoftCap:        entitlements.SoftCapFor(sub),
		PeriodStart:    PeriodStart(now),
		PeriodEnd:      PeriodEnd(now),
		Subscription:   sub,
	}

	period, err := l.materializePeriod(sub, scope)
	if err != nil {
		return nil, err
	}
	scope.Period = period
	return scope, nil
}

// GetCurrentUsage returns the scope's usage snapshot, serving from the
// short-TTL cache when possible.
func (l *Ledger) GetCurrentUsage(ctx context.Context, organizationID, userID uint) (Snapshot, error) {
	scope, err := l.Scope(ctx, organizationID, userID)
	if err != nil {
		return Snapshot{}, err
	}

	key := l.cacheKey(scope)
	if l.cache != nil {
		if snap, ok := l.cache.get(key); ok {
			return snap, nil
		}
	}

	snap := snapshotOf(scope.Period)
	if l.cache != nil {
		l.cache.set(key, snap)
	}
	return snap, nil
}

// RecordAction commits consumption: a single atomic increment of the period's
// `used` plus the per-action-type breakdown counter keyed by the real user.
func (l *Ledger) RecordAction(ctx context.Context, organizationID, userID uint, actionType string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("consumption amount must not be negative, got %d", amount)
	}
	scope, err := l.Scope(ctx, organizationID, userID)
	if err != nil {
		return err
	}

	if err := l.repo.IncrementUsed(scope.OrganizationID, scope.UserID, scope.PeriodStart, amount); err != nil {
		return err
	}
	if err := l.repo.UpsertActionCounter(scope.OrganizationID, userID, scope.PeriodStart, actionType, amount); err != nil {
		return err
	}
	if l.cache != nil {
		// Push the post-commit view so the next read sees this write even
		// when a concurrent reader is mid-flight with the older one.
		if period, err := l.repo.GetPeriod(scope.OrganizationID, scope.UserID, scope.PeriodStart); err == nil {
			l.cache.set(l.cacheKey(scope), snapshotOf(period))
		}
	}
	return nil
}

// CanPerformAction applies the admission policy: per-user soft cap inside
// pools, the hard allowance limit, and the non-blocking low-balance warning.
func (l *Ledger) CanPerformAction(ctx context.Context, organizationID, userID uint, cost int64) (Decision, error) {
	scope, err := l.Scope(ctx, organizationID, userID)
	if err != nil {
		return Decision{}, err
	}
	return l.admit(scope, cost, 0, 0)
}

// ActionBreakdown lists the per-action-type counters for the current period.
func (l *Ledger) ActionBreakdown(ctx context.Context, organizationID, userID uint) ([]models.UsageActionCounter, error) {
	scope, err := l.Scope(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}
	return l.repo.ListActionCounters(scope.OrganizationID, userID, scope.PeriodStart)
}

// admit evaluates the policy against a period view. Outstanding amounts let
// the reservation manager treat unexpired holds as already-consumed capacity.
func (l *Ledger) admit(scope *Scope, cost, outstanding, userOutstanding int64) (Decision, error) {
	period := scope.Period
	snap := snapshotOf(period)
	decision := Decision{Snapshot: snap}

	if snap.Allowance > 0 && float64(snap.Used)/float64(snap.Allowance) >= WarningThreshold {
		decision.IsWarning = true
	}

	if scope.Pooled && scope.SoftCap > 0 {
		userUsed, err := l.repo.SumUserConsumed(scope.OrganizationID, scope.RequestUserID, scope.PeriodStart)
		if err != nil {
			return Decision{}, err
		}
		if userUsed+userOutstanding+cost > scope.SoftCap {
			decision.Reason = ReasonSoftCapExceeded
			return decision, nil
		}
	}

	if period.Used+outstanding+cost > period.Allowance {
		decision.Reason = ReasonAllowanceExceeded
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// Admit is the reservation manager's entry into the admission policy with
// outstanding holds counted as consumed.
func (l *Ledger) Admit(scope *Scope, cost, outstanding, userOutstanding int64) (Decision, error) {
	return l.admit(scope, cost, outstanding, userOutstanding)
}

func (l *Ledger) subscriptionFor(ctx context.Context, organizationID uint) (*models.Subscription, error) {
	if l.subs != nil {
		sub, err := l.subs.BestSubscription(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	return &models.Subscription{
		OrganizationID: organizationID,
		Tier:           string(entitlements.TierFree),
		SeatCount:      1,
		Status:         models.BillingStatusActive,
	}, nil
}

func (l *Ledger) materializePeriod(sub *models.Subscription, scope *Scope) (*models.UsagePeriod, error) {
	period, err := l.repo.GetPeriod(scope.OrganizationID, scope.UserID, scope.PeriodStart)
	if err == nil {
		return period, nil
	}
	if err != ErrPeriodNotFound {
		return nil, err
	}

	prevStart := PreviousPeriodStart(scope.PeriodStart)
	prev, err := l.repo.GetPeriod(scope.OrganizationID, scope.UserID, prevStart)
	if err != nil && err != ErrPeriodNotFound {
		return nil, err
	}

	allowance, carried := entitlements.CalculateAllowance(sub, prev)
	created, stored, err := l.repo.CreatePeriodIfNotExists(&models.UsagePeriod{
		OrganizationID: scope.OrganizationID,
		UserID:         scope.UserID,
		PeriodStart:    scope.PeriodStart,
		PeriodEnd:      scope.PeriodEnd,
		Allowance:      allowance,
	})
	if err != nil {
		return nil, err
	}
	if created && carried > 0 && prev != nil {
		// Freeze what the closed period contributed, for audit replay.
		if err := l.repo.SetRolloverCarried(scope.OrganizationID, scope.UserID, prevStart, carried); err != nil {
			log.Warnf("failed to record rollover for org %d period %s: %v", scope.OrganizationID, prevStart.Format("2006-01"), err)
		}
	}
	return stored, nil
}

func (l *Ledger) cacheKey(scope *Scope) string {
	return fmt.Sprintf("usage:%d:%d:%s", scope.OrganizationID, scope.UserID, scope.PeriodStart.Format("2006-01"))
}

func snapshotOf(period *models.UsagePeriod) Snapshot {
	snap := Snapshot{
		Used:      period.Used,
		Allowance: period.Allowance,
		Remaining: period.Allowance - period.Used,
	}
	if snap.Remaining < 0 {
		snap.Remaining = 0
	}
	if period.Allowance > 0 {
		snap.Percentage = float64(period.Used) / float64(period.Allowance) * 100
	}
	return snap
}

// redisSnapshotCache serves snapshots from the shared cache with a short TTL;
// any cache failure degrades to a database read.
type redisSnapshotCache struct{}

// snapshotWriteScript is the atomic freshness guard: the stored snapshot is
// only replaced when the candidate's `used` is higher, so two racing writers
// always leave the fresher view behind.
var snapshotWriteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded['used'] and tonumber(decoded['used']) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (redisSnapshotCache) get(key string) (Snapshot, bool) {
	raw, err := cache.Get(key)
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (redisSnapshotCache) set(key string, snap Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	client := cache.GetClient()
	if client == nil {
		return
	}
	err = snapshotWriteScript.Run(context.Background(), client, []string{key},
		string(raw), snap.Used, snapshotCacheTTL.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		log.Debugf("usage snapshot cache write failed: %v", err)
	}
}
