package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storypeak/storypeak/app/models"
)

type fakeUsageRepository struct {
	mu       sync.Mutex
	periods  map[string]*models.UsagePeriod
	counters map[string]*models.UsageActionCounter
}

func newFakeUsageRepository() *fakeUsageRepository {
	return &fakeUsageRepository{
		periods:  make(map[string]*models.UsagePeriod),
		counters: make(map[string]*models.UsageActionCounter),
	}
}

func periodKey(org, user uint, start time.Time) string {
	return fmt.Sprintf("%d/%d/%s", org, user, start.Format("2006-01"))
}

func (r *fakeUsageRepository) GetPeriod(org, user uint, start time.Time) (*models.UsagePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	period, ok := r.periods[periodKey(org, user, start)]
	if !ok {
		return nil, ErrPeriodNotFound
	}
	copied := *period
	return &copied, nil
}

func (r *fakeUsageRepository) CreatePeriodIfNotExists(period *models.UsagePeriod) (bool, *models.UsagePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := periodKey(period.OrganizationID, period.UserID, period.PeriodStart)
	if existing, ok := r.periods[k]; ok {
		copied := *existing
		return false, &copied, nil
	}
	copied := *period
	r.periods[k] = &copied
	stored := copied
	return true, &stored, nil
}

func (r *fakeUsageRepository) SetRolloverCarried(org, user uint, start time.Time, carried int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if period, ok := r.periods[periodKey(org, user, start)]; ok && period.RolloverCarried == 0 {
		period.RolloverCarried = carried
	}
	return nil
}

func (r *fakeUsageRepository) IncrementUsed(org, user uint, start time.Time, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if period, ok := r.periods[periodKey(org, user, start)]; ok {
		period.Used += amount
	}
	return nil
}

func (r *fakeUsageRepository) UpsertActionCounter(org, user uint, start time.Time, actionType string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := periodKey(org, user, start) + "/" + actionType
	if counter, ok := r.counters[k]; ok {
		counter.Count++
		counter.Amount += amount
		return nil
	}
	r.counters[k] = &models.UsageActionCounter{
		OrganizationID: org,
		UserID:         user,
		PeriodStart:    start,
		ActionType:     actionType,
		Count:          1,
		Amount:         amount,
	}
	return nil
}

func (r *fakeUsageRepository) ListActionCounters(org, user uint, start time.Time) ([]models.UsageActionCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UsageActionCounter
	prefix := periodKey(org, user, start) + "/"
	for k, counter := range r.counters {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, *counter)
		}
	}
	return out, nil
}

func (r *fakeUsageRepository) SumUserConsumed(org, user uint, start time.Time) (int64, error) {
	counters, _ := r.ListActionCounters(org, user, start)
	var total int64
	for _, counter := range counters {
		total += counter.Amount
	}
	return total, nil
}

// fakeSnapshotCache mirrors the redis cache's freshness guard: a snapshot
// with lower `used` never replaces the stored one.
type fakeSnapshotCache struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func newFakeSnapshotCache() *fakeSnapshotCache {
	return &fakeSnapshotCache{snaps: make(map[string]Snapshot)}
}

func (c *fakeSnapshotCache) get(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[key]
	return snap, ok
}

func (c *fakeSnapshotCache) set(key string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[key]; ok && cur.Used >= snap.Used {
		return
	}
	c.snaps[key] = snap
}

type fixedSubscription struct {
	sub *models.Subscription
}

func (f fixedSubscription) BestSubscription(ctx context.Context, organizationID uint) (*models.Subscription, error) {
	return f.sub, nil
}

func proLedger(repo *fakeUsageRepository) *Ledger {
	return NewLedger(repo, fixedSubscription{sub: &models.Subscription{
		OrganizationID: 1, Tier: "pro", SeatCount: 1, Status: models.BillingStatusActive,
	}})
}

func teamLedger(repo *fakeUsageRepository, seats int) *Ledger {
	return NewLedger(repo, fixedSubscription{sub: &models.Subscription{
		OrganizationID: 1, Tier: "team", SeatCount: seats, Status: models.BillingStatusActive,
	}})
}

func TestGetCurrentUsageMaterializesPeriodLazily(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)

	snap, err := ledger.GetCurrentUsage(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Used)
	assert.EqualValues(t, 800, snap.Allowance)
	assert.EqualValues(t, 800, snap.Remaining)
	assert.Len(t, repo.periods, 1)
}

func TestRecordActionIsMonotonicAndVisible(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 3))
		snap, err := ledger.GetCurrentUsage(ctx, 1, 10)
		require.NoError(t, err)
		assert.Greater(t, snap.Used, last, "used must be non-decreasing")
		last = snap.Used
	}
	assert.EqualValues(t, 15, last)
}

func TestStalledCacheWriteBackCannotHideNewerUsage(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	fc := newFakeSnapshotCache()
	ledger.cache = fc
	ctx := context.Background()

	// A reader missed the cache and loaded used=0 from the database, then
	// stalled before writing its snapshot back.
	stale, err := ledger.GetCurrentUsage(ctx, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 0, stale.Used)

	// Meanwhile a consumption commit lands and pushes the fresh view.
	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 5))

	// The stalled reader's write-back arrives last. It must lose.
	scope, err := ledger.Scope(ctx, 1, 10)
	require.NoError(t, err)
	fc.set(ledger.cacheKey(scope), stale)

	snap, err := ledger.GetCurrentUsage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 5, snap.Used, "cached view must not roll back behind a committed write")
}

func TestAllowanceFrozenAtMaterialization(t *testing.T) {
	repo := newFakeUsageRepository()
	sub := &models.Subscription{OrganizationID: 1, Tier: "team", SeatCount: 2, Status: models.BillingStatusActive}
	ledger := NewLedger(repo, fixedSubscription{sub: sub})
	ctx := context.Background()

	snap, err := ledger.GetCurrentUsage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2000+2*500, snap.Allowance)

	// Seat growth mid-period does not rewrite the materialized allowance.
	sub.SeatCount = 9
	snap, err = ledger.GetCurrentUsage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, snap.Allowance)
}

func TestRolloverAppliedOnNewPeriod(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	now := time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	prevStart := PeriodStart(now.AddDate(0, -1, 0))
	repo.periods[periodKey(1, 10, prevStart)] = &models.UsagePeriod{
		OrganizationID: 1, UserID: 10,
		PeriodStart: prevStart, PeriodEnd: PeriodStart(now),
		Allowance: 100, Used: 60,
	}

	snap, err := ledger.GetCurrentUsage(context.Background(), 1, 10)
	require.NoError(t, err)
	// pro base 800 + floor(40 * 20%) = 808
	assert.EqualValues(t, 808, snap.Allowance)
	assert.EqualValues(t, 8, repo.periods[periodKey(1, 10, prevStart)].RolloverCarried)
}

func TestCanPerformActionHardLimitAndWarning(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 799))

	denied, err := ledger.CanPerformAction(ctx, 1, 10, 2)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonAllowanceExceeded, denied.Reason)

	allowed, err := ledger.CanPerformAction(ctx, 1, 10, 1)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
	assert.True(t, allowed.IsWarning, "99.9%% consumed must warn")
}

func TestCanPerformActionSoftCapInsidePool(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := teamLedger(repo, 10) // pool 7000, soft cap 1500 per user
	ctx := context.Background()

	// One heavy user approaches the soft cap while the pool stays roomy.
	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "doc_analysis", 1400))

	denied, err := ledger.CanPerformAction(ctx, 1, 10, 200)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonSoftCapExceeded, denied.Reason)

	// A different user in the same pool is unaffected.
	other, err := ledger.CanPerformAction(ctx, 1, 11, 200)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestPooledScopeSharesOnePeriodRow(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := teamLedger(repo, 2)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 5))
	require.NoError(t, ledger.RecordAction(ctx, 1, 11, "ai_chat", 7))

	snap, err := ledger.GetCurrentUsage(ctx, 1, 12)
	require.NoError(t, err)
	assert.EqualValues(t, 12, snap.Used)
	assert.Len(t, repo.periods, 1, "pooled consumption shares one counter row")
}

func TestActionBreakdown(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 1))
	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 1))
	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "story_generation", 2))

	counters, err := ledger.ActionBreakdown(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, counters, 2)
	byType := map[string]models.UsageActionCounter{}
	for _, counter := range counters {
		byType[counter.ActionType] = counter
	}
	assert.EqualValues(t, 2, byType["ai_chat"].Count)
	assert.EqualValues(t, 2, byType["ai_chat"].Amount)
	assert.EqualValues(t, 1, byType["story_generation"].Count)
}

func TestPeriodBoundaryResetsUsage(t *testing.T) {
	repo := newFakeUsageRepository()
	ledger := proLedger(repo)
	now := time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, ledger.RecordAction(ctx, 1, 10, "ai_chat", 50))

	// Cross into September: a fresh row, rollover included.
	now = time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	snap, err := ledger.GetCurrentUsage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Used)
	assert.EqualValues(t, 800+150, snap.Allowance, "floor(750 * 20%%) carried")
}
