package usage

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storypeak/storypeak/app/models"
)

// ErrPeriodNotFound is returned when no usage period row exists for a scope.
var ErrPeriodNotFound = errors.New("usage period not found")

// Repository provides DB operations for period counters. The `used` column is
// only ever changed through IncrementUsed's single-statement atomic add; no
// read-modify-write path exists.
type Repository interface {
	GetPeriod(organizationID, userID uint, periodStart time.Time) (*models.UsagePeriod, error)
	CreatePeriodIfNotExists(period *models.UsagePeriod) (bool, *models.UsagePeriod, error)
	SetRolloverCarried(organizationID, userID uint, periodStart time.Time, carried int64) error
	IncrementUsed(organizationID, userID uint, periodStart time.Time, amount int64) error
	UpsertActionCounter(organizationID, userID uint, periodStart time.Time, actionType string, amount int64) error
	ListActionCounters(organizationID, userID uint, periodStart time.Time) ([]models.UsageActionCounter, error)
	SumUserConsumed(organizationID, userID uint, periodStart time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a usage repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetPeriod(organizationID, userID uint, periodStart time.Time) (*models.UsagePeriod, error) {
	var period models.UsagePeriod
	err := r.db.Where("organization_id = ? AND user_id = ? AND period_start = ?", organizationID, userID, periodStart).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

// CreatePeriodIfNotExists materializes a period row once; concurrent first
// accesses race on the unique (organization, user, period_start) index and
// the losers read back the winner's frozen allowance.
func (r *gormRepository) CreatePeriodIfNotExists(period *models.UsagePeriod) (bool, *models.UsagePeriod, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "organization_id"},
			{Name: "user_id"},
			{Name: "period_start"},
		},
		DoNothing: true,
	}).Create(period)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.GetPeriod(period.OrganizationID, period.UserID, period.PeriodStart)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

// SetRolloverCarried freezes the amount a closed period contributed to its
// successor. Written once; re-materialization races leave the first value.
func (r *gormRepository) SetRolloverCarried(organizationID, userID uint, periodStart time.Time, carried int64) error {
	return r.db.Model(&models.UsagePeriod{}).
		Where("organization_id = ? AND user_id = ? AND period_start = ? AND rollover_carried = 0", organizationID, userID, periodStart).
		Update("rollover_carried", carried).Error
}

func (r *gormRepository) IncrementUsed(organizationID, userID uint, periodStart time.Time, amount int64) error {
	return r.db.Model(&models.UsagePeriod{}).
		Where("organization_id = ? AND user_id = ? AND period_start = ?", organizationID, userID, periodStart).
		Update("used", gorm.Expr("used + ?", amount)).Error
}

func (r *gormRepository) UpsertActionCounter(organizationID, userID uint, periodStart time.Time, actionType string, amount int64) error {
	counter := &models.UsageActionCounter{
		OrganizationID: organizationID,
		UserID:         userID,
		PeriodStart:    periodStart,
		ActionType:     actionType,
		Count:          1,
		Amount:         amount,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "organization_id"},
			{Name: "user_id"},
			{Name: "period_start"},
			{Name: "action_type"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":  gorm.Expr("count + 1"),
			"amount": gorm.Expr("amount + ?", amount),
		}),
	}).Create(counter).Error
}

func (r *gormRepository) ListActionCounters(organizationID, userID uint, periodStart time.Time) ([]models.UsageActionCounter, error) {
	var counters []models.UsageActionCounter
	err := r.db.Where("organization_id = ? AND user_id = ? AND period_start = ?", organizationID, userID, periodStart).
		Order("action_type").
		Find(&counters).Error
	return counters, err
}

// SumUserConsumed totals a single user's committed consumption in a period,
// regardless of whether the allowance pool is shared. Backs the soft cap.
func (r *gormRepository) SumUserConsumed(organizationID, userID uint, periodStart time.Time) (int64, error) {
	var total int64
	err := r.db.Model(&models.UsageActionCounter{}).
		Where("organization_id = ? AND user_id = ? AND period_start = ?", organizationID, userID, periodStart).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
