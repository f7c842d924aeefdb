package reservation

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/usage"
)

// ErrReservationNotFound is returned for unknown reservation IDs.
var ErrReservationNotFound = errors.New("reservation not found")

// Repository provides DB operations for capacity holds. Transact serializes
// admission against concurrent reserves for the same scope; Transition is the
// compare-and-set that makes terminal states absorbing.
type Repository interface {
	Transact(fn func(Repository) error) error
	GetPeriodForUpdate(organizationID, userID uint, periodStart time.Time) (*models.UsagePeriod, error)
	SumOutstanding(organizationID, userID uint, pooled bool, now time.Time) (int64, error)
	InsertHold(hold *models.Reservation) error
	Get(id string) (*models.Reservation, error)
	Transition(id, from, to string, actualAmount *int64, committedAt *time.Time, now time.Time) (bool, error)
	ExpireStale(now time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reservation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transact(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

// GetPeriodForUpdate locks the period row so concurrent reserves for the same
// scope serialize on admission. The lock is held only for the duration of the
// enclosing transaction, never across calls to the AI provider.
func (r *gormRepository) GetPeriodForUpdate(organizationID, userID uint, periodStart time.Time) (*models.UsagePeriod, error) {
	var period models.UsagePeriod
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND user_id = ? AND period_start = ?", organizationID, userID, periodStart).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, usage.ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

// SumOutstanding totals unexpired holds that still count against capacity.
// Expired-but-unswept rows are excluded here, which is the lazy half of the
// expiry mechanism.
func (r *gormRepository) SumOutstanding(organizationID, userID uint, pooled bool, now time.Time) (int64, error) {
	q := r.db.Model(&models.Reservation{}).
		Where("organization_id = ? AND status = ? AND expires_at > ?", organizationID, models.ReservationStatusReserved, now)
	if !pooled {
		q = q.Where("user_id = ?", userID)
	}
	var total int64
	err := q.Select("COALESCE(SUM(estimated_amount), 0)").Scan(&total).Error
	return total, err
}

func (r *gormRepository) InsertHold(hold *models.Reservation) error {
	return r.db.Create(hold).Error
}

func (r *gormRepository) Get(id string) (*models.Reservation, error) {
	var hold models.Reservation
	err := r.db.Where("id = ?", id).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// Transition performs the guarded status move. RowsAffected tells the caller
// whether it won the race; a loss means the hold already reached a terminal
// state and the caller treats the operation as an idempotent no-op. An
// overdue hold stopped counting as outstanding the moment its deadline
// passed, so the same deadline predicate guards every move out of reserved
// except the expiry itself: a hold can never commit capacity that admission
// has already handed to someone else.
func (r *gormRepository) Transition(id, from, to string, actualAmount *int64, committedAt *time.Time, now time.Time) (bool, error) {
	if !models.CanTransitionReservationStatus(from, to) {
		return false, errors.New("illegal reservation transition " + from + " -> " + to)
	}
	updates := map[string]interface{}{"status": to}
	if actualAmount != nil {
		updates["actual_amount"] = *actualAmount
	}
	if committedAt != nil {
		updates["committed_at"] = *committedAt
	}
	q := r.db.Model(&models.Reservation{}).
		Where("id = ? AND status = ?", id, from)
	if from == models.ReservationStatusReserved && to != models.ReservationStatusExpired {
		q = q.Where("expires_at > ?", now)
	}
	tx := q.Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ExpireStale is the sweeping half of expiry: any hold past its deadline
// flips to expired in one statement.
func (r *gormRepository) ExpireStale(now time.Time) (int64, error) {
	tx := r.db.Model(&models.Reservation{}).
		Where("status = ? AND expires_at <= ?", models.ReservationStatusReserved, now).
		Update("status", models.ReservationStatusExpired)
	return tx.RowsAffected, tx.Error
}
