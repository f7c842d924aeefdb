package billing

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storypeak/storypeak/app/models"
)

// Repository provides DB operations used by the billing sync service.
type Repository interface {
	FindActivePlanMapping(provider, providerPriceRef, interval string) (*models.PlanMapping, error)
	UpsertSubscription(sub *models.Subscription) error
	ListSubscriptionsByOrganization(organizationID uint) ([]models.Subscription, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPriceRef, interval string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_price_ref = ? AND billing_interval = ? AND is_active = ?", provider, providerPriceRef, interval, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"organization_id",
			"provider_price_ref",
			"tier",
			"seat_count",
			"pooling_enabled",
			"rollover_percent",
			"soft_cap_per_user",
			"billing_interval",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) ListSubscriptionsByOrganization(organizationID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("organization_id = ?", organizationID).Find(&subs).Error
	return subs, err
}
