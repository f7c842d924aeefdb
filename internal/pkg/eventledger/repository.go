package eventledger

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storypeak/storypeak/app/models"
)

// Repository provides DB operations for the webhook event ledger. Every write
// is an atomic single-statement upsert or conditional update; the unique
// (provider, event_id) index arbitrates concurrent first-sight inserts.
type Repository interface {
	Get(provider, eventID string) (*models.WebhookEvent, error)
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	ClaimRetry(provider, eventID string) (bool, error)
	MarkSuccess(provider, eventID string) error
	MarkRetrying(provider, eventID, errorMessage string, maxRetries int) (*models.WebhookEvent, error)
	MarkFailed(provider, eventID, errorMessage string) error
}

type gormRepository struct {
	db *gorm.DB
}

// transitionSources lists the statuses a guarded update may move to `to`,
// derived from the lifecycle table so the SQL predicates can never drift
// from it.
func transitionSources(to string) []string {
	all := []string{
		models.WebhookStatusPending,
		models.WebhookStatusRetrying,
		models.WebhookStatusSuccess,
		models.WebhookStatusFailed,
	}
	var sources []string
	for _, status := range all {
		if models.CanTransitionWebhookStatus(status, to) {
			sources = append(sources, status)
		}
	}
	return sources
}

// NewRepository creates an event ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Get(provider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.Where("provider = ? AND event_id = ?", provider, eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CreateIfNotExists inserts the event or does nothing when the ID was already
// seen. The loser of a first-sight race reads back the winner's row instead
// of surfacing the constraint violation.
func (r *gormRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND event_id = ?", event.Provider, event.EventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ClaimRetry moves a retrying event back to pending for exactly one caller.
// Concurrent redeliveries race on the conditional update; only the winner
// gets to re-run the side effect.
func (r *gormRepository) ClaimRetry(provider, eventID string) (bool, error) {
	tx := r.db.Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND status IN ?", provider, eventID, transitionSources(models.WebhookStatusPending)).
		Update("status", models.WebhookStatusPending)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkSuccess(provider, eventID string) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND status IN ?", provider, eventID,
			transitionSources(models.WebhookStatusSuccess)).
		Updates(map[string]interface{}{
			"status":        models.WebhookStatusSuccess,
			"error_message": "",
		}).Error
}

// MarkRetrying records a transient failure in a single statement: the retry
// counter is incremented and the status flips to failed once the budget is
// exhausted. GORM emits map assignments in key order, so retry_count is
// assigned before status and MySQL's left-to-right SET evaluation lets the
// IF() see the incremented value.
func (r *gormRepository) MarkRetrying(provider, eventID, errorMessage string, maxRetries int) (*models.WebhookEvent, error) {
	err := r.db.Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND status IN ?", provider, eventID,
			transitionSources(models.WebhookStatusRetrying)).
		Updates(map[string]interface{}{
			"error_message": errorMessage,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"status":        gorm.Expr("IF(retry_count >= ?, ?, ?)", maxRetries, models.WebhookStatusFailed, models.WebhookStatusRetrying),
		}).Error
	if err != nil {
		return nil, err
	}
	return r.Get(provider, eventID)
}

func (r *gormRepository) MarkFailed(provider, eventID, errorMessage string) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND status IN ?", provider, eventID,
			transitionSources(models.WebhookStatusFailed)).
		Updates(map[string]interface{}{
			"status":        models.WebhookStatusFailed,
			"error_message": errorMessage,
		}).Error
}
