package eventledger

import (
	"sync"

	"github.com/storypeak/storypeak/app/models"
)

// fakeRepository is an in-memory Repository with the same atomicity contract
// as the GORM implementation: a uniqueness-arbitrated insert and conditional
// single-row updates, all under one mutex.
type fakeRepository struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{events: make(map[string]*models.WebhookEvent)}
}

func key(provider, eventID string) string {
	return provider + "/" + eventID
}

func (r *fakeRepository) Get(provider, eventID string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[key(provider, eventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *fakeRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(event.Provider, event.EventID)
	if existing, ok := r.events[k]; ok {
		copied := *existing
		return false, &copied, nil
	}
	copied := *event
	r.events[k] = &copied
	stored := copied
	return true, &stored, nil
}

func (r *fakeRepository) ClaimRetry(provider, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[key(provider, eventID)]
	if !ok || !models.CanTransitionWebhookStatus(event.Status, models.WebhookStatusPending) {
		return false, nil
	}
	event.Status = models.WebhookStatusPending
	return true, nil
}

func (r *fakeRepository) MarkSuccess(provider, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[key(provider, eventID)]
	if !ok || !models.CanTransitionWebhookStatus(event.Status, models.WebhookStatusSuccess) {
		return nil
	}
	event.Status = models.WebhookStatusSuccess
	event.ErrorMessage = ""
	return nil
}

func (r *fakeRepository) MarkRetrying(provider, eventID, errorMessage string, maxRetries int) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[key(provider, eventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	if models.CanTransitionWebhookStatus(event.Status, models.WebhookStatusRetrying) {
		event.RetryCount++
		event.ErrorMessage = errorMessage
		if event.RetryCount >= maxRetries {
			event.Status = models.WebhookStatusFailed
		} else {
			event.Status = models.WebhookStatusRetrying
		}
	}
	copied := *event
	return &copied, nil
}

func (r *fakeRepository) MarkFailed(provider, eventID, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[key(provider, eventID)]
	if !ok || !models.CanTransitionWebhookStatus(event.Status, models.WebhookStatusFailed) {
		return nil
	}
	event.Status = models.WebhookStatusFailed
	event.ErrorMessage = errorMessage
	return nil
}

func (r *fakeRepository) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
