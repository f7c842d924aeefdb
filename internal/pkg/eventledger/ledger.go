package eventledger

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/env"
)

// Ledger is the durable record of inbound billing events and the idempotency
// gate in front of it.
type Ledger struct {
	repo       Repository
	maxRetries int
}

// NewLedger creates a ledger from an injected repository.
func NewLedger(repo Repository, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Ledger{repo: repo, maxRetries: maxRetries}
}

// NewLedgerFromDB creates a ledger from a GORM DB handle with the retry bound
// taken from the environment.
func NewLedgerFromDB(db *gorm.DB) *Ledger {
	return NewLedger(NewRepository(db), env.GetEnvInt("WEBHOOK_MAX_RETRIES", DefaultMaxRetries))
}

// MaxRetries returns the configured retry budget.
func (l *Ledger) MaxRetries() int {
	return l.maxRetries
}

// CheckIdempotency decides whether processing for an event ID should proceed,
// be skipped because it already succeeded, or be skipped because another
// worker owns it or the event is permanently dead.
func (l *Ledger) CheckIdempotency(provider, eventID string) (CheckResult, error) {
	event, err := l.repo.Get(provider, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return CheckResult{ShouldProcess: true}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}

	switch event.Status {
	case models.WebhookStatusSuccess:
		return CheckResult{AlreadyProcessed: true, Status: models.WebhookStatusSuccess}, nil
	case models.WebhookStatusPending:
		// Another worker is mid-flight; the caller may re-check later.
		return CheckResult{Status: models.WebhookStatusPending}, nil
	case models.WebhookStatusRetrying, models.WebhookStatusFailed:
		if event.RetryCount < l.maxRetries {
			return CheckResult{ShouldProcess: true, Status: models.WebhookStatusRetrying}, nil
		}
		return CheckResult{Status: models.WebhookStatusFailed}, nil
	default:
		return CheckResult{}, errors.New("unknown webhook event status " + event.Status)
	}
}

// LogEvent upserts the ledger row for a first-sight event. It reports whether
// this caller created the row and therefore owns the processing attempt.
func (l *Ledger) LogEvent(provider, eventID, eventType, payloadJSON string) (bool, *models.WebhookEvent, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	id := strings.TrimSpace(eventID)
	if p == "" || id == "" {
		return false, nil, errors.New("provider and event_id are required")
	}

	event := &models.WebhookEvent{
		Provider:    p,
		EventID:     id,
		EventType:   strings.TrimSpace(eventType),
		Status:      models.WebhookStatusPending,
		PayloadJSON: payloadJSON,
	}
	return l.repo.CreateIfNotExists(event)
}

// ClaimRetry atomically takes ownership of a retrying event. Exactly one of
// any number of concurrent redeliveries wins.
func (l *Ledger) ClaimRetry(provider, eventID string) (bool, error) {
	return l.repo.ClaimRetry(provider, eventID)
}

// MarkSuccess records the terminal success state.
func (l *Ledger) MarkSuccess(provider, eventID string) error {
	return l.repo.MarkSuccess(provider, eventID)
}

// MarkRetrying records a transient failure, incrementing the retry counter
// and dead-lettering the event once the budget is exhausted. It returns the
// resulting status.
func (l *Ledger) MarkRetrying(provider, eventID string, cause error) (string, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	event, err := l.repo.MarkRetrying(provider, eventID, msg, l.maxRetries)
	if err != nil {
		return "", err
	}
	return event.Status, nil
}

// MarkFailed records the terminal failed state for non-retryable errors.
func (l *Ledger) MarkFailed(provider, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.repo.MarkFailed(provider, eventID, msg)
}

// Get returns the stored ledger row for an event.
func (l *Ledger) Get(provider, eventID string) (*models.WebhookEvent, error) {
	return l.repo.Get(provider, eventID)
}
