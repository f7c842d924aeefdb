package eventledger

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/storypeak/storypeak/app/models"
)

// Orchestrator wraps a billing event's side effect with the idempotency gate
// and bounded failure accounting. It never loops internally: retries are
// expected to arrive as provider redeliveries, and the orchestrator's job is
// to make each one idempotent and to cap total attempts.
type Orchestrator struct {
	ledger *Ledger
}

// NewOrchestrator creates an orchestrator over a ledger.
func NewOrchestrator(ledger *Ledger) *Orchestrator {
	return &Orchestrator{ledger: ledger}
}

// ProcessWithRetry applies work for an event exactly once across any number
// of concurrent or repeated deliveries. Duplicate deliveries return a
// successful no-op without invoking work.
func (o *Orchestrator) ProcessWithRetry(ctx context.Context, provider, eventID, eventType, payloadJSON string, work func(ctx context.Context) error) Outcome {
	check, err := o.ledger.CheckIdempotency(provider, eventID)
	if err != nil {
		return Outcome{Err: err}
	}
	if !check.ShouldProcess {
		if check.Status == models.WebhookStatusFailed {
			log.Warnf("webhook event %s/%s is dead-lettered, skipping redelivery", provider, eventID)
		}
		return Outcome{Success: true, Duplicate: true, Status: check.Status}
	}

	created, stored, err := o.ledger.LogEvent(provider, eventID, eventType, payloadJSON)
	if err != nil {
		return Outcome{Err: err}
	}
	if !created {
		switch stored.Status {
		case models.WebhookStatusRetrying:
			claimed, err := o.ledger.ClaimRetry(provider, eventID)
			if err != nil {
				return Outcome{Err: err}
			}
			if !claimed {
				// A concurrent redelivery won the claim.
				return Outcome{Success: true, Duplicate: true, Status: models.WebhookStatusPending}
			}
		default:
			// Lost the first-sight race, or the event reached a terminal
			// state between the check and the insert.
			return Outcome{Success: true, Duplicate: true, Status: stored.Status}
		}
	}

	if err := work(ctx); err != nil {
		return o.recordFailure(provider, eventID, err)
	}

	if err := o.ledger.MarkSuccess(provider, eventID); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Success: true, Status: models.WebhookStatusSuccess}
}

func (o *Orchestrator) recordFailure(provider, eventID string, cause error) Outcome {
	if IsPermanent(cause) {
		if err := o.ledger.MarkFailed(provider, eventID, cause); err != nil {
			return Outcome{Err: err}
		}
		log.Errorf("webhook event %s/%s rejected permanently: %v", provider, eventID, cause)
		return Outcome{Permanent: true, Status: models.WebhookStatusFailed, Err: cause}
	}

	status, err := o.ledger.MarkRetrying(provider, eventID, cause)
	if err != nil {
		return Outcome{Err: err}
	}
	if status == models.WebhookStatusFailed {
		log.Errorf("webhook event %s/%s exhausted %d retries: %v", provider, eventID, o.ledger.MaxRetries(), cause)
	} else {
		log.Warnf("webhook event %s/%s failed transiently, awaiting redelivery: %v", provider, eventID, cause)
	}
	return Outcome{Retryable: status == models.WebhookStatusRetrying, Status: status, Err: cause}
}
