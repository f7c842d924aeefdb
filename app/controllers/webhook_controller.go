package controllers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/billing"
	"github.com/storypeak/storypeak/internal/pkg/env"
	"github.com/storypeak/storypeak/internal/pkg/eventledger"
)

type eventProcessor interface {
	ProcessWithRetry(ctx context.Context, provider, eventID, eventType, payloadJSON string, work func(ctx context.Context) error) eventledger.Outcome
}

type eventStore interface {
	Get(provider, eventID string) (*models.WebhookEvent, error)
}

type subscriptionSyncer interface {
	SyncFromEvent(ctx context.Context, eventType, payloadJSON string) error
}

// WebhookController receives provider billing events and drives them through
// the event ledger. The response code is the redelivery contract: 2xx tells
// the provider to stop, 5xx asks for another attempt.
type WebhookController struct {
	processor eventProcessor
	events    eventStore
	syncer    subscriptionSyncer
	secret    string
}

// NewWebhookController creates a controller from injected collaborators.
func NewWebhookController(processor eventProcessor, events eventStore, syncer subscriptionSyncer, secret string) *WebhookController {
	return &WebhookController{processor: processor, events: events, syncer: syncer, secret: secret}
}

// NewWebhookControllerFromDB wires the controller against GORM with the
// signing secret taken from the environment.
func NewWebhookControllerFromDB(db *gorm.DB) *WebhookController {
	ledger := eventledger.NewLedgerFromDB(db)
	return NewWebhookController(
		eventledger.NewOrchestrator(ledger),
		ledger,
		billing.NewServiceFromDB(db),
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
	)
}

// stripeEnvelope is the outer event shape; data.object stays raw so the
// billing service owns its interpretation.
type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// HandleStripeWebhook verifies the signature, then applies the event exactly
// once. Duplicates and dead-lettered events acknowledge with 200 so the
// provider stops redelivering; only transient failures answer 5xx.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	if !billing.VerifyStripeWebhookSignature(rawBody, c.Get("Stripe-Signature"), wc.secret) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	}

	var envelope stripeEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Event body is not valid JSON"})
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Event id and type are required"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
	defer cancel()

	objectJSON := string(envelope.Data.Object)
	outcome := wc.processor.ProcessWithRetry(ctx, models.BillingProviderStripe, envelope.ID, envelope.Type, string(rawBody), func(ctx context.Context) error {
		return wc.syncer.SyncFromEvent(ctx, envelope.Type, objectJSON)
	})

	switch {
	case outcome.Success:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": outcome.Duplicate, "status": outcome.Status})
	case outcome.Permanent:
		// Unprocessable forever; a 5xx would only provoke useless redeliveries.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "status": outcome.Status, "error": "event_rejected"})
	case outcome.Retryable, outcome.Status == models.WebhookStatusFailed:
		if outcome.Status == models.WebhookStatusFailed {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "status": outcome.Status, "error": "retries_exhausted"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed", "message": "Transient failure, please redeliver"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Event ledger unavailable"})
	}
}

// HandleGetWebhookEvent returns the stored processing state of one event, for
// dead-letter triage.
func (wc *WebhookController) HandleGetWebhookEvent(c *fiber.Ctx) error {
	eventID := strings.TrimSpace(c.Params("id"))
	provider := strings.ToLower(strings.TrimSpace(c.Query("provider", models.BillingProviderStripe)))
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Event id missing"})
	}

	event, err := wc.events.Get(provider, eventID)
	if err != nil {
		if err == eventledger.ErrEventNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown event"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Event lookup failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"provider":      event.Provider,
		"event_id":      event.EventID,
		"event_type":    event.EventType,
		"status":        event.Status,
		"terminal":      models.IsTerminalWebhookStatus(event.Status),
		"retry_count":   event.RetryCount,
		"error_message": event.ErrorMessage,
		"created_at":    event.CreatedAt,
		"updated_at":    event.UpdatedAt,
	})
}
