package controllers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/billing"
	"github.com/storypeak/storypeak/internal/pkg/costs"
	"github.com/storypeak/storypeak/internal/pkg/env"
	"github.com/storypeak/storypeak/internal/pkg/reservation"
	"github.com/storypeak/storypeak/internal/pkg/usage"
)

type usageService interface {
	GetCurrentUsage(ctx context.Context, organizationID, userID uint) (usage.Snapshot, error)
	CanPerformAction(ctx context.Context, organizationID, userID uint, cost int64) (usage.Decision, error)
	ActionBreakdown(ctx context.Context, organizationID, userID uint) ([]models.UsageActionCounter, error)
}

type holdService interface {
	Reserve(ctx context.Context, organizationID, userID uint, actionType string, estimatedAmount int64, ttl time.Duration) (*models.Reservation, usage.Decision, error)
	Commit(ctx context.Context, reservationID string, actualAmount int64) error
	Release(ctx context.Context, reservationID string) error
	Get(ctx context.Context, reservationID string) (*models.Reservation, error)
}

// UsageController serves the service-to-service metering API: admission
// checks, usage snapshots and capacity holds.
type UsageController struct {
	ledger     usageService
	holds      holdService
	upgradeURL string
}

// NewUsageController creates a controller from injected collaborators.
func NewUsageController(ledger usageService, holds holdService) *UsageController {
	return &UsageController{
		ledger:     ledger,
		holds:      holds,
		upgradeURL: env.GetEnv("UPGRADE_URL", "/settings/billing/upgrade"),
	}
}

// NewUsageControllerFromDB wires the controller against GORM.
func NewUsageControllerFromDB(db *gorm.DB) *UsageController {
	ledger := usage.NewLedgerFromDB(db, billing.NewServiceFromDB(db))
	return NewUsageController(ledger, reservation.NewManagerFromDB(db, ledger))
}

type usageCheckRequest struct {
	OrganizationID uint   `json:"organization_id" validate:"required"`
	UserID         uint   `json:"user_id" validate:"required"`
	ActionType     string `json:"action_type" validate:"required"`
}

// HandleUsageCheck answers whether one action may proceed. A denial is 402
// with a machine-readable reason and an upgrade prompt.
func (uc *UsageController) HandleUsageCheck(c *fiber.Ctx) error {
	var req usageCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	v := validator.New()
	if err := v.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "organization_id, user_id and action_type are required"})
	}
	if !costs.Known(req.ActionType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action", "message": "Unknown action type " + req.ActionType})
	}

	decision, err := uc.ledger.CanPerformAction(c.Context(), req.OrganizationID, req.UserID, costs.Cost(req.ActionType))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Usage lookup failed"})
	}

	if !decision.Allowed {
		return c.Status(fiber.StatusPaymentRequired).JSON(uc.admissionBody(decision))
	}
	return c.Status(fiber.StatusOK).JSON(uc.admissionBody(decision))
}

// admissionBody is the flat consumption-check response: the counters live at
// the top level so callers can gate a button without unwrapping an envelope.
func (uc *UsageController) admissionBody(decision usage.Decision) fiber.Map {
	body := fiber.Map{
		"allowed":    decision.Allowed,
		"used":       decision.Snapshot.Used,
		"limit":      decision.Snapshot.Allowance,
		"percentage": decision.Snapshot.Percentage,
	}
	if decision.Allowed {
		body["is_warning"] = decision.IsWarning
	} else {
		body["reason"] = decision.Reason
		body["upgrade_url"] = uc.upgradeURL
	}
	return body
}

// HandleGetUsage returns the current period snapshot for the scope resolved
// from org and user query parameters.
func (uc *UsageController) HandleGetUsage(c *fiber.Ctx) error {
	organizationID, userID, ok := scopeParams(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "organization_id and user_id query parameters are required"})
	}

	snap, err := uc.ledger.GetCurrentUsage(c.Context(), organizationID, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Usage lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(snap)
}

// HandleGetUsageBreakdown lists per-action-type consumption for the period.
func (uc *UsageController) HandleGetUsageBreakdown(c *fiber.Ctx) error {
	organizationID, userID, ok := scopeParams(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "organization_id and user_id query parameters are required"})
	}

	counters, err := uc.ledger.ActionBreakdown(c.Context(), organizationID, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Breakdown lookup failed"})
	}
	if counters == nil {
		counters = []models.UsageActionCounter{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"actions": counters})
}

type reserveRequest struct {
	OrganizationID  uint   `json:"organization_id" validate:"required"`
	UserID          uint   `json:"user_id" validate:"required"`
	ActionType      string `json:"action_type" validate:"required"`
	EstimatedAmount int64  `json:"estimated_amount"`
	TTLSeconds      int    `json:"ttl_seconds"`
}

// HandleReserve creates a capacity hold for a long-running action. The
// estimate defaults to the action's cost when omitted.
func (uc *UsageController) HandleReserve(c *fiber.Ctx) error {
	var req reserveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	v := validator.New()
	if err := v.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "organization_id, user_id and action_type are required"})
	}
	if !costs.Known(req.ActionType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action", "message": "Unknown action type " + req.ActionType})
	}
	if req.EstimatedAmount <= 0 {
		req.EstimatedAmount = costs.Cost(req.ActionType)
	}

	hold, decision, err := uc.holds.Reserve(c.Context(), req.OrganizationID, req.UserID, req.ActionType, req.EstimatedAmount, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Reservation failed"})
	}
	if !decision.Allowed {
		return c.Status(fiber.StatusPaymentRequired).JSON(uc.admissionBody(decision))
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"reservation": hold,
		"is_warning":  decision.IsWarning,
	})
}

type commitRequest struct {
	ActualAmount int64 `json:"actual_amount"`
}

// HandleCommitReservation settles a hold at its actual cost.
func (uc *UsageController) HandleCommitReservation(c *fiber.Ctx) error {
	id := c.Params("id")
	var req commitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.ActualAmount < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "actual_amount must not be negative"})
	}

	if err := uc.holds.Commit(c.Context(), id, req.ActualAmount); err != nil {
		if err == reservation.ErrReservationNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown reservation"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Commit failed"})
	}
	return uc.reservationState(c, id)
}

// HandleReleaseReservation abandons a hold without recording usage.
func (uc *UsageController) HandleReleaseReservation(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := uc.holds.Release(c.Context(), id); err != nil {
		if err == reservation.ErrReservationNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown reservation"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Release failed"})
	}
	return uc.reservationState(c, id)
}

// HandleGetReservation returns the stored hold.
func (uc *UsageController) HandleGetReservation(c *fiber.Ctx) error {
	return uc.reservationState(c, c.Params("id"))
}

func (uc *UsageController) reservationState(c *fiber.Ctx, id string) error {
	hold, err := uc.holds.Get(c.Context(), id)
	if err != nil {
		if err == reservation.ErrReservationNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown reservation"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Reservation lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"reservation": hold})
}

func scopeParams(c *fiber.Ctx) (uint, uint, bool) {
	organizationID := c.QueryInt("organization_id")
	userID := c.QueryInt("user_id")
	if organizationID <= 0 || userID <= 0 {
		return 0, 0, false
	}
	return uint(organizationID), uint(userID), true
}
