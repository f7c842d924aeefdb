package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storypeak/storypeak/app/models"
	"github.com/storypeak/storypeak/internal/pkg/env"
	"github.com/storypeak/storypeak/internal/pkg/usage"
)

// DefaultTTL bounds how long a hold survives without a commit or release.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval is how often the background sweep expires stale holds.
const DefaultSweepInterval = time.Minute

// Manager issues short-lived capacity holds against the usage ledger. A hold
// counts as consumed capacity from creation until it reaches a terminal
// state; only commit turns it into recorded usage.
type Manager struct {
	repo  Repository
	usage *usage.Ledger
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a manager from injected collaborators.
func NewManager(repo Repository, usageLedger *usage.Ledger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{repo: repo, usage: usageLedger, ttl: ttl, now: time.Now}
}

// NewManagerFromDB creates a manager backed by GORM with the TTL taken from
// the environment (seconds).
func NewManagerFromDB(db *gorm.DB, usageLedger *usage.Ledger) *Manager {
	ttl := time.Duration(env.GetEnvInt("RESERVATION_TTL_SECONDS", int(DefaultTTL/time.Second))) * time.Second
	return NewManager(NewRepository(db), usageLedger, ttl)
}

// Reserve admits and creates a hold in one transaction. The admission check
// treats all outstanding unexpired holds as already-consumed capacity, so two
// concurrent reserves can never jointly oversubscribe the allowance. A denial
// is a normal decision, not an error.
func (m *Manager) Reserve(ctx context.Context, organizationID, userID uint, actionType string, estimatedAmount int64, ttl time.Duration) (*models.Reservation, usage.Decision, error) {
	if estimatedAmount <= 0 {
		return nil, usage.Decision{}, errors.New("estimated amount must be positive")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	scope, err := m.usage.Scope(ctx, organizationID, userID)
	if err != nil {
		return nil, usage.Decision{}, err
	}

	now := m.now()
	var hold *models.Reservation
	var decision usage.Decision

	err = m.repo.Transact(func(tx Repository) error {
		period, err := tx.GetPeriodForUpdate(scope.OrganizationID, scope.UserID, scope.PeriodStart)
		if err != nil {
			return err
		}
		scope.Period = period

		outstanding, err := tx.SumOutstanding(scope.OrganizationID, userID, scope.Pooled, now)
		if err != nil {
			return err
		}
		var userOutstanding int64
		if scope.Pooled && scope.SoftCap > 0 {
			if userOutstanding, err = tx.SumOutstanding(scope.OrganizationID, userID, false, now); err != nil {
				return err
			}
		}

		decision, err = m.usage.Admit(scope, estimatedAmount, outstanding, userOutstanding)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return nil
		}

		hold = &models.Reservation{
			ID:              "rsv_" + uuid.NewString(),
			OrganizationID:  organizationID,
			UserID:          userID,
			ActionType:      actionType,
			EstimatedAmount: estimatedAmount,
			Status:          models.ReservationStatusReserved,
			ReservedAt:      now,
			ExpiresAt:       now.Add(ttl),
		}
		return tx.InsertHold(hold)
	})
	if err != nil {
		return nil, usage.Decision{}, err
	}
	return hold, decision, nil
}

// Commit turns a hold into recorded usage at its actual cost, which may
// differ from the estimate. Committing an already-terminal hold is an
// idempotent no-op, so retried caller-side cleanup is safe.
func (m *Manager) Commit(ctx context.Context, reservationID string, actualAmount int64) error {
	if actualAmount < 0 {
		return errors.New("actual amount must not be negative")
	}

	now := m.now()
	won, err := m.repo.Transition(reservationID, models.ReservationStatusReserved, models.ReservationStatusCommitted, &actualAmount, &now, now)
	if err != nil {
		return err
	}
	if !won {
		// Already terminal: committed earlier (idempotent retry), or
		// released/expired after the caller lost its hold. Neither case may
		// record usage again.
		return m.settleLostTransition(reservationID, now)
	}

	hold, err := m.repo.Get(reservationID)
	if err != nil {
		return err
	}
	return m.usage.RecordAction(ctx, hold.OrganizationID, hold.UserID, hold.ActionType, actualAmount)
}

// Release abandons a hold with no ledger effect. Releasing an already
// terminal hold is an idempotent no-op.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	_ = ctx
	now := m.now()
	won, err := m.repo.Transition(reservationID, models.ReservationStatusReserved, models.ReservationStatusReleased, nil, nil, now)
	if err != nil {
		return err
	}
	if !won {
		return m.settleLostTransition(reservationID, now)
	}
	return nil
}

// settleLostTransition resolves a CAS loss. A hold that is still `reserved`
// lost only because its deadline passed; admission already stopped counting
// it, so it is flipped to expired here rather than waiting for the sweep.
func (m *Manager) settleLostTransition(reservationID string, now time.Time) error {
	hold, err := m.repo.Get(reservationID)
	if err != nil {
		return err
	}
	if !models.IsTerminalReservationStatus(hold.Status) {
		if _, err := m.repo.Transition(reservationID, models.ReservationStatusReserved, models.ReservationStatusExpired, nil, nil, now); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored hold.
func (m *Manager) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	_ = ctx
	return m.repo.Get(reservationID)
}

// ExpireStale flips every overdue hold to expired, freeing its capacity.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	_ = ctx
	return m.repo.ExpireStale(m.now())
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled. The
// sweep is the backstop for callers that crashed between reserve and commit;
// admission already ignores overdue holds, so sweep latency only affects
// bookkeeping, not capacity.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := m.ExpireStale(ctx)
				if err != nil {
					log.Errorf("reservation sweep failed: %v", err)
					continue
				}
				if expired > 0 {
					log.Infof("reservation sweep expired %d stale holds", expired)
				}
			}
		}
	}()
}
