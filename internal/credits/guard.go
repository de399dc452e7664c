// ABOUTME: Credit guard: pre-flight balance check and per-participant charging
// ABOUTME: The check is advisory; the balance can change before the charge lands

package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// InsufficientError is the structured denial returned when the balance does
// not cover the estimate. It carries the figures for the acknowledgement.
type InsufficientError struct {
	Required int64
	Current  int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, current %d", e.Required, e.Current)
}

// Ledger is the external transactional ledger the guard talks to.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	RecordTransaction(ctx context.Context, tx *store.CreditTransaction) error
}

// Guard performs the pre-flight sufficiency check and records charges.
//
// Authorize is a time-of-check advisory, not a reservation: between the check
// and the later per-participant charge the real balance can change. This gap
// is an accepted trade-off of the design, not a defect; charges are applied
// per successfully-completed participant regardless of the balance at that
// moment, and partial charges across a turn are an expected outcome.
type Guard struct {
	ledger Ledger
	logger *slog.Logger
}

// NewGuard creates a guard over the given ledger.
func NewGuard(ledger Ledger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		ledger: ledger,
		logger: logger.With("component", "credit-guard"),
	}
}

// Authorize checks that the user's balance covers the estimate.
// Returns *InsufficientError when it does not.
func (g *Guard) Authorize(ctx context.Context, userID string, estimate int64) error {
	current, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	if current < estimate {
		g.logger.Info("credit check denied",
			"user_id", userID, "required", estimate, "current", current)
		return &InsufficientError{Required: estimate, Current: current}
	}
	return nil
}

// Charge appends one negative ledger entry for a successfully generated
// message. Called exactly once per delivered participant response; never
// called for failed generations.
func (g *Guard) Charge(ctx context.Context, userID string, amount int64, memo, messageID string) error {
	if amount <= 0 {
		return nil
	}
	tx := &store.CreditTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Delta:     -amount,
		Memo:      memo,
		MessageID: messageID,
		CreatedAt: time.Now(),
	}
	if err := g.ledger.RecordTransaction(ctx, tx); err != nil {
		return fmt.Errorf("recording charge: %w", err)
	}
	g.logger.Debug("charge recorded",
		"user_id", userID, "amount", amount, "message_id", messageID)
	return nil
}
