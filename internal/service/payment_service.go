package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/chatgate/internal/ledger"
	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/token"
)

var (
	// ErrInvalidAccount is returned for payment events without a real user.
	ErrInvalidAccount = errors.New("payment event has no billable account")

	// ErrMissingPaymentRef is returned for a credit pack without an idempotency reference.
	ErrMissingPaymentRef = errors.New("credit pack has no payment reference")

	// ErrInvalidWindow is returned for a subscription window that ends before it starts.
	ErrInvalidWindow = errors.New("subscription window ends before it starts")
)

// PaymentService applies payment-provider events to the ledger.
type PaymentService struct {
	ledger      repository.LedgerRepository
	locks       *userLocks
	maxAttempts int
	logger      *slog.Logger
	newID       func() string
}

// NewPaymentService creates a new payment service.
func NewPaymentService(ledgerRepo repository.LedgerRepository, maxAttempts int, logger *slog.Logger) *PaymentService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultSettleMaxAttempts
	}
	return &PaymentService{
		ledger:      ledgerRepo,
		locks:       newUserLocks(),
		maxAttempts: maxAttempts,
		logger:      logger,
		newID:       func() string { return ulid.Make().String() },
	}
}

func checkAccount(userID string) error {
	if userID == "" || IsAnonymousAccount(userID) {
		return ErrInvalidAccount
	}
	return nil
}

// ReplaceSubscriptionWindow overwrites the user's subscription window. A nil
// window ends the subscription. Consumption already recorded inside the new
// window's period still counts against it.
func (s *PaymentService) ReplaceSubscriptionWindow(ctx context.Context, userID string, window *models.SubscriptionWindow) error {
	if err := checkAccount(userID); err != nil {
		return err
	}
	if window != nil && window.PeriodEndMillis <= window.PeriodStartMillis {
		return ErrInvalidWindow
	}

	release := s.locks.lock(userID)
	defer release()

	if err := s.ledger.ReplaceSubscriptionWindow(ctx, userID, window); err != nil {
		return fmt.Errorf("failed to replace subscription window: %w", err)
	}

	if window == nil {
		s.logger.Info("subscription window cleared", "user_id", userID)
	} else {
		s.logger.Info("subscription window replaced",
			"user_id", userID,
			"period_start_ms", window.PeriodStartMillis,
			"period_end_ms", window.PeriodEndMillis,
			"allowance", window.MonthlyCreditAllowance,
		)
	}
	return nil
}

// DepositCreditPack records a purchased credit pack. paymentRef is the
// provider's idempotency reference; a repeated delivery returns false and
// changes nothing.
func (s *PaymentService) DepositCreditPack(ctx context.Context, userID, paymentRef string, credits uint64, purchasedAt time.Time) (bool, error) {
	if err := checkAccount(userID); err != nil {
		return false, err
	}
	if paymentRef == "" {
		return false, ErrMissingPaymentRef
	}

	release := s.locks.lock(userID)
	defer release()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		snap, err := s.ledger.Load(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("failed to load ledger: %w", err)
		}

		updated, wasNew := ledger.DepositIfAbsent(snap.Batches, paymentRef, credits, token.Millis(purchasedAt), s.newID)
		if !wasNew {
			s.logger.Info("duplicate credit pack ignored", "user_id", userID, "payment_ref", paymentRef)
			return false, nil
		}
		batch := updated[len(updated)-1]

		err = s.ledger.InsertBatch(ctx, userID, snap.Version, batch)
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			continue
		case errors.Is(err, repository.ErrDuplicatePaymentRef):
			s.logger.Info("duplicate credit pack ignored", "user_id", userID, "payment_ref", paymentRef)
			return false, nil
		case err != nil:
			return false, fmt.Errorf("failed to insert credit batch: %w", err)
		}

		s.logger.Info("credit pack deposited",
			"user_id", userID,
			"payment_ref", paymentRef,
			"batch_id", batch.ID,
			"credits", credits,
		)
		return true, nil
	}

	return false, fmt.Errorf("failed to deposit credit pack after %d attempts: %w", s.maxAttempts, repository.ErrVersionConflict)
}
