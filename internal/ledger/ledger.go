// Package ledger implements the pure credit accounting rules: a derived balance
// over a subscription allowance plus purchased batches, FIFO deduction across
// the batches, and idempotent deposits keyed by payment reference.
//
// Nothing here performs I/O. Callers are responsible for applying the results
// under a per-user serialization boundary.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/jmylchreest/chatgate/internal/models"
)

// ErrInconsistent is returned by Validate for a batch list that violates the
// ledger invariants. Deduct panics on the same conditions.
var ErrInconsistent = errors.New("inconsistent credit batch")

// Funds is a user's spendable balance split by pool.
type Funds struct {
	SubscriptionRemaining uint64 `json:"subscription_remaining"`
	PurchasedRemaining    uint64 `json:"purchased_remaining"`
}

// Total returns the combined spendable credits, saturating at MaxUint64.
func (f Funds) Total() uint64 {
	return addSat(f.SubscriptionRemaining, f.PurchasedRemaining)
}

// Balance derives the current funds. The subscription part is recomputed from
// consumedInWindow on every call, so a renewed or extended window is correct
// without replaying deductions.
func Balance(window *models.SubscriptionWindow, consumedInWindow uint64, batches []models.CreditBatch) Funds {
	var f Funds
	if window != nil && window.MonthlyCreditAllowance > consumedInWindow {
		f.SubscriptionRemaining = window.MonthlyCreditAllowance - consumedInWindow
	}
	f.PurchasedRemaining = Total(batches)
	return f
}

// Total sums creditsRemaining over active batches.
func Total(batches []models.CreditBatch) uint64 {
	var sum uint64
	for _, b := range batches {
		if b.IsActive() {
			sum = addSat(sum, b.CreditsRemaining)
		}
	}
	return sum
}

// DeductResult is the outcome of a FIFO deduction.
type DeductResult struct {
	// UpdatedBatches is the full batch list in input order.
	UpdatedBatches []models.CreditBatch
	Deducted       uint64
	Shortfall      uint64
	// Touched lists the IDs of batches whose remaining credits changed, oldest first.
	Touched []string
}

// Deduct consumes amount from active batches, oldest purchase first. Batches
// purchased at the same instant are ordered by ID. A batch flips to depleted
// exactly when it reaches zero. The input slice is not modified; batches not
// listed in Touched are returned unchanged.
//
// A shortfall is reported, not treated as an error.
func Deduct(batches []models.CreditBatch, amount uint64) DeductResult {
	if err := Validate(batches); err != nil {
		panic("ledger: invariant violation: " + err.Error())
	}

	updated := slices.Clone(batches)
	order := fifoOrder(updated)

	need := amount
	var touched []string
	for _, i := range order {
		if need == 0 {
			break
		}
		b := &updated[i]
		take := min(b.CreditsRemaining, need)
		b.CreditsRemaining -= take
		if b.CreditsRemaining == 0 {
			b.Status = models.BatchStatusDepleted
		}
		need -= take
		touched = append(touched, b.ID)
	}

	res := DeductResult{
		UpdatedBatches: updated,
		Deducted:       amount - need,
		Shortfall:      need,
		Touched:        touched,
	}

	if Total(batches)-Total(updated) != res.Deducted {
		panic("ledger: invariant violation: total did not decrease by the deducted amount")
	}
	return res
}

// fifoOrder returns the indices of active batches sorted oldest first.
func fifoOrder(batches []models.CreditBatch) []int {
	order := make([]int, 0, len(batches))
	for i, b := range batches {
		if b.IsActive() {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(order, func(a, b int) int {
		x, y := batches[a], batches[b]
		if x.PurchasedAtMillis != y.PurchasedAtMillis {
			if x.PurchasedAtMillis < y.PurchasedAtMillis {
				return -1
			}
			return 1
		}
		return strings.Compare(x.ID, y.ID)
	})
	return order
}

// DepositIfAbsent appends a new batch unless one with paymentRef already exists.
// wasNew is false for a repeated reference and the list is returned unchanged.
// A zero-credit pack is recorded as already depleted.
func DepositIfAbsent(batches []models.CreditBatch, paymentRef string, amount, purchasedAtMillis uint64, newID func() string) ([]models.CreditBatch, bool) {
	if FindByPaymentRef(batches, paymentRef) >= 0 {
		return batches, false
	}

	status := models.BatchStatusActive
	if amount == 0 {
		status = models.BatchStatusDepleted
	}

	out := make([]models.CreditBatch, len(batches), len(batches)+1)
	copy(out, batches)
	out = append(out, models.CreditBatch{
		ID:                newID(),
		PaymentRef:        paymentRef,
		PurchasedAtMillis: purchasedAtMillis,
		CreditsAmount:     amount,
		CreditsRemaining:  amount,
		Status:            status,
	})
	return out, true
}

// FindByPaymentRef returns the index of the batch with ref, or -1.
func FindByPaymentRef(batches []models.CreditBatch, ref string) int {
	return slices.IndexFunc(batches, func(b models.CreditBatch) bool {
		return b.PaymentRef == ref
	})
}

// Validate checks every batch against the ledger invariants.
func Validate(batches []models.CreditBatch) error {
	seen := make(map[string]struct{}, len(batches))
	for _, b := range batches {
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInconsistent, b.ID)
		}
		seen[b.ID] = struct{}{}

		switch {
		case b.CreditsRemaining > b.CreditsAmount:
			return fmt.Errorf("%w: batch %q has %d remaining of %d", ErrInconsistent, b.ID, b.CreditsRemaining, b.CreditsAmount)
		case b.Status == models.BatchStatusActive && b.CreditsRemaining == 0:
			return fmt.Errorf("%w: batch %q is active with nothing remaining", ErrInconsistent, b.ID)
		case b.Status == models.BatchStatusDepleted && b.CreditsRemaining != 0:
			return fmt.Errorf("%w: batch %q is depleted with %d remaining", ErrInconsistent, b.ID, b.CreditsRemaining)
		case b.Status != models.BatchStatusActive && b.Status != models.BatchStatusDepleted:
			return fmt.Errorf("%w: batch %q has unknown status %q", ErrInconsistent, b.ID, b.Status)
		}
	}
	return nil
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
