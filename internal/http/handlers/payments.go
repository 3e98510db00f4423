package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/service"
)

// maxWebhookBodySize bounds webhook payloads (64KB).
const maxWebhookBodySize = 65536

// PaymentEvents applies provider payment events to the ledger.
type PaymentEvents interface {
	ReplaceSubscriptionWindow(ctx context.Context, userID string, window *models.SubscriptionWindow) error
	DepositCreditPack(ctx context.Context, userID, paymentRef string, credits uint64, purchasedAt time.Time) (bool, error)
}

// readWebhookBody reads a size-limited webhook body.
func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	return io.ReadAll(r.Body)
}

// permanentEventError reports whether an event can never succeed, so the
// provider should not redeliver it.
func permanentEventError(err error) bool {
	return errors.Is(err, service.ErrInvalidAccount) ||
		errors.Is(err, service.ErrMissingPaymentRef) ||
		errors.Is(err, service.ErrInvalidWindow) ||
		errors.Is(err, errMalformedEvent)
}

var errMalformedEvent = errors.New("malformed event payload")

// ackEvent answers a processed delivery. Transient failures get a 500 so the
// provider retries; deposits are idempotent on the payment reference.
func ackEvent(w http.ResponseWriter, err error) {
	if err != nil && !permanentEventError(err) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func windowFromMillis(start, end, allowance uint64) *models.SubscriptionWindow {
	return &models.SubscriptionWindow{
		PeriodStartMillis:      start,
		PeriodEndMillis:        end,
		MonthlyCreditAllowance: allowance,
	}
}
