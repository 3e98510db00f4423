// Package service contains the business logic layer: request authorization,
// settlement against the credit ledger, payment events and BYOK keys.
// user IDs are external identity subjects (e.g. "user_xxx").
package service

import (
	"errors"

	"github.com/jmylchreest/chatgate/internal/access"
	"github.com/jmylchreest/chatgate/internal/token"
)

// ErrorKind classifies a GatewayError for the transport layer.
type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "unauthorized"
	KindForbidden           ErrorKind = "forbidden"
	KindPaymentRequired     ErrorKind = "payment_required"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
)

// Reason codes beyond the access policy's.
const (
	ReasonTokenMalformed        = "token_malformed"
	ReasonTokenInvalidSignature = "token_invalid_signature"
	ReasonTokenExpired          = "token_expired"
	ReasonTokenUnverifiable     = "token_unverifiable"
	ReasonUnknownModel          = "unknown_model"
	ReasonStoreUnavailable      = "tier_store_unavailable"
	ReasonLedgerContention      = "ledger_contention"
	ReasonUnknownAuthorization  = "unknown_authorization"
	ReasonAuthorizationExpired  = "authorization_expired"
)

// GatewayError is returned by Authorize and Settle. Error() renders only the
// kind and the documented reason code; the cause is reachable via Unwrap for
// logging but never formatted into the message.
type GatewayError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindUpstreamUnavailable
}

// AsGatewayError extracts a GatewayError from err.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

func unauthorized(err error) *GatewayError {
	reason := ReasonTokenMalformed
	switch {
	case errors.Is(err, token.ErrInvalidSignature):
		reason = ReasonTokenInvalidSignature
	case errors.Is(err, token.ErrExpired):
		reason = ReasonTokenExpired
	case errors.Is(err, token.ErrMissingSecret):
		reason = ReasonTokenUnverifiable
	}
	return &GatewayError{Kind: KindUnauthorized, Reason: reason, Err: err}
}

func denied(r access.Reason) *GatewayError {
	kind := KindForbidden
	if r.PaymentRequired() {
		kind = KindPaymentRequired
	}
	return &GatewayError{Kind: kind, Reason: string(r)}
}

func upstreamUnavailable(reason string, err error) *GatewayError {
	return &GatewayError{Kind: KindUpstreamUnavailable, Reason: reason, Err: err}
}
