// Package access maps a caller's tier and request intent to an allow/deny verdict.
// Everything here is pure; there is no I/O and no default-allow branch.
package access

import "strings"

// Tier is the caller's account class.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierSubscriber Tier = "subscriber"
	TierSelfHosted Tier = "selfhosted"
)

// Tiers lists every known tier.
var Tiers = []Tier{TierAnonymous, TierFree, TierSubscriber, TierSelfHosted}

// ParseTier normalizes a stored or external tier name. Unknown names return false.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anonymous":
		return TierAnonymous, true
	case "free":
		return TierFree, true
	case "subscriber", "pro", "tier_v1_pro":
		return TierSubscriber, true
	case "selfhosted", "self-hosted", "self_hosted":
		return TierSelfHosted, true
	}
	return "", false
}

// Reason is the machine-readable code attached to a denial.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonModelRestricted  Reason = "model_restricted"
	ReasonFreeLimitReached Reason = "free_limit_reached"
	ReasonCreditsDepleted  Reason = "credits_depleted"
	ReasonUnknownTier      Reason = "unknown_tier"
)

// PaymentRequired reports whether the denial can be resolved by paying.
func (r Reason) PaymentRequired() bool {
	return r == ReasonCreditsDepleted || r == ReasonFreeLimitReached
}

// Verdict is the outcome of Decide.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

var allowed = Verdict{Allowed: true}

func denied(r Reason) Verdict {
	return Verdict{Reason: r}
}

// Decide applies the access rules in order; the first match wins. The requested
// model ID is not consulted: the model matters only as isFreeModel and
// hasOwnKeyForModel, which the caller resolves against the catalog.
func Decide(tier Tier, _ string, isFreeModel, canSendMessage, hasOwnKeyForModel bool) Verdict {
	switch tier {
	case TierSelfHosted:
		return allowed
	case TierAnonymous, TierFree:
		if !isFreeModel {
			return denied(ReasonModelRestricted)
		}
		if !canSendMessage {
			return denied(ReasonFreeLimitReached)
		}
		return allowed
	case TierSubscriber:
		if !canSendMessage && !hasOwnKeyForModel {
			return denied(ReasonCreditsDepleted)
		}
		return allowed
	default:
		return denied(ReasonUnknownTier)
	}
}

// CanUseWebSearch reports whether web search may be enabled for this request.
// Free and anonymous callers never get it.
func CanUseWebSearch(tier Tier, modelSupportsWebSearch, requested, isSelfHosting bool) bool {
	return requested && modelSupportsWebSearch && (isSelfHosting || tier == TierSubscriber)
}
