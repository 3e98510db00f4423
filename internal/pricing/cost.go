// Package pricing converts measured token usage into integer credit charges and
// holds the static model catalog the charges are priced from.
package pricing

import (
	"math"
	"math/bits"
)

// microPerCredit is the scale of the intermediate "micro-credit" domain:
// rates are per million tokens, so tokens*rate is in millionths of a credit.
const microPerCredit = 1_000_000

// Pricing is a model's rate card in credits per million tokens.
type Pricing struct {
	InputCreditsPerMillionTokens  uint64 `toml:"input_credits_per_million" json:"input_credits_per_million"`
	OutputCreditsPerMillionTokens uint64 `toml:"output_credits_per_million" json:"output_credits_per_million"`
}

// Cost returns ceil((in*inputRate + out*outputRate) / 1_000_000).
// The intermediate sum is held in 128 bits; a result that does not fit saturates
// at math.MaxUint64 rather than wrapping.
func Cost(p Pricing, inputTokens, outputTokens uint64) uint64 {
	hiIn, loIn := bits.Mul64(inputTokens, p.InputCreditsPerMillionTokens)
	hiOut, loOut := bits.Mul64(outputTokens, p.OutputCreditsPerMillionTokens)

	lo, carry := bits.Add64(loIn, loOut, 0)
	hi, overflow := bits.Add64(hiIn, hiOut, carry)
	if overflow != 0 {
		return math.MaxUint64
	}

	// Round up.
	lo, carry = bits.Add64(lo, microPerCredit-1, 0)
	hi, overflow = bits.Add64(hi, 0, carry)
	if overflow != 0 || hi >= microPerCredit {
		return math.MaxUint64
	}

	q, _ := bits.Div64(hi, lo, microPerCredit)
	return q
}
