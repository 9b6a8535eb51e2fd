// Package quoteValidator decides whether a fetched quote may be submitted.
package quoteValidator

import (
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
)

// MaxClockSkew is how far in the future an observation timestamp may be
// before the quote is treated as malformed
const MaxClockSkew = 5 * time.Second

// Validate checks q against bounds at time now and returns the quote unchanged
// when it passes. It has no side effects and gives the same answer for the same
// inputs.
//
// Checks run in a fixed order: malformed, stale, out of bounds. Rates outside
// types.MaxRateDigits are malformed and never reach the bounds comparison.
func Validate(q *types.Quote, now time.Time, bounds types.Bounds) (*types.Quote, error) {
	if err := checkWellFormed(q, now); err != nil {
		return nil, err
	}

	if age := q.Age(now); age > bounds.MaxAge {
		return nil, oracleErrors.New(oracleErrors.CodeStaleQuote, "quote is older than the allowed age").
			With("pair", q.Pair.String()).
			With("age", age).
			With("maxAge", bounds.MaxAge)
	}

	if q.Rate.LessThan(bounds.MinRate) || q.Rate.GreaterThan(bounds.MaxRate) {
		return nil, oracleErrors.New(oracleErrors.CodeOutOfBounds, "rate outside accepted range").
			With("pair", q.Pair.String()).
			With("rate", q.Rate.String()).
			With("min", bounds.MinRate.String()).
			With("max", bounds.MaxRate.String())
	}

	return q, nil
}

func checkWellFormed(q *types.Quote, now time.Time) error {
	if q == nil {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "quote is nil")
	}
	if q.Pair.IsZero() {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "quote has no asset pair")
	}
	if q.Source == "" {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "quote has no source").
			With("pair", q.Pair.String())
	}
	if q.ObservedAt.IsZero() {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "quote has no observation time").
			With("pair", q.Pair.String())
	}
	if !types.RateWithinPrecision(q.Rate) {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "rate exceeds supported precision").
			With("pair", q.Pair.String()).
			With("exponent", q.Rate.Exponent()).
			With("maxDigits", types.MaxRateDigits)
	}
	if !q.Rate.IsPositive() {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "rate must be positive").
			With("pair", q.Pair.String()).
			With("rate", q.Rate.String())
	}
	if q.ObservedAt.After(now.Add(MaxClockSkew)) {
		return oracleErrors.New(oracleErrors.CodeMalformedQuote, "observation time is in the future").
			With("pair", q.Pair.String()).
			With("observedAt", q.ObservedAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}
