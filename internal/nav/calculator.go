// internal/nav/calculator.go
package nav

import (
	"LeverVault/internal/errs"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/venue"
)

const component = errs.ComponentNav

// Result is the valuation of one margin account. Exposure[i] is the base
// value of the perp position at token index i, in quote native units.
type Result struct {
	NAV      fpmath.I80F48
	Exposure []fpmath.I80F48
}

// Calculator values margin accounts. Never persists anything.
type Calculator struct {
	valuer venue.PerpValuer
}

// NewCalculator uses valuer for perp legs; nil means venue.MarkToMarket.
func NewCalculator(valuer venue.PerpValuer) *Calculator {
	if valuer == nil {
		valuer = venue.MarkToMarket{}
	}
	return &Calculator{valuer: valuer}
}

// Compute sums spot value and both perp legs over every listed token index.
// The quote token is valued at one.
func (c *Calculator) Compute(s *venue.Snapshot) (Result, error) {
	if err := s.Validate(); err != nil {
		return Result{}, err
	}

	n := len(s.Group.Tokens)
	res := Result{NAV: fpmath.Zero, Exposure: make([]fpmath.I80F48, n)}

	for i := 0; i < n; i++ {
		price := s.Cache.Prices[i]
		if i == s.Group.QuoteIndex {
			price = fpmath.One
		}

		spot, err := SpotValue(
			s.Account.Deposits[i], s.Account.Borrows[i],
			s.Cache.RootBanks[i].DepositIndex, s.Cache.RootBanks[i].BorrowIndex,
			price,
		)
		if err != nil {
			return Result{}, err
		}
		if res.NAV, err = res.NAV.CheckedAdd(spot); err != nil {
			return Result{}, errs.Math(component, err)
		}

		if s.Group.PerpMarkets[i].Key.IsZero() {
			continue
		}

		base, quote, err := c.valuer.PerpValue(s, i, price)
		if err != nil {
			return Result{}, err
		}
		if res.NAV, err = res.NAV.CheckedAdd(base); err != nil {
			return Result{}, errs.Math(component, err)
		}
		if res.NAV, err = res.NAV.CheckedAdd(quote); err != nil {
			return Result{}, errs.Math(component, err)
		}
		res.Exposure[i] = base
	}

	return res, nil
}

// SpotValue is deposit*depositIndex when deposit > 0, otherwise
// -borrow*borrowIndex when borrow > 0, multiplied by price.
func SpotValue(deposit, borrow, depositIndex, borrowIndex, price fpmath.I80F48) (fpmath.I80F48, error) {
	var native fpmath.I80F48
	var err error

	switch {
	case deposit.IsPositive():
		native, err = deposit.CheckedMul(depositIndex)
	case borrow.IsPositive():
		if native, err = borrow.CheckedMul(borrowIndex); err == nil {
			native, err = native.CheckedNeg()
		}
	default:
		return fpmath.Zero, nil
	}
	if err != nil {
		return fpmath.Zero, errs.Math(component, err)
	}

	value, err := native.CheckedMul(price)
	if err != nil {
		return fpmath.Zero, errs.Math(component, err)
	}
	return value, nil
}
