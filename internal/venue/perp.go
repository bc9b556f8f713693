// internal/venue/perp.go
package venue

import (
	"LeverVault/internal/errs"
	fpmath "LeverVault/internal/math"
)

// PerpValuer values the perp position at one token index, returning the
// base leg (position marked at price) and the funding-adjusted quote leg,
// both in quote native units.
type PerpValuer interface {
	PerpValue(s *Snapshot, index int, price fpmath.I80F48) (base, quote fpmath.I80F48, err error)
}

// MarkToMarket values perps the way the venue does:
//
//	base  = base_position * base_lot_size * price
//	quote = quote_position - (funding - settled_funding) * base_position
//
// using long funding for long positions and short funding for shorts.
type MarkToMarket struct{}

func (MarkToMarket) PerpValue(s *Snapshot, index int, price fpmath.I80F48) (fpmath.I80F48, fpmath.I80F48, error) {
	pa := &s.Account.Perps[index]
	pm := &s.Group.PerpMarkets[index]
	pc := &s.Cache.PerpMarkets[index]

	pos := fpmath.FromInt64(pa.BasePosition)

	base, err := pos.CheckedMul(fpmath.FromInt64(pm.BaseLotSize))
	if err != nil {
		return fpmath.Zero, fpmath.Zero, errs.Math(component, err)
	}
	if base, err = base.CheckedMul(price); err != nil {
		return fpmath.Zero, fpmath.Zero, errs.Math(component, err)
	}

	var funding fpmath.I80F48
	switch {
	case pa.BasePosition > 0:
		funding, err = pc.LongFunding.CheckedSub(pa.LongSettledFunding)
	case pa.BasePosition < 0:
		funding, err = pc.ShortFunding.CheckedSub(pa.ShortSettledFunding)
	default:
		return base, pa.QuotePosition, nil
	}
	if err != nil {
		return fpmath.Zero, fpmath.Zero, errs.Math(component, err)
	}

	owed, err := funding.CheckedMul(pos)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, errs.Math(component, err)
	}
	quote, err := pa.QuotePosition.CheckedSub(owed)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, errs.Math(component, err)
	}
	return base, quote, nil
}
