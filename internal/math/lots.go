// internal/math/lots.go
package math

// LotPrice converts a UI price (quote per whole base unit) into quote lots
// per base lot:
//
//	price * 10^quoteDecimals * baseLotSize / (10^baseDecimals * quoteLotSize)
func LotPrice(price I80F48, baseDecimals, quoteDecimals uint8, baseLotSize, quoteLotSize int64) (I80F48, error) {
	if baseLotSize <= 0 || quoteLotSize <= 0 {
		return Zero, ErrDivideByZero
	}

	quoteUnit, err := Pow10(uint32(quoteDecimals))
	if err != nil {
		return Zero, err
	}
	baseUnit, err := Pow10(uint32(baseDecimals))
	if err != nil {
		return Zero, err
	}

	v, err := price.CheckedMul(quoteUnit)
	if err != nil {
		return Zero, err
	}
	if v, err = v.CheckedMul(FromInt64(baseLotSize)); err != nil {
		return Zero, err
	}
	if v, err = v.CheckedDiv(baseUnit); err != nil {
		return Zero, err
	}
	return v.CheckedDiv(FromInt64(quoteLotSize))
}

// LotQuantity converts a signed quote-native notional into a whole number
// of base lots at lotPrice, truncated toward zero.
func LotQuantity(notional I80F48, quoteLotSize int64, lotPrice I80F48) (int64, error) {
	if quoteLotSize <= 0 {
		return 0, ErrDivideByZero
	}

	quoteLots, err := notional.CheckedDiv(FromInt64(quoteLotSize))
	if err != nil {
		return 0, err
	}
	qty, err := quoteLots.CheckedDiv(lotPrice)
	if err != nil {
		return 0, err
	}
	return qty.Int64()
}

// LotPriceInt returns the lot price as an integer order price, rounded
// toward zero.
func LotPriceInt(lotPrice I80F48) (int64, error) {
	return lotPrice.Int64()
}
