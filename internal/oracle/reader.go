// internal/oracle/reader.go
package oracle

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
)

const component = errs.ComponentOracle

// Kind is the decoded format of a price-feed account.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPyth
	KindSwitchboard
	KindStub
)

func (k Kind) String() string {
	switch k {
	case KindPyth:
		return "pyth"
	case KindSwitchboard:
		return "switchboard"
	case KindStub:
		return "stub"
	default:
		return "unknown"
	}
}

const (
	PythMagic = 0xa1b2c3d4
	StubMagic = 0x6F676E4D // "Mngo"

	pythExpoOffset  = 20
	pythPriceOffset = 208
	PythMinSize     = 240

	// SwitchboardSize is the exact data length of a round-result account.
	SwitchboardSize = 1000
	// account type u8, parent 32, num_success i32, num_error i32, result f64
	switchboardResultOffset = 41
)

// Classify inspects the account's stored tag.
func Classify(data []byte) Kind {
	if len(data) >= 4 {
		switch binary.LittleEndian.Uint32(data[0:4]) {
		case PythMagic:
			return KindPyth
		case StubMagic:
			return KindStub
		}
	}
	if len(data) == SwitchboardSize {
		return KindSwitchboard
	}
	return KindUnknown
}

// Read returns the normalized price held by an oracle account. Unknown
// formats fail with InvalidOracle.
func Read(acct *ledger.Account, quoteDecimals uint8) (fpmath.I80F48, error) {
	data := acct.Data

	switch Classify(data) {
	case KindPyth:
		if err := errs.Check(len(data) >= PythMinSize, component, errs.InvalidOracle); err != nil {
			return fpmath.Zero, err
		}
		expo := int32(binary.LittleEndian.Uint32(data[pythExpoOffset:]))
		price := int64(binary.LittleEndian.Uint64(data[pythPriceOffset:]))
		return scale(fpmath.FromInt64(price), quoteDecimals, expo)

	case KindSwitchboard:
		f := gomath.Float64frombits(binary.LittleEndian.Uint64(data[switchboardResultOffset:]))
		if err := errs.Check(!gomath.IsNaN(f) && !gomath.IsInf(f, 0), component, errs.InvalidOracle); err != nil {
			return fpmath.Zero, err
		}
		price, err := fpmath.FromFloat64(f)
		if err != nil {
			return fpmath.Zero, errs.Math(component, err)
		}
		return scale(price, quoteDecimals, 0)

	case KindStub:
		stub, err := DecodeStub(data)
		if err != nil {
			return fpmath.Zero, err
		}
		return stub.Price, nil
	}

	return fpmath.Zero, fmt.Errorf("oracle %s: %w", acct.Key, errs.New(component, errs.InvalidOracle))
}

// scale applies the feed exponent. The quote decimals are added and then
// removed again, so only expo moves the value.
func scale(value fpmath.I80F48, quoteDecimals uint8, expo int32) (fpmath.I80F48, error) {
	combined := int32(quoteDecimals) + expo - int32(quoteDecimals)

	switch {
	case combined > 0:
		f, err := fpmath.Pow10(uint32(combined))
		if err != nil {
			return fpmath.Zero, errs.Math(component, err)
		}
		out, err := value.CheckedMul(f)
		return out, errs.Math(component, err)
	case combined < 0:
		f, err := fpmath.Pow10(uint32(-combined))
		if err != nil {
			return fpmath.Zero, errs.Math(component, err)
		}
		out, err := value.CheckedDiv(f)
		return out, errs.Math(component, err)
	}
	return value, nil
}
