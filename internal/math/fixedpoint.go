// internal/math/fixedpoint.go
package math

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// FracBits is the number of fractional bits carried by I80F48.
const FracBits = 48

var (
	ErrOverflow     = errors.New("fixed-point overflow")
	ErrDivideByZero = errors.New("fixed-point division by zero")
)

// I80F48 is a signed 128-bit fixed-point number: 80 integer bits and 48
// fractional bits, two's complement. The zero value is 0 and values compare
// with ==.
type I80F48 struct {
	hi int64
	lo uint64
}

var (
	Zero = I80F48{}
	One  = FromInt64(1)
)

var (
	maxRaw   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minRaw   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	two128   = new(big.Int).Lsh(big.NewInt(1), 128)
	mask64   = new(big.Int).SetUint64(^uint64(0))
	fracUnit = new(big.Int).Lsh(big.NewInt(1), FracBits)
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// FromInt64 returns n as a fixed-point value. Always representable.
func FromInt64(n int64) I80F48 {
	return I80F48{hi: n >> 16, lo: uint64(n) << FracBits}
}

// FromUint64 returns n as a fixed-point value. Always representable.
func FromUint64(n uint64) I80F48 {
	return I80F48{hi: int64(n >> 16), lo: n << FracBits}
}

// FromBits builds a value from its raw 128-bit representation.
func FromBits(hi int64, lo uint64) I80F48 {
	return I80F48{hi: hi, lo: lo}
}

// Bits returns the raw 128-bit representation.
func (v I80F48) Bits() (hi int64, lo uint64) {
	return v.hi, v.lo
}

// FromLEBytes decodes the 16-byte little-endian wire form.
func FromLEBytes(b [16]byte) I80F48 {
	return I80F48{
		lo: binary.LittleEndian.Uint64(b[0:8]),
		hi: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

// LEBytes encodes v as 16 little-endian bytes.
func (v I80F48) LEBytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v.lo)
	binary.LittleEndian.PutUint64(b[8:16], uint64(v.hi))
	return b
}

// raw writes the 128-bit integer behind v into dst.
func (v I80F48) raw(dst *big.Int) *big.Int {
	lo := getInt128()
	lo.SetUint64(v.lo)
	dst.SetInt64(v.hi)
	dst.Lsh(dst, 64)
	dst.Add(dst, lo)
	putInt128(lo)
	return dst
}

// fromRaw narrows a big.Int back to 128 bits, failing when out of range.
func fromRaw(b *big.Int) (I80F48, error) {
	if b.Cmp(maxRaw) > 0 || b.Cmp(minRaw) < 0 {
		return Zero, ErrOverflow
	}

	u := getInt128()
	lo := getInt128()
	defer putInt128(u)
	defer putInt128(lo)

	u.Set(b)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	lo.And(u, mask64)
	u.Rsh(u, 64)

	return I80F48{hi: int64(u.Uint64()), lo: lo.Uint64()}, nil
}

// CheckedAdd returns a + b.
func (a I80F48) CheckedAdd(b I80F48) (I80F48, error) {
	x, y := a.raw(getInt128()), b.raw(getInt128())
	defer putInt128(x)
	defer putInt128(y)

	x.Add(x, y)
	return fromRaw(x)
}

// CheckedSub returns a - b.
func (a I80F48) CheckedSub(b I80F48) (I80F48, error) {
	x, y := a.raw(getInt128()), b.raw(getInt128())
	defer putInt128(x)
	defer putInt128(y)

	x.Sub(x, y)
	return fromRaw(x)
}

// CheckedMul returns a * b. The 48 dropped fraction bits are floored.
func (a I80F48) CheckedMul(b I80F48) (I80F48, error) {
	x, y := a.raw(getInt128()), b.raw(getInt128())
	defer putInt128(x)
	defer putInt128(y)

	x.Mul(x, y)
	x.Rsh(x, FracBits)
	return fromRaw(x)
}

// CheckedDiv returns a / b truncated toward zero.
func (a I80F48) CheckedDiv(b I80F48) (I80F48, error) {
	if b.IsZero() {
		return Zero, ErrDivideByZero
	}

	x, y := a.raw(getInt128()), b.raw(getInt128())
	defer putInt128(x)
	defer putInt128(y)

	x.Lsh(x, FracBits)
	x.Quo(x, y)
	return fromRaw(x)
}

// CheckedNeg returns -v. Fails only for the minimum value.
func (v I80F48) CheckedNeg() (I80F48, error) {
	x := v.raw(getInt128())
	defer putInt128(x)

	x.Neg(x)
	return fromRaw(x)
}

// Abs returns |v|.
func (v I80F48) Abs() (I80F48, error) {
	if v.IsNegative() {
		return v.CheckedNeg()
	}
	return v, nil
}

// Cmp returns -1, 0 or +1.
func (a I80F48) Cmp(b I80F48) int {
	switch {
	case a.hi < b.hi:
		return -1
	case a.hi > b.hi:
		return 1
	case a.lo < b.lo:
		return -1
	case a.lo > b.lo:
		return 1
	}
	return 0
}

func (v I80F48) Sign() int {
	switch {
	case v.hi < 0:
		return -1
	case v.hi == 0 && v.lo == 0:
		return 0
	}
	return 1
}

func (v I80F48) IsZero() bool     { return v.hi == 0 && v.lo == 0 }
func (v I80F48) IsNegative() bool { return v.hi < 0 }
func (v I80F48) IsPositive() bool { return v.Sign() > 0 }

// Trunc drops the fractional part, rounding toward zero.
func (v I80F48) Trunc() I80F48 {
	x := v.raw(getInt128())
	defer putInt128(x)

	x.Quo(x, fracUnit)
	x.Lsh(x, FracBits)
	out, _ := fromRaw(x) // |trunc(v)| <= |v|
	return out
}

// Int64 returns v truncated toward zero.
func (v I80F48) Int64() (int64, error) {
	x := v.raw(getInt128())
	defer putInt128(x)

	x.Quo(x, fracUnit)
	if !x.IsInt64() {
		return 0, ErrOverflow
	}
	return x.Int64(), nil
}

// FloorUint64 returns floor(v) as an unsigned amount.
func (v I80F48) FloorUint64() (uint64, error) {
	x := v.raw(getInt128())
	defer putInt128(x)

	x.Rsh(x, FracBits)
	if x.Sign() < 0 || !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// CeilUint64 returns ceil(v) as an unsigned amount.
func (v I80F48) CeilUint64() (uint64, error) {
	x := v.raw(getInt128())
	defer putInt128(x)

	frac := getInt128()
	defer putInt128(frac)
	frac.Sub(fracUnit, big.NewInt(1))

	x.Add(x, frac)
	x.Rsh(x, FracBits)
	if x.Sign() < 0 || !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// maxPow10 is the largest exponent whose power fits the 80 integer bits.
const maxPow10 = 23

// Pow10 returns 10^n, failing once it no longer fits the integer bits.
func Pow10(n uint32) (I80F48, error) {
	if n > maxPow10 {
		return Zero, ErrOverflow
	}
	p := getInt128()
	defer putInt128(p)

	p.Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	p.Lsh(p, FracBits)
	return fromRaw(p)
}

// Decimal returns the exact decimal value of v.
func (v I80F48) Decimal() decimal.Decimal {
	// raw / 2^48 == raw * 5^48 / 10^48
	x := v.raw(new(big.Int))
	x.Mul(x, pow5_48)
	return decimal.NewFromBigInt(x, -FracBits)
}

var pow5_48 = new(big.Int).Exp(big.NewInt(5), big.NewInt(FracBits), nil)

func (v I80F48) String() string {
	return v.Decimal().String()
}

// FromDecimal converts d, truncating digits beyond 2^-48 toward zero.
func FromDecimal(d decimal.Decimal) (I80F48, error) {
	// d * 2^48, computed on the coefficient to stay exact
	coef := new(big.Int).Set(d.Coefficient())
	coef.Lsh(coef, FracBits)

	exp := d.Exponent()
	if exp >= 0 {
		coef.Mul(coef, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else {
		coef.Quo(coef, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
	}
	return fromRaw(coef)
}

// Parse reads a decimal string such as "3", "-0.5" or "1.25".
func Parse(s string) (I80F48, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse fixed-point %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) I80F48 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromFloat64 converts f through its shortest decimal representation.
func FromFloat64(f float64) (I80F48, error) {
	return FromDecimal(decimal.NewFromFloat(f))
}

func (v I80F48) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *I80F48) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
