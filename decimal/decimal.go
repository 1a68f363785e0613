package decimal

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrCheckedMath reports a mantissa that left the signed 128-bit range.
	ErrCheckedMath = errors.New("decimal: checked math overflow")
	// ErrDivisionByZero reports a zero divisor.
	ErrDivisionByZero = errors.New("decimal: division by zero")
	// ErrIntConversion reports a value that does not fit the requested
	// integer width.
	ErrIntConversion = errors.New("decimal: int type conversion")
	// ErrParse reports an unparseable decimal literal.
	ErrParse = errors.New("decimal: invalid literal")
)

// CloneScale is the scale every synthetic asset amount is kept at.
const CloneScale uint8 = 8

// workingScale is the scale quotients are produced at before callers
// rescale toward zero to a ledger scale.
const workingScale uint8 = 18

var (
	maxMantissa = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minMantissa = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxUint64   = new(big.Int).SetUint64(^uint64(0))
)

// Decimal is a fixed-point value mantissa × 10^-scale. The mantissa is
// constrained to the signed 128-bit range; arithmetic that would leave
// that range fails with ErrCheckedMath instead of wrapping or widening.
type Decimal struct {
	mant  *big.Int
	scale uint8
}

// New builds a decimal from a signed mantissa and scale.
func New(mantissa int64, scale uint8) Decimal {
	return Decimal{mant: big.NewInt(mantissa), scale: scale}
}

// NewFromMantissa builds a decimal from an arbitrary mantissa, failing
// when it does not fit the 128-bit contract.
func NewFromMantissa(mantissa *big.Int, scale uint8) (Decimal, error) {
	if mantissa == nil {
		return Zero(scale), nil
	}
	m := new(big.Int).Set(mantissa)
	if err := checkMantissa(m); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: m, scale: scale}, nil
}

// Zero returns the zero value at the given scale.
func Zero(scale uint8) Decimal {
	return Decimal{mant: big.NewInt(0), scale: scale}
}

// One returns 1.0 expressed at the given scale.
func One(scale uint8) Decimal {
	return Decimal{mant: pow10(int(scale)), scale: scale}
}

// Parse reads a decimal literal such as "-12.3400". The scale of the
// result is the number of fractional digits in the literal.
func Parse(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Decimal{}, ErrParse
	}
	intPart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		intPart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
	}
	if len(fracPart) > 255 {
		return Decimal{}, ErrParse
	}
	mant, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	if err := checkMantissa(mant); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: mant, scale: uint8(len(fracPart))}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Mantissa returns a copy of the raw mantissa.
func (d Decimal) Mantissa() *big.Int {
	if d.mant == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(d.mant)
}

// Scale returns the number of fractional digits.
func (d Decimal) Scale() uint8 { return d.scale }

// Sign reports -1, 0 or +1.
func (d Decimal) Sign() int {
	if d.mant == nil {
		return 0
	}
	return d.mant.Sign()
}

// IsZero reports whether the value is exactly zero.
func (d Decimal) IsZero() bool { return d.Sign() == 0 }

// Neg returns the negated value. Negation stays in range for every
// representable mantissa except MinInt128, which overflows.
func (d Decimal) Neg() (Decimal, error) {
	m := new(big.Int).Neg(d.mantissaRef())
	if err := checkMantissa(m); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: m, scale: d.scale}, nil
}

// Abs returns the magnitude of the value.
func (d Decimal) Abs() (Decimal, error) {
	if d.Sign() >= 0 {
		return d, nil
	}
	return d.Neg()
}

// RescaleTowardZero re-expresses the value at the target scale. When the
// target is narrower the least significant digits are dropped, always
// moving the magnitude toward zero; the magnitude never increases.
func RescaleTowardZero(d Decimal, target uint8) Decimal {
	if d.scale == target {
		return Decimal{mant: d.Mantissa(), scale: target}
	}
	m := d.Mantissa()
	if target < d.scale {
		// big.Int Quo truncates toward zero for signed operands.
		m.Quo(m, pow10(int(d.scale-target)))
	} else {
		m.Mul(m, pow10(int(target-d.scale)))
	}
	return Decimal{mant: m, scale: target}
}

// Add returns d + other at the wider of the two scales.
func (d Decimal) Add(other Decimal) (Decimal, error) {
	a, b, scale := align(d, other)
	sum := new(big.Int).Add(a, b)
	if err := checkMantissa(sum); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: sum, scale: scale}, nil
}

// Sub returns d − other at the wider of the two scales.
func (d Decimal) Sub(other Decimal) (Decimal, error) {
	a, b, scale := align(d, other)
	diff := new(big.Int).Sub(a, b)
	if err := checkMantissa(diff); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: diff, scale: scale}, nil
}

// Mul returns d × other. The product scale is the sum of the operand
// scales so no precision is lost before the caller rescales.
func (d Decimal) Mul(other Decimal) (Decimal, error) {
	sumScale := int(d.scale) + int(other.scale)
	if sumScale > 255 {
		return Decimal{}, ErrCheckedMath
	}
	prod := new(big.Int).Mul(d.mantissaRef(), other.mantissaRef())
	if err := checkMantissa(prod); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: prod, scale: uint8(sumScale)}, nil
}

// Quo returns d ÷ other at the working scale, truncated toward zero.
func (d Decimal) Quo(other Decimal) (Decimal, error) {
	if other.Sign() == 0 {
		return Decimal{}, ErrDivisionByZero
	}
	// Shift the numerator so the truncated quotient lands on the
	// working scale: result = a·10^(working + bScale − aScale) / b.
	shift := int(workingScale) + int(other.scale) - int(d.scale)
	num := d.Mantissa()
	if shift >= 0 {
		num.Mul(num, pow10(shift))
	} else {
		num.Quo(num, pow10(-shift))
	}
	num.Quo(num, other.mantissaRef())
	if err := checkMantissa(num); err != nil {
		return Decimal{}, err
	}
	return Decimal{mant: num, scale: workingScale}, nil
}

// Cmp compares the numeric values regardless of scale.
func (d Decimal) Cmp(other Decimal) int {
	a, b, _ := align(d, other)
	return a.Cmp(b)
}

// Min returns the smaller of the two values.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of the two values.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// TransferAmount truncates the value toward zero to the target scale and
// yields the mantissa as an unsigned ledger quantity. Truncation means
// the ledger never receives more than accrued. Negative values do not
// convert.
func (d Decimal) TransferAmount(target uint8) (uint64, error) {
	rescaled := RescaleTowardZero(d, target)
	if rescaled.Sign() < 0 {
		return 0, ErrIntConversion
	}
	if rescaled.mant.Cmp(maxUint64) > 0 {
		return 0, ErrIntConversion
	}
	return rescaled.mant.Uint64(), nil
}

// String renders the value with its full fractional width.
func (d Decimal) String() string {
	m := d.mantissaRef()
	neg := m.Sign() < 0
	digits := new(big.Int).Abs(m).String()
	if int(d.scale) >= len(digits) {
		digits = strings.Repeat("0", int(d.scale)-len(digits)+1) + digits
	}
	out := digits
	if d.scale > 0 {
		split := len(digits) - int(d.scale)
		out = digits[:split] + "." + digits[split:]
	}
	if neg {
		out = "-" + out
	}
	return out
}

// MarshalJSON renders the value as a quoted literal. The textual form
// keeps trailing zeros so the scale survives a round trip.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a quoted literal produced by MarshalJSON.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Decimal) mantissaRef() *big.Int {
	if d.mant == nil {
		return big.NewInt(0)
	}
	return d.mant
}

func align(a, b Decimal) (*big.Int, *big.Int, uint8) {
	am, bm := a.Mantissa(), b.Mantissa()
	scale := a.scale
	switch {
	case a.scale < b.scale:
		scale = b.scale
		am.Mul(am, pow10(int(b.scale-a.scale)))
	case b.scale < a.scale:
		bm.Mul(bm, pow10(int(a.scale-b.scale)))
	}
	return am, bm, scale
}

func checkMantissa(m *big.Int) error {
	if m.Cmp(maxMantissa) > 0 || m.Cmp(minMantissa) < 0 {
		return ErrCheckedMath
	}
	return nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
