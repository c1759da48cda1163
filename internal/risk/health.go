package risk

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// HealthFactorScale is the number of fractional digits kept when dividing
// borrow capacity by debt. The quotient is truncated, never rounded up.
const HealthFactorScale int32 = 18

// unboundedText is the JSON form of a health factor with no debt behind it.
const unboundedText = "Infinity"

var (
	// DisplaySentinel is shown in place of an unbounded health factor by
	// clients that can only render numbers.
	DisplaySentinel = decimal.NewFromInt(999)

	one = decimal.NewFromInt(1)
)

// HealthFactor is the ratio of risk-adjusted collateral value to debt. A
// position without debt has an unbounded health factor, which compares
// greater than every finite value.
type HealthFactor struct {
	value     decimal.Decimal
	unbounded bool
}

// Unbounded returns the health factor of a debt-free position.
func Unbounded() HealthFactor {
	return HealthFactor{unbounded: true}
}

// Finite wraps a computed ratio.
func Finite(v decimal.Decimal) HealthFactor {
	return HealthFactor{value: v}
}

// IsUnbounded reports whether the position carries no debt.
func (h HealthFactor) IsUnbounded() bool { return h.unbounded }

// Decimal returns the finite ratio. ok is false for an unbounded factor.
func (h HealthFactor) Decimal() (v decimal.Decimal, ok bool) {
	if h.unbounded {
		return decimal.Zero, false
	}
	return h.value, true
}

// Display returns the ratio, or DisplaySentinel when unbounded.
func (h HealthFactor) Display() decimal.Decimal {
	if h.unbounded {
		return DisplaySentinel
	}
	return h.value
}

// Cmp compares two health factors. Two unbounded factors are equal.
func (h HealthFactor) Cmp(o HealthFactor) int {
	switch {
	case h.unbounded && o.unbounded:
		return 0
	case h.unbounded:
		return 1
	case o.unbounded:
		return -1
	}
	return h.value.Cmp(o.value)
}

// AtLeast reports whether h >= x.
func (h HealthFactor) AtLeast(x decimal.Decimal) bool {
	return h.unbounded || h.value.GreaterThanOrEqual(x)
}

// Below reports whether h < x.
func (h HealthFactor) Below(x decimal.Decimal) bool {
	return !h.AtLeast(x)
}

// Safe reports whether the position is outside liquidation range (h >= 1).
func (h HealthFactor) Safe() bool {
	return h.AtLeast(one)
}

func (h HealthFactor) String() string {
	if h.unbounded {
		return "∞"
	}
	return h.value.String()
}

func (h HealthFactor) MarshalJSON() ([]byte, error) {
	if h.unbounded {
		return json.Marshal(unboundedText)
	}
	return json.Marshal(h.value.String())
}

func (h *HealthFactor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk: health factor must be a JSON string: %w", err)
	}
	if s == unboundedText {
		*h = Unbounded()
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("risk: invalid health factor %q: %w", s, err)
	}
	*h = Finite(v)
	return nil
}
