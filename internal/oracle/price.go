// Package oracle converts collateral prices between the fixed-point form used
// by on-chain price feeds (an integer scaled by 10^8) and the decimal form the
// risk engine computes with.
package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of fractional digits carried by feed answers.
const PriceDecimals int32 = 8

var (
	// ErrNonPositivePrice is returned for zero or negative prices.
	ErrNonPositivePrice = errors.New("oracle: price must be positive")

	// ErrPricePrecision is returned when a price has more fractional digits
	// than the feed format can carry.
	ErrPricePrecision = errors.New("oracle: price has more than 8 fractional digits")

	// ErrPriceOverflow is returned when a price does not fit the target
	// integer type.
	ErrPriceOverflow = errors.New("oracle: price out of range")
)

// FromScaled converts a feed integer (USD × 10^8) to a decimal price.
func FromScaled(scaled int64) (decimal.Decimal, error) {
	if scaled <= 0 {
		return decimal.Zero, ErrNonPositivePrice
	}
	return decimal.New(scaled, -PriceDecimals), nil
}

// FromFeedAnswer converts a raw 256-bit feed answer to a decimal price.
func FromFeedAnswer(answer *uint256.Int) (decimal.Decimal, error) {
	if answer == nil || answer.IsZero() {
		return decimal.Zero, ErrNonPositivePrice
	}
	return decimal.NewFromBigInt(answer.ToBig(), -PriceDecimals), nil
}

// ToScaled converts a decimal price to the feed integer. The conversion is
// exact; prices that would lose digits are rejected rather than rounded.
func ToScaled(price decimal.Decimal) (int64, error) {
	scaled, err := shift(price)
	if err != nil {
		return 0, err
	}
	if !scaled.IsInt64() {
		return 0, ErrPriceOverflow
	}
	return scaled.Int64(), nil
}

// ToFeedAnswer converts a decimal price to a 256-bit feed answer.
func ToFeedAnswer(price decimal.Decimal) (*uint256.Int, error) {
	scaled, err := shift(price)
	if err != nil {
		return nil, err
	}
	answer, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrPriceOverflow
	}
	return answer, nil
}

// ParseUSD parses a human price such as "2000" or "1834.25" and checks that
// it is representable in the feed format.
func ParseUSD(s string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: invalid price %q: %w", s, err)
	}
	if _, err := shift(price); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func shift(price decimal.Decimal) (*big.Int, error) {
	if !price.IsPositive() {
		return nil, ErrNonPositivePrice
	}
	shifted := price.Shift(PriceDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrPricePrecision
	}
	return shifted.BigInt(), nil
}
