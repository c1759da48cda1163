// Package display renders engine figures for people: dashboards, CLI output
// and log lines. Nothing here feeds back into a decision.
package display

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/risk"
)

// Status is the coarse risk band of a position.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusWarning      Status = "warning"
	StatusLiquidatable Status = "liquidatable"
)

// WarningBelow is the health factor under which a position is flagged.
var WarningBelow = decimal.RequireFromString("1.5")

var one = decimal.NewFromInt(1)

// StatusOf bands a health factor: below 1 is liquidatable, below
// WarningBelow is a warning, anything else (including no debt) is healthy.
func StatusOf(hf risk.HealthFactor) Status {
	switch {
	case hf.Below(one):
		return StatusLiquidatable
	case hf.Below(WarningBelow):
		return StatusWarning
	}
	return StatusHealthy
}

// USD formats v as "$8,000.00".
func USD(v decimal.Decimal) string {
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Abs()
	}
	return sign + "$" + humanize.FormatFloat("#,###.##", v.Round(2).InexactFloat64())
}

// ETH formats a collateral amount with four decimals: "4.3750 ETH".
func ETH(v decimal.Decimal) string {
	return humanize.FormatFloat("#,###.####", v.Round(4).InexactFloat64()) + " ETH"
}

// Percent formats an integer or fractional percentage: "80.00%".
func Percent(v decimal.Decimal) string {
	return v.StringFixed(2) + "%"
}

// HealthFactor formats a health factor with two decimals, truncated so the
// rendered value never overstates safety. Debt-free positions render as "∞".
func HealthFactor(hf risk.HealthFactor) string {
	v, ok := hf.Decimal()
	if !ok {
		return "∞"
	}
	return v.Truncate(2).StringFixed(2)
}

// Reason renders a rejection reason in sentence case for CLI output.
func Reason(r risk.Reason) string {
	msg := r.Message()
	if msg == "" {
		return ""
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
