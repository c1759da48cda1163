package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// Stats are the derived figures of a position. Nothing here is stored.
type Stats struct {
	CollateralValueUSD         decimal.Decimal `json:"collateral_value_usd"`
	BorrowCapacityUSD          decimal.Decimal `json:"borrow_capacity_usd"`
	HealthFactor               HealthFactor    `json:"health_factor"`
	MaxBorrowable              decimal.Decimal `json:"max_borrowable"`
	AvailableToBorrow          decimal.Decimal `json:"available_to_borrow"`
	MaxSafelyWithdrawable      decimal.Decimal `json:"max_safely_withdrawable"`
	RequiredCollateralValueUSD decimal.Decimal `json:"required_collateral_value_usd"`
	LiquidationThresholdPct    int             `json:"liquidation_threshold_pct"`
}

// Stats computes every derived figure for p.
func (e *Engine) Stats(p model.Position) Stats {
	return Stats{
		CollateralValueUSD:         e.CollateralValue(p),
		BorrowCapacityUSD:          e.BorrowCapacity(p),
		HealthFactor:               e.HealthFactor(p),
		MaxBorrowable:              e.MaxBorrowable(p),
		AvailableToBorrow:          e.AvailableToBorrow(p),
		MaxSafelyWithdrawable:      e.MaxSafelyWithdrawable(p),
		RequiredCollateralValueUSD: e.RequiredCollateralValue(p.Debt),
		LiquidationThresholdPct:    e.pct,
	}
}

// Project returns the position p would reach if op were applied without any
// risk check. Balances are floored at zero, and a repay is clamped to the
// outstanding debt as Repay would.
func (e *Engine) Project(p model.Position, op Operation) model.Position {
	next := p
	switch op.Kind {
	case model.OpDeposit:
		next.Collateral = p.Collateral.Add(op.Amount)
	case model.OpWithdraw:
		next.Collateral = floorZero(p.Collateral.Sub(op.Amount))
	case model.OpBorrow:
		next.Debt = p.Debt.Add(op.Amount)
	case model.OpRepay:
		next.Debt = floorZero(p.Debt.Sub(op.Amount))
	}
	return next
}

// Preview describes what an operation would do to a position, including
// whether it would be accepted.
type Preview struct {
	Kind                model.OperationKind `json:"kind"`
	Requested           decimal.Decimal     `json:"requested"`
	Accepted            bool                `json:"accepted"`
	Reason              Reason              `json:"reason,omitempty"`
	Message             string              `json:"message,omitempty"`
	Effective           decimal.Decimal     `json:"effective"`
	Position            model.Position      `json:"position"`
	HealthFactor        HealthFactor        `json:"health_factor"`
	CurrentHealthFactor HealthFactor        `json:"current_health_factor"`
}

// Preview runs the real decision for op against a copy of p. A rejection is
// reported in the Preview; the returned error is reserved for configuration
// problems (bad price, unknown kind).
func (e *Engine) Preview(p model.Position, op Operation) (Preview, error) {
	pv := Preview{
		Kind:                op.Kind,
		Requested:           op.Amount,
		CurrentHealthFactor: e.HealthFactor(p),
	}

	res, err := e.Apply(p, op)
	if err != nil {
		reason, ok := ReasonOf(err)
		if !ok {
			return Preview{}, err
		}
		projected := e.Project(p, op)
		pv.Reason = reason
		pv.Message = reason.Message()
		pv.Position = projected
		pv.HealthFactor = e.HealthFactor(projected)
		return pv, nil
	}

	pv.Accepted = true
	pv.Effective = res.Effective
	pv.Position = res.Position
	pv.HealthFactor = e.HealthFactor(res.Position)
	return pv, nil
}

// IsConfigError reports whether err is a configuration error rather than a
// rejection of the request.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidOraclePrice) ||
		errors.Is(err, ErrInvalidPosition) ||
		errors.Is(err, ErrInvalidThreshold)
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
