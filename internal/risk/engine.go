// Package risk implements the position accounting engine for an
// over-collateralized lending market: one collateral asset (ETH) backing a
// stablecoin debt.
//
// For a position with collateral c, debt d and oracle price p, and a
// liquidation threshold t percent:
//
//	collateralValue = c * p
//	borrowCapacity  = collateralValue * t / 100
//	healthFactor    = borrowCapacity / d        (unbounded when d == 0)
//
// A position with debt must keep healthFactor >= 1 after every operation.
// The engine is pure: every call takes a snapshot and returns a new one, and
// nothing is stored or broadcast.
//
// All monetary values use shopspring/decimal. Accept/reject decisions are
// evaluated with multiplication only and are exact. Divisions appear only in
// derived figures and round toward the safe side (documented per function).
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// AmountScale is the number of fractional digits kept for derived collateral
// amounts (max safely withdrawable). ETH has 18 decimals on chain.
const AmountScale int32 = 18

// DefaultLiquidationThresholdPct is the protocol threshold of the reference
// market.
const DefaultLiquidationThresholdPct = 80

var hundred = decimal.NewFromInt(100)

// Operation is a requested mutation of a position.
type Operation struct {
	Kind   model.OperationKind `json:"kind"`
	Amount decimal.Decimal     `json:"amount"`
}

// Result is the outcome of an accepted operation. Effective is the amount
// that actually moved; it differs from the requested amount only for a Repay
// larger than the outstanding debt.
type Result struct {
	Position  model.Position  `json:"position"`
	Effective decimal.Decimal `json:"effective"`
}

// Engine evaluates lending decisions for a fixed liquidation threshold.
// It is stateless and safe for concurrent use.
type Engine struct {
	pct       int
	threshold decimal.Decimal
}

// NewEngine creates an engine with the given liquidation threshold, an
// integer percentage in (0, 100].
func NewEngine(liquidationThresholdPct int) (*Engine, error) {
	if liquidationThresholdPct <= 0 || liquidationThresholdPct > 100 {
		return nil, ErrInvalidThreshold
	}
	return &Engine{
		pct:       liquidationThresholdPct,
		threshold: decimal.NewFromInt(int64(liquidationThresholdPct)),
	}, nil
}

// LiquidationThresholdPct returns the configured threshold.
func (e *Engine) LiquidationThresholdPct() int {
	return e.pct
}

// validate rejects snapshots the engine must never decide on.
func (e *Engine) validate(p model.Position) error {
	if !p.OraclePrice.IsPositive() {
		return ErrInvalidOraclePrice
	}
	if p.Collateral.IsNegative() || p.Debt.IsNegative() {
		return ErrInvalidPosition
	}
	return nil
}

// CollateralValue returns c * p in USD.
func (e *Engine) CollateralValue(p model.Position) decimal.Decimal {
	return p.Collateral.Mul(p.OraclePrice)
}

// BorrowCapacity returns the share of collateral value that counts toward
// borrowing power. Exact: the division by 100 is a decimal shift.
func (e *Engine) BorrowCapacity(p model.Position) decimal.Decimal {
	return e.capacity(p.Collateral, p.OraclePrice)
}

func (e *Engine) capacity(collateral, price decimal.Decimal) decimal.Decimal {
	return collateral.Mul(price).Mul(e.threshold).Shift(-2)
}

// MaxBorrowable is the absolute cap on total debt for the position. It does
// not subtract existing debt; see AvailableToBorrow for that.
func (e *Engine) MaxBorrowable(p model.Position) decimal.Decimal {
	return e.BorrowCapacity(p)
}

// AvailableToBorrow returns max(0, MaxBorrowable - debt).
func (e *Engine) AvailableToBorrow(p model.Position) decimal.Decimal {
	avail := e.MaxBorrowable(p).Sub(p.Debt)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// HealthFactor computes the health factor of p.
func (e *Engine) HealthFactor(p model.Position) HealthFactor {
	return e.HealthFactorOf(p.Collateral, p.Debt, p.OraclePrice)
}

// HealthFactorOf computes the health factor of a hypothetical position. It
// is the projection used while a user is still choosing an amount and never
// gates a decision. The ratio is truncated to HealthFactorScale digits, so a
// displayed value is never more optimistic than the exact one.
func (e *Engine) HealthFactorOf(collateral, debt, price decimal.Decimal) HealthFactor {
	if !debt.IsPositive() {
		return Unbounded()
	}
	q, _ := e.capacity(collateral, price).QuoRem(debt, HealthFactorScale)
	return Finite(q)
}

// RequiredCollateralValue is the minimum collateral value in USD that keeps
// healthFactor >= 1 for the given debt: debt * 100 / t, rounded up.
func (e *Engine) RequiredCollateralValue(debt decimal.Decimal) decimal.Decimal {
	if !debt.IsPositive() {
		return decimal.Zero
	}
	return ceilDiv(debt.Mul(hundred), e.threshold, AmountScale)
}

// MaxSafelyWithdrawable returns the largest collateral amount that can be
// withdrawn while keeping healthFactor >= 1. The collateral that must stay
// locked is rounded up, so the result rounds down and a Withdraw of exactly
// this amount is always accepted.
func (e *Engine) MaxSafelyWithdrawable(p model.Position) decimal.Decimal {
	if !p.Debt.IsPositive() {
		return p.Collateral
	}
	if !p.OraclePrice.IsPositive() {
		return decimal.Zero
	}
	locked := ceilDiv(p.Debt.Mul(hundred), e.threshold.Mul(p.OraclePrice), AmountScale)
	free := p.Collateral.Sub(locked)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// Deposit adds collateral. Depositing never worsens the health factor, so a
// positive amount is always accepted.
func (e *Engine) Deposit(p model.Position, amount decimal.Decimal) (Result, error) {
	if err := e.validate(p); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	next := p
	next.Collateral = p.Collateral.Add(amount)
	return Result{Position: next, Effective: amount}, nil
}

// Withdraw removes collateral. With outstanding debt the remaining
// collateral must satisfy
//
//	remaining * price * t >= debt * 100
//
// which is healthFactor' >= 1 without a division.
func (e *Engine) Withdraw(p model.Position, amount decimal.Decimal) (Result, error) {
	if err := e.validate(p); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if amount.GreaterThan(p.Collateral) {
		return Result{}, ErrInsufficientCollateral
	}

	remaining := p.Collateral.Sub(amount)
	if p.Debt.IsPositive() {
		backing := remaining.Mul(p.OraclePrice).Mul(e.threshold)
		if backing.LessThan(p.Debt.Mul(hundred)) {
			return Result{}, ErrPositionAtRisk
		}
	}

	next := p
	next.Collateral = remaining
	return Result{Position: next, Effective: amount}, nil
}

// Borrow increases debt. The new total must not exceed MaxBorrowable for the
// current collateral and price, which places the acceptance boundary exactly
// at healthFactor' == 1.
func (e *Engine) Borrow(p model.Position, amount decimal.Decimal) (Result, error) {
	if err := e.validate(p); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}

	newDebt := p.Debt.Add(amount)
	if newDebt.GreaterThan(e.MaxBorrowable(p)) {
		return Result{}, ErrInsufficientCollateral
	}

	next := p
	next.Debt = newDebt
	return Result{Position: next, Effective: amount}, nil
}

// Repay reduces debt by min(amount, debt). The caller is responsible for
// checking the spendable balance against amount before calling, and must
// charge only Result.Effective.
func (e *Engine) Repay(p model.Position, amount decimal.Decimal) (Result, error) {
	if err := e.validate(p); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if !p.Debt.IsPositive() {
		return Result{}, ErrNoOutstandingDebt
	}

	actual := decimal.Min(amount, p.Debt)
	next := p
	next.Debt = p.Debt.Sub(actual)
	return Result{Position: next, Effective: actual}, nil
}

// Apply dispatches op to the matching operation.
func (e *Engine) Apply(p model.Position, op Operation) (Result, error) {
	switch op.Kind {
	case model.OpDeposit:
		return e.Deposit(p, op.Amount)
	case model.OpWithdraw:
		return e.Withdraw(p, op.Amount)
	case model.OpBorrow:
		return e.Borrow(p, op.Amount)
	case model.OpRepay:
		return e.Repay(p, op.Amount)
	}
	return Result{}, ErrUnknownOperation
}

// ceilDiv returns a / b rounded up to scale fractional digits. Both operands
// must be positive.
func ceilDiv(a, b decimal.Decimal, scale int32) decimal.Decimal {
	q, r := a.QuoRem(b, scale)
	if r.IsPositive() {
		q = q.Add(decimal.New(1, -scale))
	}
	return q
}
