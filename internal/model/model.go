// Package model defines the core domain types shared across the lending engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind names a mutating action on a position.
type OperationKind string

const (
	OpDeposit  OperationKind = "deposit"
	OpWithdraw OperationKind = "withdraw"
	OpBorrow   OperationKind = "borrow"
	OpRepay    OperationKind = "repay"

	// OpSetPrice records a change of the simulated oracle price. It is a
	// ledger kind only; the risk engine never evaluates it.
	OpSetPrice OperationKind = "set_price"
)

// ParseOperationKind maps a client-supplied string onto one of the four
// position operations.
func ParseOperationKind(s string) (OperationKind, bool) {
	switch k := OperationKind(s); k {
	case OpDeposit, OpWithdraw, OpBorrow, OpRepay:
		return k, true
	}
	return "", false
}

// Position is the risk snapshot of one wallet: collateral in ETH, debt in
// the stablecoin, and the USD price of one unit of collateral.
type Position struct {
	Collateral  decimal.Decimal `json:"collateral"`
	Debt        decimal.Decimal `json:"debt"`
	OraclePrice decimal.Decimal `json:"oracle_price"`
}

// Account is everything persisted for a wallet address.
type Account struct {
	Address      string          `json:"address" db:"address"`
	Position     Position        `json:"position"`
	TokenBalance decimal.Decimal `json:"token_balance" db:"token_balance"` // spendable stablecoin
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of an accepted operation.
// Once created, these are never modified.
type LedgerEntry struct {
	ID                string          `json:"id" db:"id"`
	Address           string          `json:"address" db:"address"`
	Kind              OperationKind   `json:"kind" db:"kind"`
	Requested         decimal.Decimal `json:"requested" db:"requested"`
	Effective         decimal.Decimal `json:"effective" db:"effective"` // differs from Requested on clamped repays
	CollateralAfter   decimal.Decimal `json:"collateral_after" db:"collateral_after"`
	DebtAfter         decimal.Decimal `json:"debt_after" db:"debt_after"`
	OraclePriceAfter  decimal.Decimal `json:"oracle_price_after" db:"oracle_price_after"`
	TokenBalanceAfter decimal.Decimal `json:"token_balance_after" db:"token_balance_after"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
}
