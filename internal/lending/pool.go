package lending

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PoolStats aggregates every stored account.
type PoolStats struct {
	Accounts                int             `json:"accounts"`
	TotalCollateral         decimal.Decimal `json:"total_collateral"`
	TotalDebt               decimal.Decimal `json:"total_debt"`
	TotalCollateralValueUSD decimal.Decimal `json:"total_collateral_value_usd"`
	TotalBorrowCapacityUSD  decimal.Decimal `json:"total_borrow_capacity_usd"`
	UtilizationPct          decimal.Decimal `json:"utilization_pct"` // debt / capacity
	AccountsAtRisk          int             `json:"accounts_at_risk"`
	LiquidationThresholdPct int             `json:"liquidation_threshold_pct"`
}

// PoolStats computes totals over all stored accounts. Accounts that were
// never written do not count. Each account is valued at its own oracle
// price.
func (s *Service) PoolStats(ctx context.Context) (*PoolStats, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	ps := &PoolStats{
		Accounts:                len(accounts),
		TotalCollateral:         decimal.Zero,
		TotalDebt:               decimal.Zero,
		TotalCollateralValueUSD: decimal.Zero,
		TotalBorrowCapacityUSD:  decimal.Zero,
		UtilizationPct:          decimal.Zero,
		LiquidationThresholdPct: s.engine.LiquidationThresholdPct(),
	}

	for _, a := range accounts {
		p := a.Position
		ps.TotalCollateral = ps.TotalCollateral.Add(p.Collateral)
		ps.TotalDebt = ps.TotalDebt.Add(p.Debt)
		ps.TotalCollateralValueUSD = ps.TotalCollateralValueUSD.Add(s.engine.CollateralValue(p))
		ps.TotalBorrowCapacityUSD = ps.TotalBorrowCapacityUSD.Add(s.engine.BorrowCapacity(p))

		if !s.engine.HealthFactor(p).Safe() {
			ps.AccountsAtRisk++
		}
	}

	if ps.TotalBorrowCapacityUSD.IsPositive() {
		ps.UtilizationPct = ps.TotalDebt.Div(ps.TotalBorrowCapacityUSD).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return ps, nil
}
