package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/display"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/risk"
)

// quote is the offline evaluation of a position and an optional operation.
type quote struct {
	Position model.Position `json:"position"`
	Stats    risk.Stats     `json:"stats"`
	Status   display.Status `json:"status"`
	Preview  *risk.Preview  `json:"preview,omitempty"`
}

func newQuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Evaluate a position without a server",
		Long: `Compute the health factor, borrow capacity and withdrawal limits of a
position, and optionally preview one operation against it.`,
		Example: `  lendingd quote --collateral 5 --debt 3000 --price 2000
  lendingd quote --collateral 5 --debt 1000 --price 2000 --kind withdraw --amount 4.9 --format json`,
		RunE: runQuote,
	}

	cmd.Flags().String("collateral", "0", "collateral in ETH")
	cmd.Flags().String("debt", "0", "outstanding debt in USD")
	cmd.Flags().String("price", "", "collateral price in USD (default from config)")
	cmd.Flags().Int("threshold", 0, "liquidation threshold percent (default from config)")
	cmd.Flags().String("kind", "", "operation to preview (deposit, withdraw, borrow, repay)")
	cmd.Flags().String("amount", "", "operation amount")
	cmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	return cmd
}

func runQuote(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	collateralFlag, _ := cmd.Flags().GetString("collateral")
	debtFlag, _ := cmd.Flags().GetString("debt")
	priceFlag, _ := cmd.Flags().GetString("price")
	threshold, _ := cmd.Flags().GetInt("threshold")
	kindFlag, _ := cmd.Flags().GetString("kind")
	amountFlag, _ := cmd.Flags().GetString("amount")
	format, _ := cmd.Flags().GetString("format")

	collateral, err := decimal.NewFromString(collateralFlag)
	if err != nil {
		return fmt.Errorf("invalid --collateral: %w", err)
	}
	debt, err := decimal.NewFromString(debtFlag)
	if err != nil {
		return fmt.Errorf("invalid --debt: %w", err)
	}
	price := cfg.OraclePrice()
	if priceFlag != "" {
		if price, err = oracle.ParseUSD(priceFlag); err != nil {
			return fmt.Errorf("invalid --price: %w", err)
		}
	}
	if threshold == 0 {
		threshold = cfg.Risk.LiquidationThresholdPct
	}

	engine, err := risk.NewEngine(threshold)
	if err != nil {
		return err
	}

	p := model.Position{Collateral: collateral, Debt: debt, OraclePrice: price}
	if collateral.IsNegative() || debt.IsNegative() {
		return risk.ErrInvalidPosition
	}

	q := quote{Position: p, Stats: engine.Stats(p)}
	q.Status = display.StatusOf(q.Stats.HealthFactor)

	if kindFlag != "" {
		kind, ok := model.ParseOperationKind(kindFlag)
		if !ok {
			return fmt.Errorf("invalid --kind %q", kindFlag)
		}
		amount, err := decimal.NewFromString(amountFlag)
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		pv, err := engine.Preview(p, risk.Operation{Kind: kind, Amount: amount})
		if err != nil {
			return err
		}
		q.Preview = &pv
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return displayJSON(out, q)
	case "yaml":
		return displayYAML(out, q)
	case "table":
		displayTable(out, q)
		return nil
	}
	return fmt.Errorf("unknown --format %q", format)
}

func displayTable(w io.Writer, q quote) {
	s := q.Stats
	fmt.Fprintln(w, "Position:")
	fmt.Fprintf(w, "  Collateral         : %s\n", display.ETH(q.Position.Collateral))
	fmt.Fprintf(w, "  Debt               : %s\n", display.USD(q.Position.Debt))
	fmt.Fprintf(w, "  Oracle Price       : %s\n", display.USD(q.Position.OraclePrice))
	fmt.Fprintf(w, "  Threshold          : %s\n", display.Percent(decimal.NewFromInt(int64(s.LiquidationThresholdPct))))

	fmt.Fprintln(w, "\nRisk:")
	fmt.Fprintf(w, "  Health Factor      : %s [%s]\n", display.HealthFactor(s.HealthFactor), q.Status)
	fmt.Fprintf(w, "  Collateral Value   : %s\n", display.USD(s.CollateralValueUSD))
	fmt.Fprintf(w, "  Borrow Capacity    : %s\n", display.USD(s.BorrowCapacityUSD))
	fmt.Fprintf(w, "  Available          : %s\n", display.USD(s.AvailableToBorrow))
	fmt.Fprintf(w, "  Max Withdrawable   : %s\n", display.ETH(s.MaxSafelyWithdrawable))
	fmt.Fprintf(w, "  Required Value     : %s\n", display.USD(s.RequiredCollateralValueUSD))

	if pv := q.Preview; pv != nil {
		fmt.Fprintf(w, "\nPreview %s %s:\n", pv.Kind, pv.Requested)
		if pv.Accepted {
			fmt.Fprintln(w, "  Result             : accepted")
			fmt.Fprintf(w, "  Effective          : %s\n", pv.Effective)
		} else {
			fmt.Fprintf(w, "  Result             : rejected (%s)\n", display.Reason(pv.Reason))
		}
		fmt.Fprintf(w, "  Health Factor      : %s -> %s\n",
			display.HealthFactor(pv.CurrentHealthFactor), display.HealthFactor(pv.HealthFactor))
	}
}

func displayJSON(w io.Writer, q quote) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(q)
}

// displayYAML renders the JSON form as YAML so both formats share field names.
func displayYAML(w io.Writer, q quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
