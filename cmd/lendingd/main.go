// Command lendingd serves the lending position API and evaluates positions
// offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lendingd",
		Short: "Collateralized lending position engine",
		Long: `lendingd tracks collateral and debt per wallet, decides deposits,
withdrawals, borrows and repays against a liquidation threshold, and reports
health factors.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "config file (.yaml, .yml or .toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQuoteCmd())
	return root
}
