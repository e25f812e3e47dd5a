package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"alert-relay/internal/app"
)

var (
	simulateTicker   string
	simulateStrategy string
	simulateAction   string
	simulatePrice    float64
	simulateScore    float64
	simulateDeliver  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic alert through scoring and message rendering",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTicker == "" {
			return errors.New("--ticker is required")
		}
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}
		if simulateScore < 0 || simulateScore > 100 {
			return errors.New("--score must be between 0 and 100")
		}

		opts := app.SimulateOptions{
			Ticker:   simulateTicker,
			Strategy: simulateStrategy,
			Action:   simulateAction,
			Price:    decimal.NewFromFloat(simulatePrice),
			Score:    simulateScore,
			Deliver:  simulateDeliver,
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTicker, "ticker", "", "Ticker symbol for the synthetic alert")
	simulateCmd.Flags().StringVar(&simulateStrategy, "strategy", "swing", "Strategy label")
	simulateCmd.Flags().StringVar(&simulateAction, "action", "buy", "Trade action (buy or sell)")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Entry price")
	simulateCmd.Flags().Float64Var(&simulateScore, "score", 85, "Consensus score returned by the static panel")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "Send the rendered message through configured channels")
}
