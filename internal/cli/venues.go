package cli

import (
	"github.com/spf13/cobra"

	"satbridge/internal/app"
)

var (
	venuesCurrency string
	venuesNotional float64
)

var venuesCmd = &cobra.Command{
	Use:   "venues",
	Short: "Probe venue health and rank venues by cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.VenuesOptions{
			Currency: venuesCurrency,
			Notional: venuesNotional,
		}
		return getApp().Venues(cmd.Context(), opts)
	},
}

func init() {
	venuesCmd.Flags().StringVar(&venuesCurrency, "currency", "", "Fiat currency to quote (defaults to config)")
	venuesCmd.Flags().Float64Var(&venuesNotional, "notional", 1000, "Notional fiat amount for the cost ranking")
}
