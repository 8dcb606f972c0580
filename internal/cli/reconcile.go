package cli

import (
	"time"

	"github.com/spf13/cobra"

	"satbridge/internal/app"
)

var (
	reconcileTenant string
	reconcileWindow time.Duration
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass for one tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReconcileOptions{
			Tenant: reconcileTenant,
			Window: reconcileWindow,
		}
		return getApp().Reconcile(cmd.Context(), opts)
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileTenant, "tenant", "", "Tenant to reconcile")
	reconcileCmd.Flags().DurationVar(&reconcileWindow, "window", 0, "Lookback window (defaults to config)")
}
