package cli

import (
	"github.com/spf13/cobra"

	"satbridge/internal/app"
)

var recoverDryRun bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Process the due recovery queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RecoverOptions{
			DryRun: recoverDryRun,
		}
		return getApp().Recover(cmd.Context(), opts)
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "List due records without processing them")
}
