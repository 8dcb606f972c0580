package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Reconcile runs a single reconciliation pass for one tenant and prints
// the resulting report. Critical orphans are escalated into the recovery
// queue exactly as in the periodic loop.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	if opts.Tenant == "" {
		return errors.New("--tenant is required")
	}
	if opts.Window <= 0 {
		opts.Window = a.Config.Reconcile.Window
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if err := requireStore(store, "reconcile"); err != nil {
		return err
	}
	defer closeStore()

	coordinator := a.newCoordinator()
	recoverySched := a.newRecovery(store, coordinator)
	reconciler := a.newReconciler(store, recoverySched)

	summary, err := reconciler.Reconcile(ctx, opts.Tenant, opts.Window)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "tenant %s, window %s to %s\n",
		summary.TenantID,
		summary.WindowStart.Format(time.RFC3339),
		summary.WindowEnd.Format(time.RFC3339),
	)
	fmt.Fprintf(os.Stdout, "payments %d, purchases %d, matched %d, accuracy %s%%\n",
		summary.TotalPayments,
		summary.TotalPurchases,
		summary.MatchedCount,
		summary.AccuracyPct.StringFixed(2),
	)

	if len(summary.Orphans) == 0 {
		fmt.Fprintln(os.Stdout, "no orphaned payments")
		return nil
	}

	fmt.Fprintf(os.Stdout, "discrepancy value %s\n\n", summary.DiscrepancyValue.String())

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Payment\tCustomer\tAmount\tAge\tReason\tActual")
	for _, orphan := range summary.Orphans {
		actual := "-"
		if !orphan.ActualAmount.IsZero() {
			actual = orphan.ActualAmount.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			orphan.PaymentID,
			orphan.CustomerID,
			orphan.Amount.String(),
			orphan.Currency,
			orphan.Age.Truncate(time.Second),
			orphan.Reason,
			actual,
		)
	}
	return writer.Flush()
}
