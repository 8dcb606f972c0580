package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Recover drains the due recovery queue once. With --dry-run it only
// lists what would be processed.
func (a *App) Recover(ctx context.Context, opts RecoverOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if err := requireStore(store, "process recovery queue"); err != nil {
		return err
	}
	defer closeStore()

	if opts.DryRun {
		due, err := store.ListDueForRetry(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(due) == 0 {
			fmt.Fprintln(os.Stdout, "no records due for retry")
			return nil
		}

		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Payment\tAmount\tAttempts\tStatus\tPriority\tDue")
		for _, record := range due {
			fmt.Fprintf(writer, "%s\t%s %s\t%d\t%s\t%s\t%s\n",
				record.PaymentID,
				record.OriginalAmount.String(),
				record.Currency,
				record.Attempts,
				record.Status,
				record.Priority,
				record.NextRetryAt.UTC().Format(time.RFC3339),
			)
		}
		return writer.Flush()
	}

	coordinator := a.newCoordinator()
	recoverySched := a.newRecovery(store, coordinator)

	stats, err := recoverySched.ProcessQueue(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "processed %d: recovered %d, refunded %d, manual review %d\n",
		stats.Processed, stats.Recovered, stats.Refunded, stats.ManualReview)
	return nil
}
