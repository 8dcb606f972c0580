package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent reconciliation runs and open recovery records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if err := requireStore(store, "show history"); err != nil {
		return err
	}
	defer closeStore()

	runs, err := store.ListRecentRuns(ctx, opts.Limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no reconciliation runs found")
	} else {
		fmt.Fprintln(os.Stdout, "Recent reconciliation runs:")
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tTenant\tPayments\tMatched\tOrphans\tDiscrepancy\tAccuracy%")
		for _, run := range runs {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				run.CreatedAt.UTC().Format(time.RFC3339),
				run.TenantID,
				run.TotalPayments,
				run.MatchedCount,
				run.OrphanCount,
				run.DiscrepancyValue.String(),
				run.AccuracyPct.StringFixed(2),
			)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	records, err := store.ListRecentFailedTransactions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "\nno recovery records found")
		return nil
	}

	fmt.Fprintln(os.Stdout, "\nRecent recovery records:")
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Payment\tAmount\tStatus\tPriority\tAttempts\tLast error")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s %s\t%s\t%s\t%d\t%s\n",
			record.PaymentID,
			record.OriginalAmount.String(),
			record.Currency,
			record.Status,
			record.Priority,
			record.Attempts,
			sanitizeInline(record.LastError),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	if len(cleaned) > 80 {
		cleaned = cleaned[:77] + "..."
	}
	return cleaned
}
