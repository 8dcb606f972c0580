package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// VenuesOptions configure the venues status command.
type VenuesOptions struct {
	Currency string
	Notional float64
}

// Venues probes every configured venue and prints health, a validated
// price quote, and the fee-inclusive cost ranking for a notional buy.
func (a *App) Venues(ctx context.Context, opts VenuesOptions) error {
	if opts.Currency == "" {
		opts.Currency = a.Config.Failover.ReferenceCurrency
	}
	if opts.Notional <= 0 {
		opts.Notional = 1000
	}

	coordinator := a.newCoordinator()
	coordinator.Probe(ctx, opts.Currency)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Venue\tHealthy\tLatency\tLast error")
	for _, health := range coordinator.HealthSnapshot() {
		fmt.Fprintf(writer, "%s\t%t\t%s\t%s\n",
			health.Venue,
			health.Healthy,
			health.Latency.Truncate(time.Millisecond),
			sanitizeInline(health.LastError),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	price, err := coordinator.GetPriceWithFailover(ctx, opts.Currency)
	if err != nil {
		fmt.Fprintf(os.Stdout, "\nprice unavailable: %v\n", err)
	} else {
		fmt.Fprintf(os.Stdout, "\nprice %s %s via %s (sources %d, max deviation %s%%, reliable %t)\n",
			price.Price.Last.String(),
			opts.Currency,
			price.VenueUsed,
			price.SourceCount,
			price.MaxDeviationPct.StringFixed(2),
			price.Reliable,
		)
	}

	ranking := coordinator.RankVenues(ctx, opts.Currency, decimal.NewFromFloat(opts.Notional))
	if len(ranking) == 0 {
		return nil
	}

	fmt.Fprintf(os.Stdout, "\nCost ranking for %s %s:\n", decimal.NewFromFloat(opts.Notional).String(), opts.Currency)
	writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Venue\tHealthy\tPriority\tPrice incl. fees\tBTC")
	for _, cost := range ranking {
		effectivePrice, btc := "-", "-"
		if cost.Priced {
			effectivePrice = cost.EffectivePrice.String()
			btc = cost.BitcoinAmount.String()
		}
		fmt.Fprintf(writer, "%s\t%t\t%d\t%s\t%s\n",
			cost.Venue,
			cost.Healthy,
			cost.Priority,
			effectivePrice,
			btc,
		)
	}
	return writer.Flush()
}
