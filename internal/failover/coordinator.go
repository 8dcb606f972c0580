package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"satbridge/internal/exchange"
	"satbridge/internal/oracle"
)

// Venue couples a client with its failover priority. Lower priority wins;
// priority encodes the operator's trust/fee ranking, not load balancing.
type Venue struct {
	Client   exchange.Client
	Priority int
}

// Health is the advisory per-venue health snapshot. A healthy venue can
// still reject an individual order.
type Health struct {
	Venue     string
	Healthy   bool
	LastCheck time.Time
	LastError string
	Latency   time.Duration
}

// OrderOutcome reports a failover order execution.
type OrderOutcome struct {
	Result        exchange.OrderResult
	VenueUsed     string
	FailoverCount int
}

// PriceResult is a cross-validated price quote.
type PriceResult struct {
	Price           exchange.Price
	VenueUsed       string
	SourceCount     int
	MeanPrice       decimal.Decimal
	MaxDeviationPct decimal.Decimal
	Reliable        bool
}

// VenueCost ranks a venue by the fee-inclusive price it charges per BTC.
type VenueCost struct {
	Venue    string
	Healthy  bool
	Priority int
	// Priced is false when the price fetch failed; unpriced venues rank
	// below priced ones of equal health and priority.
	Priced bool
	// EffectivePrice is the ask inclusive of the venue trading fee.
	EffectivePrice decimal.Decimal
	// BitcoinAmount is the BTC the notional buys at the effective price.
	BitcoinAmount decimal.Decimal
}

// Options tune the coordinator.
type Options struct {
	// MaxPriceDeviationPct is the reliability ceiling (default 5).
	MaxPriceDeviationPct float64
	// PriceQueryTimeout bounds the joined concurrent price fan-out; a
	// venue that misses it is treated as unhealthy.
	PriceQueryTimeout time.Duration
	// ReferenceCurrency is the quote currency of the on-chain feed. The
	// reference only participates in reliability checks for this currency.
	ReferenceCurrency string
}

// Coordinator executes trading operations against a priority-ordered venue
// set with automatic failover and cross-venue price validation.
type Coordinator struct {
	venues    []Venue
	reference oracle.ReferencePricer
	opts      Options
	logger    zerolog.Logger

	mu     sync.RWMutex
	health map[string]Health
}

// New constructs a Coordinator. Venues are sorted by ascending priority and
// start healthy; reference may be nil.
func New(venues []Venue, reference oracle.ReferencePricer, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.MaxPriceDeviationPct <= 0 {
		opts.MaxPriceDeviationPct = 5
	}
	if opts.PriceQueryTimeout <= 0 {
		opts.PriceQueryTimeout = 10 * time.Second
	}

	ordered := make([]Venue, len(venues))
	copy(ordered, venues)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	health := make(map[string]Health, len(ordered))
	for _, v := range ordered {
		health[v.Client.Venue()] = Health{Venue: v.Client.Venue(), Healthy: true}
	}

	return &Coordinator{
		venues:    ordered,
		reference: reference,
		opts:      opts,
		logger:    logger.With().Str("component", "failover").Logger(),
		health:    health,
	}
}

// FailoverError aggregates per-venue failures after the ordered list is
// exhausted.
type FailoverError struct {
	Exhausted int
	LastErr   error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("all %d venues exhausted, last error: %v", e.Exhausted, e.LastErr)
}

func (e *FailoverError) Unwrap() error { return e.LastErr }

// ExecuteOrderWithFailover runs the order against the highest-priority
// healthy venue, falling forward through the ordered list on failure. A
// real trade outcome updates health immediately. If every venue is marked
// unhealthy the full list is attempted anyway: health is advisory and must
// never strand money movement on its own.
func (c *Coordinator) ExecuteOrderWithFailover(ctx context.Context, req exchange.OrderRequest) (OrderOutcome, error) {
	if err := req.Validate(); err != nil {
		return OrderOutcome{}, err
	}

	candidates := c.healthyVenues()
	if len(candidates) == 0 {
		c.logger.Warn().Msg("no healthy venues, attempting full list")
		candidates = c.venues
	}

	var lastErr error
	failures := 0
	for _, venue := range candidates {
		name := venue.Client.Venue()
		result, err := venue.Client.PlaceMarketOrder(ctx, req)
		if err != nil {
			failures++
			lastErr = err
			c.markUnhealthy(name, err)
			c.logger.Warn().Str("venue", name).Err(err).Msg("order failed, failing over")
			continue
		}

		c.markHealthy(name, 0)
		return OrderOutcome{Result: result, VenueUsed: name, FailoverCount: failures}, nil
	}

	return OrderOutcome{}, &FailoverError{Exhausted: failures, LastErr: lastErr}
}

// GetPriceWithFailover queries every healthy venue concurrently, selects
// the primary venue's price when present, and attaches a reliability flag
// derived from cross-source agreement.
func (c *Coordinator) GetPriceWithFailover(ctx context.Context, currency string) (PriceResult, error) {
	candidates := c.healthyVenues()
	if len(candidates) == 0 {
		candidates = c.venues
	}
	if len(candidates) == 0 {
		return PriceResult{}, fmt.Errorf("no venues configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PriceQueryTimeout)
	defer cancel()

	type quote struct {
		venue   string
		price   exchange.Price
		latency time.Duration
		err     error
	}

	results := make(chan quote, len(candidates)+1)
	for _, venue := range candidates {
		go func(v Venue) {
			start := time.Now()
			price, err := v.Client.GetPrice(ctx, currency)
			results <- quote{venue: v.Client.Venue(), price: price, latency: time.Since(start), err: err}
		}(venue)
	}

	useReference := c.reference != nil && c.opts.ReferenceCurrency != "" &&
		c.opts.ReferenceCurrency == currency
	if useReference {
		go func() {
			price, _, err := c.reference.FetchReference(ctx)
			results <- quote{venue: "reference", price: exchange.Price{Venue: "reference", Last: price}, err: err}
		}()
	}

	expected := len(candidates)
	if useReference {
		expected++
	}

	quotes := make(map[string]exchange.Price, expected)
	var lastErr error
	for i := 0; i < expected; i++ {
		q := <-results
		if q.err != nil {
			lastErr = q.err
			if q.venue != "reference" {
				c.markUnhealthy(q.venue, q.err)
			}
			continue
		}
		if q.venue != "reference" {
			c.markHealthy(q.venue, q.latency)
		}
		quotes[q.venue] = q.price
	}

	venueQuoteCount := len(quotes)
	if _, ok := quotes["reference"]; ok {
		venueQuoteCount--
	}
	if venueQuoteCount == 0 {
		return PriceResult{}, &FailoverError{Exhausted: len(candidates), LastErr: lastErr}
	}

	mean, maxDeviation := deviationStats(quotes)

	selected, selectedVenue := c.selectQuote(quotes, candidates)
	reliable := len(quotes) >= 2 && maxDeviation.LessThan(decimal.NewFromFloat(c.opts.MaxPriceDeviationPct))

	return PriceResult{
		Price:           selected,
		VenueUsed:       selectedVenue,
		SourceCount:     len(quotes),
		MeanPrice:       mean,
		MaxDeviationPct: maxDeviation,
		Reliable:        reliable,
	}, nil
}

// selectQuote prefers the first venue in priority order with a quote.
func (c *Coordinator) selectQuote(quotes map[string]exchange.Price, candidates []Venue) (exchange.Price, string) {
	for _, venue := range candidates {
		name := venue.Client.Venue()
		if price, ok := quotes[name]; ok {
			return price, name
		}
	}
	// Unreachable while venueQuoteCount > 0, but keep a deterministic fallback.
	for name, price := range quotes {
		if name != "reference" {
			return price, name
		}
	}
	return exchange.Price{}, ""
}

// deviationStats computes the mean last price and the maximum percentage
// deviation of any source from that mean.
func deviationStats(quotes map[string]exchange.Price) (decimal.Decimal, decimal.Decimal) {
	sum := decimal.Zero
	for _, price := range quotes {
		sum = sum.Add(price.Last)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(quotes))))

	maxDeviation := decimal.Zero
	if mean.IsZero() {
		return mean, maxDeviation
	}
	hundred := decimal.NewFromInt(100)
	for _, price := range quotes {
		deviation := price.Last.Sub(mean).Abs().Div(mean).Mul(hundred)
		if deviation.GreaterThan(maxDeviation) {
			maxDeviation = deviation
		}
	}
	return mean, maxDeviation
}

// RankVenues returns venues ordered by (health, priority, fee-inclusive
// price per BTC) for a notional fiat buy.
func (c *Coordinator) RankVenues(ctx context.Context, currency string, notional decimal.Decimal) []VenueCost {
	one := decimal.NewFromInt(1)
	costs := make([]VenueCost, 0, len(c.venues))
	for _, venue := range c.venues {
		name := venue.Client.Venue()
		entry := VenueCost{Venue: name, Priority: venue.Priority, Healthy: c.isHealthy(name)}

		price, err := venue.Client.GetPrice(ctx, currency)
		if err == nil && price.Ask.IsPositive() {
			entry.Priced = true
			entry.EffectivePrice = price.Ask.Mul(one.Add(venue.Client.TradingFeeRate())).Round(2)
			entry.BitcoinAmount = notional.Div(entry.EffectivePrice).Round(8)
		}
		costs = append(costs, entry)
	}

	sort.SliceStable(costs, func(i, j int) bool {
		if costs[i].Healthy != costs[j].Healthy {
			return costs[i].Healthy
		}
		if costs[i].Priority != costs[j].Priority {
			return costs[i].Priority < costs[j].Priority
		}
		if costs[i].Priced != costs[j].Priced {
			return costs[i].Priced
		}
		return costs[i].EffectivePrice.LessThan(costs[j].EffectivePrice)
	})
	return costs
}

// Probe runs one health check (a price fetch) against every venue.
func (c *Coordinator) Probe(ctx context.Context, currency string) {
	var wg sync.WaitGroup
	for _, venue := range c.venues {
		wg.Add(1)
		go func(v Venue) {
			defer wg.Done()
			start := time.Now()
			if _, err := v.Client.GetPrice(ctx, currency); err != nil {
				c.markUnhealthy(v.Client.Venue(), err)
				return
			}
			c.markHealthy(v.Client.Venue(), time.Since(start))
		}(venue)
	}
	wg.Wait()
}

// HealthSnapshot returns a copy of the advisory health map.
func (c *Coordinator) HealthSnapshot() []Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make([]Health, 0, len(c.health))
	for _, venue := range c.venues {
		snapshot = append(snapshot, c.health[venue.Client.Venue()])
	}
	return snapshot
}

// MarkUnhealthy lets callers report an out-of-band venue failure.
func (c *Coordinator) MarkUnhealthy(venue string, err error) {
	c.markUnhealthy(venue, err)
}

func (c *Coordinator) healthyVenues() []Venue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := make([]Venue, 0, len(c.venues))
	for _, venue := range c.venues {
		if c.health[venue.Client.Venue()].Healthy {
			healthy = append(healthy, venue)
		}
	}
	return healthy
}

func (c *Coordinator) isHealthy(venue string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health[venue].Healthy
}

func (c *Coordinator) markHealthy(venue string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.health[venue]
	entry.Venue = venue
	entry.Healthy = true
	entry.LastCheck = time.Now().UTC()
	entry.LastError = ""
	if latency > 0 {
		entry.Latency = latency
	}
	c.health[venue] = entry
}

func (c *Coordinator) markUnhealthy(venue string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.health[venue]
	entry.Venue = venue
	entry.Healthy = false
	entry.LastCheck = time.Now().UTC()
	if err != nil {
		entry.LastError = err.Error()
	}
	c.health[venue] = entry
}
