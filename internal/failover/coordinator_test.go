package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satbridge/internal/exchange"
)

func newCoordinator(t *testing.T, venues ...Venue) *Coordinator {
	t.Helper()
	return New(venues, nil, Options{}, zerolog.Nop())
}

func buyOrder(value int64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Side:            exchange.SideBuy,
		Value:           decimal.NewFromInt(value),
		Currency:        "AUD",
		ClientReference: "pay-1",
	}
}

func TestOrderSkipsUnhealthyVenue(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100000))
	cVenue := exchange.NewMock("venue-c", decimal.NewFromInt(100000))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
		Venue{Client: cVenue, Priority: 3},
	)
	coord.MarkUnhealthy("venue-a", errors.New("probe failed"))

	outcome, err := coord.ExecuteOrderWithFailover(context.Background(), buyOrder(1000))
	require.NoError(t, err)

	assert.Equal(t, "venue-b", outcome.VenueUsed)
	assert.Equal(t, 0, outcome.FailoverCount)

	// A must not have been traded against, and C must not have been reached.
	_, calledA := a.OrderByReference("pay-1")
	_, calledC := cVenue.OrderByReference("pay-1")
	assert.False(t, calledA)
	assert.False(t, calledC)
}

func TestOrderFailsOverOnVenueError(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100000))
	a.FailWith(errors.New("venue down"))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
	)

	outcome, err := coord.ExecuteOrderWithFailover(context.Background(), buyOrder(1000))
	require.NoError(t, err)
	assert.Equal(t, "venue-b", outcome.VenueUsed)
	assert.Equal(t, 1, outcome.FailoverCount)

	// The real trade failure must flip health immediately.
	for _, h := range coord.HealthSnapshot() {
		if h.Venue == "venue-a" {
			assert.False(t, h.Healthy)
			assert.Contains(t, h.LastError, "venue down")
		}
	}
}

func TestOrderAggregateErrorAfterExhaustion(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100000))
	a.FailWith(errors.New("down a"))
	b.FailWith(errors.New("down b"))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
	)

	_, err := coord.ExecuteOrderWithFailover(context.Background(), buyOrder(1000))
	var failoverErr *FailoverError
	require.ErrorAs(t, err, &failoverErr)
	assert.Equal(t, 2, failoverErr.Exhausted)
	assert.Contains(t, failoverErr.LastErr.Error(), "down b")
}

func TestOrderAttemptsAllWhenNoneHealthy(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	coord := newCoordinator(t, Venue{Client: a, Priority: 1})
	coord.MarkUnhealthy("venue-a", errors.New("stale probe"))

	outcome, err := coord.ExecuteOrderWithFailover(context.Background(), buyOrder(1000))
	require.NoError(t, err)
	assert.Equal(t, "venue-a", outcome.VenueUsed)
}

func TestPriceReliableWhenSourcesAgree(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100500))
	cVenue := exchange.NewMock("venue-c", decimal.NewFromInt(99800))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
		Venue{Client: cVenue, Priority: 3},
	)

	result, err := coord.GetPriceWithFailover(context.Background(), "AUD")
	require.NoError(t, err)

	assert.Equal(t, "venue-a", result.VenueUsed)
	assert.Equal(t, 3, result.SourceCount)
	assert.True(t, result.Reliable)
	assert.True(t, result.MaxDeviationPct.LessThan(decimal.NewFromInt(1)))
}

func TestPriceUnreliableOnLargeDeviation(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(120000))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
	)

	result, err := coord.GetPriceWithFailover(context.Background(), "AUD")
	require.NoError(t, err)
	assert.False(t, result.Reliable)
}

func TestPriceSingleSourceUnreliable(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	coord := newCoordinator(t, Venue{Client: a, Priority: 1})

	result, err := coord.GetPriceWithFailover(context.Background(), "AUD")
	require.NoError(t, err)
	assert.Equal(t, 1, result.SourceCount)
	assert.False(t, result.Reliable)
}

func TestPriceFallsBackWhenPrimaryDown(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100100))
	a.FailWith(errors.New("timeout"))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
	)

	result, err := coord.GetPriceWithFailover(context.Background(), "AUD")
	require.NoError(t, err)
	assert.Equal(t, "venue-b", result.VenueUsed)
}

type fakeReference struct {
	price decimal.Decimal
	err   error
}

func (f fakeReference) FetchReference(context.Context) (decimal.Decimal, time.Time, error) {
	return f.price, time.Now().UTC(), f.err
}

func TestPriceReferenceParticipatesInReliability(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	reference := fakeReference{price: decimal.NewFromInt(100200)}

	coord := New(
		[]Venue{{Client: a, Priority: 1}},
		reference,
		Options{ReferenceCurrency: "USD"},
		zerolog.Nop(),
	)

	result, err := coord.GetPriceWithFailover(context.Background(), "USD")
	require.NoError(t, err)

	// One venue plus the on-chain reference makes two agreeing sources.
	assert.Equal(t, 2, result.SourceCount)
	assert.True(t, result.Reliable)
	assert.Equal(t, "venue-a", result.VenueUsed)
}

func TestRankVenuesPrefersHealthyThenCheap(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	b := exchange.NewMock("venue-b", decimal.NewFromInt(100000))

	coord := newCoordinator(t,
		Venue{Client: a, Priority: 1},
		Venue{Client: b, Priority: 2},
	)
	coord.MarkUnhealthy("venue-a", errors.New("down"))

	ranked := coord.RankVenues(context.Background(), "AUD", decimal.NewFromInt(1000))
	require.Len(t, ranked, 2)
	assert.Equal(t, "venue-b", ranked[0].Venue)
	assert.True(t, ranked[0].Healthy)
	assert.False(t, ranked[1].Healthy)
}

func TestRankVenuesOrdersByEffectivePrice(t *testing.T) {
	cheap := exchange.NewMock("venue-cheap", decimal.NewFromInt(99000))
	dear := exchange.NewMock("venue-dear", decimal.NewFromInt(101000))
	broken := exchange.NewMock("venue-broken", decimal.NewFromInt(98000))
	broken.FailWith(errors.New("down"))

	coord := newCoordinator(t,
		Venue{Client: dear, Priority: 1},
		Venue{Client: cheap, Priority: 1},
		Venue{Client: broken, Priority: 1},
	)

	ranked := coord.RankVenues(context.Background(), "AUD", decimal.NewFromInt(1000))
	require.Len(t, ranked, 3)
	assert.Equal(t, "venue-cheap", ranked[0].Venue)
	assert.Equal(t, "venue-dear", ranked[1].Venue)
	assert.Equal(t, "venue-broken", ranked[2].Venue, "unpriced venue ranks last")
	assert.False(t, ranked[2].Priced)
	assert.True(t, ranked[0].EffectivePrice.LessThan(ranked[1].EffectivePrice))
	assert.True(t, ranked[0].BitcoinAmount.GreaterThan(ranked[1].BitcoinAmount))
}

func TestProbeRecoversVenue(t *testing.T) {
	a := exchange.NewMock("venue-a", decimal.NewFromInt(100000))
	coord := newCoordinator(t, Venue{Client: a, Priority: 1})

	a.FailWith(errors.New("maintenance"))
	coord.Probe(context.Background(), "AUD")
	require.False(t, coord.HealthSnapshot()[0].Healthy)

	a.FailWith(nil)
	coord.Probe(context.Background(), "AUD")
	snapshot := coord.HealthSnapshot()[0]
	assert.True(t, snapshot.Healthy)
	assert.Empty(t, snapshot.LastError)
}
