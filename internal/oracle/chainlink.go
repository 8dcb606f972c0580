package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Options parameterise the on-chain reference price fetcher.
type Options struct {
	RPCURL       string
	FeedAddress  string
	FeedDecimals int32
	MaxStaleness time.Duration
	Timeout      time.Duration
}

// ReferencePricer supplies an independent BTC/USD reference price used to
// sanity-check venue quotes. Never a trading venue.
type ReferencePricer interface {
	FetchReference(ctx context.Context) (decimal.Decimal, time.Time, error)
}

// Chainlink reads a Chainlink aggregator feed over Ethereum RPC.
type Chainlink struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainlink builds a reference price fetcher for the configured feed.
func NewChainlink(opts Options, logger zerolog.Logger) *Chainlink {
	return &Chainlink{opts: opts, logger: logger.With().Str("component", "chainlink_oracle").Logger()}
}

// FetchReference retrieves the latest feed answer and its update time.
func (c *Chainlink) FetchReference(ctx context.Context) (decimal.Decimal, time.Time, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, time.Time{}, errors.New("ethereum rpc url not configured")
	}
	if c.opts.FeedAddress == "" {
		return decimal.Decimal{}, time.Time{}, errors.New("feed address not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	addr := common.HexToAddress(c.opts.FeedAddress)
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, time.Time{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode feed answer")
	}
	updatedAtRaw, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode feed update time")
	}

	feedDecimals := c.opts.FeedDecimals
	if feedDecimals == 0 {
		feedDecimals = 8
	}
	price := decimal.NewFromBigInt(answer, -feedDecimals)
	if !price.IsPositive() {
		return decimal.Decimal{}, time.Time{}, errors.New("feed returned non-positive answer")
	}

	updatedAt := time.Unix(updatedAtRaw.Int64(), 0).UTC()
	if c.opts.MaxStaleness > 0 && time.Since(updatedAt) > c.opts.MaxStaleness {
		return decimal.Decimal{}, time.Time{}, errors.New("feed answer is stale")
	}

	return price, updatedAt, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ ReferencePricer = (*Chainlink)(nil)
