// Package arrival watches a destination-chain balance until bridged funds
// land. Bridges shave fees off the transferred amount, so arrival is a
// delta crossing a tolerance threshold, not an exact match.
package arrival

import (
	"context"
	"math/big"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/models"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "arrival").Logger()
}

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 5 * time.Minute

	// toleranceNumerator / toleranceDenominator: arrival is declared once the
	// observed delta reaches 99% of the expected amount.
	toleranceNumerator   = 99
	toleranceDenominator = 100
)

// Reader is the subset of the RPC client used for balance polling.
type Reader interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, wallet string) (*big.Int, error)
}

// Options tune one arrival watch.
type Options struct {
	Wallet string

	// TokenAddress of the asset expected to arrive; empty means native.
	TokenAddress string

	// Expected is the bridged amount in smallest units. Arrival is declared
	// at 99% of it; nil accepts any positive delta.
	Expected *big.Int

	// Baseline is the pre-bridge balance, usually captured with Snapshot.
	// Nil seeds the baseline from the first successful poll.
	Baseline *big.Int

	// Decimals formats the detected amount; zero means the home USDC's six.
	// Native watches want the chain's eighteen.
	Decimals int

	Interval time.Duration
	Timeout  time.Duration
}

// Detection is the outcome of a completed watch.
type Detection struct {
	Arrived         bool
	Amount          *big.Int
	AmountFormatted string
	PreviousBalance *big.Int
	Balance         *big.Int
	Waited          time.Duration
	Timestamp       time.Time
}

// Detector polls one chain's balances through a Reader.
type Detector struct {
	reader Reader
}

func New(reader Reader) *Detector {
	return &Detector{reader: reader}
}

// Snapshot reads the current balance so it can baseline a later Wait.
func (d *Detector) Snapshot(ctx context.Context, wallet, tokenAddress string) (*big.Int, error) {
	normalized, ok := models.NormalizeAddress(wallet)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", wallet)
	}
	if tokenAddress == "" || models.IsNativeToken(tokenAddress) {
		return d.reader.GetBalance(ctx, normalized)
	}
	token, ok := models.NormalizeAddress(tokenAddress)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid token address %q", tokenAddress)
	}
	return d.reader.TokenBalance(ctx, token, normalized)
}

// Wait polls until the balance delta reaches the tolerance threshold or the
// watch times out. Individual poll failures are logged and retried.
func (d *Detector) Wait(ctx context.Context, opts Options) (*Detection, error) {
	wallet, ok := models.NormalizeAddress(opts.Wallet)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", opts.Wallet)
	}
	if opts.Expected != nil && opts.Expected.Sign() <= 0 {
		return nil, errs.New(errs.CodeInvalidQuoteParams, "expected amount must be positive")
	}
	token := ""
	if opts.TokenAddress != "" && !models.IsNativeToken(opts.TokenAddress) {
		token, ok = models.NormalizeAddress(opts.TokenAddress)
		if !ok {
			return nil, errs.Newf(errs.CodeInvalidAddress, "invalid token address %q", opts.TokenAddress)
		}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Decimals <= 0 {
		opts.Decimals = models.USDCDecimals
	}

	threshold := big.NewInt(1)
	if opts.Expected != nil {
		threshold.Mul(opts.Expected, big.NewInt(toleranceNumerator))
		threshold.Div(threshold, big.NewInt(toleranceDenominator))
		if threshold.Sign() == 0 {
			threshold.SetInt64(1)
		}
	}

	var baseline *big.Int
	if opts.Baseline != nil {
		baseline = new(big.Int).Set(opts.Baseline)
	}

	started := time.Now()
	deadline := started.Add(opts.Timeout)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last *big.Int
	for {
		value, err := d.read(ctx, wallet, token)
		if err != nil {
			log.Debug().Err(err).Str("wallet", wallet).Msg("arrival poll failed, will retry")
		} else {
			if baseline == nil {
				baseline = new(big.Int).Set(value)
				log.Debug().Str("wallet", wallet).Str("baseline", value.String()).Msg("arrival baseline captured")
			}
			if last != nil && value.Cmp(last) < 0 {
				log.Info().
					Str("wallet", wallet).
					Str("previous", last.String()).
					Str("current", value.String()).
					Msg("balance decreased while waiting for arrival")
			}
			last = new(big.Int).Set(value)

			delta := new(big.Int).Sub(value, baseline)
			if delta.Cmp(threshold) >= 0 {
				return &Detection{
					Arrived:         true,
					Amount:          delta,
					AmountFormatted: decimal.NewFromBigInt(delta, -int32(opts.Decimals)).String(),
					PreviousBalance: baseline,
					Balance:         value,
					Waited:          time.Since(started),
					Timestamp:       time.Now(),
				}, nil
			}
		}

		if time.Now().After(deadline) {
			werr := errs.New(errs.CodeArrivalTimeout, "bridged funds not observed before timeout").
				WithDetail("waited", time.Since(started).String())
			if opts.Expected != nil {
				werr = werr.WithDetail("expected", opts.Expected.String())
			}
			if last != nil {
				werr = werr.WithDetail("lastBalance", last.String())
			}
			return nil, werr
		}

		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.CodeArrivalTimeout, "arrival wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Detector) read(ctx context.Context, wallet, token string) (*big.Int, error) {
	if token == "" {
		return d.reader.GetBalance(ctx, wallet)
	}
	return d.reader.TokenBalance(ctx, token, wallet)
}
