// Package balance reads wallet balances across chains. Reads are coalesced
// through singleflight with a short debounce so UI-driven bursts cost one
// RPC call, and cached briefly so repeated polls stay cheap.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/SiphoYawe/mina-sdk/cache"
	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/metrics"
	"github.com/SiphoYawe/mina-sdk/models"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "balance").Logger()
}

const (
	// DefaultTTL keeps a balance fresh long enough to absorb UI re-renders
	// without hiding real movement.
	DefaultTTL = 10 * time.Second

	// DefaultDebounce is how long the first caller waits before fetching, so
	// that a burst of identical requests collapses into one RPC call.
	DefaultDebounce = 300 * time.Millisecond

	fanoutLimit = 8
)

// Catalog is the metadata the service needs from the chain catalog.
type Catalog interface {
	Chain(ctx context.Context, chainID int64) (*models.Chain, error)
	Token(ctx context.Context, chainID int64, address string) (*models.Token, error)
}

// ChainReader is the subset of the RPC client used for balance reads.
type ChainReader interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, wallet string) (*big.Int, error)
}

// ReaderProvider resolves the RPC reader for a chain.
type ReaderProvider func(ctx context.Context, chainID int64) (ChainReader, error)

// Result is one wallet's balance of one token.
type Result struct {
	Token      models.Token
	Balance    *big.Int
	Formatted  string
	BalanceUSD float64 // 0 when the token has no known price
	HasBalance bool
	IsStale    bool
	CachedAt   time.Time
}

// WalletBalances groups balances by chain. Leaves that failed to load are
// absent; IsStale is true when any present leaf was served stale.
type WalletBalances struct {
	Wallet   string
	Balances map[int64][]Result
	IsStale  bool
	CachedAt time.Time
}

// Check compares a balance against a required amount.
type Check struct {
	Sufficient bool
	Balance    *big.Int
	Required   *big.Int
	Shortfall  *big.Int
}

// Validation is the affordability verdict for a quote.
type Validation struct {
	Valid           bool
	TokenSufficient bool
	GasSufficient   bool
	Warnings        []string
}

// Options tune the service.
type Options struct {
	TTL      time.Duration
	Debounce time.Duration
}

// Service reads and caches balances.
type Service struct {
	catalog  Catalog
	provider ReaderProvider
	cache    *cache.TTL[*Result]
	sf       singleflight.Group
	debounce time.Duration
}

// New builds a balance service over the catalog and an RPC provider.
func New(catalog Catalog, provider ReaderProvider, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	} else if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Service{
		catalog:  catalog,
		provider: provider,
		cache:    cache.New[*Result](opts.TTL),
		debounce: opts.Debounce,
	}
}

// Balance returns the wallet's balance of one token. An empty tokenAddress
// means the chain's native token. Bursts of identical calls share one fetch;
// a failed refresh falls back to the stale cache entry when one exists.
func (s *Service) Balance(ctx context.Context, wallet string, chainID int64, tokenAddress string) (*Result, error) {
	walletAddr, ok := models.NormalizeAddress(wallet)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", wallet)
	}
	tokenAddr := models.NativeTokenAddress
	if tokenAddress != "" {
		tokenAddr, ok = models.NormalizeAddress(tokenAddress)
		if !ok {
			return nil, errs.Newf(errs.CodeInvalidAddress, "invalid token address %q", tokenAddress)
		}
	}

	key := cacheKey(walletAddr, chainID, tokenAddr)
	if hit, ok := s.cache.Get(key); ok {
		metrics.BalanceFetches.WithLabelValues("cached").Inc()
		return hit, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		// Hold the burst open briefly so followers coalesce onto this fetch.
		if s.debounce > 0 {
			select {
			case <-time.After(s.debounce):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if hit, ok := s.cache.Get(key); ok {
			return hit, nil
		}
		result, err := s.fetch(ctx, walletAddr, chainID, tokenAddr)
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, result)
		return result, nil
	})
	if err != nil {
		if stale, at, ok := s.cache.GetStale(key); ok {
			metrics.BalanceFetches.WithLabelValues("stale").Inc()
			log.Warn().Err(err).Str("key", key).Time("cachedAt", at).Msg("balance refresh failed, serving stale value")
			staleCopy := *stale
			staleCopy.IsStale = true
			return &staleCopy, nil
		}
		metrics.BalanceFetches.WithLabelValues("error").Inc()
		if errs.CodeOf(err) != "" {
			return nil, err
		}
		return nil, errs.Wrap(errs.CodeBalanceFetchFailed, fmt.Sprintf("fetch balance for %s on chain %d", walletAddr, chainID), err)
	}
	metrics.BalanceFetches.WithLabelValues("fresh").Inc()
	return v.(*Result), nil
}

func (s *Service) fetch(ctx context.Context, wallet string, chainID int64, tokenAddr string) (*Result, error) {
	token, err := s.resolveToken(ctx, chainID, tokenAddr)
	if err != nil {
		return nil, err
	}

	reader, err := s.provider(ctx, chainID)
	if err != nil {
		return nil, err
	}

	var raw *big.Int
	if models.IsNativeToken(tokenAddr) {
		raw, err = reader.GetBalance(ctx, wallet)
	} else {
		raw, err = reader.TokenBalance(ctx, token.Address, wallet)
	}
	if err != nil {
		return nil, err
	}

	amount := decimal.NewFromBigInt(raw, -int32(token.Decimals))
	result := &Result{
		Token:      *token,
		Balance:    raw,
		Formatted:  amount.String(),
		HasBalance: raw.Sign() > 0,
		CachedAt:   time.Now(),
	}
	if token.PriceUSD > 0 {
		result.BalanceUSD = amount.Mul(decimal.NewFromFloat(token.PriceUSD)).InexactFloat64()
	}
	return result, nil
}

func (s *Service) resolveToken(ctx context.Context, chainID int64, tokenAddr string) (*models.Token, error) {
	if models.IsNativeToken(tokenAddr) {
		chain, err := s.catalog.Chain(ctx, chainID)
		if err != nil {
			return nil, err
		}
		if chain == nil {
			return nil, errs.Newf(errs.CodeBalanceFetchFailed, "chain %d not supported", chainID)
		}
		native := chain.NativeToken
		native.ChainID = chainID
		return &native, nil
	}

	token, err := s.catalog.Token(ctx, chainID, tokenAddr)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errs.Newf(errs.CodeTokenFetchFailed, "token %s not found on chain %d", tokenAddr, chainID)
	}
	return token, nil
}

// Balances fans out over chains and tokens. tokens maps chain id to the token
// addresses wanted there; chains with no entry get the native token only.
// Failed leaves are logged and skipped rather than failing the whole read.
func (s *Service) Balances(ctx context.Context, wallet string, chainIDs []int64, tokens map[int64][]string) (*WalletBalances, error) {
	walletAddr, ok := models.NormalizeAddress(wallet)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", wallet)
	}
	if len(chainIDs) == 0 {
		for chainID := range tokens {
			chainIDs = append(chainIDs, chainID)
		}
	}
	if len(chainIDs) == 0 {
		return nil, errs.New(errs.CodeInvalidQuoteParams, "no chains requested")
	}

	out := &WalletBalances{Wallet: walletAddr, Balances: make(map[int64][]Result)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for _, chainID := range chainIDs {
		addrs := tokens[chainID]
		if len(addrs) == 0 {
			addrs = []string{""}
		}
		for _, addr := range addrs {
			chainID, addr := chainID, addr
			g.Go(func() error {
				result, err := s.Balance(gctx, walletAddr, chainID, addr)
				if err != nil {
					log.Warn().Err(err).Int64("chain", chainID).Str("token", addr).Msg("balance leaf failed, skipping")
					return nil
				}
				mu.Lock()
				out.Balances[chainID] = append(out.Balances[chainID], *result)
				if result.IsStale {
					out.IsStale = true
				}
				if out.CachedAt.IsZero() || result.CachedAt.Before(out.CachedAt) {
					out.CachedAt = result.CachedAt
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return out, nil
}

// CheckBalance compares the wallet's balance of one token against required.
func (s *Service) CheckBalance(ctx context.Context, wallet string, chainID int64, tokenAddress string, required *big.Int) (*Check, error) {
	result, err := s.Balance(ctx, wallet, chainID, tokenAddress)
	if err != nil {
		return nil, err
	}
	check := &Check{
		Balance:   result.Balance,
		Required:  new(big.Int).Set(required),
		Shortfall: big.NewInt(0),
	}
	if result.Balance.Cmp(required) >= 0 {
		check.Sufficient = true
	} else {
		check.Shortfall.Sub(required, result.Balance)
	}
	return check, nil
}

// ValidateQuote verifies the wallet can afford a quote: the sell amount in
// the source token, plus estimated gas in the source chain's native token.
func (s *Service) ValidateQuote(ctx context.Context, quote *models.Quote, wallet string) (*Validation, error) {
	if quote == nil {
		return nil, errs.New(errs.CodeInvalidQuote, "quote is nil")
	}
	required, ok := new(big.Int).SetString(quote.FromAmount, 10)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidQuote, "quote fromAmount %q is not an integer", quote.FromAmount)
	}

	chainID := quote.FromToken.ChainID
	validation := &Validation{TokenSufficient: true, GasSufficient: true}

	fromNative := quote.FromToken.IsNative()
	gasCost := big.NewInt(0)
	if quote.Fees.GasEstimate.GasCost != "" {
		if parsed, ok := new(big.Int).SetString(quote.Fees.GasEstimate.GasCost, 10); ok {
			gasCost = parsed
		} else {
			validation.Warnings = append(validation.Warnings, "gas cost estimate unreadable, skipping gas check")
		}
	} else {
		validation.Warnings = append(validation.Warnings, "no gas cost estimate, skipping gas check")
	}

	nativeResult, err := s.Balance(ctx, wallet, chainID, "")
	if err != nil {
		return nil, err
	}

	if fromNative {
		// One balance covers both the sell amount and gas.
		total := new(big.Int).Add(required, gasCost)
		if nativeResult.Balance.Cmp(required) < 0 {
			validation.TokenSufficient = false
			validation.Warnings = append(validation.Warnings, fmt.Sprintf(
				"insufficient %s: need %s, have %s, short %s",
				nativeResult.Token.Symbol, required, nativeResult.Balance,
				new(big.Int).Sub(required, nativeResult.Balance)))
		}
		if nativeResult.Balance.Cmp(total) < 0 {
			validation.GasSufficient = false
			validation.Warnings = append(validation.Warnings, fmt.Sprintf(
				"insufficient %s for amount plus gas: need %s, have %s, short %s",
				nativeResult.Token.Symbol, total, nativeResult.Balance,
				new(big.Int).Sub(total, nativeResult.Balance)))
		}
	} else {
		tokenResult, err := s.Balance(ctx, wallet, chainID, quote.FromToken.Address)
		if err != nil {
			return nil, err
		}
		if tokenResult.Balance.Cmp(required) < 0 {
			validation.TokenSufficient = false
			validation.Warnings = append(validation.Warnings, fmt.Sprintf(
				"insufficient %s: need %s, have %s, short %s",
				tokenResult.Token.Symbol, required, tokenResult.Balance,
				new(big.Int).Sub(required, tokenResult.Balance)))
		}
		if gasCost.Sign() > 0 && nativeResult.Balance.Cmp(gasCost) < 0 {
			validation.GasSufficient = false
			validation.Warnings = append(validation.Warnings, fmt.Sprintf(
				"insufficient %s for gas: need %s, have %s, short %s",
				nativeResult.Token.Symbol, gasCost, nativeResult.Balance,
				new(big.Int).Sub(gasCost, nativeResult.Balance)))
		}
	}

	validation.Valid = validation.TokenSufficient && validation.GasSufficient
	return validation, nil
}

// Invalidate drops one cached balance, forcing the next read to hit the RPC.
func (s *Service) Invalidate(wallet string, chainID int64, tokenAddress string) {
	walletAddr, ok := models.NormalizeAddress(wallet)
	if !ok {
		return
	}
	tokenAddr := models.NativeTokenAddress
	if tokenAddress != "" {
		if normalized, ok := models.NormalizeAddress(tokenAddress); ok {
			tokenAddr = normalized
		}
	}
	s.cache.Invalidate(cacheKey(walletAddr, chainID, tokenAddr))
}

// Reset drops the whole balance cache.
func (s *Service) Reset() {
	s.cache.Reset()
}

func cacheKey(wallet string, chainID int64, token string) string {
	return strings.ToLower(fmt.Sprintf("%s:%d:%s", wallet, chainID, token))
}
