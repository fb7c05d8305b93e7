// Package catalog serves chain, token, and connection metadata from the
// aggregator behind TTL caches. The home chain is always resolvable, even
// when the aggregator omits it or is unreachable.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/SiphoYawe/mina-sdk/cache"
	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/lifi"
	"github.com/SiphoYawe/mina-sdk/models"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "catalog").Logger()
}

// Cache lifetimes. Chains move slowly; tokens and connections less so.
const (
	DefaultChainTTL      = 30 * time.Minute
	DefaultTokenTTL      = 15 * time.Minute
	DefaultConnectionTTL = 15 * time.Minute
	DefaultFetchTimeout  = 10 * time.Second
)

// Default public RPC endpoints for the home chain, used when neither the
// caller config nor the aggregator provides one.
const (
	MainnetRPCURL = "https://rpc.hyperliquid.xyz/evm"
	TestnetRPCURL = "https://rpc.hyperliquid-testnet.xyz/evm"
)

// Options configure a catalog service.
type Options struct {
	// Testnet points the home chain at 998 instead of 999.
	Testnet bool

	// RPCOverrides take precedence over everything else in RPCURL.
	RPCOverrides map[int64]string

	ChainTTL      time.Duration
	TokenTTL      time.Duration
	ConnectionTTL time.Duration

	// FetchTimeout bounds each aggregator round trip.
	FetchTimeout time.Duration
}

// ChainsResult carries the chain list plus cache provenance.
type ChainsResult struct {
	Chains  []models.Chain
	IsStale bool
}

// TokensResult carries one chain's token list plus cache provenance.
type TokensResult struct {
	Tokens  []models.Token
	IsStale bool
}

// Connection groups the bridgeable tokens between two chains.
type Connection struct {
	FromChainID int64
	ToChainID   int64
	FromTokens  []models.Token
	ToTokens    []models.Token
}

// ConnectionsResult carries the connection list plus cache provenance.
type ConnectionsResult struct {
	Connections []Connection
	IsStale     bool
}

// Service is the metadata catalog.
type Service struct {
	client *lifi.Client
	opts   Options

	chains      *cache.TTL[[]models.Chain]
	tokens      *cache.TTL[[]models.Token]
	connections *cache.TTL[[]Connection]
	sf          singleflight.Group
}

// New builds a catalog over the aggregator client.
func New(client *lifi.Client, opts Options) *Service {
	if opts.ChainTTL <= 0 {
		opts.ChainTTL = DefaultChainTTL
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = DefaultConnectionTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Service{
		client:      client,
		opts:        opts,
		chains:      cache.New[[]models.Chain](opts.ChainTTL),
		tokens:      cache.New[[]models.Token](opts.TokenTTL),
		connections: cache.New[[]Connection](opts.ConnectionTTL),
	}
}

// HomeChainID is the chain deposits settle through in this environment.
func (s *Service) HomeChainID() int64 {
	if s.opts.Testnet {
		return models.HyperEVMTestnetChainID
	}
	return models.HyperEVMChainID
}

// HomeChain is the hardcoded home chain entry, used to guarantee resolution
// when the aggregator does not list it.
func (s *Service) HomeChain() models.Chain {
	id := s.HomeChainID()
	name := "HyperEVM"
	rpc := MainnetRPCURL
	if s.opts.Testnet {
		name = "HyperEVM Testnet"
		rpc = TestnetRPCURL
	}
	return models.Chain{
		ID:   id,
		Key:  "hyperevm",
		Name: name,
		NativeToken: models.Token{
			Address:  models.NativeTokenAddress,
			Symbol:   "HYPE",
			Name:     "Hype",
			Decimals: 18,
			ChainID:  id,
		},
		IsEVM:  true,
		RPCURL: rpc,
	}
}

// homeTokens is the minimal token set the destination flow needs even when
// the aggregator returns nothing for the home chain.
func (s *Service) homeTokens() []models.Token {
	home := s.HomeChain()
	return []models.Token{
		{
			Address:  models.HyperEVMUSDCAddress,
			Symbol:   "USDC",
			Name:     "USD Coin",
			Decimals: models.USDCDecimals,
			ChainID:  home.ID,
		},
		home.NativeToken,
	}
}

// Chains lists the EVM mainnet chains the aggregator supports, with the home
// chain injected when absent. On refresh failure a stale list is served.
func (s *Service) Chains(ctx context.Context) (*ChainsResult, error) {
	const key = "chains"
	if chains, ok := s.chains.Get(key); ok {
		return &ChainsResult{Chains: chains}, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()

		wire, err := s.client.Chains(fetchCtx)
		if err != nil {
			return nil, err
		}
		chains := make([]models.Chain, 0, len(wire))
		for _, c := range wire {
			if !strings.EqualFold(c.ChainType, "EVM") || !c.Mainnet {
				continue
			}
			chains = append(chains, chainFromWire(c))
		}
		chains = s.ensureHomeChain(chains)
		s.chains.Set(key, chains)
		return chains, nil
	})
	if err != nil {
		if stale, at, ok := s.chains.GetStale(key); ok {
			log.Warn().Err(err).Time("cachedAt", at).Msg("chain refresh failed, serving stale list")
			return &ChainsResult{Chains: stale, IsStale: true}, nil
		}
		return nil, errs.Wrap(errs.CodeChainFetchFailed, "fetch chains", err)
	}
	return &ChainsResult{Chains: v.([]models.Chain)}, nil
}

// Chain resolves one chain by id. A miss returns (nil, nil). The home chain
// always resolves, even when the aggregator is unreachable.
func (s *Service) Chain(ctx context.Context, chainID int64) (*models.Chain, error) {
	result, err := s.Chains(ctx)
	if err != nil {
		if chainID == s.HomeChainID() {
			home := s.HomeChain()
			return &home, nil
		}
		return nil, err
	}
	for i := range result.Chains {
		if result.Chains[i].ID == chainID {
			c := result.Chains[i]
			return &c, nil
		}
	}
	return nil, nil
}

// Tokens lists one chain's bridgeable tokens. The home chain always includes
// USDC and the native token.
func (s *Service) Tokens(ctx context.Context, chainID int64) (*TokensResult, error) {
	key := "tokens:" + strconv.FormatInt(chainID, 10)
	if tokens, ok := s.tokens.Get(key); ok {
		return &TokensResult{Tokens: tokens}, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()

		wire, err := s.client.Tokens(fetchCtx, []int64{chainID})
		if err != nil {
			return nil, err
		}
		tokens := make([]models.Token, 0)
		for _, t := range wire[strconv.FormatInt(chainID, 10)] {
			tokens = append(tokens, tokenFromWire(t))
		}
		if chainID == s.HomeChainID() {
			tokens = s.ensureHomeTokens(tokens)
		}
		s.tokens.Set(key, tokens)
		return tokens, nil
	})
	if err != nil {
		if stale, at, ok := s.tokens.GetStale(key); ok {
			log.Warn().Err(err).Int64("chain", chainID).Time("cachedAt", at).Msg("token refresh failed, serving stale list")
			return &TokensResult{Tokens: stale, IsStale: true}, nil
		}
		if chainID == s.HomeChainID() {
			log.Warn().Err(err).Msg("token refresh failed, serving built-in home chain tokens")
			return &TokensResult{Tokens: s.homeTokens(), IsStale: true}, nil
		}
		return nil, errs.Wrap(errs.CodeTokenFetchFailed, fmt.Sprintf("fetch tokens for chain %d", chainID), err)
	}
	return &TokensResult{Tokens: v.([]models.Token)}, nil
}

// Token resolves one token by chain and address. A miss falls through to the
// aggregator's single-token endpoint before giving up with (nil, nil).
func (s *Service) Token(ctx context.Context, chainID int64, address string) (*models.Token, error) {
	normalized, ok := models.NormalizeAddress(address)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid token address %q", address)
	}

	result, err := s.Tokens(ctx, chainID)
	if err == nil {
		for i := range result.Tokens {
			if models.SameAddress(result.Tokens[i].Address, normalized) {
				t := result.Tokens[i]
				return &t, nil
			}
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	wire, werr := s.client.Token(fetchCtx, chainID, normalized)
	if werr == nil {
		t := tokenFromWire(*wire)
		return &t, nil
	}
	if lifi.IsNotFound(werr) {
		return nil, nil
	}
	if err != nil {
		// Both the list and the point lookup failed; report the fetch problem.
		return nil, errs.Wrap(errs.CodeTokenFetchFailed, fmt.Sprintf("fetch token %s on chain %d", normalized, chainID), werr)
	}
	return nil, nil
}

// Connections lists the token pairs bridgeable between two chains.
func (s *Service) Connections(ctx context.Context, fromChain, toChain int64) (*ConnectionsResult, error) {
	key := fmt.Sprintf("connections:%d:%d", fromChain, toChain)
	if conns, ok := s.connections.Get(key); ok {
		return &ConnectionsResult{Connections: conns}, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()

		wire, err := s.client.Connections(fetchCtx, fromChain, toChain)
		if err != nil {
			return nil, err
		}
		conns := make([]Connection, 0, len(wire))
		for _, c := range wire {
			conns = append(conns, connectionFromWire(c))
		}
		s.connections.Set(key, conns)
		return conns, nil
	})
	if err != nil {
		if stale, at, ok := s.connections.GetStale(key); ok {
			log.Warn().Err(err).Time("cachedAt", at).Msg("connection refresh failed, serving stale list")
			return &ConnectionsResult{Connections: stale, IsStale: true}, nil
		}
		return nil, errs.Wrap(errs.CodeNetworkError, fmt.Sprintf("fetch connections %d -> %d", fromChain, toChain), err)
	}
	return &ConnectionsResult{Connections: v.([]Connection)}, nil
}

// RPCURL resolves a chain's endpoint: caller override, then the aggregator's
// advertised URL, then the built-in home chain defaults.
func (s *Service) RPCURL(ctx context.Context, chainID int64) (string, error) {
	if url, ok := s.opts.RPCOverrides[chainID]; ok && url != "" {
		return url, nil
	}

	chain, err := s.Chain(ctx, chainID)
	if err == nil && chain != nil && chain.RPCURL != "" {
		return chain.RPCURL, nil
	}

	switch chainID {
	case models.HyperEVMChainID:
		return MainnetRPCURL, nil
	case models.HyperEVMTestnetChainID:
		return TestnetRPCURL, nil
	}
	return "", errs.Newf(errs.CodeNetworkError, "no RPC endpoint known for chain %d", chainID)
}

// InvalidateAll drops every cached list. Used on environment changes.
func (s *Service) InvalidateAll() {
	s.chains.Reset()
	s.tokens.Reset()
	s.connections.Reset()
}

func (s *Service) ensureHomeChain(chains []models.Chain) []models.Chain {
	id := s.HomeChainID()
	for i := range chains {
		if chains[i].ID == id {
			return chains
		}
	}
	return append(chains, s.HomeChain())
}

func (s *Service) ensureHomeTokens(tokens []models.Token) []models.Token {
	for _, want := range s.homeTokens() {
		found := false
		for i := range tokens {
			if models.SameAddress(tokens[i].Address, want.Address) {
				found = true
				break
			}
		}
		if !found {
			tokens = append(tokens, want)
		}
	}
	return tokens
}

func chainFromWire(c lifi.Chain) models.Chain {
	rpc := ""
	if len(c.Metamask.RPCUrls) > 0 {
		rpc = c.Metamask.RPCUrls[0]
	}
	return models.Chain{
		ID:          c.ID,
		Key:         c.Key,
		Name:        c.Name,
		LogoURL:     c.LogoURI,
		NativeToken: tokenFromWire(c.NativeToken),
		IsEVM:       strings.EqualFold(c.ChainType, "EVM"),
		RPCURL:      rpc,
	}
}

func tokenFromWire(t lifi.Token) models.Token {
	price := 0.0
	if t.PriceUSD != "" {
		if d, err := decimal.NewFromString(t.PriceUSD); err == nil {
			price = d.InexactFloat64()
		}
	}
	return models.Token{
		Address:  strings.ToLower(t.Address),
		Symbol:   t.Symbol,
		Name:     t.Name,
		Decimals: t.Decimals,
		LogoURL:  t.LogoURI,
		ChainID:  t.ChainID,
		PriceUSD: price,
	}
}

func connectionFromWire(c lifi.Connection) Connection {
	return Connection{
		FromChainID: c.FromChainID,
		ToChainID:   c.ToChainID,
		FromTokens:  dedupTokens(c.FromTokens),
		ToTokens:    dedupTokens(c.ToTokens),
	}
}

// dedupTokens maps wire tokens and drops repeated addresses. The aggregator
// lists a token once per bridge that can carry it.
func dedupTokens(wire []lifi.Token) []models.Token {
	seen := make(map[string]bool, len(wire))
	tokens := make([]models.Token, 0, len(wire))
	for _, t := range wire {
		mapped := tokenFromWire(t)
		if seen[mapped.Address] {
			continue
		}
		seen[mapped.Address] = true
		tokens = append(tokens, mapped)
	}
	return tokens
}
