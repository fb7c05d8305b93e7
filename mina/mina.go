// Package mina is the public client for bridging assets into HyperEVM and
// onward into the HyperCore trading ledger. A Client wires the aggregator,
// the chain catalogs, balance and quote services, the execution orchestrator
// and the deposit pipeline behind one surface, owns private caches and its
// own event emitter, and is safe for concurrent use.
//
// The caller keeps custody of keys: every transaction goes through the
// wallet.Signer supplied per execution.
package mina

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiphoYawe/mina-sdk/arrival"
	"github.com/SiphoYawe/mina-sdk/balance"
	"github.com/SiphoYawe/mina-sdk/catalog"
	"github.com/SiphoYawe/mina-sdk/config"
	"github.com/SiphoYawe/mina-sdk/deposit"
	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/events"
	"github.com/SiphoYawe/mina-sdk/evmrpc"
	"github.com/SiphoYawe/mina-sdk/executor"
	"github.com/SiphoYawe/mina-sdk/hypercore"
	"github.com/SiphoYawe/mina-sdk/lifi"
	"github.com/SiphoYawe/mina-sdk/models"
	"github.com/SiphoYawe/mina-sdk/quote"
	"github.com/SiphoYawe/mina-sdk/registry"
	"github.com/SiphoYawe/mina-sdk/wallet"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "mina").Logger()
}

// SetLogLevel sets the process-wide log level. Accepts the zerolog level
// names ("trace", "debug", "info", "warn", "error", "fatal", "panic",
// "disabled").
func SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Config selects the environment and fills client-wide defaults. Only
// Integrator is required.
type Config struct {
	// Integrator identifies the caller to the route aggregator.
	Integrator string

	// APIKey raises aggregator rate limits. Optional.
	APIKey string

	// Testnet targets HyperEVM testnet (chain 998) and the testnet info
	// endpoint instead of mainnet.
	Testnet bool

	// BaseURL overrides the aggregator endpoint. Empty uses production.
	BaseURL string

	// InfoURL overrides the trading-ledger info endpoint. Empty selects
	// the endpoint matching Testnet.
	InfoURL string

	// RPCURLs map chain ids to JSON-RPC endpoints, taking precedence over
	// the catalog's advertised URLs.
	RPCURLs map[int64]string

	// AutoDeposit appends the trading-ledger deposit to quotes that land
	// on HyperEVM USDC. Nil means enabled.
	AutoDeposit *bool

	// DefaultSlippage applies to quote requests that carry none. Zero
	// keeps the built-in 0.5%.
	DefaultSlippage float64

	// InfiniteApproval approves MaxUint256 instead of exact step amounts.
	InfiniteApproval bool

	// HTTPTimeout bounds aggregator and info-endpoint calls.
	HTTPTimeout time.Duration

	// RPCTimeout bounds individual JSON-RPC calls.
	RPCTimeout time.Duration
}

// ExecuteRequest is the orchestrator request accepted by Execute. The
// client fills InfiniteApproval from its configuration when unset.
type ExecuteRequest = executor.Request

// Client is the SDK entry point. Construct with NewClient; the zero value
// is not usable.
type Client struct {
	cfg  Config
	home int64

	aggregator *lifi.Client
	catalog    *catalog.Service
	balances   *balance.Service
	quotes     *quote.Service
	core       *hypercore.Client
	deposits   *deposit.Executor
	detector   *arrival.Detector
	registry   *registry.Registry
	emitter    *events.Emitter
	executor   *executor.Service

	mu      sync.Mutex
	readers map[int64]*evmrpc.Client
}

// NewClient validates cfg and wires every service. The home-chain RPC
// client is built eagerly from the configured override or the environment
// default; other chains resolve lazily through the catalog.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Integrator) == "" {
		return nil, fmt.Errorf("mina: integrator is required")
	}
	if cfg.DefaultSlippage != 0 &&
		(cfg.DefaultSlippage < models.MinSlippage || cfg.DefaultSlippage > models.MaxSlippage) {
		return nil, fmt.Errorf("mina: default slippage %v outside [%v, %v]",
			cfg.DefaultSlippage, models.MinSlippage, models.MaxSlippage)
	}

	home := models.HyperEVMChainID
	if cfg.Testnet {
		home = models.HyperEVMTestnetChainID
	}

	c := &Client{
		cfg:     cfg,
		home:    home,
		readers: make(map[int64]*evmrpc.Client),
	}

	c.aggregator = lifi.NewClient(lifi.Config{
		BaseURL:    cfg.BaseURL,
		Integrator: cfg.Integrator,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.HTTPTimeout,
	})
	c.catalog = catalog.New(c.aggregator, catalog.Options{
		Testnet:      cfg.Testnet,
		RPCOverrides: cfg.RPCURLs,
	})
	c.emitter = events.NewEmitter()

	autoDeposit := true
	if cfg.AutoDeposit != nil {
		autoDeposit = *cfg.AutoDeposit
	}
	c.quotes = quote.New(c.aggregator, c.catalog, c.emitter, quote.Options{
		AutoDeposit: autoDeposit,
		HomeChainID: home,
	})
	c.balances = balance.New(c.catalog, c.balanceReader, balance.Options{})

	infoURL := cfg.InfoURL
	if infoURL == "" && cfg.Testnet {
		infoURL = hypercore.TestnetInfoURL
	}
	c.core = hypercore.NewClient(infoURL, cfg.HTTPTimeout)

	homeRPC := cfg.RPCURLs[home]
	if homeRPC == "" {
		homeRPC = catalog.MainnetRPCURL
		if cfg.Testnet {
			homeRPC = catalog.TestnetRPCURL
		}
	}
	homeReader := evmrpc.NewClient(homeRPC, cfg.RPCTimeout)
	c.readers[home] = homeReader

	c.deposits = deposit.New(homeReader, home)
	c.detector = arrival.New(homeReader)
	c.registry = registry.New()
	c.executor = executor.New(executor.Deps{
		Aggregator: c.aggregator,
		Readers:    c.executorReader,
		Deposits:   c.deposits,
		Ledger:     &ledgerWaiter{core: c.core},
		Registry:   c.registry,
		Emitter:    c.emitter,
	}, executor.Options{HomeChainID: home})

	log.Debug().
		Int64("home_chain", home).
		Bool("testnet", cfg.Testnet).
		Bool("auto_deposit", autoDeposit).
		Msg("Client constructed")
	return c, nil
}

// NewClientFromFile builds a client from the TOML file at path, or from
// MINA_-prefixed environment variables when path is nil. A configured log
// level is applied process-wide before construction.
func NewClientFromFile(path *string) (*Client, error) {
	loaded, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if loaded.LogLevel != "" {
		if err := SetLogLevel(loaded.LogLevel); err != nil {
			return nil, err
		}
	}
	cfg := Config{
		Integrator:       loaded.Integrator,
		APIKey:           loaded.APIKey,
		BaseURL:          loaded.BaseURL,
		Testnet:          loaded.Testnet,
		InfoURL:          loaded.InfoURL,
		RPCURLs:          loaded.ChainRPCURLs(),
		DefaultSlippage:  loaded.DefaultSlippage,
		AutoDeposit:      loaded.AutoDeposit,
		InfiniteApproval: loaded.InfiniteApproval,
	}
	if loaded.HTTPTimeoutSeconds > 0 {
		cfg.HTTPTimeout = time.Duration(loaded.HTTPTimeoutSeconds) * time.Second
	}
	return NewClient(cfg)
}

// HomeChainID reports the destination chain this client bridges into.
func (c *Client) HomeChainID() int64 {
	return c.home
}

// reader returns the JSON-RPC client for chainID, building and caching it
// on first use. Endpoint resolution goes through the catalog so configured
// overrides and the aggregator's advertised URLs both apply. The lock is
// not held across the catalog fetch.
func (c *Client) reader(ctx context.Context, chainID int64) (*evmrpc.Client, error) {
	c.mu.Lock()
	if r, ok := c.readers[chainID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	endpoint, err := c.catalog.RPCURL(ctx, chainID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[chainID]; ok {
		return r, nil
	}
	r := evmrpc.NewClient(endpoint, c.cfg.RPCTimeout)
	c.readers[chainID] = r
	log.Debug().Int64("chain_id", chainID).Str("endpoint", endpoint).Msg("RPC client created")
	return r, nil
}

func (c *Client) balanceReader(ctx context.Context, chainID int64) (balance.ChainReader, error) {
	r, err := c.reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) executorReader(ctx context.Context, chainID int64) (executor.ChainReader, error) {
	r, err := c.reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetChains lists the EVM chains known to the aggregator. The home chain is
// always present, injected when the aggregator omits it.
func (c *Client) GetChains(ctx context.Context) ([]models.Chain, error) {
	res, err := c.catalog.Chains(ctx)
	if err != nil {
		return nil, err
	}
	return res.Chains, nil
}

// GetTokens lists the known tokens of one chain.
func (c *Client) GetTokens(ctx context.Context, chainID int64) ([]models.Token, error) {
	res, err := c.catalog.Tokens(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// GetBridgeableTokens returns the token pairs bridgeable between the two
// chains. A zero toChain means the home chain.
func (c *Client) GetBridgeableTokens(ctx context.Context, fromChain, toChain int64) ([]catalog.Connection, error) {
	if toChain == 0 {
		toChain = c.home
	}
	res, err := c.catalog.Connections(ctx, fromChain, toChain)
	if err != nil {
		return nil, err
	}
	return res.Connections, nil
}

// GetBalance reads one wallet's balance of one token, served from a short
// cache. An empty or native tokenAddress reads the native balance.
func (c *Client) GetBalance(ctx context.Context, walletAddr string, chainID int64, tokenAddress string) (*balance.Result, error) {
	return c.balances.Balance(ctx, walletAddr, chainID, tokenAddress)
}

// GetBalances fans out balance reads across chains. tokens maps chain id to
// the token addresses wanted there; chains with no entry read the native
// balance only.
func (c *Client) GetBalances(ctx context.Context, walletAddr string, chainIDs []int64, tokens map[int64][]string) (*balance.WalletBalances, error) {
	return c.balances.Balances(ctx, walletAddr, chainIDs, tokens)
}

// ValidateBalance checks that walletAddr can fund q: token amount plus a
// native gas reserve on the source chain.
func (c *Client) ValidateBalance(ctx context.Context, q *models.Quote, walletAddr string) (*balance.Validation, error) {
	return c.balances.ValidateQuote(ctx, q, walletAddr)
}

// GetQuote returns the best route for params, served from cache while
// fresh. Zero slippage takes the client default.
func (c *Client) GetQuote(ctx context.Context, params models.QuoteParams) (*quote.Result, error) {
	return c.quotes.GetQuote(ctx, c.applyQuoteDefaults(params))
}

// GetQuotes returns the route alternatives for params, recommended first.
// Results are never cached.
func (c *Client) GetQuotes(ctx context.Context, params models.QuoteParams) ([]*models.Quote, error) {
	return c.quotes.GetQuotes(ctx, c.applyQuoteDefaults(params))
}

func (c *Client) applyQuoteDefaults(params models.QuoteParams) models.QuoteParams {
	if params.Slippage == 0 && c.cfg.DefaultSlippage != 0 {
		params.Slippage = c.cfg.DefaultSlippage
	}
	return params
}

// Execute runs a quote end to end: approvals, step transactions, bridge
// status polling and, for auto-deposit quotes, arrival detection, the
// ledger deposit and L1 confirmation. It blocks until terminal; failures
// are reported in the result's Error, not a second return.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) *models.ExecutionResult {
	if !req.InfiniteApproval {
		req.InfiniteApproval = c.cfg.InfiniteApproval
	}
	return c.executor.Execute(ctx, req)
}

// GetExecutionStatus projects the registry entry for executionID. Unknown
// ids return Found == false rather than an error.
func (c *Client) GetExecutionStatus(executionID string) models.ExecutionStatusResult {
	return c.registry.GetStatus(executionID)
}

// Executions snapshots the retained executions, most recent first.
func (c *Client) Executions() []models.ExecutionState {
	return c.registry.List()
}

// GetStatus asks the aggregator for the relayer's view of a bridge
// transaction. Hashes the relayer has not seen map to a NOT_FOUND status,
// not an error.
func (c *Client) GetStatus(ctx context.Context, txHash string, fromChain, toChain int64) (*models.BridgeStatus, error) {
	st, err := c.aggregator.Status(ctx, txHash, fromChain, toChain)
	if err != nil {
		if lifi.IsNotFound(err) {
			return &models.BridgeStatus{Status: models.BridgeStatusNotFound}, nil
		}
		return nil, errs.Normalize(err, errs.CodeNetworkError)
	}
	return &models.BridgeStatus{
		Status:           st.Status,
		Substatus:        st.Substatus,
		Message:          st.SubstatusMessage,
		SendingTxHash:    st.Sending.TxHash,
		ReceivingTxHash:  st.Receiving.TxHash,
		ReceivedAmount:   st.Receiving.Amount,
		ReceivingChainID: st.Receiving.ChainID,
	}, nil
}

// SnapshotUSDCBalance reads the wallet's current home-chain USDC balance,
// the baseline for a later DetectArrival.
func (c *Client) SnapshotUSDCBalance(ctx context.Context, walletAddr string) (*big.Int, error) {
	return c.detector.Snapshot(ctx, walletAddr, models.HyperEVMUSDCAddress)
}

// DetectArrival polls the home chain until the watched balance grows by
// the expected amount. An empty TokenAddress watches USDC; pass
// models.NativeTokenAddress to watch the native balance.
func (c *Client) DetectArrival(ctx context.Context, opts arrival.Options) (*arrival.Detection, error) {
	if opts.TokenAddress == "" {
		opts.TokenAddress = models.HyperEVMUSDCAddress
	}
	return c.detector.Wait(ctx, opts)
}

// ValidateDeposit runs the deposit preflight for walletAddr and amount:
// minimum, USDC balance, gas and allowance.
func (c *Client) ValidateDeposit(ctx context.Context, walletAddr string, amount *big.Int) (*deposit.Requirements, error) {
	return c.deposits.Preflight(ctx, walletAddr, amount)
}

// ExecuteDeposit moves home-chain USDC into the trading ledger: preflight,
// approval when needed, then the deposit transaction, each confirmed by
// receipt.
func (c *Client) ExecuteDeposit(ctx context.Context, signer wallet.Signer, opts deposit.Options) (*deposit.Result, error) {
	if !opts.InfiniteApproval {
		opts.InfiniteApproval = c.cfg.InfiniteApproval
	}
	return c.deposits.Execute(ctx, signer, opts)
}

// MonitorL1Confirmation starts a cancellable watch of the trading ledger's
// account value. The returned monitor exposes Wait, Cancel, ExtendTimeout
// and Status.
func (c *Client) MonitorL1Confirmation(ctx context.Context, walletAddr string, opts hypercore.MonitorOptions) (*hypercore.Monitor, error) {
	return c.core.MonitorConfirmation(ctx, walletAddr, opts)
}

// WaitForL1Confirmation blocks until the trading ledger credits walletAddr
// with the expected amount, subject to the monitor's timeouts.
func (c *Client) WaitForL1Confirmation(ctx context.Context, walletAddr string, opts hypercore.MonitorOptions) (*hypercore.Confirmation, error) {
	mon, err := c.core.MonitorConfirmation(ctx, walletAddr, opts)
	if err != nil {
		return nil, err
	}
	return mon.Wait(ctx)
}

// On subscribes handler to this client's events of type t.
func (c *Client) On(t events.Type, handler events.Handler) *events.Subscription {
	return c.emitter.On(t, handler)
}

// Once subscribes handler for a single delivery.
func (c *Client) Once(t events.Type, handler events.Handler) *events.Subscription {
	return c.emitter.Once(t, handler)
}

// Off removes a subscription returned by On or Once.
func (c *Client) Off(sub *events.Subscription) {
	c.emitter.Off(sub)
}

// Reset clears the client's caches and execution registry. Meant for
// tests.
func (c *Client) Reset() {
	c.quotes.Reset()
	c.balances.Reset()
	c.catalog.InvalidateAll()
	c.registry.Clear()
}

// ledgerWaiter adapts the info client to the orchestrator's ledger-credit
// wait. Soft-timeout warnings are logged; the hard timeout surfaces as the
// monitor's error.
type ledgerWaiter struct {
	core *hypercore.Client
}

func (w *ledgerWaiter) WaitForCredit(ctx context.Context, walletAddr string, expected *big.Int, txHash string) error {
	mon, err := w.core.MonitorConfirmation(ctx, walletAddr, hypercore.MonitorOptions{
		ExpectedAmount: expected,
		TxHash:         txHash,
		OnWarning: func(elapsed time.Duration) {
			log.Warn().
				Dur("elapsed", elapsed).
				Str("tx_hash", txHash).
				Msg("Ledger credit is taking longer than expected")
		},
	})
	if err != nil {
		return err
	}
	_, err = mon.Wait(ctx)
	return err
}
