// Package quote turns aggregator routes into executable quotes: validated
// params in, priced and fee-decomposed quote out. Quotes are cached fresh
// for a short window and remain usable as stale fallbacks until they expire
// outright.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SiphoYawe/mina-sdk/cache"
	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/events"
	"github.com/SiphoYawe/mina-sdk/lifi"
	"github.com/SiphoYawe/mina-sdk/metrics"
	"github.com/SiphoYawe/mina-sdk/models"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "quote").Logger()
}

const (
	// DefaultFreshTTL is how long a cached quote is served without refetching.
	DefaultFreshTTL = 30 * time.Second

	// DefaultLifetime is how long a quote stays executable. Past this even
	// stale fallbacks refuse it.
	DefaultLifetime = 60 * time.Second

	// DefaultFetchTimeout bounds one aggregator round trip.
	DefaultFetchTimeout = 30 * time.Second
)

// Price impact bands on the absolute impact.
const (
	impactMedium   = 0.005
	impactHigh     = 0.01
	impactVeryHigh = 0.03
)

// Catalog is the chain metadata the engine validates against.
type Catalog interface {
	Chain(ctx context.Context, chainID int64) (*models.Chain, error)
}

// Options tune the engine.
type Options struct {
	// AutoDeposit marks quotes landing on the home chain for the automatic
	// ledger deposit phase.
	AutoDeposit bool

	// HomeChainID is the deposit destination; defaults to HyperEVM mainnet.
	HomeChainID int64

	FreshTTL     time.Duration
	Lifetime     time.Duration
	FetchTimeout time.Duration

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Result is a quote plus its cache provenance.
type Result struct {
	Quote   *models.Quote
	IsStale bool
}

// Service is the quote engine.
type Service struct {
	client  *lifi.Client
	catalog Catalog
	events  *events.Emitter
	cache   *cache.TTL[*models.Quote]
	opts    Options
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds a quote engine. emitter may be nil when nobody listens.
func New(client *lifi.Client, cat Catalog, emitter *events.Emitter, opts Options) *Service {
	if opts.HomeChainID == 0 {
		opts.HomeChainID = models.HyperEVMChainID
	}
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = DefaultFreshTTL
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		client:  client,
		catalog: cat,
		events:  emitter,
		cache:   cache.New[*models.Quote](opts.FreshTTL, cache.WithClock[*models.Quote](opts.Clock)),
		opts:    opts,
		tracer:  otel.Tracer("mina/quote"),
		now:     opts.Clock,
	}
}

// GetQuote returns the best route for params. Identical requests within the
// fresh window are served from cache; when a refresh fails, a cached quote
// that has not expired outright is returned stale instead of an error.
func (s *Service) GetQuote(ctx context.Context, params models.QuoteParams) (*Result, error) {
	normalized, err := s.normalize(ctx, params)
	if err != nil {
		return nil, err
	}

	key := cacheKey(normalized)
	if hit, ok := s.cache.Get(key); ok {
		metrics.QuoteRequests.WithLabelValues("cached").Inc()
		s.emitQuote(hit, true)
		return &Result{Quote: hit}, nil
	}

	quote, err := s.fetchQuote(ctx, normalized)
	if err != nil {
		if stale, at, ok := s.cache.GetStale(key); ok {
			metrics.QuoteRequests.WithLabelValues("stale").Inc()
			log.Warn().Err(err).Time("cachedAt", at).Msg("quote refresh failed, serving stale quote")
			return &Result{Quote: stale, IsStale: true}, nil
		}
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	s.cache.SetWithDeadline(key, quote, quote.ExpiresAt)
	metrics.QuoteRequests.WithLabelValues("fresh").Inc()
	s.emitQuote(quote, false)
	return &Result{Quote: quote}, nil
}

// GetQuotes returns every viable route, recommendation first. Multi-route
// reads are comparison views and are never cached.
func (s *Service) GetQuotes(ctx context.Context, params models.QuoteParams) ([]*models.Quote, error) {
	normalized, err := s.normalize(ctx, params)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	req := lifi.RoutesRequest{
		FromChainID:      normalized.FromChainID,
		ToChainID:        normalized.ToChainID,
		FromTokenAddress: normalized.FromToken,
		ToTokenAddress:   normalized.ToToken,
		FromAmount:       normalized.FromAmount,
		FromAddress:      normalized.FromAddress,
		ToAddress:        normalized.ToAddress,
	}
	req.Options.Slippage = normalized.Slippage
	req.Options.Order = string(normalized.RoutePreference)

	routes, err := s.client.Routes(fetchCtx, req)
	if err != nil {
		return nil, s.classify(err)
	}
	if len(routes) == 0 {
		return nil, errs.New(errs.CodeNoRouteFound, "no routes between the requested tokens")
	}

	quotes := make([]*models.Quote, 0, len(routes))
	for i := range routes {
		quotes = append(quotes, s.quoteFromRoute(&routes[i], normalized))
	}
	return quotes, nil
}

// Invalidate drops any cached quote for params.
func (s *Service) Invalidate(ctx context.Context, params models.QuoteParams) {
	if normalized, err := s.normalize(ctx, params); err == nil {
		s.cache.Invalidate(cacheKey(normalized))
	}
}

// Reset drops the whole quote cache.
func (s *Service) Reset() {
	s.cache.Reset()
}

func (s *Service) fetchQuote(ctx context.Context, p models.QuoteParams) (*models.Quote, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	fetchCtx, span := s.tracer.Start(fetchCtx, "quote.fetch", trace.WithAttributes(
		attribute.Int64("from_chain", p.FromChainID),
		attribute.Int64("to_chain", p.ToChainID),
		attribute.String("from_amount", p.FromAmount),
	))
	defer span.End()

	started := time.Now()
	step, err := s.client.Quote(fetchCtx, lifi.QuoteRequest{
		FromChain:   p.FromChainID,
		ToChain:     p.ToChainID,
		FromToken:   p.FromToken,
		ToToken:     p.ToToken,
		FromAmount:  p.FromAmount,
		FromAddress: p.FromAddress,
		ToAddress:   p.ToAddress,
		Slippage:    p.Slippage,
		Order:       string(p.RoutePreference),
	})
	metrics.QuoteLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, s.classify(err)
	}
	return s.quoteFromStep(step, p), nil
}

// normalize validates params and fills defaults. Invalid inputs never reach
// the wire.
func (s *Service) normalize(ctx context.Context, p models.QuoteParams) (models.QuoteParams, error) {
	var zero models.QuoteParams

	if p.FromChainID <= 0 {
		return zero, errs.New(errs.CodeInvalidQuoteParams, "fromChainId is required")
	}
	if p.ToChainID <= 0 {
		p.ToChainID = s.opts.HomeChainID
	}

	fromToken, ok := models.NormalizeAddress(p.FromToken)
	if !ok {
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "invalid fromToken address %q", p.FromToken)
	}
	toToken, ok := models.NormalizeAddress(p.ToToken)
	if !ok {
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "invalid toToken address %q", p.ToToken)
	}
	fromAddress, ok := models.NormalizeAddress(p.FromAddress)
	if !ok {
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "invalid fromAddress %q", p.FromAddress)
	}
	toAddress := ""
	if p.ToAddress != "" {
		toAddress, ok = models.NormalizeAddress(p.ToAddress)
		if !ok {
			return zero, errs.Newf(errs.CodeInvalidQuoteParams, "invalid toAddress %q", p.ToAddress)
		}
	}

	amount, ok := new(big.Int).SetString(p.FromAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "fromAmount %q must be a positive integer", p.FromAmount)
	}

	if p.Slippage == 0 {
		p.Slippage = models.DefaultSlippage
	}
	if p.Slippage < models.MinSlippage || p.Slippage > models.MaxSlippage {
		return zero, errs.Newf(errs.CodeInvalidSlippage, "slippage %v outside [%v, %v]",
			p.Slippage, models.MinSlippage, models.MaxSlippage)
	}

	switch p.RoutePreference {
	case "":
		p.RoutePreference = models.RouteRecommended
	case models.RouteRecommended, models.RouteFastest, models.RouteCheapest:
	default:
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "unknown route preference %q", p.RoutePreference)
	}

	fromChain, err := s.catalog.Chain(ctx, p.FromChainID)
	if err != nil {
		return zero, err
	}
	if fromChain == nil {
		return zero, errs.Newf(errs.CodeInvalidQuoteParams, "chain %d is not supported", p.FromChainID)
	}
	if p.ToChainID != s.opts.HomeChainID {
		toChain, err := s.catalog.Chain(ctx, p.ToChainID)
		if err != nil {
			return zero, err
		}
		if toChain == nil {
			return zero, errs.Newf(errs.CodeInvalidQuoteParams, "chain %d is not supported", p.ToChainID)
		}
	}

	p.FromToken = fromToken
	p.ToToken = toToken
	p.FromAddress = fromAddress
	p.ToAddress = toAddress
	return p, nil
}

func (s *Service) emitQuote(q *models.Quote, fromCache bool) {
	if s.events == nil {
		return
	}
	s.events.Emit(events.Event{
		Type: events.TypeQuoteUpdated,
		Data: events.QuotePayload{
			QuoteID:    q.ID,
			FromCache:  fromCache,
			FromAmount: q.FromAmount,
			ToAmount:   q.ToAmount,
		},
	})
}

// quoteFromStep maps a GET /quote response. The displayed steps come from
// includedSteps when present; fees come from the top-level estimate, which
// already aggregates the internal legs.
func (s *Service) quoteFromStep(step *lifi.Step, p models.QuoteParams) *models.Quote {
	display := step.IncludedSteps
	if len(display) == 0 {
		display = []lifi.Step{*step}
	}
	return s.buildQuote(step.ID, p,
		step.Action.FromToken, step.Action.ToToken,
		step.Estimate.FromAmount, step.Estimate.ToAmount, step.Estimate.ToAmountMin,
		step.Estimate.FromAmountUSD, step.Estimate.ToAmountUSD,
		display, []lifi.Step{*step})
}

// quoteFromRoute maps one POST /advanced/routes entry. Route legs are both
// the displayed steps and the fee source.
func (s *Service) quoteFromRoute(route *lifi.Route, p models.QuoteParams) *models.Quote {
	return s.buildQuote(route.ID, p,
		route.FromToken, route.ToToken,
		route.FromAmount, route.ToAmount, route.ToAmountMin,
		route.FromAmountUSD, route.ToAmountUSD,
		route.Steps, route.Steps)
}

func (s *Service) buildQuote(id string, p models.QuoteParams,
	fromToken, toToken lifi.Token,
	fromAmount, toAmount, toAmountMin string,
	fromUSD, toUSD string,
	displaySteps, feeSteps []lifi.Step,
) *models.Quote {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	steps := make([]models.Step, 0, len(displaySteps))
	estimatedTime := 0.0
	for i := range displaySteps {
		mapped := mapStep(&displaySteps[i])
		estimatedTime += mapped.EstimatedTime
		steps = append(steps, mapped)
	}

	impact, severity := priceImpact(fromUSD, toUSD)
	toAddress := p.ToAddress
	if toAddress == "" {
		toAddress = p.FromAddress
	}
	onHomeChain := p.ToChainID == s.opts.HomeChainID

	return &models.Quote{
		ID:                    id,
		FromChainID:           p.FromChainID,
		ToChainID:             p.ToChainID,
		FromToken:             toModelToken(fromToken),
		ToToken:               toModelToken(toToken),
		FromAmount:            fromAmount,
		ToAmount:              toAmount,
		ToAmountMin:           toAmountMin,
		FromAddress:           p.FromAddress,
		ToAddress:             toAddress,
		Slippage:              p.Slippage,
		Steps:                 steps,
		Fees:                  computeFees(feeSteps),
		EstimatedTime:         estimatedTime,
		PriceImpact:           impact,
		ImpactSeverity:        severity,
		HighImpact:            severity == models.SeverityHigh || severity == models.SeverityVeryHigh,
		IncludesAutoDeposit:   s.opts.AutoDeposit && onHomeChain,
		ManualDepositRequired: !s.opts.AutoDeposit && onHomeChain,
		ExpiresAt:             now.Add(s.opts.Lifetime),
		CreatedAt:             now,
	}
}

func mapStep(wire *lifi.Step) models.Step {
	typ := models.StepTypeSwap
	if wire.Action.FromChainID != wire.Action.ToChainID {
		typ = models.StepTypeBridge
	}
	id := wire.ID
	if id == "" {
		id = uuid.NewString()
	}
	return models.Step{
		ID:            id,
		Type:          typ,
		Tool:          wire.Tool,
		FromChainID:   wire.Action.FromChainID,
		ToChainID:     wire.Action.ToChainID,
		FromToken:     toModelToken(wire.Action.FromToken),
		ToToken:       toModelToken(wire.Action.ToToken),
		FromAmount:    wire.Estimate.FromAmount,
		ToAmount:      wire.Estimate.ToAmount,
		EstimatedTime: wire.Estimate.ExecutionDuration,
	}
}

// computeFees decomposes gas and fee line items across steps. Included fees
// are already inside toAmount and are skipped. Fee names mentioning the
// protocol or the aggregator count as protocol fees; the rest are bridge fees.
func computeFees(steps []lifi.Step) models.Fees {
	gasUSD := decimal.Zero
	bridgeUSD := decimal.Zero
	protocolUSD := decimal.Zero

	gasLimit := big.NewInt(0)
	gasCost := big.NewInt(0)
	bridgeFee := big.NewInt(0)
	protocolFee := big.NewInt(0)
	gasPrice := ""
	var nativeToken *lifi.Token
	var breakdown []models.StepGas

	for i := range steps {
		st := &steps[i]
		stepLimit := big.NewInt(0)
		stepCost := big.NewInt(0)
		stepUSD := decimal.Zero

		for _, g := range st.Estimate.GasCosts {
			stepUSD = stepUSD.Add(parseDecimal(g.AmountUSD))
			addBig(stepLimit, firstNonEmpty(g.Limit, g.Estimate))
			addBig(stepCost, g.Amount)
			if gasPrice == "" && g.Price != "" && g.Price != "0" {
				gasPrice = g.Price
			}
			if nativeToken == nil && g.Token.Address != "" {
				token := g.Token
				nativeToken = &token
			}
		}
		gasUSD = gasUSD.Add(stepUSD)
		gasLimit.Add(gasLimit, stepLimit)
		gasCost.Add(gasCost, stepCost)
		if len(st.Estimate.GasCosts) > 0 {
			breakdown = append(breakdown, models.StepGas{
				StepID:     st.ID,
				Tool:       st.Tool,
				GasLimit:   stepLimit.String(),
				GasCost:    stepCost.String(),
				GasCostUSD: stepUSD.InexactFloat64(),
			})
		}

		for _, f := range st.Estimate.FeeCosts {
			if f.Included {
				continue
			}
			usd := parseDecimal(f.AmountUSD)
			name := strings.ToLower(f.Name)
			if strings.Contains(name, "protocol") || strings.Contains(name, "lifi") {
				protocolUSD = protocolUSD.Add(usd)
				addBig(protocolFee, f.Amount)
			} else {
				bridgeUSD = bridgeUSD.Add(usd)
				addBig(bridgeFee, f.Amount)
			}
		}
	}

	fees := models.Fees{
		TotalUSD:       gasUSD.Add(bridgeUSD).Add(protocolUSD).InexactFloat64(),
		GasUSD:         gasUSD.InexactFloat64(),
		BridgeFeeUSD:   bridgeUSD.InexactFloat64(),
		ProtocolFeeUSD: protocolUSD.InexactFloat64(),
		GasEstimate: models.GasEstimate{
			GasLimit:      gasLimit.String(),
			GasPrice:      gasPrice,
			GasCost:       gasCost.String(),
			GasCostUSD:    gasUSD.InexactFloat64(),
			StepBreakdown: breakdown,
		},
	}
	if nativeToken != nil {
		fees.GasEstimate.NativeToken = toModelToken(*nativeToken)
	}
	if gasCost.Sign() > 0 {
		fees.GasFee = gasCost.String()
	}
	if bridgeFee.Sign() > 0 {
		fees.BridgeFee = bridgeFee.String()
	}
	if protocolFee.Sign() > 0 {
		fees.ProtocolFee = protocolFee.String()
	}
	return fees
}

// priceImpact is (fromUSD - toUSD) / fromUSD rounded to 4 decimals and
// clamped to [-1, 1]. Missing USD figures report zero impact.
func priceImpact(fromUSD, toUSD string) (float64, models.Severity) {
	from := parseDecimal(fromUSD)
	to := parseDecimal(toUSD)
	if from.IsZero() || to.IsZero() {
		return 0, models.SeverityLow
	}

	impact := from.Sub(to).Div(from).Round(4)
	one := decimal.NewFromInt(1)
	if impact.GreaterThan(one) {
		impact = one
	} else if impact.LessThan(one.Neg()) {
		impact = one.Neg()
	}

	value := impact.InexactFloat64()
	abs := impact.Abs().InexactFloat64()
	switch {
	case abs >= impactVeryHigh:
		return value, models.SeverityVeryHigh
	case abs >= impactHigh:
		return value, models.SeverityHigh
	case abs >= impactMedium:
		return value, models.SeverityMedium
	default:
		return value, models.SeverityLow
	}
}

func (s *Service) classify(err error) error {
	var apiErr *lifi.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case lifi.IsNotFound(err) || strings.Contains(msg, "no available quotes"):
			return errs.Wrap(errs.CodeNoRouteFound, "no route found for the requested pair", err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return errs.Wrap(errs.CodeInvalidQuoteParams, apiErr.Message, err)
		default:
			return errs.Wrap(errs.CodeNetworkError, "aggregator request failed", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.CodeNetworkError, "aggregator unreachable", err)
	}
	return errs.Wrap(errs.CodeQuoteFetchFailed, "quote fetch failed", err)
}

func toModelToken(t lifi.Token) models.Token {
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

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func addBig(acc *big.Int, s string) {
	if s == "" {
		return
	}
	if v, ok := new(big.Int).SetString(s, 10); ok {
		acc.Add(acc, v)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func cacheKey(p models.QuoteParams) string {
	return strings.ToLower(fmt.Sprintf("%d:%s:%d:%s:%s:%s:%s:%.4f:%s",
		p.FromChainID, p.FromToken, p.ToChainID, p.ToToken,
		p.FromAmount, p.FromAddress, p.ToAddress, p.Slippage, p.RoutePreference))
}
