package quote

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/assert"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/events"
	"github.com/SiphoYawe/mina-sdk/lifi"
	"github.com/SiphoYawe/mina-sdk/models"
)

const (
	testWallet  = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	ethUSDC     = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	hyperUSDC   = "0xb88339cb7199b77e23db6e890353e22632ba630f"
	quoteBody   = `{
		"id": "step-1",
		"type": "lifi",
		"tool": "across",
		"toolDetails": {"key":"across","name":"Across"},
		"action": {
			"fromChainId": 1, "toChainId": 999,
			"fromToken": {"address":"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48","chainId":1,"symbol":"USDC","name":"USD Coin","decimals":6,"priceUSD":"1"},
			"toToken": {"address":"0xb88339cb7199b77e23db6e890353e22632ba630f","chainId":999,"symbol":"USDC","name":"USD Coin","decimals":6,"priceUSD":"1"},
			"fromAmount": "10000000000",
			"fromAddress": "0x742d35cc6634c0532925a3b844bc454e4438f44e",
			"slippage": 0.005
		},
		"estimate": {
			"tool": "across",
			"fromAmount": "10000000000",
			"toAmount": "9995000000",
			"toAmountMin": "9945025000",
			"approvalAddress": "0x1231deb6f5749ef6ce6943a275a1d3e7486f4eae",
			"executionDuration": 120,
			"fromAmountUSD": "10000",
			"toAmountUSD": "9995",
			"feeCosts": [
				{"name":"LIFI Fixed Fee","amountUSD":"2","amount":"2000000","included":false,"token":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6}},
				{"name":"Relayer Fee","amountUSD":"3","amount":"3000000","included":false,"token":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6}},
				{"name":"Swap Fee","amountUSD":"50","amount":"50000000","included":true,"token":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6}}
			],
			"gasCosts": [
				{"type":"SEND","price":"10000000000","estimate":"21000","limit":"21000","amount":"210000000000000","amountUSD":"5","token":{"address":"0x0000000000000000000000000000000000000000","chainId":1,"symbol":"ETH","name":"Ether","decimals":18,"priceUSD":"3000"}}
			]
		},
		"includedSteps": []
	}`
	routesBody = `{"routes":[
		{"id":"route-a","fromChainId":1,"toChainId":999,
		 "fromToken":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6,"priceUSD":"1"},
		 "toToken":{"address":"0xb88339cb7199b77e23db6e890353e22632ba630f","chainId":999,"symbol":"USDC","decimals":6,"priceUSD":"1"},
		 "fromAmount":"10000000000","toAmount":"9995000000","toAmountMin":"9945025000",
		 "fromAmountUSD":"10000","toAmountUSD":"9995","gasCostUSD":"5",
		 "steps":[{"id":"leg-1","type":"cross","tool":"across",
		   "action":{"fromChainId":1,"toChainId":999,
		     "fromToken":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6},
		     "toToken":{"address":"0xb88339cb7199b77e23db6e890353e22632ba630f","chainId":999,"symbol":"USDC","decimals":6}},
		   "estimate":{"fromAmount":"10000000000","toAmount":"9995000000","executionDuration":120,
		     "gasCosts":[{"price":"10000000000","limit":"21000","amount":"210000000000000","amountUSD":"5","token":{"address":"0x0000000000000000000000000000000000000000","chainId":1,"symbol":"ETH","decimals":18}}]}}],
		 "tags":["RECOMMENDED"]},
		{"id":"route-b","fromChainId":1,"toChainId":999,
		 "fromToken":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6,"priceUSD":"1"},
		 "toToken":{"address":"0xb88339cb7199b77e23db6e890353e22632ba630f","chainId":999,"symbol":"USDC","decimals":6,"priceUSD":"1"},
		 "fromAmount":"10000000000","toAmount":"9990000000","toAmountMin":"9940050000",
		 "fromAmountUSD":"10000","toAmountUSD":"9990","gasCostUSD":"4",
		 "steps":[{"id":"leg-2","type":"cross","tool":"stargate",
		   "action":{"fromChainId":1,"toChainId":999,
		     "fromToken":{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","chainId":1,"symbol":"USDC","decimals":6},
		     "toToken":{"address":"0xb88339cb7199b77e23db6e890353e22632ba630f","chainId":999,"symbol":"USDC","decimals":6}},
		   "estimate":{"fromAmount":"10000000000","toAmount":"9990000000","executionDuration":300,
		     "gasCosts":[{"price":"8000000000","limit":"21000","amount":"168000000000000","amountUSD":"4","token":{"address":"0x0000000000000000000000000000000000000000","chainId":1,"symbol":"ETH","decimals":18}}]}}],
		 "tags":[]}
	]}`
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// quoteServer serves canned /quote and /advanced/routes bodies and records
// the last query string.
type quoteServer struct {
	mu         sync.Mutex
	quoteCalls int
	routeCalls int
	failStatus int
	failBody   string
	quote      string
	routes     string
	lastQuery  url.Values
}

func (s *quoteServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failStatus
	failBody := s.failBody
	var body string
	switch r.URL.Path {
	case "/quote":
		s.quoteCalls++
		s.lastQuery = r.URL.Query()
		body = s.quote
	case "/advanced/routes":
		s.routeCalls++
		body = s.routes
	}
	s.mu.Unlock()

	if fail != 0 {
		w.WriteHeader(fail)
		if failBody != "" {
			fmt.Fprint(w, failBody)
		}
		return
	}
	fmt.Fprint(w, body)
}

func (s *quoteServer) setFail(status int, body string) {
	s.mu.Lock()
	s.failStatus = status
	s.failBody = body
	s.mu.Unlock()
}

func (s *quoteServer) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteCalls, s.routeCalls
}

func (s *quoteServer) query() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

type fakeCatalog struct {
	chains map[int64]*models.Chain
}

func (f *fakeCatalog) Chain(_ context.Context, chainID int64) (*models.Chain, error) {
	return f.chains[chainID], nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{chains: map[int64]*models.Chain{
		1:   {ID: 1, Name: "Ethereum"},
		10:  {ID: 10, Name: "Optimism"},
		999: {ID: 999, Name: "HyperEVM"},
	}}
}

func newService(t *testing.T, server *quoteServer, emitter *events.Emitter, opts Options) *Service {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(srv.Close)
	client := lifi.NewClient(lifi.Config{
		BaseURL:    srv.URL,
		Integrator: "mina",
		MaxRetries: -1,
		Timeout:    2 * time.Second,
	})
	return New(client, testCatalog(), emitter, opts)
}

func baseParams() models.QuoteParams {
	return models.QuoteParams{
		FromChainID: 1,
		ToChainID:   999,
		FromToken:   ethUSDC,
		ToToken:     hyperUSDC,
		FromAmount:  "10000000000",
		FromAddress: testWallet,
	}
}

func TestGetQuoteMapsRoute(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	svc := newService(t, server, nil, Options{AutoDeposit: true})

	result, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.False(t, result.IsStale)

	q := result.Quote
	assert.Equal(t, "step-1", q.ID)
	assert.Equal(t, int64(1), q.FromChainID)
	assert.Equal(t, int64(999), q.ToChainID)
	assert.Equal(t, "10000000000", q.FromAmount)
	assert.Equal(t, "9995000000", q.ToAmount)
	assert.Equal(t, "9945025000", q.ToAmountMin)
	assert.Equal(t, testWallet, q.FromAddress)
	assert.Equal(t, testWallet, q.ToAddress)
	assert.Equal(t, models.DefaultSlippage, q.Slippage)

	// One top-level step with no included legs maps to a single bridge step.
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, models.StepTypeBridge, q.Steps[0].Type)
	assert.Equal(t, "across", q.Steps[0].Tool)
	assert.Equal(t, 120.0, q.EstimatedTime)

	// Fee decomposition: 5 gas + 3 bridge + 2 protocol; the included 50 is
	// already in toAmount and must not be counted.
	assert.Equal(t, 5.0, q.Fees.GasUSD)
	assert.Equal(t, 3.0, q.Fees.BridgeFeeUSD)
	assert.Equal(t, 2.0, q.Fees.ProtocolFeeUSD)
	assert.Equal(t, 10.0, q.Fees.TotalUSD)
	assert.Equal(t, "210000000000000", q.Fees.GasEstimate.GasCost)
	assert.Equal(t, "21000", q.Fees.GasEstimate.GasLimit)
	assert.Equal(t, "10000000000", q.Fees.GasEstimate.GasPrice)
	assert.Equal(t, "ETH", q.Fees.GasEstimate.NativeToken.Symbol)
	assert.Equal(t, 1, len(q.Fees.GasEstimate.StepBreakdown))

	// (10000 - 9995) / 10000 = 0.0005, below every band.
	assert.Equal(t, 0.0005, q.PriceImpact)
	assert.Equal(t, models.SeverityLow, q.ImpactSeverity)
	assert.False(t, q.HighImpact)

	// Destination is the home chain with auto deposit on.
	assert.True(t, q.IncludesAutoDeposit)
	assert.False(t, q.ManualDepositRequired)

	assert.True(t, q.ExpiresAt.Sub(q.CreatedAt) == DefaultLifetime)
}

func TestGetQuoteFeeInvariant(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	svc := newService(t, server, nil, Options{AutoDeposit: true})

	result, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)

	fees := result.Quote.Fees
	sum := fees.GasUSD + fees.BridgeFeeUSD + fees.ProtocolFeeUSD
	assert.True(t, math.Abs(fees.TotalUSD-sum) < 1e-9)
}

func TestGetQuoteServedFromCache(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	emitter := events.NewEmitter()
	var payloads []events.QuotePayload
	emitter.On(events.TypeQuoteUpdated, func(ev events.Event) {
		payloads = append(payloads, ev.Data.(events.QuotePayload))
	})
	svc := newService(t, server, emitter, Options{AutoDeposit: true})

	_, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)
	_, err = svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)

	calls, _ := server.calls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, len(payloads))
	assert.False(t, payloads[0].FromCache)
	assert.True(t, payloads[1].FromCache)
}

func TestGetQuoteStaleFallbackThenExpiry(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := newService(t, server, nil, Options{AutoDeposit: true, Clock: clk.Now})

	first, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)

	server.setFail(http.StatusInternalServerError, "")

	// Past the fresh window but before hard expiry: refresh fails, the cached
	// quote is served stale.
	clk.Advance(35 * time.Second)
	second, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.True(t, second.IsStale)
	assert.Equal(t, first.Quote.ID, second.Quote.ID)

	// Past hard expiry the stale copy is unusable; the failure surfaces.
	clk.Advance(30 * time.Second)
	_, err = svc.GetQuote(context.Background(), baseParams())
	assert.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeNetworkError))
}

func TestGetQuoteDefaultsToChainToHome(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	svc := newService(t, server, nil, Options{AutoDeposit: true})

	params := baseParams()
	params.ToChainID = 0
	_, err := svc.GetQuote(context.Background(), params)
	assert.NoError(t, err)

	q := server.query()
	assert.Equal(t, "999", q.Get("toChain"))
	assert.Equal(t, "0.50", q.Get("slippage"))
	assert.Equal(t, "RECOMMENDED", q.Get("order"))
}

func TestGetQuoteValidation(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	svc := newService(t, server, nil, Options{AutoDeposit: true})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(p *models.QuoteParams)
		code   errs.Code
	}{
		{"missing from chain", func(p *models.QuoteParams) { p.FromChainID = 0 }, errs.CodeInvalidQuoteParams},
		{"bad from token", func(p *models.QuoteParams) { p.FromToken = "nope" }, errs.CodeInvalidQuoteParams},
		{"bad to token", func(p *models.QuoteParams) { p.ToToken = "nope" }, errs.CodeInvalidQuoteParams},
		{"bad wallet", func(p *models.QuoteParams) { p.FromAddress = "nope" }, errs.CodeInvalidQuoteParams},
		{"zero amount", func(p *models.QuoteParams) { p.FromAmount = "0" }, errs.CodeInvalidQuoteParams},
		{"non-integer amount", func(p *models.QuoteParams) { p.FromAmount = "1.5" }, errs.CodeInvalidQuoteParams},
		{"slippage too high", func(p *models.QuoteParams) { p.Slippage = 0.2 }, errs.CodeInvalidSlippage},
		{"slippage too low", func(p *models.QuoteParams) { p.Slippage = 0.00001 }, errs.CodeInvalidSlippage},
		{"unknown preference", func(p *models.QuoteParams) { p.RoutePreference = "fancy" }, errs.CodeInvalidQuoteParams},
		{"unsupported chain", func(p *models.QuoteParams) { p.FromChainID = 42 }, errs.CodeInvalidQuoteParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := baseParams()
			tc.mutate(&params)
			_, err := svc.GetQuote(ctx, params)
			assert.Error(t, err)
			assert.True(t, errs.IsCode(err, tc.code))
		})
	}

	// Nothing invalid ever reaches the wire.
	calls, _ := server.calls()
	assert.Equal(t, 0, calls)
}

func TestGetQuoteErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   errs.Code
	}{
		{"not found", http.StatusNotFound, `{"message":"Not found"}`, errs.CodeNoRouteFound},
		{"no quotes message", http.StatusBadRequest, `{"message":"No available quotes for this pair"}`, errs.CodeNoRouteFound},
		{"bad request", http.StatusBadRequest, `{"message":"fromAmount too low"}`, errs.CodeInvalidQuoteParams},
		{"server error", http.StatusInternalServerError, "", errs.CodeNetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := &quoteServer{}
			server.setFail(tc.status, tc.body)
			svc := newService(t, server, nil, Options{AutoDeposit: true})

			_, err := svc.GetQuote(context.Background(), baseParams())
			assert.Error(t, err)
			assert.True(t, errs.IsCode(err, tc.code))
		})
	}
}

func TestGetQuotes(t *testing.T) {
	server := &quoteServer{routes: routesBody}
	svc := newService(t, server, nil, Options{AutoDeposit: true})

	quotes, err := svc.GetQuotes(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.Equal(t, 2, len(quotes))

	// Aggregator order is preserved: recommendation first.
	assert.Equal(t, "route-a", quotes[0].ID)
	assert.Equal(t, "route-b", quotes[1].ID)
	assert.Equal(t, "9995000000", quotes[0].ToAmount)
	assert.Equal(t, 300.0, quotes[1].EstimatedTime)
	assert.True(t, quotes[0].IncludesAutoDeposit)
}

func TestGetQuotesEmpty(t *testing.T) {
	server := &quoteServer{routes: `{"routes":[]}`}
	svc := newService(t, server, nil, Options{AutoDeposit: true})

	_, err := svc.GetQuotes(context.Background(), baseParams())
	assert.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeNoRouteFound))
}

func TestManualDepositFlag(t *testing.T) {
	server := &quoteServer{quote: quoteBody}
	svc := newService(t, server, nil, Options{})

	result, err := svc.GetQuote(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.False(t, result.Quote.IncludesAutoDeposit)
	assert.True(t, result.Quote.ManualDepositRequired)
}

func TestPriceImpactBands(t *testing.T) {
	cases := []struct {
		fromUSD  string
		toUSD    string
		impact   float64
		severity models.Severity
	}{
		{"10000", "9995", 0.0005, models.SeverityLow},
		{"10000", "9940", 0.006, models.SeverityMedium},
		{"10000", "9900", 0.01, models.SeverityHigh},
		{"10000", "9600", 0.04, models.SeverityVeryHigh},
		{"100", "102", -0.02, models.SeverityHigh},
		{"100", "250", -1, models.SeverityVeryHigh},
		{"", "9995", 0, models.SeverityLow},
		{"10000", "", 0, models.SeverityLow},
	}
	for _, tc := range cases {
		impact, severity := priceImpact(tc.fromUSD, tc.toUSD)
		assert.Equal(t, tc.impact, impact)
		assert.Equal(t, tc.severity, severity)
	}
}
