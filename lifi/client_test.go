package lifi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zeebo/assert"
)

func testClient(url string) *Client {
	return NewClient(Config{
		BaseURL:    url,
		Integrator: "test-integrator",
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: -1,
		RetryDelay: time.Millisecond,
	})
}

func TestHeadersSent(t *testing.T) {
	var gotIntegrator, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIntegrator = r.Header.Get("x-lifi-integrator")
		gotAPIKey = r.Header.Get("x-lifi-api-key")
		_, _ = w.Write([]byte(`{"chains":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chains(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "test-integrator", gotIntegrator)
	assert.Equal(t, "test-key", gotAPIKey)
}

func TestChains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chains", r.URL.Path)
		assert.Equal(t, "EVM", r.URL.Query().Get("chainTypes"))
		_, _ = w.Write([]byte(`{"chains":[
			{"id":1,"key":"eth","name":"Ethereum","chainType":"EVM","mainnet":true,
			 "nativeToken":{"address":"0x0000000000000000000000000000000000000000","symbol":"ETH","decimals":18,"chainId":1},
			 "metamask":{"rpcUrls":["https://eth.example/rpc"]}},
			{"id":5,"key":"goerli","name":"Goerli","chainType":"EVM","mainnet":false,
			 "nativeToken":{"symbol":"ETH","decimals":18}}
		]}`))
	}))
	defer srv.Close()

	chains, err := testClient(srv.URL).Chains(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, len(chains))
	assert.Equal(t, int64(1), chains[0].ID)
	assert.True(t, chains[0].Mainnet)
	assert.Equal(t, "https://eth.example/rpc", chains[0].Metamask.RPCUrls[0])
	assert.False(t, chains[1].Mainnet)
}

func TestTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,10", r.URL.Query().Get("chains"))
		_, _ = w.Write([]byte(`{"tokens":{
			"1":[{"address":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","symbol":"USDC","decimals":6,"chainId":1,"priceUSD":"1.00"}],
			"10":[]
		}}`))
	}))
	defer srv.Close()

	tokens, err := testClient(srv.URL).Tokens(context.Background(), []int64{1, 10})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tokens["1"]))
	assert.Equal(t, "USDC", tokens["1"][0].Symbol)
	assert.Equal(t, "1.00", tokens["1"][0].PriceUSD)
}

func TestQuoteParams(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		got = map[string]string{}
		for k, v := range r.URL.Query() {
			got[k] = v[0]
		}
		_, _ = w.Write([]byte(`{"id":"step-1","type":"lifi","tool":"across",
			"action":{"fromChainId":1,"toChainId":999,"fromAmount":"1000000000","slippage":0.005},
			"estimate":{"fromAmount":"1000000000","toAmount":"999000000","executionDuration":120}}`))
	}))
	defer srv.Close()

	step, err := testClient(srv.URL).Quote(context.Background(), QuoteRequest{
		FromChain:   1,
		ToChain:     999,
		FromToken:   "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		ToToken:     "0xb88339cb7199b77e23db6e890353e22632ba630f",
		FromAmount:  "1000000000",
		FromAddress: "0x1111111111111111111111111111111111111111",
		Slippage:    0.005,
		Order:       "recommended",
	})
	assert.NoError(t, err)
	assert.Equal(t, "step-1", step.ID)

	// slippage goes over the wire as a two-decimal percent
	assert.Equal(t, "0.50", got["slippage"])
	assert.Equal(t, "RECOMMENDED", got["order"])
	assert.Equal(t, "999", got["toChain"])
	assert.Equal(t, "test-integrator", got["integrator"])
}

func TestSlippagePercent(t *testing.T) {
	assert.Equal(t, "0.50", SlippagePercent(0.005))
	assert.Equal(t, "5.00", SlippagePercent(0.05))
	assert.Equal(t, "0.01", SlippagePercent(0.0001))
	assert.Equal(t, "1.00", SlippagePercent(0.01))
}

func TestRoutesPostBody(t *testing.T) {
	var body RoutesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/advanced/routes", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"routes":[{"id":"r1","fromChainId":1,"toChainId":999,"steps":[]}]}`))
	}))
	defer srv.Close()

	req := RoutesRequest{
		FromChainID:      1,
		ToChainID:        999,
		FromTokenAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		ToTokenAddress:   "0xb88339cb7199b77e23db6e890353e22632ba630f",
		FromAmount:       "1000000000",
		FromAddress:      "0x1111111111111111111111111111111111111111",
	}
	req.Options.Slippage = 0.005
	req.Options.Order = "cheapest"

	routes, err := testClient(srv.URL).Routes(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(routes))
	assert.Equal(t, "r1", routes[0].ID)

	// integrator is injected into the options block, order uppercased
	assert.Equal(t, "test-integrator", body.Options.Integrator)
	assert.Equal(t, "CHEAPEST", body.Options.Order)
}

func TestStatusParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "0xabc", q.Get("txHash"))
		assert.Equal(t, "1", q.Get("fromChain"))
		assert.Equal(t, "999", q.Get("toChain"))
		_, _ = w.Write([]byte(`{"status":"DONE","substatus":"COMPLETED",
			"sending":{"txHash":"0xabc","chainId":1,"amount":"1000000000"},
			"receiving":{"txHash":"0xdef","chainId":999,"amount":"999000000"}}`))
	}))
	defer srv.Close()

	st, err := testClient(srv.URL).Status(context.Background(), "0xabc", 1, 999)
	assert.NoError(t, err)
	assert.Equal(t, "DONE", st.Status)
	assert.Equal(t, "0xdef", st.Receiving.TxHash)
	assert.Equal(t, "999000000", st.Receiving.Amount)
}

func TestTokenAllowance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token/allowance", r.URL.Path)
		_, _ = w.Write([]byte(`{"allowance":"115792089237316195423570985008687907853269984665640564039457584007913129639935"}`))
	}))
	defer srv.Close()

	allowance, err := testClient(srv.URL).TokenAllowance(context.Background(), 1,
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	assert.NoError(t, err)
	assert.Equal(t, 256, allowance.BitLen())
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"message":"upstream hiccup"}`, http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"chains":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:    srv.URL,
		Integrator: "t",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	_, err := c.Chains(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"No available quotes for the requested transfer"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Quote(context.Background(), QuoteRequest{FromChain: 1, ToChain: 999})
	assert.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "No available quotes for the requested transfer", apiErr.Message)
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(Config{
		BaseURL:    srv.URL,
		Integrator: "t",
		MaxRetries: 10,
		RetryDelay: 50 * time.Millisecond,
	})
	start := time.Now()
	_, err := c.Chains(ctx)
	assert.Error(t, err)
	assert.True(t, time.Since(start) < 2*time.Second)
}
