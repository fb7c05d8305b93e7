// Package lifi is the HTTP client for the route aggregator. The aggregator
// is treated as an opaque routing oracle: it tells us which steps to take
// and hands back ready-to-sign calldata; this package only moves JSON.
package lifi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "lifi").Logger()
}

// DefaultBaseURL is the public aggregator endpoint.
const DefaultBaseURL = "https://li.quest/v1"

const (
	headerIntegrator = "x-lifi-integrator"
	headerAPIKey     = "x-lifi-api-key"
)

// APIError is a non-2xx aggregator response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an aggregator 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Config controls the client. Integrator is required; every request carries
// it as the x-lifi-integrator header.
type Config struct {
	BaseURL    string
	Integrator string
	APIKey     string
	// Timeout is the hard ceiling per HTTP attempt. Callers usually set a
	// tighter per-request deadline through the context.
	Timeout time.Duration
	// MaxRetries is the number of times to retry a retryable failure
	// (network error, 429, 5xx). The delay doubles with each retry.
	MaxRetries int
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	// 0 means "use the default"; pass a negative value for no retries
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// Client talks to the aggregator.
type Client struct {
	httpClient *http.Client
	baseURL    string
	integrator string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
}

// NewClient builds a Client from cfg, filling in defaults for zero fields.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		integrator: cfg.Integrator,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// do performs one aggregator request with retries. Network errors, 429 and
// 5xx responses are retried with a doubling delay; other HTTP errors are
// returned as *APIError immediately.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	retryDelay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.integrator != "" {
			req.Header.Set(headerIntegrator, c.integrator)
		}
		if c.apiKey != "" {
			req.Header.Set(headerAPIKey, c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("Aggregator request failed")
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = apiErr
			log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("Aggregator retryable error")
			continue
		}
		return nil, apiErr
	}

	return nil, fmt.Errorf("aggregator request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// errorMessage digs the human message out of an error body, falling back to
// the raw body when it is not the usual JSON shape.
func errorMessage(body []byte) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Chains lists every chain the aggregator can route from.
func (c *Client) Chains(ctx context.Context) ([]Chain, error) {
	body, err := c.do(ctx, http.MethodGet, "/chains?chainTypes=EVM", nil)
	if err != nil {
		return nil, err
	}
	var parsed chainsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse chains response: %w", err)
	}
	return parsed.Chains, nil
}

// Tokens returns the aggregator token lists keyed by decimal chain id.
func (c *Client) Tokens(ctx context.Context, chainIDs []int64) (map[string][]Token, error) {
	ids := make([]string, len(chainIDs))
	for i, id := range chainIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	path := "/tokens?chains=" + url.QueryEscape(strings.Join(ids, ","))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed tokensResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse tokens response: %w", err)
	}
	return parsed.Tokens, nil
}

// Connections returns the bridgeable token pairs between two chains.
func (c *Client) Connections(ctx context.Context, fromChain, toChain int64) ([]Connection, error) {
	path := fmt.Sprintf("/connections?fromChain=%d&toChain=%d", fromChain, toChain)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed connectionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse connections response: %w", err)
	}
	return parsed.Connections, nil
}

// Token resolves a single token's metadata.
func (c *Client) Token(ctx context.Context, chainID int64, token string) (*Token, error) {
	path := fmt.Sprintf("/token?chain=%d&token=%s", chainID, url.QueryEscape(token))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed Token
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	return &parsed, nil
}

// TokenAllowance reads an ERC-20 allowance through the aggregator, used when
// no direct RPC endpoint is configured for the source chain.
func (c *Client) TokenAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	path := fmt.Sprintf(
		"/token/allowance?chainId=%d&tokenAddress=%s&ownerAddress=%s&spenderAddress=%s",
		chainID, url.QueryEscape(token), url.QueryEscape(owner), url.QueryEscape(spender),
	)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed allowanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse allowance response: %w", err)
	}
	allowance, ok := new(big.Int).SetString(parsed.Allowance, 10)
	if !ok {
		return nil, fmt.Errorf("allowance %q is not a decimal integer", parsed.Allowance)
	}
	return allowance, nil
}

// QuoteRequest are the inputs to GET /quote. Slippage is the 0..1 decimal;
// the wire format wants a percent with two decimals, converted here.
type QuoteRequest struct {
	FromChain   int64
	ToChain     int64
	FromToken   string
	ToToken     string
	FromAmount  string
	FromAddress string
	ToAddress   string
	Slippage    float64
	Order       string
}

// SlippagePercent formats a 0..1 slippage as the percent string the quote
// endpoint expects, e.g. 0.005 -> "0.50".
func SlippagePercent(slippage float64) string {
	return strconv.FormatFloat(slippage*100, 'f', 2, 64)
}

// Quote fetches a single best route. The response is one Step whose
// includedSteps carry any internal legs.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Step, error) {
	q := url.Values{}
	q.Set("fromChain", strconv.FormatInt(req.FromChain, 10))
	q.Set("toChain", strconv.FormatInt(req.ToChain, 10))
	q.Set("fromToken", req.FromToken)
	q.Set("toToken", req.ToToken)
	q.Set("fromAmount", req.FromAmount)
	q.Set("fromAddress", req.FromAddress)
	if req.ToAddress != "" {
		q.Set("toAddress", req.ToAddress)
	}
	q.Set("slippage", SlippagePercent(req.Slippage))
	if req.Order != "" {
		q.Set("order", strings.ToUpper(req.Order))
	}
	if c.integrator != "" {
		q.Set("integrator", c.integrator)
	}

	body, err := c.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var parsed Step
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse quote response: %w", err)
	}
	return &parsed, nil
}

// RoutesRequest are the inputs to POST /advanced/routes.
type RoutesRequest struct {
	FromChainID      int64  `json:"fromChainId"`
	ToChainID        int64  `json:"toChainId"`
	FromTokenAddress string `json:"fromTokenAddress"`
	ToTokenAddress   string `json:"toTokenAddress"`
	FromAmount       string `json:"fromAmount"`
	FromAddress      string `json:"fromAddress"`
	ToAddress        string `json:"toAddress,omitempty"`
	Options          struct {
		Slippage   float64 `json:"slippage,omitempty"`
		Order      string  `json:"order,omitempty"`
		Integrator string  `json:"integrator,omitempty"`
	} `json:"options"`
}

// Routes fetches every viable route; the aggregator orders them with its
// recommendation first.
func (c *Client) Routes(ctx context.Context, req RoutesRequest) ([]Route, error) {
	if req.Options.Integrator == "" {
		req.Options.Integrator = c.integrator
	}
	if req.Options.Order != "" {
		req.Options.Order = strings.ToUpper(req.Options.Order)
	}
	body, err := c.do(ctx, http.MethodPost, "/advanced/routes", req)
	if err != nil {
		return nil, err
	}
	var parsed routesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse routes response: %w", err)
	}
	return parsed.Routes, nil
}

// Status reports the relayed state of a submitted transaction. fromChain and
// toChain are optional hints; zero omits them.
func (c *Client) Status(ctx context.Context, txHash string, fromChain, toChain int64) (*Status, error) {
	q := url.Values{}
	q.Set("txHash", txHash)
	if fromChain != 0 {
		q.Set("fromChain", strconv.FormatInt(fromChain, 10))
	}
	if toChain != 0 {
		q.Set("toChain", strconv.FormatInt(toChain, 10))
	}
	body, err := c.do(ctx, http.MethodGet, "/status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var parsed Status
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}
	return &parsed, nil
}
