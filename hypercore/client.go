// Package hypercore observes the trading ledger through its public info
// endpoint. The ledger is not an EVM chain: balances are read with a POST
// to the info URL and confirmation of deposits is a balance delta, not a
// transaction receipt.
package hypercore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "hypercore").Logger()
}

// Info endpoints per environment.
const (
	MainnetInfoURL = "https://api.hyperliquid.xyz/info"
	TestnetInfoURL = "https://api.hyperliquid-testnet.xyz/info"
)

// AccountValueDecimals is the smallest-unit scale of ledger balances (USDC).
const AccountValueDecimals = 6

// Client queries the trading ledger info endpoint.
type Client struct {
	httpClient *http.Client
	infoURL    string
}

// NewClient builds a client for one info endpoint.
func NewClient(infoURL string, timeout time.Duration) *Client {
	if infoURL == "" {
		infoURL = MainnetInfoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		infoURL:    infoURL,
	}
}

type clearinghouseRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
}

// AccountValue returns the wallet's total ledger value in smallest units.
func (c *Client) AccountValue(ctx context.Context, wallet string) (*big.Int, error) {
	payload, err := json.Marshal(clearinghouseRequest{Type: "clearinghouseState", User: wallet})
	if err != nil {
		return nil, fmt.Errorf("marshal clearinghouse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.infoURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("info request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info HTTP %d: %s", resp.StatusCode, string(body))
	}

	var state clearinghouseState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("parse clearinghouse state: %w", err)
	}
	return ParseAccountValue(state.MarginSummary.AccountValue)
}

// ParseAccountValue converts the ledger's human-decimal string ("1234.56")
// into smallest units. Fractional digits beyond the scale are truncated,
// never rounded, matching how the ledger itself reports.
func ParseAccountValue(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("parse account value %q: %w", value, err)
	}
	return d.Shift(AccountValueDecimals).Truncate(0).BigInt(), nil
}
