// Package evmrpc is a minimal EVM JSON-RPC client covering the three calls
// the library observes chains with: eth_call, eth_getBalance and
// eth_getTransactionReceipt. Submission always goes through the caller's
// signer, never through this client.
package evmrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/wallet"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "evmrpc").Logger()
}

// Client talks JSON-RPC to a single endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	nextID     atomic.Uint64
}

// NewClient builds a client for one RPC endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

// Endpoint returns the URL this client was built with.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, string(body))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", method, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, parsed.Error)
	}
	return parsed.Result, nil
}

// GetBalance returns the native balance of address at the latest block.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return nil, err
	}
	return decodeQuantity(result)
}

// CallContract performs a read-only eth_call against to with calldata data.
func (c *Client) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	result, err := c.call(ctx, "eth_call", map[string]string{
		"to":   to,
		"data": hexutil.Encode(data),
	}, "latest")
	if err != nil {
		return nil, err
	}
	var hexData string
	if err := json.Unmarshal(result, &hexData); err != nil {
		return nil, fmt.Errorf("eth_call: parse result: %w", err)
	}
	if hexData == "" || hexData == "0x" {
		return nil, nil
	}
	return hexutil.Decode(hexData)
}

type receiptResult struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	BlockNumber     string `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
}

// TransactionReceipt fetches the receipt for txHash. A nil receipt with nil
// error means the transaction is not mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*wallet.Receipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var parsed receiptResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: parse result: %w", err)
	}

	receipt := &wallet.Receipt{TxHash: parsed.TransactionHash}
	if receipt.TxHash == "" {
		receipt.TxHash = txHash
	}
	if status, err := decodeQuantity([]byte(`"` + parsed.Status + `"`)); err == nil {
		receipt.Status = status.Uint64()
	}
	if block, err := decodeQuantity([]byte(`"` + parsed.BlockNumber + `"`)); err == nil {
		receipt.BlockNumber = block.Uint64()
	}
	if gas, err := decodeQuantity([]byte(`"` + parsed.GasUsed + `"`)); err == nil {
		receipt.GasUsed = gas.Uint64()
	}
	return receipt, nil
}

// WaitForReceipt polls for the receipt at the given interval until it
// appears or maxAttempts polls have happened. Transient poll errors are
// logged and do not abort the wait.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, interval time.Duration, maxAttempts int) (*wallet.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 60
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Err(err).Str("tx_hash", txHash).Int("attempt", attempt).Msg("Receipt poll failed")
			continue
		}
		if receipt != nil {
			return receipt, nil
		}
	}

	return nil, errs.Newf(errs.CodeMaxRetriesExceeded,
		"no receipt for %s after %d attempts", txHash, maxAttempts)
}

// decodeQuantity parses a JSON-encoded hex quantity like "0x1b4".
func decodeQuantity(raw json.RawMessage) (*big.Int, error) {
	var hexValue string
	if err := json.Unmarshal(raw, &hexValue); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if hexValue == "" {
		return big.NewInt(0), nil
	}
	value, err := hexutil.DecodeBig(hexValue)
	if err != nil {
		return nil, fmt.Errorf("decode quantity %q: %w", hexValue, err)
	}
	return value, nil
}
