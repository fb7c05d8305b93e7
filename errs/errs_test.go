package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zeebo/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	e := New(CodeInsufficientBalance, "need 100, have 10")
	assert.Equal(t, CodeInsufficientBalance, e.Code)
	assert.Equal(t, "need 100, have 10", e.Message)
	assert.False(t, e.Recoverable)
	assert.Equal(t, ActionAddFunds, e.RecoveryAction)
	assert.True(t, e.UserMessage != "")

	e = New(CodeNetworkError, "dial tcp: refused")
	assert.True(t, e.Recoverable)
	assert.Equal(t, ActionRetry, e.RecoveryAction)
}

func TestEveryCodeHasDefaults(t *testing.T) {
	codes := []Code{
		CodeInsufficientBalance, CodeInsufficientGas, CodeNoRouteFound,
		CodeSlippageExceeded, CodeInvalidSlippage, CodeTransactionFailed,
		CodeUserRejected, CodeNetworkError, CodeDepositFailed,
		CodeMinimumDeposit, CodeInvalidAddress, CodeQuoteExpired,
		CodeInvalidQuote, CodeInvalidQuoteParams, CodeQuoteFetchFailed,
		CodeChainFetchFailed, CodeTokenFetchFailed, CodeBalanceFetchFailed,
		CodeArrivalTimeout, CodeL1MonitorCancelled, CodeMaxRetriesExceeded,
	}
	for _, c := range codes {
		d, ok := codeDefaults[c]
		assert.True(t, ok)
		assert.True(t, d.userMessage != "")
		assert.True(t, d.action != "")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(CodeQuoteFetchFailed, "quote request failed", cause)
	assert.True(t, errors.Is(e, cause))

	var out *Error
	assert.True(t, errors.As(fmt.Errorf("outer: %w", e), &out))
	assert.Equal(t, CodeQuoteFetchFailed, out.Code)
}

func TestWithDetail(t *testing.T) {
	e := New(CodeInsufficientBalance, "short").
		WithDetail("required", "100").
		WithDetail("available", "10")
	assert.Equal(t, "100", e.Details["required"])
	assert.Equal(t, "10", e.Details["available"])
}

func TestOverrides(t *testing.T) {
	e := New(CodeTransactionFailed, "reverted").
		WithAction(ActionSwitchNetwork).
		WithUserMessage("Switch your wallet to the source chain.").
		WithRecoverable(false)
	assert.Equal(t, ActionSwitchNetwork, e.RecoveryAction)
	assert.False(t, e.Recoverable)
}

func TestNormalizeUserRejection(t *testing.T) {
	for _, msg := range []string{
		"User denied transaction signature",
		"user rejected the request",
		"MetaMask Tx Signature: User denied",
	} {
		e := Normalize(errors.New(msg), CodeTransactionFailed)
		assert.Equal(t, CodeUserRejected, e.Code)
		assert.False(t, e.Recoverable)
	}
}

func TestNormalizeNetwork(t *testing.T) {
	cases := []error{
		errors.New("network request failed"),
		errors.New("fetch failed: socket hang up"),
		errors.New("request timed out after 30s"),
		fmt.Errorf("do request: %w", context.DeadlineExceeded),
	}
	for _, err := range cases {
		e := Normalize(err, CodeQuoteFetchFailed)
		assert.Equal(t, CodeNetworkError, e.Code)
		assert.True(t, e.Recoverable)
	}
}

func TestNormalizeRevert(t *testing.T) {
	e := Normalize(errors.New("execution reverted: transfer amount exceeds balance"), CodeDepositFailed)
	assert.Equal(t, CodeTransactionFailed, e.Code)
}

func TestNormalizeFallbackAndPassthrough(t *testing.T) {
	e := Normalize(errors.New("something odd"), CodeQuoteFetchFailed)
	assert.Equal(t, CodeQuoteFetchFailed, e.Code)

	orig := New(CodeArrivalTimeout, "no funds after 5m")
	assert.Equal(t, orig, Normalize(orig, CodeNetworkError))
	assert.Nil(t, Normalize(nil, CodeNetworkError))

	// wrapped taxonomy errors pass through too
	wrapped := fmt.Errorf("outer: %w", orig)
	assert.Equal(t, CodeArrivalTimeout, Normalize(wrapped, CodeNetworkError).Code)
}

func TestNonRecoverableMessage(t *testing.T) {
	nonRecoverable := []string{
		"User rejected the request",
		"user denied signature",
		"Insufficient balance for transfer",
		"insufficient funds for gas * price + value",
		"nonce too low",
	}
	for _, msg := range nonRecoverable {
		assert.True(t, NonRecoverableMessage(msg))
	}
	recoverable := []string{
		"network error",
		"execution reverted",
		"timeout waiting for receipt",
	}
	for _, msg := range recoverable {
		assert.False(t, NonRecoverableMessage(msg))
	}
}

func TestIsCodeAndCodeOf(t *testing.T) {
	e := New(CodeQuoteExpired, "expired 5s ago")
	wrapped := fmt.Errorf("execute: %w", e)
	assert.True(t, IsCode(wrapped, CodeQuoteExpired))
	assert.Equal(t, CodeQuoteExpired, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(nil, CodeQuoteExpired))
}

func TestErrorsIsByCode(t *testing.T) {
	a := New(CodeNoRouteFound, "nothing for pair")
	b := New(CodeNoRouteFound, "different message")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeNetworkError, "x")))
}
