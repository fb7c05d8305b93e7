// Package errs defines the closed set of failure kinds the library surfaces.
// Every error carries a stable code, a developer message, a display message,
// and a recovery hint so callers can decide between automatic retry and
// user intervention without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure kind. The set is closed; switch on it instead of
// inspecting messages.
type Code string

const (
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientGas     Code = "INSUFFICIENT_GAS"
	CodeNoRouteFound        Code = "NO_ROUTE_FOUND"
	CodeSlippageExceeded    Code = "SLIPPAGE_EXCEEDED"
	CodeInvalidSlippage     Code = "INVALID_SLIPPAGE"
	CodeTransactionFailed   Code = "TRANSACTION_FAILED"
	CodeUserRejected        Code = "USER_REJECTED"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeDepositFailed       Code = "DEPOSIT_TRANSACTION_FAILED"
	CodeMinimumDeposit      Code = "MINIMUM_DEPOSIT_NOT_MET"
	CodeInvalidAddress      Code = "INVALID_ADDRESS"
	CodeQuoteExpired        Code = "QUOTE_EXPIRED"
	CodeInvalidQuote        Code = "INVALID_QUOTE"
	CodeInvalidQuoteParams  Code = "INVALID_QUOTE_PARAMS"
	CodeQuoteFetchFailed    Code = "QUOTE_FETCH_FAILED"
	CodeChainFetchFailed    Code = "CHAIN_FETCH_FAILED"
	CodeTokenFetchFailed    Code = "TOKEN_FETCH_FAILED"
	CodeBalanceFetchFailed  Code = "BALANCE_FETCH_FAILED"
	CodeArrivalTimeout      Code = "ARRIVAL_TIMEOUT"
	CodeL1MonitorCancelled  Code = "L1_MONITOR_CANCELLED"
	CodeMaxRetriesExceeded  Code = "MAX_RETRIES_EXCEEDED"
)

// RecoveryAction is the hint a UI should surface next to the failure.
type RecoveryAction string

const (
	ActionRetry              RecoveryAction = "retry"
	ActionAddFunds           RecoveryAction = "add_funds"
	ActionIncreaseSlippage   RecoveryAction = "increase_slippage"
	ActionTryDifferentAmount RecoveryAction = "try_different_amount"
	ActionTryAgain           RecoveryAction = "try_again"
	ActionFetchNewQuote      RecoveryAction = "fetch_new_quote"
	ActionContactSupport     RecoveryAction = "contact_support"
	ActionSwitchNetwork      RecoveryAction = "switch_network"
	ActionCheckAllowance     RecoveryAction = "check_allowance"
	ActionAdjustSlippage     RecoveryAction = "adjust_slippage"
)

// Error is the single error type of the library.
type Error struct {
	Code           Code           `json:"code"`
	Message        string         `json:"message"`
	UserMessage    string         `json:"userMessage"`
	Recoverable    bool           `json:"recoverable"`
	RecoveryAction RecoveryAction `json:"recoveryAction"`
	Details        map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two errors by code so errors.Is works with sentinel-style checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

type defaults struct {
	userMessage string
	recoverable bool
	action      RecoveryAction
}

var codeDefaults = map[Code]defaults{
	CodeInsufficientBalance: {"You don't have enough balance for this transfer.", false, ActionAddFunds},
	CodeInsufficientGas:     {"You don't have enough gas to cover network fees.", false, ActionAddFunds},
	CodeNoRouteFound:        {"No bridge route is available for this pair. Try a different amount or token.", false, ActionTryDifferentAmount},
	CodeSlippageExceeded:    {"Price moved beyond your slippage tolerance.", true, ActionIncreaseSlippage},
	CodeInvalidSlippage:     {"Slippage must be between 0.01% and 5%.", false, ActionAdjustSlippage},
	CodeTransactionFailed:   {"The transaction failed on chain.", true, ActionTryAgain},
	CodeUserRejected:        {"The request was rejected in your wallet.", false, ActionTryAgain},
	CodeNetworkError:        {"A network error occurred. Check your connection and try again.", true, ActionRetry},
	CodeDepositFailed:       {"The deposit transaction failed.", true, ActionTryAgain},
	CodeMinimumDeposit:      {"Deposits must be at least 5 USDC.", false, ActionTryDifferentAmount},
	CodeInvalidAddress:      {"That address is not a valid EVM address.", false, ActionTryAgain},
	CodeQuoteExpired:        {"This quote has expired. Fetch a new one.", false, ActionFetchNewQuote},
	CodeInvalidQuote:        {"This quote can't be executed.", false, ActionFetchNewQuote},
	CodeInvalidQuoteParams:  {"Some quote parameters are invalid.", false, ActionTryAgain},
	CodeQuoteFetchFailed:    {"Couldn't fetch a quote. Try again.", true, ActionRetry},
	CodeChainFetchFailed:    {"Couldn't load supported chains.", true, ActionRetry},
	CodeTokenFetchFailed:    {"Couldn't load the token list.", true, ActionRetry},
	CodeBalanceFetchFailed:  {"Couldn't fetch your balance.", true, ActionRetry},
	CodeArrivalTimeout:      {"Funds haven't arrived yet. They may still be in transit.", false, ActionContactSupport},
	CodeL1MonitorCancelled:  {"Balance monitoring stopped before confirmation.", false, ActionTryAgain},
	CodeMaxRetriesExceeded:  {"The operation didn't complete after several attempts.", false, ActionContactSupport},
}

// New builds an Error with the code's default user message and recovery hint.
func New(code Code, message string) *Error {
	d := codeDefaults[code]
	return &Error{
		Code:           code,
		Message:        message,
		UserMessage:    d.userMessage,
		Recoverable:    d.recoverable,
		RecoveryAction: d.action,
	}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds an Error that keeps cause reachable via errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetail attaches a key/value pair for diagnostics and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithUserMessage overrides the default display text.
func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// WithAction overrides the default recovery hint.
func (e *Error) WithAction(action RecoveryAction) *Error {
	e.RecoveryAction = action
	return e
}

// WithRecoverable overrides the default recoverability flag.
func (e *Error) WithRecoverable(v bool) *Error {
	e.Recoverable = v
	return e
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not a taxonomy error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Message token lists for normalizing foreign errors. Wallets and RPC nodes
// disagree on shapes, but the phrases are stable across implementations.
var (
	userRejectionTokens = []string{
		"user rejected",
		"user denied",
		"rejected the request",
		"request rejected",
	}
	networkTokens = []string{
		"network",
		"fetch",
		"timeout",
		"timed out",
		"connection",
		"econnrefused",
		"econnreset",
		"socket",
	}
	revertTokens = []string{
		"revert",
		"execution reverted",
	}
	nonRecoverableTokens = []string{
		"user rejected",
		"user denied",
		"insufficient balance",
		"insufficient funds",
		"nonce too low",
	}
)

func containsAny(msg string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// Normalize maps an arbitrary error into the taxonomy. Errors that already
// carry a code pass through unchanged; otherwise the message is classified
// by substring and fallback is used when nothing matches.
func Normalize(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, userRejectionTokens):
		return Wrap(CodeUserRejected, err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeNetworkError, err.Error(), err)
	case containsAny(msg, networkTokens):
		return Wrap(CodeNetworkError, err.Error(), err)
	case containsAny(msg, revertTokens):
		return Wrap(CodeTransactionFailed, err.Error(), err)
	default:
		return Wrap(fallback, err.Error(), err)
	}
}

// NonRecoverableMessage reports whether a failure message indicates an error
// that retrying the same execution cannot fix.
func NonRecoverableMessage(msg string) bool {
	return containsAny(strings.ToLower(msg), nonRecoverableTokens)
}
