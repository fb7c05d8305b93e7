package models

import "time"

// RoutePreference selects the aggregator's route ordering.
type RoutePreference string

const (
	RouteRecommended RoutePreference = "recommended"
	RouteFastest     RoutePreference = "fastest"
	RouteCheapest    RoutePreference = "cheapest"
)

// QuoteParams are the caller-supplied inputs to the quote engine.
// FromAmount is a decimal string in the token's smallest units.
// Slippage is a 0..1 decimal; zero means "use the default".
type QuoteParams struct {
	FromChainID     int64           `json:"fromChainId"`
	ToChainID       int64           `json:"toChainId"`
	FromToken       string          `json:"fromToken"`
	ToToken         string          `json:"toToken"`
	FromAmount      string          `json:"fromAmount"`
	FromAddress     string          `json:"fromAddress"`
	ToAddress       string          `json:"toAddress,omitempty"`
	Slippage        float64         `json:"slippage,omitempty"`
	RoutePreference RoutePreference `json:"routePreference,omitempty"`
}

// StepType classifies a route leg.
type StepType string

const (
	StepTypeApprove StepType = "approve"
	StepTypeSwap    StepType = "swap"
	StepTypeBridge  StepType = "bridge"
	StepTypeDeposit StepType = "deposit"
)

// Step is one atomic leg of a route. Steps are ordered and chain-continuous:
// steps[i].ToChainID == steps[i+1].FromChainID.
type Step struct {
	ID            string   `json:"id"`
	Type          StepType `json:"type"`
	Tool          string   `json:"tool"`
	FromChainID   int64    `json:"fromChainId"`
	ToChainID     int64    `json:"toChainId"`
	FromToken     Token    `json:"fromToken"`
	ToToken       Token    `json:"toToken"`
	FromAmount    string   `json:"fromAmount"`
	ToAmount      string   `json:"toAmount"`
	EstimatedTime float64  `json:"estimatedTime"`
}

// StepGas is the per-step slice of the aggregated gas estimate.
type StepGas struct {
	StepID     string  `json:"stepId"`
	Tool       string  `json:"tool"`
	GasLimit   string  `json:"gasLimit"`
	GasCost    string  `json:"gasCost"`
	GasCostUSD float64 `json:"gasCostUsd"`
}

// GasEstimate aggregates gas across all steps. Amount fields are decimal
// strings in native-token smallest units; GasPrice is the first non-zero
// price seen across steps.
type GasEstimate struct {
	GasLimit      string    `json:"gasLimit"`
	GasPrice      string    `json:"gasPrice"`
	GasCost       string    `json:"gasCost"`
	GasCostUSD    float64   `json:"gasCostUsd"`
	NativeToken   Token     `json:"nativeToken"`
	StepBreakdown []StepGas `json:"stepBreakdown,omitempty"`
}

// Fees decomposes a route's cost. USD figures are arithmetic sums of the
// per-item USD values; the optional raw fields are bigint sums in the fee
// token's smallest units.
type Fees struct {
	TotalUSD       float64     `json:"totalUsd"`
	GasUSD         float64     `json:"gasUsd"`
	BridgeFeeUSD   float64     `json:"bridgeFeeUsd"`
	ProtocolFeeUSD float64     `json:"protocolFeeUsd"`
	GasEstimate    GasEstimate `json:"gasEstimate"`
	GasFee         string      `json:"gasFee,omitempty"`
	BridgeFee      string      `json:"bridgeFee,omitempty"`
	ProtocolFee    string      `json:"protocolFee,omitempty"`
}

// Severity bands a quote's price impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityVeryHigh Severity = "very_high"
)

// Quote is a priced, executable route. Amounts are decimal strings in
// smallest units. A quote is only executable until ExpiresAt.
type Quote struct {
	ID                    string   `json:"id"`
	FromChainID           int64    `json:"fromChainId"`
	ToChainID             int64    `json:"toChainId"`
	FromToken             Token    `json:"fromToken"`
	ToToken               Token    `json:"toToken"`
	FromAmount            string   `json:"fromAmount"`
	ToAmount              string   `json:"toAmount"`
	ToAmountMin           string   `json:"toAmountMin,omitempty"`
	FromAddress           string   `json:"fromAddress"`
	ToAddress             string   `json:"toAddress"`
	Slippage              float64  `json:"slippage"`
	Steps                 []Step   `json:"steps"`
	Fees                  Fees     `json:"fees"`
	EstimatedTime         float64  `json:"estimatedTime"`
	PriceImpact           float64  `json:"priceImpact"`
	ImpactSeverity        Severity `json:"impactSeverity"`
	HighImpact            bool     `json:"highImpact"`
	IncludesAutoDeposit   bool     `json:"includesAutoDeposit"`
	ManualDepositRequired bool     `json:"manualDepositRequired"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the quote can no longer be executed.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
