package lifi

// Wire types for the aggregator API. Only the fields the mapping layer reads
// are declared; everything else in the JSON is ignored on purpose.

// Chain as returned by GET /chains.
type Chain struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	ChainType   string `json:"chainType"`
	Mainnet     bool   `json:"mainnet"`
	LogoURI     string `json:"logoURI"`
	NativeToken Token  `json:"nativeToken"`
	Metamask    struct {
		RPCUrls []string `json:"rpcUrls"`
	} `json:"metamask"`
}

// Token as returned by the token endpoints. PriceUSD is a decimal string.
type Token struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	PriceUSD string `json:"priceUSD"`
	LogoURI  string `json:"logoURI"`
}

// Connection groups the bridgeable tokens between two chains.
type Connection struct {
	FromChainID int64   `json:"fromChainId"`
	ToChainID   int64   `json:"toChainId"`
	FromTokens  []Token `json:"fromTokens"`
	ToTokens    []Token `json:"toTokens"`
}

// FeeCost is one fee line item inside a step estimate. Included fees are
// already part of toAmount and must not be added to totals again.
type FeeCost struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Percentage  string `json:"percentage"`
	Token       Token  `json:"token"`
	Amount      string `json:"amount"`
	AmountUSD   string `json:"amountUSD"`
	Included    bool   `json:"included"`
}

// GasCost is one gas line item inside a step estimate.
type GasCost struct {
	Type      string `json:"type"`
	Price     string `json:"price"`
	Estimate  string `json:"estimate"`
	Limit     string `json:"limit"`
	Amount    string `json:"amount"`
	AmountUSD string `json:"amountUSD"`
	Token     Token  `json:"token"`
}

// Action describes what a step does.
type Action struct {
	FromChainID int64   `json:"fromChainId"`
	ToChainID   int64   `json:"toChainId"`
	FromToken   Token   `json:"fromToken"`
	ToToken     Token   `json:"toToken"`
	FromAmount  string  `json:"fromAmount"`
	FromAddress string  `json:"fromAddress"`
	ToAddress   string  `json:"toAddress"`
	Slippage    float64 `json:"slippage"`
}

// Estimate prices a step.
type Estimate struct {
	Tool              string    `json:"tool"`
	FromAmount        string    `json:"fromAmount"`
	ToAmount          string    `json:"toAmount"`
	ToAmountMin       string    `json:"toAmountMin"`
	ApprovalAddress   string    `json:"approvalAddress"`
	ExecutionDuration float64   `json:"executionDuration"`
	FromAmountUSD     string    `json:"fromAmountUSD"`
	ToAmountUSD       string    `json:"toAmountUSD"`
	FeeCosts          []FeeCost `json:"feeCosts"`
	GasCosts          []GasCost `json:"gasCosts"`
}

// TransactionRequest is the ready-to-sign calldata for a step.
type TransactionRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gasLimit"`
	GasPrice string `json:"gasPrice"`
	ChainID  int64  `json:"chainId"`
}

// Step is the aggregator's route leg. GET /quote returns a single Step;
// routes contain several.
type Step struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Tool        string `json:"tool"`
	ToolDetails struct {
		Key     string `json:"key"`
		Name    string `json:"name"`
		LogoURI string `json:"logoURI"`
	} `json:"toolDetails"`
	Action             Action              `json:"action"`
	Estimate           Estimate            `json:"estimate"`
	IncludedSteps      []Step              `json:"includedSteps"`
	TransactionRequest *TransactionRequest `json:"transactionRequest"`
}

// Route is one entry of POST /advanced/routes.
type Route struct {
	ID            string   `json:"id"`
	FromChainID   int64    `json:"fromChainId"`
	ToChainID     int64    `json:"toChainId"`
	FromToken     Token    `json:"fromToken"`
	ToToken       Token    `json:"toToken"`
	FromAmount    string   `json:"fromAmount"`
	ToAmount      string   `json:"toAmount"`
	ToAmountMin   string   `json:"toAmountMin"`
	FromAmountUSD string   `json:"fromAmountUSD"`
	ToAmountUSD   string   `json:"toAmountUSD"`
	GasCostUSD    string   `json:"gasCostUSD"`
	Steps         []Step   `json:"steps"`
	Tags          []string `json:"tags"`
}

// StatusTx is one side of a relayed transfer in GET /status.
type StatusTx struct {
	TxHash  string `json:"txHash"`
	ChainID int64  `json:"chainId"`
	Amount  string `json:"amount"`
}

// Status is the relayer's view of a submitted transaction.
type Status struct {
	Status           string   `json:"status"`
	Substatus        string   `json:"substatus"`
	SubstatusMessage string   `json:"substatusMessage"`
	Sending          StatusTx `json:"sending"`
	Receiving        StatusTx `json:"receiving"`
}

type chainsResponse struct {
	Chains []Chain `json:"chains"`
}

type tokensResponse struct {
	Tokens map[string][]Token `json:"tokens"`
}

type connectionsResponse struct {
	Connections []Connection `json:"connections"`
}

type routesResponse struct {
	Routes []Route `json:"routes"`
}

type allowanceResponse struct {
	Allowance string `json:"allowance"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}
