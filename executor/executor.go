// Package executor runs quotes: it validates, opens a registry entry, walks
// the route steps through approval, submission and bridge confirmation, then
// hands off to the deposit phase when the quote bridges into the trading
// ledger. Failures never surface as Go errors from Execute; every run ends in
// an ExecutionResult whose Status and Error tell the story.
package executor

import (
	"context"
	"math"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SiphoYawe/mina-sdk/arrival"
	"github.com/SiphoYawe/mina-sdk/deposit"
	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/events"
	"github.com/SiphoYawe/mina-sdk/evmrpc"
	"github.com/SiphoYawe/mina-sdk/lifi"
	"github.com/SiphoYawe/mina-sdk/metrics"
	"github.com/SiphoYawe/mina-sdk/models"
	"github.com/SiphoYawe/mina-sdk/registry"
	"github.com/SiphoYawe/mina-sdk/wallet"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "executor").Logger()
}

const (
	DefaultStatusInterval  = 5 * time.Second
	DefaultStatusTimeout   = 10 * time.Minute
	DefaultApprovalWait    = 3 * time.Second
	DefaultReceiptInterval = 2 * time.Second
	DefaultReceiptAttempts = 60
	DefaultArrivalInterval = 5 * time.Second
	DefaultArrivalTimeout  = 5 * time.Minute
)

// Aggregator is the relayer surface the orchestrator needs: a per-leg
// re-quote for transaction data, transfer status, and the allowance fallback
// for chains without a resolvable RPC endpoint.
type Aggregator interface {
	Quote(ctx context.Context, req lifi.QuoteRequest) (*lifi.Step, error)
	Status(ctx context.Context, txHash string, fromChain, toChain int64) (*lifi.Status, error)
	TokenAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error)
}

// ChainReader is the per-chain RPC surface the orchestrator reads.
type ChainReader interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	WaitForReceipt(ctx context.Context, txHash string, interval time.Duration, maxAttempts int) (*wallet.Receipt, error)
}

// ReaderProvider resolves a chain id to its reader. Returning an error is
// fine for chains without a known endpoint; the orchestrator falls back to
// the aggregator where it can.
type ReaderProvider func(ctx context.Context, chainID int64) (ChainReader, error)

// Depositor runs the trading-ledger deposit after bridged funds arrive.
type Depositor interface {
	Execute(ctx context.Context, signer wallet.Signer, opts deposit.Options) (*deposit.Result, error)
}

// Ledger blocks until the trading ledger credits the deposited amount.
type Ledger interface {
	WaitForCredit(ctx context.Context, walletAddr string, expected *big.Int, txHash string) error
}

// Deps are the collaborating services. Registry and Emitter must be set;
// Deposits and Ledger may be nil when auto-deposit quotes are never executed.
type Deps struct {
	Aggregator Aggregator
	Readers    ReaderProvider
	Deposits   Depositor
	Ledger     Ledger
	Registry   *registry.Registry
	Emitter    *events.Emitter
}

// Options tune the orchestrator's polling cadences. Zero values take the
// production defaults.
type Options struct {
	HomeChainID     int64
	StatusInterval  time.Duration
	StatusTimeout   time.Duration
	ApprovalWait    time.Duration
	ReceiptInterval time.Duration
	ReceiptAttempts int
	ArrivalInterval time.Duration
	ArrivalTimeout  time.Duration
}

// Request is one execution: the quote to run and the signer paying for it.
// Callbacks are best-effort; panics inside them are caught and logged.
type Request struct {
	Quote  *models.Quote
	Signer wallet.Signer

	OnStepChange         func(models.StepStatus)
	OnStatusChange       func(status models.ExecutionStatus, substatus, message string)
	OnApprovalRequest    func(events.ApprovalPayload)
	OnTransactionRequest func(wallet.TxRequest)

	// InfiniteApproval approves MaxUint256 instead of the step amount, for
	// both step approvals and the deposit approval.
	InfiniteApproval bool

	// DestinationDex routes the auto-deposit; the zero value is perps.
	DestinationDex uint32
}

// Service orchestrates executions. Concurrent Execute calls are isolated by
// execution id.
type Service struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
}

func New(deps Deps, opts Options) *Service {
	if opts.HomeChainID == 0 {
		opts.HomeChainID = models.HyperEVMChainID
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = DefaultStatusTimeout
	}
	if opts.ApprovalWait <= 0 {
		opts.ApprovalWait = DefaultApprovalWait
	}
	if opts.ReceiptInterval <= 0 {
		opts.ReceiptInterval = DefaultReceiptInterval
	}
	if opts.ReceiptAttempts <= 0 {
		opts.ReceiptAttempts = DefaultReceiptAttempts
	}
	if opts.ArrivalInterval <= 0 {
		opts.ArrivalInterval = DefaultArrivalInterval
	}
	if opts.ArrivalTimeout <= 0 {
		opts.ArrivalTimeout = DefaultArrivalTimeout
	}
	return &Service{deps: deps, opts: opts, tracer: otel.Tracer("mina/executor")}
}

// Execute runs the quote to a terminal state. It always returns a result;
// failures are reported through Result.Status and Result.Error, never as a
// Go error, so callers always get the execution id.
func (s *Service) Execute(ctx context.Context, req Request) *models.ExecutionResult {
	executionID := uuid.NewString()

	ctx, span := s.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("execution_id", executionID),
	))
	defer span.End()

	if werr := validateRequest(req); werr != nil {
		span.RecordError(werr)
		result := &models.ExecutionResult{
			ExecutionID: executionID,
			Status:      models.ExecutionFailed,
			Error:       werr,
		}
		if req.Quote != nil {
			result.FromAmount = req.Quote.FromAmount
			result.ToAmount = req.Quote.ToAmount
		}
		return result
	}

	quote := req.Quote
	span.SetAttributes(
		attribute.String("quote_id", quote.ID),
		attribute.Int("steps", len(quote.Steps)),
	)

	s.deps.Registry.Create(executionID, quote)
	metrics.ExecutionsStarted.Inc()
	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()

	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeExecutionStarted,
		ExecutionID: executionID,
		Data: events.QuotePayload{
			QuoteID:    quote.ID,
			FromAmount: quote.FromAmount,
			ToAmount:   quote.ToAmount,
		},
	})

	if err := s.run(ctx, executionID, req); err != nil {
		span.RecordError(err)
		return s.fail(executionID, req, err)
	}
	return s.complete(executionID, req)
}

// run drives the pipeline and returns the first error for the funnel.
func (s *Service) run(ctx context.Context, executionID string, req Request) error {
	quote := req.Quote

	signerAddr, err := req.Signer.Address(ctx)
	if err != nil {
		return errs.Normalize(err, errs.CodeTransactionFailed)
	}
	signerAddr, ok := models.NormalizeAddress(signerAddr)
	if !ok {
		return errs.New(errs.CodeInvalidAddress, "signer returned an invalid address")
	}

	recipient := quote.ToAddress
	if recipient == "" {
		recipient = signerAddr
	}

	// The arrival baseline must predate the first step, otherwise bridged
	// funds landing quickly would vanish into the baseline.
	var baseline *big.Int
	if quote.IncludesAutoDeposit {
		baseline = s.snapshotHome(ctx, recipient)
	}

	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusPending, "", false)

	for i := range quote.Steps {
		step := quote.Steps[i]
		if step.Type == models.StepTypeDeposit {
			continue
		}
		if err := s.runStep(ctx, executionID, req, signerAddr, i); err != nil {
			return err
		}
	}

	if quote.IncludesAutoDeposit {
		if err := s.runDeposit(ctx, executionID, req, recipient, baseline); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runStep(ctx context.Context, executionID string, req Request, signerAddr string, stepIndex int) error {
	quote := req.Quote
	step := quote.Steps[stepIndex]
	total := len(quote.Steps)
	started := time.Now()

	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.CurrentStepIndex = stepIndex
		e.Progress = progress(stepIndex, 0.5, total)
	})
	s.markStep(executionID, req, stepIndex, models.StepActive, "")

	detail, err := s.deps.Aggregator.Quote(ctx, lifi.QuoteRequest{
		FromChain:   step.FromChainID,
		ToChain:     step.ToChainID,
		FromToken:   step.FromToken.Address,
		ToToken:     step.ToToken.Address,
		FromAmount:  step.FromAmount,
		FromAddress: signerAddr,
		ToAddress:   quote.ToAddress,
		Slippage:    quote.Slippage,
	})
	if err != nil {
		return errs.Normalize(err, errs.CodeQuoteFetchFailed)
	}

	signerChain, err := req.Signer.ChainID(ctx)
	if err != nil {
		return errs.Normalize(err, errs.CodeNetworkError)
	}
	if signerChain != step.FromChainID {
		return errs.Newf(errs.CodeTransactionFailed,
			"signer on chain %d, step requires chain %d", signerChain, step.FromChainID).
			WithUserMessage("Your wallet is connected to the wrong network. Switch networks and try again.").
			WithAction(errs.ActionSwitchNetwork).
			WithRecoverable(false)
	}

	stepAmount := detail.Action.FromAmount
	if stepAmount == "" {
		stepAmount = step.FromAmount
	}

	if needsApprovalCheck(step, detail) {
		if err := s.runApproval(ctx, executionID, req, signerAddr, step, detail, stepAmount); err != nil {
			return err
		}
	}

	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusExecuting, "", true)

	tx, werr := txFromRequest(detail.TransactionRequest, step.FromChainID)
	if werr != nil {
		return werr
	}
	s.callback(req, func() {
		if req.OnTransactionRequest != nil {
			req.OnTransactionRequest(tx)
		}
	})

	txHash, err := req.Signer.SendTransaction(ctx, tx)
	if err != nil {
		return errs.Normalize(err, errs.CodeTransactionFailed)
	}
	log.Info().
		Str("execution_id", executionID).
		Str("tx_hash", txHash).
		Int("step", stepIndex).
		Msg("Step transaction submitted")

	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.TxHash = txHash
	})
	s.deps.Registry.UpdateStep(executionID, step.ID, func(st *models.StepStatus) {
		st.TxHash = txHash
	})
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeTransactionSent,
		ExecutionID: executionID,
		Data:        events.TxPayload{Kind: events.TxKindBridge, TxHash: txHash, ChainID: step.FromChainID},
	})

	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusBridging, "", true)

	status, err := s.pollBridge(ctx, executionID, req, txHash, step.FromChainID, step.ToChainID)
	if err != nil {
		return err
	}

	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeTransactionConfirmed,
		ExecutionID: executionID,
		Data:        events.TxPayload{Kind: events.TxKindBridge, TxHash: txHash, ChainID: step.FromChainID},
	})

	received := status.Receiving.Amount
	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		if received != "" {
			e.ReceivedAmount = received
		}
		e.Progress = progress(stepIndex, 1, total)
	})
	s.markStep(executionID, req, stepIndex, models.StepCompleted, txHash)

	metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(started).Seconds())
	return nil
}

// runApproval walks the allowance flow for one step: approving status,
// approval callback and event, submission, a short mining wait, then the
// approved state (registry and callback only; the event order has no
// approved entry).
func (s *Service) runApproval(ctx context.Context, executionID string, req Request, signerAddr string, step models.Step, detail *lifi.Step, stepAmount string) error {
	spender := detail.Estimate.ApprovalAddress
	required, ok := new(big.Int).SetString(stepAmount, 10)
	if !ok {
		return errs.Newf(errs.CodeInvalidQuote, "step amount %q is not an integer", stepAmount)
	}

	allowance, err := s.readAllowance(ctx, step.FromChainID, step.FromToken.Address, signerAddr, spender)
	if err != nil {
		return errs.Normalize(err, errs.CodeNetworkError)
	}
	if allowance.Cmp(required) >= 0 {
		return nil
	}

	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusApproving, "", true)

	approveAmount := required
	if req.InfiniteApproval {
		approveAmount = models.MaxUint256()
	}
	payload := events.ApprovalPayload{
		Token:    step.FromToken.Address,
		Spender:  spender,
		Amount:   approveAmount.String(),
		Infinite: req.InfiniteApproval,
	}
	s.callback(req, func() {
		if req.OnApprovalRequest != nil {
			req.OnApprovalRequest(payload)
		}
	})
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeApprovalRequired,
		ExecutionID: executionID,
		Data:        payload,
	})

	tx := wallet.TxRequest{
		ChainID: step.FromChainID,
		To:      step.FromToken.Address,
		Data:    evmrpc.ApproveCalldata(spender, approveAmount),
		Value:   big.NewInt(0),
	}
	s.callback(req, func() {
		if req.OnTransactionRequest != nil {
			req.OnTransactionRequest(tx)
		}
	})

	txHash, err := req.Signer.SendTransaction(ctx, tx)
	if err != nil {
		return errs.Normalize(err, errs.CodeTransactionFailed)
	}
	log.Info().
		Str("execution_id", executionID).
		Str("tx_hash", txHash).
		Str("spender", spender).
		Msg("Approval submitted")

	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeTransactionSent,
		ExecutionID: executionID,
		Data:        events.TxPayload{Kind: events.TxKindApproval, TxHash: txHash, ChainID: step.FromChainID},
	})

	select {
	case <-ctx.Done():
		return errs.Normalize(ctx.Err(), errs.CodeTransactionFailed)
	case <-time.After(s.opts.ApprovalWait):
	}

	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeTransactionConfirmed,
		ExecutionID: executionID,
		Data:        events.TxPayload{Kind: events.TxKindApproval, TxHash: txHash, ChainID: step.FromChainID},
	})
	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusApproved, "", false)
	return nil
}

// pollBridge watches the relayer until the transfer completes. Transient
// fetch errors are retried at the same cadence; substatus changes update the
// registry message without emitting extra status events.
func (s *Service) pollBridge(ctx context.Context, executionID string, req Request, txHash string, fromChain, toChain int64) (*lifi.Status, error) {
	deadline := time.Now().Add(s.opts.StatusTimeout)
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	lastSubstatus := ""
	for {
		status, err := s.deps.Aggregator.Status(ctx, txHash, fromChain, toChain)
		if err != nil {
			log.Debug().Err(err).Str("tx_hash", txHash).Msg("Status poll failed, will retry")
		} else {
			if status.Receiving.TxHash != "" {
				s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
					e.ReceivingTxHash = status.Receiving.TxHash
				})
			}
			if status.Substatus != "" && status.Substatus != lastSubstatus {
				lastSubstatus = status.Substatus
				message := substatusMessage(status.Substatus)
				s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
					e.SubstatusMessage = message
				})
				s.callback(req, func() {
					if req.OnStatusChange != nil {
						req.OnStatusChange(models.ExecutionInProgress, models.SubstatusBridging, message)
					}
				})
			}

			switch status.Status {
			case models.BridgeStatusDone:
				return status, nil
			case models.BridgeStatusFailed:
				reason := status.Substatus
				if reason == "" {
					reason = "bridge reported failure"
				}
				return nil, errs.Newf(errs.CodeTransactionFailed, "bridge transfer failed: %s", reason).
					WithDetail("reason", reason).
					WithDetail("txHash", txHash)
			}
		}

		if time.Now().After(deadline) {
			return nil, errs.New(errs.CodeTransactionFailed, "bridge status polling timed out").
				WithDetail("reason", "timeout").
				WithDetail("txHash", txHash)
		}
		select {
		case <-ctx.Done():
			return nil, errs.Normalize(ctx.Err(), errs.CodeTransactionFailed)
		case <-ticker.C:
		}
	}
}

// runDeposit is the auto-deposit phase: wait for bridged USDC to land, push
// it into the trading ledger, then wait for the ledger credit.
func (s *Service) runDeposit(ctx context.Context, executionID string, req Request, recipient string, baseline *big.Int) error {
	quote := req.Quote

	s.setStatus(executionID, req, models.ExecutionInProgress, models.SubstatusDepositing, "", true)
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeDepositStarted,
		ExecutionID: executionID,
		Data:        events.DepositPayload{Amount: quote.ToAmount},
	})

	expected, ok := new(big.Int).SetString(quote.ToAmount, 10)
	if !ok || expected.Sign() <= 0 {
		return errs.Newf(errs.CodeInvalidQuote, "quote toAmount %q is not a positive integer", quote.ToAmount)
	}

	reader, err := s.deps.Readers(ctx, s.opts.HomeChainID)
	if err != nil {
		return errs.Wrap(errs.CodeNetworkError, "no reader for the destination chain", err)
	}

	detection, err := arrival.New(reader).Wait(ctx, arrival.Options{
		Wallet:       recipient,
		TokenAddress: models.HyperEVMUSDCAddress,
		Expected:     expected,
		Baseline:     baseline,
		Interval:     s.opts.ArrivalInterval,
		Timeout:      s.opts.ArrivalTimeout,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("execution_id", executionID).
		Str("amount", detection.Amount.String()).
		Dur("waited", detection.Waited).
		Msg("Bridged funds arrived")

	if s.deps.Deposits == nil {
		return errs.New(errs.CodeDepositFailed, "deposit executor is not configured")
	}

	depositRecipient := ""
	if signerAddr, aerr := req.Signer.Address(ctx); aerr == nil {
		if normalized, ok := models.NormalizeAddress(signerAddr); ok && normalized != recipient {
			depositRecipient = recipient
		}
	}

	depositStart := time.Now()
	result, err := s.deps.Deposits.Execute(ctx, req.Signer, deposit.Options{
		Amount:           detection.Amount,
		Recipient:        depositRecipient,
		DestinationDex:   req.DestinationDex,
		InfiniteApproval: req.InfiniteApproval,
	})
	if result != nil && result.TxHash != "" {
		s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
			e.DepositTxHash = result.TxHash
		})
	}
	if err != nil {
		return err
	}

	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeDepositCompleted,
		ExecutionID: executionID,
		Data:        events.DepositPayload{Amount: detection.Amount.String(), TxHash: result.TxHash},
	})

	for i := range quote.Steps {
		if quote.Steps[i].Type == models.StepTypeDeposit {
			s.markStep(executionID, req, i, models.StepCompleted, result.TxHash)
		}
	}

	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.WaitForCredit(ctx, recipient, detection.Amount, result.TxHash); err != nil {
			return err
		}
		metrics.LedgerConfirmLatency.Observe(time.Since(depositStart).Seconds())
	}
	return nil
}

// snapshotHome reads the destination USDC balance before the first step. A
// failed snapshot is logged and detection seeds its own baseline later.
func (s *Service) snapshotHome(ctx context.Context, recipient string) *big.Int {
	reader, err := s.deps.Readers(ctx, s.opts.HomeChainID)
	if err != nil {
		log.Warn().Err(err).Msg("No destination reader for arrival baseline")
		return nil
	}
	value, err := arrival.New(reader).Snapshot(ctx, recipient, models.HyperEVMUSDCAddress)
	if err != nil {
		log.Warn().Err(err).Msg("Arrival baseline snapshot failed")
		return nil
	}
	return value
}

// readAllowance prefers the chain's own RPC and falls back to the aggregator
// allowance endpoint when no reader resolves.
func (s *Service) readAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	if s.deps.Readers != nil {
		reader, err := s.deps.Readers(ctx, chainID)
		if err == nil {
			allowance, rerr := reader.ERC20Allowance(ctx, token, owner, spender)
			if rerr == nil {
				return allowance, nil
			}
			log.Debug().Err(rerr).Int64("chain_id", chainID).Msg("RPC allowance read failed, trying aggregator")
		}
	}
	return s.deps.Aggregator.TokenAllowance(ctx, chainID, token, owner, spender)
}

// complete drives the terminal happy path: registry, status event, completed
// event, result.
func (s *Service) complete(executionID string, req Request) *models.ExecutionResult {
	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.Progress = 100
		e.Substatus = models.SubstatusCompleted
		e.SubstatusMessage = ""
	})
	s.callback(req, func() {
		if req.OnStatusChange != nil {
			req.OnStatusChange(models.ExecutionCompleted, models.SubstatusCompleted, "")
		}
	})
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeStatusChanged,
		ExecutionID: executionID,
		Data: events.StatusPayload{
			Status:    string(models.ExecutionCompleted),
			Substatus: models.SubstatusCompleted,
		},
	})

	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.Status = models.ExecutionCompleted
	})

	payload := events.CompletedPayload{}
	if state, ok := s.deps.Registry.Get(executionID); ok {
		payload.TxHash = state.TxHash
		payload.ReceivedAmount = state.ReceivedAmount
		payload.DepositTxHash = state.DepositTxHash
	}
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeExecutionCompleted,
		ExecutionID: executionID,
		Data:        payload,
	})
	metrics.ExecutionsFinished.WithLabelValues(string(models.ExecutionCompleted)).Inc()

	log.Info().Str("execution_id", executionID).Msg("Execution completed")
	return s.result(executionID)
}

// fail funnels every pipeline error: normalize, record, emit EXECUTION_FAILED
// and return the result. It never re-raises.
func (s *Service) fail(executionID string, req Request, err error) *models.ExecutionResult {
	werr := errs.Normalize(err, errs.CodeTransactionFailed)

	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.Status = models.ExecutionFailed
		e.Substatus = models.SubstatusFailed
		e.Error = werr
		e.FailedStepIndex = e.CurrentStepIndex
		for i := range e.Steps {
			if e.Steps[i].Status == models.StepPending || e.Steps[i].Status == models.StepActive {
				e.Steps[i].Status = models.StepFailed
			}
		}
		if e.CurrentStepIndex >= 0 && e.CurrentStepIndex < len(e.Steps) {
			e.Steps[e.CurrentStepIndex].Error = werr.Message
		}
	})

	payload := events.FailedPayload{Code: string(werr.Code), Message: werr.Message}
	if state, ok := s.deps.Registry.Get(executionID); ok {
		payload.TxHash = state.TxHash
		payload.DepositTxHash = state.DepositTxHash
	}

	s.callback(req, func() {
		if req.OnStatusChange != nil {
			req.OnStatusChange(models.ExecutionFailed, models.SubstatusFailed, werr.UserMessage)
		}
	})
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeExecutionFailed,
		ExecutionID: executionID,
		Data:        payload,
	})
	metrics.ExecutionsFinished.WithLabelValues(string(models.ExecutionFailed)).Inc()

	log.Warn().
		Str("execution_id", executionID).
		Str("code", string(werr.Code)).
		Str("message", werr.Message).
		Msg("Execution failed")
	return s.result(executionID)
}

// result projects the registry entry into the caller-facing shape.
func (s *Service) result(executionID string) *models.ExecutionResult {
	state, ok := s.deps.Registry.Get(executionID)
	if !ok {
		return &models.ExecutionResult{ExecutionID: executionID, Status: models.ExecutionFailed}
	}
	return &models.ExecutionResult{
		ExecutionID:    state.ExecutionID,
		Status:         state.Status,
		Steps:          state.Steps,
		TxHash:         state.TxHash,
		FromAmount:     state.FromAmount,
		ToAmount:       state.ToAmount,
		ReceivedAmount: state.ReceivedAmount,
		DepositTxHash:  state.DepositTxHash,
		Error:          state.Error,
	}
}

// setStatus records a status transition and optionally emits STATUS_CHANGED.
// The approved state never emits; it reaches the registry and callback only.
func (s *Service) setStatus(executionID string, req Request, status models.ExecutionStatus, substatus, message string, emit bool) {
	s.deps.Registry.Update(executionID, func(e *models.ExecutionState) {
		e.Status = status
		e.Substatus = substatus
		e.SubstatusMessage = message
	})
	s.callback(req, func() {
		if req.OnStatusChange != nil {
			req.OnStatusChange(status, substatus, message)
		}
	})
	if emit {
		s.deps.Emitter.Emit(events.Event{
			Type:        events.TypeStatusChanged,
			ExecutionID: executionID,
			Data: events.StatusPayload{
				Status:    string(status),
				Substatus: substatus,
				Message:   message,
			},
		})
	}
}

// markStep updates one step's state, emits STEP_CHANGED and fires the step
// callback with the updated snapshot.
func (s *Service) markStep(executionID string, req Request, stepIndex int, state models.StepState, txHash string) {
	stepID := req.Quote.Steps[stepIndex].ID
	s.deps.Registry.UpdateStep(executionID, stepID, func(st *models.StepStatus) {
		st.Status = state
		if txHash != "" {
			st.TxHash = txHash
		}
	})

	snapshot := models.StepStatus{StepID: stepID, Step: req.Quote.Steps[stepIndex].Type, Status: state, TxHash: txHash}
	if full, ok := s.deps.Registry.Get(executionID); ok && stepIndex < len(full.Steps) {
		snapshot = full.Steps[stepIndex]
	}
	s.callback(req, func() {
		if req.OnStepChange != nil {
			req.OnStepChange(snapshot)
		}
	})
	s.deps.Emitter.Emit(events.Event{
		Type:        events.TypeStepChanged,
		ExecutionID: executionID,
		Data: events.StepPayload{
			StepIndex: stepIndex,
			StepID:    stepID,
			Status:    string(state),
			TxHash:    snapshot.TxHash,
		},
	})
}

// callback runs a user callback, catching panics so a bad handler cannot
// break the pipeline.
func (s *Service) callback(req Request, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Execution callback panicked")
		}
	}()
	fn()
}

func validateRequest(req Request) *errs.Error {
	if req.Quote == nil {
		return errs.New(errs.CodeInvalidQuote, "no quote provided")
	}
	if req.Signer == nil {
		return errs.New(errs.CodeInvalidQuoteParams, "a signer is required")
	}
	quote := req.Quote
	if len(quote.Steps) == 0 {
		return errs.New(errs.CodeInvalidQuote, "quote has no steps")
	}
	if amount, ok := new(big.Int).SetString(quote.FromAmount, 10); !ok || amount.Sign() <= 0 {
		return errs.Newf(errs.CodeInvalidQuote, "quote fromAmount %q is not a positive integer", quote.FromAmount)
	}
	if _, ok := models.NormalizeAddress(quote.FromAddress); !ok {
		return errs.Newf(errs.CodeInvalidQuote, "quote fromAddress %q is invalid", quote.FromAddress)
	}
	if quote.Expired(time.Now()) {
		return errs.New(errs.CodeQuoteExpired, "quote has expired").
			WithDetail("expiresAt", quote.ExpiresAt)
	}
	return nil
}

// needsApprovalCheck reports whether the step can require an ERC-20 approval
// at all: non-native source token and a spender advertised by the relayer.
func needsApprovalCheck(step models.Step, detail *lifi.Step) bool {
	if models.IsNativeToken(step.FromToken.Address) {
		return false
	}
	return detail.Estimate.ApprovalAddress != ""
}

// progress maps step position to percent: each step contributes its slot,
// half while active and in full once complete.
func progress(stepIndex int, stepProgress float64, total int) int {
	if total <= 0 {
		return 0
	}
	p := math.Round(float64(stepIndex)/float64(total)*100 + stepProgress/float64(total)*100)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return int(p)
}

// txFromRequest converts the relayer's transaction request into the signer
// shape. Quantities arrive as 0x-hex or decimal strings.
func txFromRequest(treq *lifi.TransactionRequest, fallbackChain int64) (wallet.TxRequest, *errs.Error) {
	if treq == nil || treq.To == "" {
		return wallet.TxRequest{}, errs.New(errs.CodeQuoteFetchFailed, "step has no transaction request")
	}

	tx := wallet.TxRequest{To: treq.To, ChainID: treq.ChainID}
	if tx.ChainID == 0 {
		tx.ChainID = fallbackChain
	}
	if treq.Data != "" {
		data, err := hexutil.Decode(treq.Data)
		if err != nil {
			return wallet.TxRequest{}, errs.Newf(errs.CodeQuoteFetchFailed, "step calldata is not hex: %v", err)
		}
		tx.Data = data
	}
	tx.Value = parseQuantity(treq.Value)
	if limit := parseQuantity(treq.GasLimit); limit != nil {
		tx.GasLimit = limit.Uint64()
	}
	tx.GasPrice = parseQuantity(treq.GasPrice)
	return tx, nil
}

// parseQuantity reads a 0x-hex or decimal string, nil when absent or bad.
func parseQuantity(s string) *big.Int {
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil
		}
		return v
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

// Relayer substatus values mapped to user-facing copy.
var substatusMessages = map[string]string{
	"WAIT_SOURCE_CONFIRMATIONS":     "Waiting for source chain confirmations",
	"WAIT_DESTINATION_TRANSACTION":  "Waiting for the destination transaction",
	"BRIDGE_NOT_AVAILABLE":          "The bridge is temporarily unavailable",
	"CHAIN_SWITCH_REQUIRED":         "Switch your wallet network to continue",
	"NOT_PROCESSABLE_REFUND_NEEDED": "The transfer cannot complete and will be refunded",
	"REFUND_IN_PROGRESS":            "A refund is in progress",
	"REFUNDED":                      "The transfer was refunded",
	"PARTIAL":                       "The transfer completed partially",
	"COMPLETED":                     "The transfer completed",
}

func substatusMessage(substatus string) string {
	if msg, ok := substatusMessages[substatus]; ok {
		return msg
	}
	return substatus
}
