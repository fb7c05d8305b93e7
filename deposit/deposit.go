// Package deposit moves destination-chain USDC into the trading ledger
// through the fixed bridge contract. It owns preflight checks, the
// approve/deposit transaction pair and receipt confirmation. Keys stay with
// the caller's signer; this package only builds calldata and watches hashes.
package deposit

import (
	"context"
	"math"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/metrics"
	"github.com/SiphoYawe/mina-sdk/models"
	"github.com/SiphoYawe/mina-sdk/wallet"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "deposit").Logger()
}

// Bridge contract function selectors.
const (
	SelectorDeposit    = "0x2b2dfd2c" // deposit(uint256,uint32)
	SelectorDepositFor = "0x7a92539e" // depositFor(address,uint256,uint32)
)

// Destination ledgers understood by the bridge contract.
const (
	DexPerps uint32 = 0
	DexSpot  uint32 = math.MaxUint32
)

// Gas model of the destination chain. The chain runs a flat 0.1 gwei price,
// so preflight can cost the full approve+deposit pair without estimation.
const (
	ApprovalGasLimit uint64 = 100_000
	DepositGasLimit  uint64 = 150_000
	GasPriceWei      int64  = 100_000_000
)

const (
	receiptPollInterval = 2 * time.Second
	receiptMaxAttempts  = 60
)

// Reader is the chain access deposits need: balances, allowance and receipt
// polling for signers that cannot wait themselves.
type Reader interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	WaitForReceipt(ctx context.Context, txHash string, interval time.Duration, maxAttempts int) (*wallet.Receipt, error)
}

// Requirements is the preflight view of one wallet against one amount.
type Requirements struct {
	Amount        *big.Int
	Balance       *big.Int
	NativeBalance *big.Int
	Allowance     *big.Int

	// GasCost is the estimated wei for the approve+deposit pair.
	GasCost *big.Int

	NeedsApproval bool
}

// Options configure one deposit.
type Options struct {
	// Amount in USDC smallest units. Required, at least 5 USDC.
	Amount *big.Int

	// Recipient credits another account via depositFor. Empty deposits to
	// the signer's own address.
	Recipient string

	// DestinationDex picks the ledger; the zero value is perps.
	DestinationDex uint32

	// InfiniteApproval approves MaxUint256 instead of the exact amount.
	InfiniteApproval bool
}

// Result reports a completed deposit.
type Result struct {
	TxHash         string
	ApprovalTxHash string
	Amount         *big.Int
	Recipient      string
	DestinationDex uint32
}

// Executor runs deposits against one destination chain.
type Executor struct {
	reader  Reader
	chainID int64
	tracer  trace.Tracer
}

// New builds an executor. chainID is the chain the signer must be connected
// to, normally models.HyperEVMChainID.
func New(reader Reader, chainID int64) *Executor {
	if chainID == 0 {
		chainID = models.HyperEVMChainID
	}
	return &Executor{
		reader:  reader,
		chainID: chainID,
		tracer:  otel.Tracer("mina/deposit"),
	}
}

// EstimatedGasCost returns the wei needed for the approve+deposit pair.
func EstimatedGasCost() *big.Int {
	total := new(big.Int).SetUint64(ApprovalGasLimit + DepositGasLimit)
	return total.Mul(total, big.NewInt(GasPriceWei))
}

// DepositCalldata encodes deposit(amount, destinationDex).
func DepositCalldata(amount *big.Int, destinationDex uint32) []byte {
	data := common.FromHex(SelectorDeposit)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	dex := new(big.Int).SetUint64(uint64(destinationDex))
	return append(data, common.LeftPadBytes(dex.Bytes(), 32)...)
}

// DepositForCalldata encodes depositFor(recipient, amount, destinationDex).
func DepositForCalldata(recipient string, amount *big.Int, destinationDex uint32) []byte {
	data := common.FromHex(SelectorDepositFor)
	data = append(data, common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	dex := new(big.Int).SetUint64(uint64(destinationDex))
	return append(data, common.LeftPadBytes(dex.Bytes(), 32)...)
}

// ApproveCalldata encodes approve(depositContract, amount) against USDC.
func ApproveCalldata(amount *big.Int) []byte {
	data := common.FromHex("0x095ea7b3")
	data = append(data, common.LeftPadBytes(common.HexToAddress(models.DepositContractAddress).Bytes(), 32)...)
	return append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
}

// Preflight checks that wallet can deposit amount: minimum, USDC balance,
// native gas and current allowance. Balance, gas and allowance are fetched
// in parallel. The returned Requirements are populated even when a check
// fails so callers can show precise numbers.
func (e *Executor) Preflight(ctx context.Context, walletAddr string, amount *big.Int) (*Requirements, error) {
	normalized, ok := models.NormalizeAddress(walletAddr)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", walletAddr)
	}
	if amount == nil {
		return nil, errs.New(errs.CodeInvalidQuoteParams, "deposit amount is required")
	}
	minimum := models.MinDepositAmount()
	if amount.Cmp(minimum) < 0 {
		return nil, errs.Newf(errs.CodeMinimumDeposit, "deposit of %s is below the minimum", amount).
			WithDetail("required", minimum.String()).
			WithDetail("requested", amount.String())
	}

	req := &Requirements{Amount: new(big.Int).Set(amount), GasCost: EstimatedGasCost()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balance, err := e.reader.ERC20BalanceOf(gctx, models.HyperEVMUSDCAddress, normalized)
		if err != nil {
			return err
		}
		req.Balance = balance
		return nil
	})
	g.Go(func() error {
		native, err := e.reader.GetBalance(gctx, normalized)
		if err != nil {
			return err
		}
		req.NativeBalance = native
		return nil
	})
	g.Go(func() error {
		allowance, err := e.reader.ERC20Allowance(gctx, models.HyperEVMUSDCAddress, normalized, models.DepositContractAddress)
		if err != nil {
			return err
		}
		req.Allowance = allowance
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(errs.CodeBalanceFetchFailed, "deposit preflight fetch failed", err)
	}

	req.NeedsApproval = req.Allowance.Cmp(amount) < 0

	if req.Balance.Cmp(amount) < 0 {
		return req, errs.Newf(errs.CodeInsufficientBalance, "USDC balance %s below deposit of %s", req.Balance, amount).
			WithDetail("required", amount.String()).
			WithDetail("available", req.Balance.String())
	}
	if req.NativeBalance.Cmp(req.GasCost) < 0 {
		return req, errs.Newf(errs.CodeInsufficientGas, "native balance %s below gas cost %s", req.NativeBalance, req.GasCost).
			WithDetail("required", req.GasCost.String()).
			WithDetail("available", req.NativeBalance.String())
	}
	return req, nil
}

// Approve submits approve(depositContract, amount) and waits for the
// receipt. amount is approved as given; pass models.MaxUint256() for an
// infinite approval.
func (e *Executor) Approve(ctx context.Context, signer wallet.Signer, amount *big.Int) (string, error) {
	if err := e.checkChain(ctx, signer); err != nil {
		return "", err
	}
	return e.approve(ctx, signer, amount)
}

func (e *Executor) approve(ctx context.Context, signer wallet.Signer, amount *big.Int) (string, error) {
	txHash, err := signer.SendTransaction(ctx, wallet.TxRequest{
		ChainID:  e.chainID,
		To:       models.HyperEVMUSDCAddress,
		Data:     ApproveCalldata(amount),
		Value:    big.NewInt(0),
		GasLimit: ApprovalGasLimit,
		GasPrice: big.NewInt(GasPriceWei),
	})
	if err != nil {
		return "", errs.Normalize(err, errs.CodeDepositFailed)
	}
	log.Info().Str("tx_hash", txHash).Str("amount", amount.String()).Msg("Approval submitted")

	receipt, err := e.waitReceipt(ctx, signer, txHash)
	if err != nil {
		return txHash, err
	}
	if receipt.Status != 1 {
		return txHash, errs.New(errs.CodeDepositFailed, "approval transaction reverted").
			WithDetail("txHash", txHash)
	}
	return txHash, nil
}

// Execute runs the full deposit: preflight, approval when the allowance is
// short, then deposit or depositFor, each confirmed by receipt.
func (e *Executor) Execute(ctx context.Context, signer wallet.Signer, opts Options) (*Result, error) {
	result, err := e.execute(ctx, signer, opts)
	if err != nil {
		metrics.Deposits.WithLabelValues("failed").Inc()
		return result, err
	}
	metrics.Deposits.WithLabelValues("completed").Inc()
	return result, nil
}

func (e *Executor) execute(ctx context.Context, signer wallet.Signer, opts Options) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "deposit.execute", trace.WithAttributes(
		attribute.Int64("chain_id", e.chainID),
	))
	defer span.End()

	if err := e.checkChain(ctx, signer); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sender, err := signer.Address(ctx)
	if err != nil {
		return nil, errs.Normalize(err, errs.CodeDepositFailed)
	}
	sender, ok := models.NormalizeAddress(sender)
	if !ok {
		return nil, errs.New(errs.CodeInvalidAddress, "signer returned an invalid address")
	}

	recipient := ""
	if opts.Recipient != "" {
		recipient, ok = models.NormalizeAddress(opts.Recipient)
		if !ok {
			return nil, errs.Newf(errs.CodeInvalidAddress, "invalid recipient address %q", opts.Recipient)
		}
	}

	req, err := e.Preflight(ctx, sender, opts.Amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("amount", opts.Amount.String()))

	result := &Result{
		Amount:         new(big.Int).Set(opts.Amount),
		Recipient:      recipient,
		DestinationDex: opts.DestinationDex,
	}

	if req.NeedsApproval {
		approveAmount := opts.Amount
		if opts.InfiniteApproval {
			approveAmount = models.MaxUint256()
		}
		approvalTx, err := e.approve(ctx, signer, approveAmount)
		result.ApprovalTxHash = approvalTx
		if err != nil {
			span.RecordError(err)
			return result, err
		}
		log.Info().Str("tx_hash", approvalTx).Msg("Approval confirmed")
	}

	var data []byte
	if recipient != "" && recipient != sender {
		data = DepositForCalldata(recipient, opts.Amount, opts.DestinationDex)
	} else {
		data = DepositCalldata(opts.Amount, opts.DestinationDex)
	}

	txHash, err := signer.SendTransaction(ctx, wallet.TxRequest{
		ChainID:  e.chainID,
		To:       models.DepositContractAddress,
		Data:     data,
		Value:    big.NewInt(0),
		GasLimit: DepositGasLimit,
		GasPrice: big.NewInt(GasPriceWei),
	})
	if err != nil {
		werr := errs.Normalize(err, errs.CodeDepositFailed)
		span.RecordError(werr)
		return result, werr
	}
	result.TxHash = txHash
	log.Info().
		Str("tx_hash", txHash).
		Str("amount", opts.Amount.String()).
		Uint32("destination_dex", opts.DestinationDex).
		Msg("Deposit submitted")

	receipt, err := e.waitReceipt(ctx, signer, txHash)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	if receipt.Status != 1 {
		werr := errs.New(errs.CodeDepositFailed, "deposit transaction reverted").
			WithDetail("txHash", txHash)
		span.RecordError(werr)
		return result, werr
	}

	log.Info().Str("tx_hash", txHash).Uint64("block", receipt.BlockNumber).Msg("Deposit confirmed")
	return result, nil
}

// checkChain rejects signers connected to the wrong network before any
// transaction is built.
func (e *Executor) checkChain(ctx context.Context, signer wallet.Signer) error {
	chainID, err := signer.ChainID(ctx)
	if err != nil {
		return errs.Normalize(err, errs.CodeNetworkError)
	}
	if chainID != e.chainID {
		return errs.Newf(errs.CodeTransactionFailed, "signer on chain %d, deposit requires chain %d", chainID, e.chainID).
			WithUserMessage("Your wallet is connected to the wrong network. Switch networks and try again.").
			WithAction(errs.ActionSwitchNetwork).
			WithRecoverable(false)
	}
	return nil
}

func (e *Executor) waitReceipt(ctx context.Context, signer wallet.Signer, txHash string) (*wallet.Receipt, error) {
	var receipt *wallet.Receipt
	var err error
	if waiter, ok := signer.(wallet.ReceiptWaiter); ok {
		receipt, err = waiter.WaitForReceipt(ctx, txHash)
	} else {
		receipt, err = e.reader.WaitForReceipt(ctx, txHash, receiptPollInterval, receiptMaxAttempts)
	}
	if err != nil {
		return nil, errs.Normalize(err, errs.CodeDepositFailed)
	}
	if receipt == nil {
		return nil, errs.Newf(errs.CodeDepositFailed, "no receipt for %s", txHash)
	}
	return receipt, nil
}
