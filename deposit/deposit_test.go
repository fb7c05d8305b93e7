package deposit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/assert"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/models"
	"github.com/SiphoYawe/mina-sdk/wallet"
)

const (
	senderAddr    = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
)

type fakeReader struct {
	mu             sync.Mutex
	usdc           *big.Int
	native         *big.Int
	allowance      *big.Int
	balanceCalls   int
	nativeCalls    int
	allowanceCalls int
	receiptCalls   int

	// statuses are consumed one per WaitForReceipt call, last one repeats.
	statuses []uint64
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		usdc:      big.NewInt(100_000_000),
		native:    big.NewInt(1_000_000_000_000_000_000),
		allowance: big.NewInt(0),
		statuses:  []uint64{1},
	}
}

func (r *fakeReader) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nativeCalls++
	return new(big.Int).Set(r.native), nil
}

func (r *fakeReader) ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balanceCalls++
	if token != models.HyperEVMUSDCAddress {
		return nil, fmt.Errorf("unexpected token %s", token)
	}
	return new(big.Int).Set(r.usdc), nil
}

func (r *fakeReader) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowanceCalls++
	if spender != models.DepositContractAddress {
		return nil, fmt.Errorf("unexpected spender %s", spender)
	}
	return new(big.Int).Set(r.allowance), nil
}

func (r *fakeReader) WaitForReceipt(ctx context.Context, txHash string, interval time.Duration, maxAttempts int) (*wallet.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.receiptCalls
	if idx >= len(r.statuses) {
		idx = len(r.statuses) - 1
	}
	r.receiptCalls++
	return &wallet.Receipt{TxHash: txHash, Status: r.statuses[idx], BlockNumber: 42}, nil
}

type fakeSigner struct {
	mu      sync.Mutex
	address string
	chainID int64
	sendErr error
	txs     []wallet.TxRequest
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{address: senderAddr, chainID: models.HyperEVMChainID}
}

func (s *fakeSigner) Address(ctx context.Context) (string, error) {
	return s.address, nil
}

func (s *fakeSigner) ChainID(ctx context.Context) (int64, error) {
	return s.chainID, nil
}

func (s *fakeSigner) SendTransaction(ctx context.Context, tx wallet.TxRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.txs = append(s.txs, tx)
	return fmt.Sprintf("0xhash%d", len(s.txs)), nil
}

func (s *fakeSigner) sentTxs() []wallet.TxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wallet.TxRequest(nil), s.txs...)
}

// waitingSigner also implements wallet.ReceiptWaiter.
type waitingSigner struct {
	*fakeSigner
	waitCalls int
}

func (s *waitingSigner) WaitForReceipt(ctx context.Context, txHash string) (*wallet.Receipt, error) {
	s.waitCalls++
	return &wallet.Receipt{TxHash: txHash, Status: 1}, nil
}

func usdc(n int64) *big.Int { return big.NewInt(n) }

func TestCalldataEncoding(t *testing.T) {
	amount := big.NewInt(5_000_000)

	depositData := DepositCalldata(amount, DexPerps)
	assert.Equal(t,
		"0x2b2dfd2c"+
			"00000000000000000000000000000000000000000000000000000000004c4b40"+
			"0000000000000000000000000000000000000000000000000000000000000000",
		hexutil.Encode(depositData))

	spotData := DepositCalldata(amount, DexSpot)
	assert.Equal(t,
		"0x2b2dfd2c"+
			"00000000000000000000000000000000000000000000000000000000004c4b40"+
			"00000000000000000000000000000000000000000000000000000000ffffffff",
		hexutil.Encode(spotData))

	forData := DepositForCalldata(recipientAddr, amount, DexPerps)
	assert.Equal(t,
		"0x7a92539e"+
			"0000000000000000000000002222222222222222222222222222222222222222"+
			"00000000000000000000000000000000000000000000000000000000004c4b40"+
			"0000000000000000000000000000000000000000000000000000000000000000",
		hexutil.Encode(forData))

	approveData := ApproveCalldata(amount)
	assert.Equal(t,
		"0x095ea7b3"+
			"0000000000000000000000006b9e773128f453f5c2c60935ee2de2cbc5390a24"+
			"00000000000000000000000000000000000000000000000000000000004c4b40",
		hexutil.Encode(approveData))
}

func TestEstimatedGasCost(t *testing.T) {
	assert.Equal(t, "25000000000000", EstimatedGasCost().String())
}

func TestPreflightPasses(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(50_000_000)
	exec := New(reader, models.HyperEVMChainID)

	req, err := exec.Preflight(context.Background(), senderAddr, usdc(10_000_000))
	assert.NoError(t, err)
	assert.False(t, req.NeedsApproval)
	assert.Equal(t, "100000000", req.Balance.String())
	assert.Equal(t, "25000000000000", req.GasCost.String())

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, 1, reader.balanceCalls)
	assert.Equal(t, 1, reader.nativeCalls)
	assert.Equal(t, 1, reader.allowanceCalls)
}

func TestPreflightNeedsApproval(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(9_999_999)
	exec := New(reader, models.HyperEVMChainID)

	req, err := exec.Preflight(context.Background(), senderAddr, usdc(10_000_000))
	assert.NoError(t, err)
	assert.True(t, req.NeedsApproval)
}

func TestPreflightMinimumDeposit(t *testing.T) {
	exec := New(newFakeReader(), models.HyperEVMChainID)

	_, err := exec.Preflight(context.Background(), senderAddr, usdc(4_999_999))
	assert.Error(t, err)
	werr, ok := errs.As(err)
	assert.True(t, ok)
	assert.Equal(t, errs.CodeMinimumDeposit, werr.Code)
	assert.Equal(t, "5000000", werr.Details["required"])
}

func TestPreflightInsufficientBalance(t *testing.T) {
	reader := newFakeReader()
	reader.usdc = usdc(3_000_000)
	exec := New(reader, models.HyperEVMChainID)

	req, err := exec.Preflight(context.Background(), senderAddr, usdc(10_000_000))
	assert.Error(t, err)
	werr, ok := errs.As(err)
	assert.True(t, ok)
	assert.Equal(t, errs.CodeInsufficientBalance, werr.Code)
	assert.Equal(t, "10000000", werr.Details["required"])
	assert.Equal(t, "3000000", werr.Details["available"])
	assert.NotNil(t, req)
	assert.Equal(t, "3000000", req.Balance.String())
}

func TestPreflightInsufficientGas(t *testing.T) {
	reader := newFakeReader()
	reader.native = big.NewInt(24_000_000_000_000)
	exec := New(reader, models.HyperEVMChainID)

	_, err := exec.Preflight(context.Background(), senderAddr, usdc(10_000_000))
	assert.Error(t, err)
	werr, ok := errs.As(err)
	assert.True(t, ok)
	assert.Equal(t, errs.CodeInsufficientGas, werr.Code)
	assert.Equal(t, "25000000000000", werr.Details["required"])
}

func TestPreflightRejectsBadInput(t *testing.T) {
	exec := New(newFakeReader(), models.HyperEVMChainID)

	_, err := exec.Preflight(context.Background(), "bogus", usdc(10_000_000))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidAddress))

	_, err = exec.Preflight(context.Background(), senderAddr, nil)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidQuoteParams))
}

func TestExecuteWithApproval(t *testing.T) {
	reader := newFakeReader()
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	res, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.NoError(t, err)
	assert.Equal(t, "0xhash1", res.ApprovalTxHash)
	assert.Equal(t, "0xhash2", res.TxHash)

	txs := signer.sentTxs()
	assert.Equal(t, 2, len(txs))

	approval := txs[0]
	assert.Equal(t, models.HyperEVMUSDCAddress, approval.To)
	assert.Equal(t, "0x095ea7b3", hexutil.Encode(approval.Data[:4]))
	assert.Equal(t, ApprovalGasLimit, approval.GasLimit)
	assert.Equal(t, GasPriceWei, approval.GasPrice.Int64())
	// Exact-amount approval by default.
	assert.Equal(t, "10000000", new(big.Int).SetBytes(approval.Data[36:68]).String())

	dep := txs[1]
	assert.Equal(t, models.DepositContractAddress, dep.To)
	assert.Equal(t, "0x2b2dfd2c", hexutil.Encode(dep.Data[:4]))
	assert.Equal(t, DepositGasLimit, dep.GasLimit)
	assert.Equal(t, models.HyperEVMChainID, dep.ChainID)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, 2, reader.receiptCalls)
}

func TestExecuteSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(10_000_000)
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	res, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.NoError(t, err)
	assert.Equal(t, "", res.ApprovalTxHash)
	assert.Equal(t, 1, len(signer.sentTxs()))
}

func TestExecuteInfiniteApproval(t *testing.T) {
	reader := newFakeReader()
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{
		Amount:           usdc(10_000_000),
		InfiniteApproval: true,
	})
	assert.NoError(t, err)

	approval := signer.sentTxs()[0]
	assert.True(t, bytes.Equal(approval.Data[36:68], bytes.Repeat([]byte{0xff}, 32)))
}

func TestExecuteDepositFor(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(10_000_000)
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	res, err := exec.Execute(context.Background(), signer, Options{
		Amount:         usdc(10_000_000),
		Recipient:      recipientAddr,
		DestinationDex: DexSpot,
	})
	assert.NoError(t, err)
	assert.Equal(t, recipientAddr, res.Recipient)

	dep := signer.sentTxs()[0]
	assert.Equal(t, "0x7a92539e", hexutil.Encode(dep.Data[:4]))
	assert.Equal(t, 4+3*32, len(dep.Data))
}

func TestExecuteDepositForSelfUsesPlainDeposit(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(10_000_000)
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{
		Amount:    usdc(10_000_000),
		Recipient: senderAddr,
	})
	assert.NoError(t, err)
	assert.Equal(t, "0x2b2dfd2c", hexutil.Encode(signer.sentTxs()[0].Data[:4]))
}

func TestExecuteWrongChain(t *testing.T) {
	signer := newFakeSigner()
	signer.chainID = 1
	exec := New(newFakeReader(), models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.Error(t, err)
	werr, ok := errs.As(err)
	assert.True(t, ok)
	assert.Equal(t, errs.CodeTransactionFailed, werr.Code)
	assert.Equal(t, errs.ActionSwitchNetwork, werr.RecoveryAction)
	assert.False(t, werr.Recoverable)
	assert.Equal(t, 0, len(signer.sentTxs()))
}

func TestExecuteUserRejected(t *testing.T) {
	signer := newFakeSigner()
	signer.sendErr = errors.New("User denied transaction signature")
	exec := New(newFakeReader(), models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUserRejected))
}

func TestExecuteRevertedDeposit(t *testing.T) {
	reader := newFakeReader()
	reader.statuses = []uint64{1, 0} // approval mines, deposit reverts
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	res, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeDepositFailed))
	assert.NotNil(t, res)
	assert.Equal(t, "0xhash2", res.TxHash)
}

func TestExecuteBelowMinimum(t *testing.T) {
	signer := newFakeSigner()
	exec := New(newFakeReader(), models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(1_000_000)})
	assert.True(t, errs.IsCode(err, errs.CodeMinimumDeposit))
	assert.Equal(t, 0, len(signer.sentTxs()))
}

func TestExecutePrefersSignerReceiptWaiter(t *testing.T) {
	reader := newFakeReader()
	reader.allowance = usdc(10_000_000)
	signer := &waitingSigner{fakeSigner: newFakeSigner()}
	exec := New(reader, models.HyperEVMChainID)

	_, err := exec.Execute(context.Background(), signer, Options{Amount: usdc(10_000_000)})
	assert.NoError(t, err)
	assert.Equal(t, 1, signer.waitCalls)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, 0, reader.receiptCalls)
}

func TestApproveStandalone(t *testing.T) {
	reader := newFakeReader()
	signer := newFakeSigner()
	exec := New(reader, models.HyperEVMChainID)

	txHash, err := exec.Approve(context.Background(), signer, models.MaxUint256())
	assert.NoError(t, err)
	assert.Equal(t, "0xhash1", txHash)

	approval := signer.sentTxs()[0]
	assert.Equal(t, models.HyperEVMUSDCAddress, approval.To)
	assert.True(t, bytes.Equal(approval.Data[36:68], bytes.Repeat([]byte{0xff}, 32)))
}
