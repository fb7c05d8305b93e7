// Package wallet declares the signing capability the caller supplies. The
// library never holds keys; it hands fully-formed transaction requests to a
// Signer and works with the returned hashes.
package wallet

import (
	"context"
	"math/big"
)

// TxRequest is everything a signer needs to submit one transaction.
// Gas fields are optional; a zero GasLimit or nil GasPrice leaves estimation
// to the signer.
type TxRequest struct {
	ChainID  int64
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
}

// Signer is the caller-supplied wallet capability.
type Signer interface {
	// Address returns the signer's account address.
	Address(ctx context.Context) (string, error)

	// ChainID returns the chain the signer is currently connected to.
	ChainID(ctx context.Context) (int64, error)

	// SendTransaction signs and submits tx, returning the transaction hash.
	SendTransaction(ctx context.Context, tx TxRequest) (string, error)
}

// Receipt is the minimal receipt shape used to confirm mining.
type Receipt struct {
	TxHash      string
	Status      uint64 // 1 success, 0 reverted
	BlockNumber uint64
	GasUsed     uint64
}

// ReceiptWaiter is an optional extension: signers that can wait for receipts
// themselves (a connected node, a provider with subscriptions) implement it
// and the library skips its own polling.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
}
