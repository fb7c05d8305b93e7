package models

import "math/big"

// Chain ids fixed by the system. HyperCoreChainID names the trading ledger in
// quotes and UIs only; it is not an EVM network and never appears in RPC calls.
const (
	HyperEVMChainID        int64 = 999
	HyperEVMTestnetChainID int64 = 998
	HyperCoreChainID       int64 = 1337
)

const (
	// NativeTokenAddress is the placeholder the aggregator uses for gas tokens.
	NativeTokenAddress = "0x0000000000000000000000000000000000000000"

	// HyperEVMUSDCAddress is the canonical USDC on the destination chain.
	HyperEVMUSDCAddress = "0xb88339cb7199b77e23db6e890353e22632ba630f"

	// DepositContractAddress is the fixed bridge contract that credits the
	// trading ledger. Stored lowercase like every other address at ingress.
	DepositContractAddress = "0x6b9e773128f453f5c2c60935ee2de2cbc5390a24"

	USDCDecimals = 6
)

// Slippage is a 0..1 decimal everywhere in the public surface.
const (
	DefaultSlippage = 0.005
	MinSlippage     = 0.0001
	MaxSlippage     = 0.05
)

// MinDepositAmount returns the smallest deposit the bridge contract accepts,
// 5 USDC in smallest units. Returns a fresh value because big.Int is mutable.
func MinDepositAmount() *big.Int {
	return big.NewInt(5_000_000)
}

// MaxUint256 returns 2^256-1, used for infinite approvals.
func MaxUint256() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}
