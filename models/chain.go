package models

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Chain is a source or destination network known to the catalog.
type Chain struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	LogoURL     string `json:"logoUrl,omitempty"`
	NativeToken Token  `json:"nativeToken"`
	IsEVM       bool   `json:"isEvm"`
	// RPCURL is the chain's public endpoint as advertised by the aggregator,
	// used when the caller has not configured an override.
	RPCURL string `json:"rpcUrl,omitempty"`
}

// Token is an ERC-20, or the native placeholder, on a specific chain.
// Addresses are canonicalized to lowercase at ingress; two tokens are equal
// iff (ChainID, Address) match.
type Token struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Decimals int     `json:"decimals"`
	LogoURL  string  `json:"logoUrl,omitempty"`
	ChainID  int64   `json:"chainId"`
	PriceUSD float64 `json:"priceUsd,omitempty"`
}

// IsNative reports whether the token is the chain's gas token.
func (t Token) IsNative() bool {
	return IsNativeToken(t.Address)
}

// Equal reports token identity by (chainId, address).
func (t Token) Equal(other Token) bool {
	return t.ChainID == other.ChainID && SameAddress(t.Address, other.Address)
}

// NormalizeAddress validates a hex address and returns it lowercased.
// The second return is false when the input is not a 20-byte hex address.
func NormalizeAddress(addr string) (string, bool) {
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IsNativeToken reports whether addr is the native gas token placeholder.
func IsNativeToken(addr string) bool {
	return SameAddress(addr, NativeTokenAddress)
}
