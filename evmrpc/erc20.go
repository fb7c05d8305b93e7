package evmrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SiphoYawe/mina-sdk/models"
)

// ERC-20 function selectors.
const (
	SelectorBalanceOf = "0x70a08231"
	SelectorAllowance = "0xdd62ed3e"
	SelectorApprove   = "0x095ea7b3"
)

func addressWord(addr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)
}

func amountWord(amount *big.Int) []byte {
	return common.LeftPadBytes(amount.Bytes(), 32)
}

// BalanceOfCalldata encodes balanceOf(owner).
func BalanceOfCalldata(owner string) []byte {
	data := common.FromHex(SelectorBalanceOf)
	return append(data, addressWord(owner)...)
}

// AllowanceCalldata encodes allowance(owner, spender).
func AllowanceCalldata(owner, spender string) []byte {
	data := common.FromHex(SelectorAllowance)
	data = append(data, addressWord(owner)...)
	return append(data, addressWord(spender)...)
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender string, amount *big.Int) []byte {
	data := common.FromHex(SelectorApprove)
	data = append(data, addressWord(spender)...)
	return append(data, amountWord(amount)...)
}

// DecodeUint256 reads a single uint256 return word. Empty returndata decodes
// to zero, which is what a non-deployed or odd token effectively reports.
func DecodeUint256(ret []byte) *big.Int {
	if len(ret) == 0 {
		return big.NewInt(0)
	}
	if len(ret) > 32 {
		ret = ret[:32]
	}
	return new(big.Int).SetBytes(ret)
}

// ERC20BalanceOf reads token.balanceOf(owner).
func (c *Client) ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	ret, err := c.CallContract(ctx, token, BalanceOfCalldata(owner))
	if err != nil {
		return nil, err
	}
	return DecodeUint256(ret), nil
}

// ERC20Allowance reads token.allowance(owner, spender).
func (c *Client) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	ret, err := c.CallContract(ctx, token, AllowanceCalldata(owner, spender))
	if err != nil {
		return nil, err
	}
	return DecodeUint256(ret), nil
}

// TokenBalance reads owner's balance of token, dispatching the native
// placeholder to eth_getBalance.
func (c *Client) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	if models.IsNativeToken(token) {
		return c.GetBalance(ctx, owner)
	}
	return c.ERC20BalanceOf(ctx, token, owner)
}
