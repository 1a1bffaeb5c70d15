// Package chain talks to the launchpad chain: reserve reads and buy/sell
// submissions against bonding-curve pairs, delegate calls through the custody
// contract, and receipt waiting with revert classification.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PairABI is the read/trade surface of one bonding-curve pair.
const PairABI = `[
  {"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"ethReserve","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenReserve","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"buy","stateMutability":"payable","inputs":[{"name":"minTokensOut","type":"uint256"}],"outputs":[{"name":"tokensOut","type":"uint256"}]},
  {"type":"function","name":"sell","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"uint256"},{"name":"minEthOut","type":"uint256"}],"outputs":[{"name":"ethOut","type":"uint256"}]}
]`

// ERC20ABI is the minimal token read surface the runtime needs.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	pairABI  abi.ABI
	erc20ABI abi.ABI
)

func init() {
	var err error
	if pairABI, err = abi.JSON(strings.NewReader(PairABI)); err != nil {
		panic(fmt.Sprintf("chain: bad pair ABI: %v", err))
	}
	if erc20ABI, err = abi.JSON(strings.NewReader(ERC20ABI)); err != nil {
		panic(fmt.Sprintf("chain: bad erc20 ABI: %v", err))
	}
}

func packPairBuy(minTokensOut *big.Int) ([]byte, error) {
	return pairABI.Pack("buy", minTokensOut)
}

func packPairSell(tokenIn, minEthOut *big.Int) ([]byte, error) {
	return pairABI.Pack("sell", tokenIn, minEthOut)
}

func unpackAddress(method string, data []byte) (common.Address, error) {
	out, err := pairABI.Unpack(method, data)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func unpackUint(parsed abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}
