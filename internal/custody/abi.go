// Package custody models the on-chain delegation-without-custody contract:
// the ABI and call packing the executor uses in delegate mode, decoding of
// the contract's custom revert errors, and a reference state machine that
// mirrors the deployed contract's semantics for simulation and tests.
package custody

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"trad-core/pkg/types"
)

// ContractABI is the external surface of the custody contract. Withdrawals
// deliberately have no pause modifier: they are the depositor's escape hatch.
const ContractABI = `[
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawAll","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"withdrawTokens","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"feeBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"executeBuy","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"pair","type":"address"},{"name":"ethIn","type":"uint256"},{"name":"minTokensOut","type":"uint256"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"tokensOut","type":"uint256"}]},
  {"type":"function","name":"executeSell","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"pair","type":"address"},{"name":"tokenIn","type":"uint256"},{"name":"minEthOut","type":"uint256"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"ethOut","type":"uint256"}]},
  {"type":"function","name":"setOperator","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"}],"outputs":[]},
  {"type":"function","name":"setFee","stateMutability":"nonpayable","inputs":[{"name":"feeBps","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setFeeReceiver","stateMutability":"nonpayable","inputs":[{"name":"receiver","type":"address"}],"outputs":[]},
  {"type":"function","name":"pause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"unpause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"allowPair","stateMutability":"nonpayable","inputs":[{"name":"pair","type":"address"}],"outputs":[]},
  {"type":"function","name":"disallowPair","stateMutability":"nonpayable","inputs":[{"name":"pair","type":"address"}],"outputs":[]},
  {"type":"event","name":"Deposited","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"Withdrawn","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"TradeExecuted","inputs":[{"name":"user","type":"address","indexed":true},{"name":"pair","type":"address","indexed":true},{"name":"isBuy","type":"bool","indexed":false},{"name":"amountIn","type":"uint256","indexed":false},{"name":"amountOut","type":"uint256","indexed":false},{"name":"fee","type":"uint256","indexed":false}],"anonymous":false}
]`

// Parsed is the parsed ABI, ready for call packing.
var Parsed abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(fmt.Sprintf("custody: bad embedded ABI: %v", err))
	}
	Parsed = parsed
}

// PackExecuteBuy encodes an executeBuy call.
func PackExecuteBuy(user, pair common.Address, ethIn, minTokensOut, deadline *big.Int) ([]byte, error) {
	return Parsed.Pack("executeBuy", user, pair, ethIn, minTokensOut, deadline)
}

// PackExecuteSell encodes an executeSell call.
func PackExecuteSell(user, pair common.Address, tokenIn, minEthOut, deadline *big.Int) ([]byte, error) {
	return Parsed.Pack("executeSell", user, pair, tokenIn, minEthOut, deadline)
}

// PackBalanceOf encodes a balanceOf view call.
func PackBalanceOf(user common.Address) ([]byte, error) {
	return Parsed.Pack("balanceOf", user)
}

// PackFeeBps encodes a feeBps view call.
func PackFeeBps() ([]byte, error) {
	return Parsed.Pack("feeBps")
}

// revertSelectors maps the 4-byte selector of each custom error to its kind.
// Selectors are keccak256("ErrorName()")[:4], matching the deployed contract.
var revertSelectors = map[[4]byte]types.ErrorKind{}

func init() {
	for name, kind := range map[string]types.ErrorKind{
		"NotAuthorized()":       types.KindNotAuthorized,
		"Paused()":              types.KindPaused,
		"PairNotAllowed()":      types.KindPairNotAllowed,
		"InsufficientBalance()": types.KindInsufficientBalance,
		"DeadlineExpired()":     types.KindDeadlineExpired,
		"SlippageExceeded()":    types.KindSlippageExceeded,
		"Reentrancy()":          types.KindReentrancy,
		"FeeTooHigh()":          types.KindParameterOutOfRange,
	} {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(name))[:4])
		revertSelectors[sel] = kind
	}
}

// errorStringSelector is the 4-byte selector of Error(string), the legacy
// require(...) revert encoding.
var errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// DecodeRevert classifies raw revert data from the custody contract (or the
// pair) into an error kind plus the decoded reason string when available.
func DecodeRevert(data []byte) (types.ErrorKind, string) {
	if len(data) >= 4 {
		var sel [4]byte
		copy(sel[:], data[:4])
		if kind, ok := revertSelectors[sel]; ok {
			return kind, ""
		}
		if bytes.Equal(data[:4], errorStringSelector) {
			if reason, err := abi.UnpackRevert(data); err == nil {
				return classifyReason(reason), reason
			}
		}
	}
	return types.KindUnknownRevert, fmt.Sprintf("0x%x", data)
}

// classifyReason maps require-style reason strings onto the same kinds as
// the custom errors, for pairs that still revert with Error(string).
func classifyReason(reason string) types.ErrorKind {
	switch {
	case strings.Contains(reason, "slippage"), strings.Contains(reason, "INSUFFICIENT_OUTPUT"):
		return types.KindSlippageExceeded
	case strings.Contains(reason, "deadline"), strings.Contains(reason, "EXPIRED"):
		return types.KindDeadlineExpired
	case strings.Contains(reason, "paused"):
		return types.KindPaused
	case strings.Contains(reason, "balance"):
		return types.KindInsufficientBalance
	default:
		return types.KindUnknownRevert
	}
}
