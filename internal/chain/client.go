package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"trad-core/internal/custody"
	"trad-core/pkg/types"
)

// receiptPollInterval is how often WaitMined re-checks for a receipt.
const receiptPollInterval = 2 * time.Second

// Client is the live chain backend. One Client serves all strategies; it is
// safe for concurrent use (the underlying RPC client is).
type Client struct {
	eth      *ethclient.Client
	chainID  *big.Int
	delegate common.Address    // custody contract; zero when delegate mode is off
	operator *ecdsa.PrivateKey // signs delegate calls; nil when unset
	logger   *slog.Logger
}

// Dial connects to the RPC endpoint and prepares the delegate signer if one
// is configured. operatorKeyHex may be empty.
func Dial(ctx context.Context, rpcURL, delegateAddr, operatorKeyHex string, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	c := &Client{
		eth:     eth,
		chainID: chainID,
		logger:  logger.With("component", "chain"),
	}
	if delegateAddr != "" {
		c.delegate = common.HexToAddress(delegateAddr)
	}
	if operatorKeyHex != "" {
		key, err := ParseKey(operatorKeyHex)
		if err != nil {
			return nil, fmt.Errorf("operator key: %w", err)
		}
		c.operator = key
	}
	return c, nil
}

// ParseKey parses a hex private key, tolerating an 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	return crypto.HexToECDSA(hexKey)
}

// DelegateReady reports whether this client can route trades through custody.
func (c *Client) DelegateReady() bool {
	return c.delegate != (common.Address{}) && c.operator != nil
}

// Close releases the RPC connection.
func (c *Client) Close() { c.eth.Close() }

// Reserves reads (ethReserve, tokenReserve) from a pair in one snapshot.
func (c *Client) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	ethData, err := pairABI.Pack("ethReserve")
	if err != nil {
		return nil, nil, err
	}
	tokData, err := pairABI.Pack("tokenReserve")
	if err != nil {
		return nil, nil, err
	}

	ethRaw, err := c.call(ctx, pair, ethData)
	if err != nil {
		return nil, nil, err
	}
	tokRaw, err := c.call(ctx, pair, tokData)
	if err != nil {
		return nil, nil, err
	}

	ethReserve, err := unpackUint(pairABI, "ethReserve", ethRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack ethReserve: %w", err)
	}
	tokenReserve, err := unpackUint(pairABI, "tokenReserve", tokRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack tokenReserve: %w", err)
	}
	return ethReserve, tokenReserve, nil
}

// TokenOf resolves the pair's token address.
func (c *Client) TokenOf(ctx context.Context, pair common.Address) (common.Address, error) {
	data, err := pairABI.Pack("token")
	if err != nil {
		return common.Address{}, err
	}
	raw, err := c.call(ctx, pair, data)
	if err != nil {
		return common.Address{}, err
	}
	return unpackAddress("token", raw)
}

// TokenBalance reads an ERC20 balance.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint(erc20ABI, "balanceOf", raw)
}

// CustodyBalance reads a user's ETH balance inside the custody contract.
func (c *Client) CustodyBalance(ctx context.Context, user common.Address) (*big.Int, error) {
	data, err := custody.PackBalanceOf(user)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, c.delegate, data)
	if err != nil {
		return nil, err
	}
	out, err := custody.Parsed.Unpack("balanceOf", raw)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// CustodyFeeBps reads the custody contract's current operator fee. The
// executor samples it once at startup for delegate-mode quoting.
func (c *Client) CustodyFeeBps(ctx context.Context) (int64, error) {
	if !c.DelegateReady() {
		return 0, nil
	}
	data, err := custody.PackFeeBps()
	if err != nil {
		return 0, err
	}
	raw, err := c.call(ctx, c.delegate, data)
	if err != nil {
		return 0, err
	}
	out, err := custody.Parsed.Unpack("feeBps", raw)
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// DirectBuy sends ETH to the pair's buy(minTokensOut), signed by key.
func (c *Client) DirectBuy(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error) {
	data, err := packPairBuy(minTokensOut)
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, key, pair, ethIn, data)
}

// DirectSell calls the pair's sell(tokenIn, minEthOut), signed by key.
func (c *Client) DirectSell(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error) {
	data, err := packPairSell(tokenIn, minEthOut)
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, key, pair, new(big.Int), data)
}

// DelegateBuy routes a buy through the custody contract's executeBuy,
// signed by the operator key.
func (c *Client) DelegateBuy(ctx context.Context, user, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error) {
	if !c.DelegateReady() {
		return common.Hash{}, types.NewTradeError(types.KindDelegateNotConfigured, "custody address or operator key missing")
	}
	data, err := custody.PackExecuteBuy(user, pair, ethIn, minTokensOut, big.NewInt(deadline))
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, c.operator, c.delegate, new(big.Int), data)
}

// DelegateSell routes a sell through the custody contract's executeSell.
func (c *Client) DelegateSell(ctx context.Context, user, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error) {
	if !c.DelegateReady() {
		return common.Hash{}, types.NewTradeError(types.KindDelegateNotConfigured, "custody address or operator key missing")
	}
	data, err := custody.PackExecuteSell(user, pair, tokenIn, minEthOut, big.NewInt(deadline))
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, c.operator, c.delegate, new(big.Int), data)
}

// WaitMined blocks until the transaction has a receipt or ctx expires.
// A reverted receipt is replayed as a call to recover the revert reason,
// which is classified into a structured error.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (types.TxStatus, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return types.TxConfirmed, nil
			}
			return types.TxReverted, c.revertReason(ctx, hash, receipt)
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if classified := classifyTransport(err); classified != nil {
				return "", classified
			}
		}

		select {
		case <-ctx.Done():
			return "", types.WrapTradeError(types.KindTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// revertReason replays the failed transaction as an eth_call at its block to
// extract revert data, then maps it onto the custody/pair error taxonomy.
func (c *Client) revertReason(ctx context.Context, hash common.Hash, receipt *gethtypes.Receipt) error {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return types.NewTradeError(types.KindUnknownRevert, "reverted, reason unavailable")
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return types.NewTradeError(types.KindUnknownRevert, "reverted, reason unavailable")
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Value: tx.Value(),
		Data:  tx.Data(),
		Gas:   tx.Gas(),
	}
	_, callErr := c.eth.CallContract(ctx, msg, receipt.BlockNumber)
	if callErr == nil {
		return types.NewTradeError(types.KindUnknownRevert, "reverted, replay succeeded")
	}

	var dataErr interface{ ErrorData() interface{} }
	if errors.As(callErr, &dataErr) {
		if hexStr, ok := dataErr.ErrorData().(string); ok {
			kind, reason := custody.DecodeRevert(common.FromHex(hexStr))
			return &types.TradeError{Kind: kind, Reason: reason}
		}
	}
	return types.NewTradeError(types.KindUnknownRevert, "%v", callErr)
}

// submit signs and sends one transaction, leaving receipt waiting to the caller.
func (c *Client) submit(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, classifyTransport(err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classifyTransport(err)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &to, Value: value, Data: data,
	})
	if err != nil {
		// Estimation failure usually means the call would revert; surface
		// the decoded reason rather than a transport error.
		var dataErr interface{ ErrorData() interface{} }
		if errors.As(err, &dataErr) {
			if hexStr, ok := dataErr.ErrorData().(string); ok {
				kind, reason := custody.DecodeRevert(common.FromHex(hexStr))
				return common.Hash{}, &types.TradeError{Kind: kind, Reason: reason}
			}
		}
		return common.Hash{}, classifyTransport(err)
	}

	tx, err := gethtypes.SignNewTx(key, gethtypes.LatestSignerForChainID(c.chainID), &gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, classifyTransport(err)
	}

	c.logger.Debug("transaction submitted", "hash", tx.Hash().Hex(), "to", to.Hex())
	return tx.Hash(), nil
}

// classifyTransport wraps an RPC error as Timeout or NetworkUnavailable.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WrapTradeError(types.KindTimeout, err)
	}
	return types.WrapTradeError(types.KindNetworkUnavailable, err)
}

// call is a plain eth_call against the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return out, nil
}
