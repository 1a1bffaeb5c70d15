package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"trad-core/internal/custody"
	"trad-core/internal/poolmath"
	"trad-core/pkg/types"
)

// SimPool is an in-memory constant-product pair. It applies exactly the
// poolmath arithmetic the executor quotes against, so a quote taken at a
// snapshot fills unless the reserves move in between.
type SimPool struct {
	mu           sync.Mutex
	token        common.Address
	ethReserve   *big.Int
	tokenReserve *big.Int
}

// NewSimPool creates a pool at the given reserves.
func NewSimPool(token common.Address, ethReserve, tokenReserve *big.Int) *SimPool {
	return &SimPool{
		token:        token,
		ethReserve:   new(big.Int).Set(ethReserve),
		tokenReserve: new(big.Int).Set(tokenReserve),
	}
}

// Token implements custody.Pool.
func (p *SimPool) Token() common.Address { return p.token }

// Reserves returns the current snapshot.
func (p *SimPool) Reserves() (*big.Int, *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.ethReserve), new(big.Int).Set(p.tokenReserve)
}

// ShiftReserves moves the pool (an "external trader"); tests use this to
// force slippage reverts.
func (p *SimPool) ShiftReserves(ethReserve, tokenReserve *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ethReserve.Set(ethReserve)
	p.tokenReserve.Set(tokenReserve)
}

// Buy implements custody.Pool.
func (p *SimPool) Buy(ethIn, minTokensOut *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := poolmath.ExpectedBuyOut(p.ethReserve, p.tokenReserve, ethIn)
	if out.Cmp(minTokensOut) < 0 {
		return nil, &types.TradeError{Kind: types.KindSlippageExceeded}
	}
	p.ethReserve.Add(p.ethReserve, ethIn)
	p.tokenReserve.Sub(p.tokenReserve, out)
	return out, nil
}

// Sell implements custody.Pool.
func (p *SimPool) Sell(tokenIn, minEthOut *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := poolmath.ExpectedSellOut(p.ethReserve, p.tokenReserve, tokenIn)
	if out.Cmp(minEthOut) < 0 {
		return nil, &types.TradeError{Kind: types.KindSlippageExceeded}
	}
	p.tokenReserve.Add(p.tokenReserve, tokenIn)
	p.ethReserve.Sub(p.ethReserve, out)
	return out, nil
}

// SimBackend is an in-process chain used by tests: constant-product pools,
// the custody reference state machine, immediate mining, deterministic
// hashes. It implements the executor's Backend interface.
type SimBackend struct {
	mu       sync.Mutex
	pools    map[common.Address]*SimPool
	custody  *custody.State
	wallets  map[common.Address]map[common.Address]*big.Int // owner → token → balance
	receipts map[common.Hash]simReceipt
	nonce    uint64
	delegate bool
}

type simReceipt struct {
	status types.TxStatus
	err    error
}

// NewSimBackend creates a simulated chain. custodyState may be nil when only
// direct mode is exercised.
func NewSimBackend(custodyState *custody.State) *SimBackend {
	return &SimBackend{
		pools:    make(map[common.Address]*SimPool),
		custody:  custodyState,
		wallets:  make(map[common.Address]map[common.Address]*big.Int),
		receipts: make(map[common.Hash]simReceipt),
		delegate: custodyState != nil,
	}
}

// AddPool registers a pair and, when custody is present, binds it there too.
func (b *SimBackend) AddPool(pair common.Address, pool *SimPool) {
	b.mu.Lock()
	b.pools[pair] = pool
	b.mu.Unlock()
	if b.custody != nil {
		b.custody.RegisterPool(pair, pool)
	}
}

// Custody exposes the underlying state machine for test assertions.
func (b *SimBackend) Custody() *custody.State { return b.custody }

// DelegateReady implements the Backend interface.
func (b *SimBackend) DelegateReady() bool { return b.delegate }

func (b *SimBackend) pool(pair common.Address) (*SimPool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[pair]
	if !ok {
		return nil, types.NewTradeError(types.KindBadAddress, "no pair at %s", pair.Hex())
	}
	return p, nil
}

func (b *SimBackend) nextHash() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.nonce)
	return crypto.Keccak256Hash(buf[:])
}

func (b *SimBackend) record(status types.TxStatus, err error) common.Hash {
	hash := b.nextHash()
	b.mu.Lock()
	b.receipts[hash] = simReceipt{status: status, err: err}
	b.mu.Unlock()
	return hash
}

// Reserves implements the Backend interface.
func (b *SimBackend) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	p, err := b.pool(pair)
	if err != nil {
		return nil, nil, err
	}
	re, rt := p.Reserves()
	return re, rt, nil
}

// TokenOf implements the Backend interface.
func (b *SimBackend) TokenOf(ctx context.Context, pair common.Address) (common.Address, error) {
	p, err := b.pool(pair)
	if err != nil {
		return common.Address{}, err
	}
	return p.Token(), nil
}

// TokenBalance implements the Backend interface.
func (b *SimBackend) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if toks := b.wallets[owner]; toks != nil && toks[token] != nil {
		return new(big.Int).Set(toks[token]), nil
	}
	return new(big.Int), nil
}

func (b *SimBackend) creditWallet(owner, token common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wallets[owner] == nil {
		b.wallets[owner] = make(map[common.Address]*big.Int)
	}
	if b.wallets[owner][token] == nil {
		b.wallets[owner][token] = new(big.Int)
	}
	b.wallets[owner][token].Add(b.wallets[owner][token], amount)
}

func (b *SimBackend) debitWallet(owner, token common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	toks := b.wallets[owner]
	if toks == nil || toks[token] == nil || toks[token].Cmp(amount) < 0 {
		return &types.TradeError{Kind: types.KindInsufficientBalance}
	}
	toks[token].Sub(toks[token], amount)
	return nil
}

// DirectBuy implements the Backend interface: trades straight against the
// pool from the key's wallet.
func (b *SimBackend) DirectBuy(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error) {
	p, err := b.pool(pair)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := p.Buy(ethIn, minTokensOut)
	if err != nil {
		return b.record(types.TxReverted, err), nil
	}
	b.creditWallet(crypto.PubkeyToAddress(key.PublicKey), p.Token(), out)
	return b.record(types.TxConfirmed, nil), nil
}

// DirectSell implements the Backend interface.
func (b *SimBackend) DirectSell(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error) {
	p, err := b.pool(pair)
	if err != nil {
		return common.Hash{}, err
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	if err := b.debitWallet(owner, p.Token(), tokenIn); err != nil {
		return b.record(types.TxReverted, err), nil
	}
	if _, err := p.Sell(tokenIn, minEthOut); err != nil {
		b.creditWallet(owner, p.Token(), tokenIn)
		return b.record(types.TxReverted, err), nil
	}
	return b.record(types.TxConfirmed, nil), nil
}

// DelegateBuy implements the Backend interface via the custody state machine.
func (b *SimBackend) DelegateBuy(ctx context.Context, user, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error) {
	if b.custody == nil {
		return common.Hash{}, types.NewTradeError(types.KindDelegateNotConfigured, "no custody state")
	}
	_, err := b.custody.ExecuteBuy(b.operatorAddr(), user, pair, ethIn, minTokensOut, big.NewInt(deadline))
	if err != nil {
		return b.record(types.TxReverted, err), nil
	}
	return b.record(types.TxConfirmed, nil), nil
}

// DelegateSell implements the Backend interface.
func (b *SimBackend) DelegateSell(ctx context.Context, user, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error) {
	if b.custody == nil {
		return common.Hash{}, types.NewTradeError(types.KindDelegateNotConfigured, "no custody state")
	}
	_, err := b.custody.ExecuteSell(b.operatorAddr(), user, pair, tokenIn, minEthOut, big.NewInt(deadline))
	if err != nil {
		return b.record(types.TxReverted, err), nil
	}
	return b.record(types.TxConfirmed, nil), nil
}

// SimOperator is the operator address the sim backend trades as.
var SimOperator = common.HexToAddress("0x00000000000000000000000000000000000f00d1")

func (b *SimBackend) operatorAddr() common.Address { return SimOperator }

// WaitMined implements the Backend interface; mining is immediate.
func (b *SimBackend) WaitMined(ctx context.Context, hash common.Hash) (types.TxStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return "", types.NewTradeError(types.KindTimeout, "unknown transaction %s", hash.Hex())
	}
	return r.status, r.err
}
