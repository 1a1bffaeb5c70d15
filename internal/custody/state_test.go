package custody

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trad-core/pkg/types"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	guardian = common.HexToAddress("0x0000000000000000000000000000000000000002")
	operator = common.HexToAddress("0x0000000000000000000000000000000000000003")
	feeRecv  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	mallory  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	pairAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tokAddr  = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

// fakePool returns a fixed 1000 tokens per ETH and honors min-out bounds.
type fakePool struct {
	onBuy func() // optional callback fired mid-trade (reentrancy probe)
}

func (p *fakePool) Token() common.Address { return tokAddr }

func (p *fakePool) Buy(ethIn, minTokensOut *big.Int) (*big.Int, error) {
	if p.onBuy != nil {
		p.onBuy()
	}
	out := new(big.Int).Mul(ethIn, big.NewInt(1000))
	if out.Cmp(minTokensOut) < 0 {
		return nil, &types.TradeError{Kind: types.KindSlippageExceeded}
	}
	return out, nil
}

func (p *fakePool) Sell(tokenIn, minEthOut *big.Int) (*big.Int, error) {
	out := new(big.Int).Div(tokenIn, big.NewInt(1000))
	if out.Cmp(minEthOut) < 0 {
		return nil, &types.TradeError{Kind: types.KindSlippageExceeded}
	}
	return out, nil
}

func newTestState(pool Pool) *State {
	s := NewState(owner, guardian, operator, feeRecv)
	s.RegisterPool(pairAddr, pool)
	if err := s.AllowPair(owner, pairAddr); err != nil {
		panic(err)
	}
	return s
}

func wei(n int64) *big.Int { return big.NewInt(n) }

func futureDeadline() *big.Int {
	return big.NewInt(time.Now().Add(time.Hour).Unix())
}

func kindOf(t *testing.T, err error) types.ErrorKind {
	t.Helper()
	var te *types.TradeError
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not a TradeError", err)
	}
	return te.Kind
}

func TestWithdrawSucceedsWhilePausedBuyDoesNot(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})

	if err := s.Deposit(alice, wei(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := s.Pause(guardian); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if _, err := s.ExecuteBuy(operator, alice, pairAddr, wei(100), wei(0), futureDeadline()); kindOf(t, err) != types.KindPaused {
		t.Errorf("executeBuy while paused: kind = %v, want Paused", err)
	}
	if err := s.Deposit(alice, wei(1)); kindOf(t, err) != types.KindPaused {
		t.Errorf("deposit while paused: kind = %v, want Paused", err)
	}
	if err := s.Withdraw(alice, wei(500)); err != nil {
		t.Errorf("withdraw while paused should succeed, got %v", err)
	}
	if got := s.BalanceOf(alice); got.Cmp(wei(500)) != 0 {
		t.Errorf("balance = %s, want 500", got)
	}
}

func TestOnlyOperatorMayTrade(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})
	if err := s.Deposit(alice, wei(1000)); err != nil {
		t.Fatal(err)
	}

	for _, caller := range []common.Address{owner, alice, mallory} {
		if _, err := s.ExecuteBuy(caller, alice, pairAddr, wei(10), wei(0), futureDeadline()); kindOf(t, err) != types.KindNotAuthorized {
			t.Errorf("executeBuy from %s: kind = %v, want NotAuthorized", caller, err)
		}
	}
	if _, err := s.ExecuteBuy(operator, alice, pairAddr, wei(10), wei(0), futureDeadline()); err != nil {
		t.Errorf("executeBuy from operator: %v", err)
	}
}

func TestOnlyOwnerAdministers(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})

	if err := s.SetOperator(mallory, mallory); kindOf(t, err) != types.KindNotAuthorized {
		t.Errorf("setOperator by stranger: %v", err)
	}
	if err := s.SetFee(operator, 100); kindOf(t, err) != types.KindNotAuthorized {
		t.Errorf("setFee by operator: %v", err)
	}
	if err := s.SetFeeReceiver(guardian, mallory); kindOf(t, err) != types.KindNotAuthorized {
		t.Errorf("setFeeReceiver by guardian: %v", err)
	}
	if err := s.Unpause(guardian); kindOf(t, err) != types.KindNotAuthorized {
		t.Errorf("unpause by guardian: %v", err)
	}
	if err := s.SetFee(owner, MaxFeeBps+1); kindOf(t, err) != types.KindParameterOutOfRange {
		t.Errorf("setFee above ceiling: %v", err)
	}
	if err := s.SetFee(owner, MaxFeeBps); err != nil {
		t.Errorf("setFee at ceiling: %v", err)
	}
}

func TestBuyTakesFeeBeforePool(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})
	if err := s.SetFee(owner, 100); err != nil { // 1%
		t.Fatal(err)
	}
	if err := s.Deposit(alice, wei(10_000)); err != nil {
		t.Fatal(err)
	}

	tokens, err := s.ExecuteBuy(operator, alice, pairAddr, wei(10_000), wei(0), futureDeadline())
	if err != nil {
		t.Fatalf("ExecuteBuy: %v", err)
	}

	// Fee 100, pool sees 9900, fakePool yields 1000 tokens per wei.
	if want := wei(9_900_000); tokens.Cmp(want) != 0 {
		t.Errorf("tokens out = %s, want %s (fee must be removed before the pool)", tokens, want)
	}
	if got := s.BalanceOf(alice); got.Sign() != 0 {
		t.Errorf("user balance = %s, want 0 (debited the gross amount)", got)
	}
	if got := s.FeesAccrued(); got.Cmp(wei(100)) != 0 {
		t.Errorf("fees accrued = %s, want 100", got)
	}
	if got := s.TokenBalanceOf(alice, tokAddr); got.Cmp(wei(9_900_000)) != 0 {
		t.Errorf("token credit = %s, want 9900000", got)
	}
}

func TestSellRoundTripRestoresBalanceMinusFees(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})
	if err := s.Deposit(alice, wei(1000)); err != nil {
		t.Fatal(err)
	}

	tokens, err := s.ExecuteBuy(operator, alice, pairAddr, wei(1000), wei(0), futureDeadline())
	if err != nil {
		t.Fatal(err)
	}
	ethOut, err := s.ExecuteSell(operator, alice, pairAddr, tokens, wei(0), futureDeadline())
	if err != nil {
		t.Fatal(err)
	}
	// Zero fee, symmetric fake pool: full round trip.
	if ethOut.Cmp(wei(1000)) != 0 {
		t.Errorf("eth out = %s, want 1000", ethOut)
	}
	if got := s.BalanceOf(alice); got.Cmp(wei(1000)) != 0 {
		t.Errorf("balance = %s, want 1000", got)
	}
	if got := s.TokenBalanceOf(alice, tokAddr); got.Sign() != 0 {
		t.Errorf("token credit = %s, want 0", got)
	}
}

func TestTradePreconditions(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})
	if err := s.Deposit(alice, wei(100)); err != nil {
		t.Fatal(err)
	}

	past := big.NewInt(time.Now().Add(-time.Minute).Unix())
	if _, err := s.ExecuteBuy(operator, alice, pairAddr, wei(10), wei(0), past); kindOf(t, err) != types.KindDeadlineExpired {
		t.Errorf("expired deadline: %v", err)
	}

	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	if _, err := s.ExecuteBuy(operator, alice, other, wei(10), wei(0), futureDeadline()); kindOf(t, err) != types.KindPairNotAllowed {
		t.Errorf("unlisted pair: %v", err)
	}

	if _, err := s.ExecuteBuy(operator, alice, pairAddr, wei(1000), wei(0), futureDeadline()); kindOf(t, err) != types.KindInsufficientBalance {
		t.Errorf("overdraft: %v", err)
	}
}

func TestSlippageRevertUnwindsBalances(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})
	if err := s.Deposit(alice, wei(1000)); err != nil {
		t.Fatal(err)
	}

	// fakePool yields 1000 tokens/wei, so min-out of 10x that must revert.
	_, err := s.ExecuteBuy(operator, alice, pairAddr, wei(100), wei(10_000_000), futureDeadline())
	if kindOf(t, err) != types.KindSlippageExceeded {
		t.Fatalf("want SlippageExceeded, got %v", err)
	}
	if got := s.BalanceOf(alice); got.Cmp(wei(1000)) != 0 {
		t.Errorf("balance after revert = %s, want 1000 (full unwind)", got)
	}
	if got := s.FeesAccrued(); got.Sign() != 0 {
		t.Errorf("fees after revert = %s, want 0", got)
	}
}

func TestReentrancyLatch(t *testing.T) {
	t.Parallel()

	var s *State
	var reentryErr error
	pool := &fakePool{}
	pool.onBuy = func() {
		// A malicious pool trying to drain mid-trade.
		reentryErr = s.Withdraw(alice, wei(1))
	}
	s = newTestState(pool)
	if err := s.Deposit(alice, wei(1000)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ExecuteBuy(operator, alice, pairAddr, wei(100), wei(0), futureDeadline()); err != nil {
		t.Fatalf("outer trade should succeed: %v", err)
	}
	if kindOf(t, reentryErr) != types.KindReentrancy {
		t.Errorf("re-entrant withdraw: kind = %v, want Reentrancy", reentryErr)
	}
}

func TestLedgerConservation(t *testing.T) {
	t.Parallel()
	s := newTestState(&fakePool{})

	deposited := new(big.Int)
	for i, amt := range []int64{500, 1200, 42} {
		user := common.BigToAddress(big.NewInt(int64(i + 100)))
		if err := s.Deposit(user, wei(amt)); err != nil {
			t.Fatal(err)
		}
		deposited.Add(deposited, wei(amt))
	}
	if got := s.TotalBalances(); got.Cmp(deposited) != 0 {
		t.Errorf("total balances = %s, want %s", got, deposited)
	}
}
