package custody

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trad-core/pkg/types"
)

// MaxFeeBps is the hard ceiling on the operator fee. setFee beyond this
// reverts regardless of caller.
const MaxFeeBps = 1000

// Pool is the slice of the pair contract the custody contract calls into.
type Pool interface {
	Token() common.Address
	// Buy swaps ethIn for tokens; reverts (returns an error) below minTokensOut.
	Buy(ethIn, minTokensOut *big.Int) (tokensOut *big.Int, err error)
	// Sell swaps tokenIn for ETH; reverts below minEthOut.
	Sell(tokenIn, minEthOut *big.Int) (ethOut *big.Int, err error)
}

// State is a reference implementation of the custody contract's state
// machine. It mirrors the deployed contract exactly: same role checks, same
// revert kinds, same fee arithmetic. The executor's simulated backend and the
// invariant tests run against it.
//
// Accounting model: the ETH ledger (balances) is the only custody-held asset.
// executeBuy delivers purchased tokens directly to the user's wallet
// (tokenCredits here stands in for those transfers); executeSell pulls tokens
// from the user and credits realized ETH, less the fee, back to balances.
type State struct {
	mu sync.Mutex

	owner       common.Address
	guardian    common.Address
	operator    common.Address
	feeReceiver common.Address
	feeBps      int64
	paused      bool
	entered     bool // single-slot reentrancy latch

	allowed  map[common.Address]bool
	balances map[common.Address]*big.Int

	// pools resolves a pair address to its pool, standing in for the
	// external call the contract makes.
	pools map[common.Address]Pool

	// tokenCredits[user][token] mirrors direct token transfers to users.
	tokenCredits map[common.Address]map[common.Address]*big.Int

	feesAccrued *big.Int

	// now is injected for deadline checks; defaults to time.Now.
	now func() time.Time
}

// NewState creates the contract state with the given roles. Fee starts at
// zero; the pair allowlist starts empty.
func NewState(owner, guardian, operator, feeReceiver common.Address) *State {
	return &State{
		owner:        owner,
		guardian:     guardian,
		operator:     operator,
		feeReceiver:  feeReceiver,
		allowed:      make(map[common.Address]bool),
		balances:     make(map[common.Address]*big.Int),
		pools:        make(map[common.Address]Pool),
		tokenCredits: make(map[common.Address]map[common.Address]*big.Int),
		feesAccrued:  new(big.Int),
		now:          time.Now,
	}
}

// SetClock overrides the deadline clock (tests).
func (s *State) SetClock(now func() time.Time) { s.now = now }

// RegisterPool binds a pair address to its pool implementation.
func (s *State) RegisterPool(pair common.Address, p Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pair] = p
}

func errKind(kind types.ErrorKind) *types.TradeError {
	return &types.TradeError{Kind: kind}
}

// enter takes the reentrancy latch. Callers must pair it with exit.
func (s *State) enter() *types.TradeError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entered {
		return errKind(types.KindReentrancy)
	}
	s.entered = true
	return nil
}

func (s *State) exit() {
	s.mu.Lock()
	s.entered = false
	s.mu.Unlock()
}

// Deposit credits the caller's balance. Blocked while paused.
func (s *State) Deposit(caller common.Address, amount *big.Int) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return errKind(types.KindPaused)
	}
	if amount.Sign() <= 0 {
		return errKind(types.KindBadAmount)
	}
	s.credit(caller, amount)
	return nil
}

// Withdraw debits the caller's own balance. Succeeds even when paused:
// withdrawal is the escape hatch.
func (s *State) Withdraw(caller common.Address, amount *big.Int) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(caller)
	if amount.Sign() <= 0 || bal.Cmp(amount) < 0 {
		return errKind(types.KindInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// WithdrawAll drains the caller's balance. Succeeds even when paused.
func (s *State) WithdrawAll(caller common.Address) (*big.Int, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(caller)
	out := new(big.Int).Set(bal)
	bal.SetInt64(0)
	return out, nil
}

// WithdrawTokens transfers the caller's full credited balance of one token.
// Succeeds even when paused.
func (s *State) WithdrawTokens(caller, token common.Address) (*big.Int, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.tokenCredits[caller]
	if creds == nil || creds[token] == nil {
		return new(big.Int), nil
	}
	out := new(big.Int).Set(creds[token])
	creds[token].SetInt64(0)
	return out, nil
}

// BalanceOf returns the user's custody ETH balance.
func (s *State) BalanceOf(user common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceLocked(user))
}

// TokenBalanceOf returns tokens delivered to the user by executeBuy.
func (s *State) TokenBalanceOf(user, token common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds := s.tokenCredits[user]; creds != nil && creds[token] != nil {
		return new(big.Int).Set(creds[token])
	}
	return new(big.Int)
}

// FeesAccrued returns the total fees taken for the fee receiver.
func (s *State) FeesAccrued() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.feesAccrued)
}

// ExecuteBuy spends ethIn from user's custody balance on the pair, after the
// operator fee. Operator-only, not paused, pair allowlisted, deadline live.
// Purchased tokens go straight to the user.
func (s *State) ExecuteBuy(caller, user, pair common.Address, ethIn, minTokensOut, deadline *big.Int) (*big.Int, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	s.mu.Lock()
	pool, err := s.checkTradeLocked(caller, pair, deadline)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	bal := s.balanceLocked(user)
	if ethIn.Sign() <= 0 || bal.Cmp(ethIn) < 0 {
		s.mu.Unlock()
		return nil, errKind(types.KindInsufficientBalance)
	}

	fee := new(big.Int).Mul(ethIn, big.NewInt(s.feeBps))
	fee.Div(fee, big.NewInt(10000))
	net := new(big.Int).Sub(ethIn, fee)

	// Debit before the external call; the latch stays held across it.
	bal.Sub(bal, ethIn)
	s.feesAccrued.Add(s.feesAccrued, fee)
	s.mu.Unlock()

	tokens, perr := pool.Buy(net, minTokensOut)
	if perr != nil {
		// Mirror contract revert semantics: the whole call unwinds.
		s.mu.Lock()
		bal.Add(bal, ethIn)
		s.feesAccrued.Sub(s.feesAccrued, fee)
		s.mu.Unlock()
		return nil, perr
	}

	s.mu.Lock()
	s.creditToken(user, pool.Token(), tokens)
	s.mu.Unlock()
	return tokens, nil
}

// ExecuteSell pulls tokenIn from the user, sells it on the pair, and credits
// realized ETH less the operator fee back to the user's custody balance.
func (s *State) ExecuteSell(caller, user, pair common.Address, tokenIn, minEthOut, deadline *big.Int) (*big.Int, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	s.mu.Lock()
	pool, err := s.checkTradeLocked(caller, pair, deadline)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	token := pool.Token()
	creds := s.tokenCredits[user]
	if tokenIn.Sign() <= 0 || creds == nil || creds[token] == nil || creds[token].Cmp(tokenIn) < 0 {
		s.mu.Unlock()
		return nil, errKind(types.KindInsufficientBalance)
	}
	creds[token].Sub(creds[token], tokenIn)
	s.mu.Unlock()

	ethOut, perr := pool.Sell(tokenIn, minEthOut)
	if perr != nil {
		s.mu.Lock()
		creds[token].Add(creds[token], tokenIn)
		s.mu.Unlock()
		return nil, perr
	}

	s.mu.Lock()
	fee := new(big.Int).Mul(ethOut, big.NewInt(s.feeBps))
	fee.Div(fee, big.NewInt(10000))
	net := new(big.Int).Sub(ethOut, fee)
	s.feesAccrued.Add(s.feesAccrued, fee)
	s.credit(user, net)
	s.mu.Unlock()
	return net, nil
}

// checkTradeLocked enforces the shared execute* preconditions.
func (s *State) checkTradeLocked(caller, pair common.Address, deadline *big.Int) (Pool, *types.TradeError) {
	if caller != s.operator {
		return nil, errKind(types.KindNotAuthorized)
	}
	if s.paused {
		return nil, errKind(types.KindPaused)
	}
	if !s.allowed[pair] {
		return nil, errKind(types.KindPairNotAllowed)
	}
	if deadline.Cmp(big.NewInt(s.now().Unix())) < 0 {
		return nil, errKind(types.KindDeadlineExpired)
	}
	pool, ok := s.pools[pair]
	if !ok {
		return nil, errKind(types.KindPairNotAllowed)
	}
	return pool, nil
}

// ————————————————————————————————————————————————————————————————————————
// Admin
// ————————————————————————————————————————————————————————————————————————

// SetOperator is owner-only.
func (s *State) SetOperator(caller, operator common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	s.operator = operator
	return nil
}

// SetFee is owner-only and bounded by MaxFeeBps.
func (s *State) SetFee(caller common.Address, feeBps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	if feeBps < 0 || feeBps > MaxFeeBps {
		return errKind(types.KindParameterOutOfRange)
	}
	s.feeBps = feeBps
	return nil
}

// SetFeeReceiver is owner-only.
func (s *State) SetFeeReceiver(caller, receiver common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	s.feeReceiver = receiver
	return nil
}

// Pause may be called by the owner or the guardian.
func (s *State) Pause(caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner && caller != s.guardian {
		return errKind(types.KindNotAuthorized)
	}
	s.paused = true
	return nil
}

// Unpause is owner-only.
func (s *State) Unpause(caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	s.paused = false
	return nil
}

// AllowPair is owner-only.
func (s *State) AllowPair(caller, pair common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	s.allowed[pair] = true
	return nil
}

// DisallowPair is owner-only.
func (s *State) DisallowPair(caller, pair common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return errKind(types.KindNotAuthorized)
	}
	delete(s.allowed, pair)
	return nil
}

// FeeBps returns the current operator fee.
func (s *State) FeeBps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeBps
}

// IsPaused reports the pause switch.
func (s *State) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// TotalBalances sums every depositor's ETH ledger entry.
func (s *State) TotalBalances() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := new(big.Int)
	for _, b := range s.balances {
		sum.Add(sum, b)
	}
	return sum
}

func (s *State) balanceLocked(user common.Address) *big.Int {
	if s.balances[user] == nil {
		s.balances[user] = new(big.Int)
	}
	return s.balances[user]
}

func (s *State) credit(user common.Address, amount *big.Int) {
	s.balanceLocked(user).Add(s.balanceLocked(user), amount)
}

func (s *State) creditToken(user, token common.Address, amount *big.Int) {
	if s.tokenCredits[user] == nil {
		s.tokenCredits[user] = make(map[common.Address]*big.Int)
	}
	if s.tokenCredits[user][token] == nil {
		s.tokenCredits[user][token] = new(big.Int)
	}
	s.tokenCredits[user][token].Add(s.tokenCredits[user][token], amount)
}
