package poolmath

import (
	"math/big"
	"math/rand"
	"testing"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestExpectedBuyOutMatchesInvariant(t *testing.T) {
	t.Parallel()

	// 1000 ETH / 1,000,000 TOK pool, 1 ETH in.
	re, rt := eth(1000), eth(1_000_000)
	in := eth(1)

	out := ExpectedBuyOut(re, rt, in)

	// Recompute by hand: x' = 0.99 ETH, newRt = floor(k / (re + x')).
	effIn := new(big.Int).Div(new(big.Int).Mul(in, big.NewInt(9900)), big.NewInt(10000))
	k := new(big.Int).Mul(re, rt)
	newRt := new(big.Int).Div(k, new(big.Int).Add(re, effIn))
	want := new(big.Int).Sub(rt, newRt)

	if out.Cmp(want) != 0 {
		t.Errorf("ExpectedBuyOut = %s, want %s", out, want)
	}
	if out.Sign() <= 0 {
		t.Error("expected positive output for positive input")
	}
	// Roughly 1/1000 of the token reserve, minus fee and price impact.
	if out.Cmp(eth(990)) > 0 {
		t.Errorf("output %s exceeds fee-free upper bound", out)
	}
}

func TestMinOutZeroSlippageWithinOneWei(t *testing.T) {
	t.Parallel()

	re, rt := eth(1000), eth(1_000_000)
	expected, minOut := BuyQuote(re, rt, eth(1), 0)

	diff := new(big.Int).Sub(expected, minOut)
	if diff.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("minOut at s=0 differs from expected by %s wei, want exactly 1", diff)
	}
}

func TestMinOutMonotoneInSlippage(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		re := eth(rng.Int63n(10_000) + 1)
		rt := eth(rng.Int63n(10_000_000) + 1)
		in := eth(rng.Int63n(100) + 1)

		expected, minZero := BuyQuote(re, rt, in, 0)
		if expected.Sign() <= 0 {
			continue
		}
		for _, s := range []int64{1, 50, 100, 500, 5000} {
			m := MinOut(expected, s)
			if m.Cmp(minZero) >= 0 {
				t.Fatalf("minOut(s=%d)=%s not strictly below minOut(0)=%s (reserves %s/%s in %s)",
					s, m, minZero, re, rt, in)
			}
		}
	}
}

func TestSellQuoteSymmetric(t *testing.T) {
	t.Parallel()

	re, rt := eth(1000), eth(1_000_000)
	tokIn := eth(1000)

	out := ExpectedSellOut(re, rt, tokIn)
	if out.Sign() <= 0 {
		t.Fatal("sell output should be positive")
	}
	// Selling 0.1% of token reserve should fetch just under 0.1% of ETH reserve.
	if out.Cmp(eth(1)) >= 0 {
		t.Errorf("sell output %s exceeds no-impact bound", out)
	}
}

func TestDegenerateInputs(t *testing.T) {
	t.Parallel()

	zero := new(big.Int)
	if got := ExpectedBuyOut(zero, eth(1), eth(1)); got.Sign() != 0 {
		t.Errorf("zero eth reserve: got %s, want 0", got)
	}
	if got := ExpectedBuyOut(eth(1), zero, eth(1)); got.Sign() != 0 {
		t.Errorf("zero token reserve: got %s, want 0", got)
	}
	if got := ExpectedBuyOut(eth(1), eth(1), zero); got.Sign() != 0 {
		t.Errorf("zero input: got %s, want 0", got)
	}
	if got := MinOut(zero, 100); got.Sign() != 0 {
		t.Errorf("minOut of zero: got %s, want 0", got)
	}
	// Tiny expected output where the haircut+guard floors through zero.
	if got := MinOut(big.NewInt(1), 100); got.Sign() != 0 {
		t.Errorf("minOut(1 wei) = %s, want 0", got)
	}
}

func TestApplyFeeBps(t *testing.T) {
	t.Parallel()

	amount := eth(1) // 1 ETH, 100 bps fee
	net, fee := ApplyFeeBps(amount, 100)

	wantFee := new(big.Int).Div(amount, big.NewInt(100))
	if fee.Cmp(wantFee) != 0 {
		t.Errorf("fee = %s, want %s", fee, wantFee)
	}
	if new(big.Int).Add(net, fee).Cmp(amount) != 0 {
		t.Error("net + fee must equal gross amount")
	}
}
