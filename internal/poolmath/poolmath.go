// Package poolmath implements quoting against a constant-product bonding
// curve with the launchpad's 1% platform fee on the input side.
//
// All arithmetic is *big.Int with floor rounding. The 1-wei guard subtracted
// from every min-out bound, together with floor rounding, guarantees a trade
// quoted against a reserve snapshot cannot revert at the pool from pure
// integer rounding while reserves are unchanged.
package poolmath

import "math/big"

const (
	// FeeFactor / FeeBase is the pool's input-side fee scaling (9900/10000,
	// i.e. a 1% platform fee charged by the curve itself).
	FeeFactor = 9900
	FeeBase   = 10000

	// BpsBase is the denominator for slippage expressed in basis points.
	BpsBase = 10000
)

var (
	feeFactor = big.NewInt(FeeFactor)
	feeBase   = big.NewInt(FeeBase)
	bpsBase   = big.NewInt(BpsBase)
	one       = big.NewInt(1)
)

// ExpectedBuyOut returns the tokens a buy of ethIn wei yields at reserves
// (ethReserve, tokenReserve), after the curve's input fee. Clamped at zero.
func ExpectedBuyOut(ethReserve, tokenReserve, ethIn *big.Int) *big.Int {
	return expectedOut(ethReserve, tokenReserve, ethIn)
}

// ExpectedSellOut returns the ETH (wei) a sell of tokenIn yields at reserves
// (ethReserve, tokenReserve). Symmetric with tokens as the input side.
func ExpectedSellOut(ethReserve, tokenReserve, tokenIn *big.Int) *big.Int {
	return expectedOut(tokenReserve, ethReserve, tokenIn)
}

// expectedOut runs the constant-product formula with the input reserve first:
//
//	x' = x·φ/B
//	outReserve' = ⌊inReserve·outReserve / (inReserve + x')⌋
//	out = outReserve − outReserve'
func expectedOut(inReserve, outReserve, in *big.Int) *big.Int {
	if inReserve.Sign() <= 0 || outReserve.Sign() <= 0 || in.Sign() <= 0 {
		return new(big.Int)
	}

	effIn := new(big.Int).Mul(in, feeFactor)
	effIn.Div(effIn, feeBase)

	k := new(big.Int).Mul(inReserve, outReserve)
	newIn := new(big.Int).Add(inReserve, effIn)
	newOut := new(big.Int).Div(k, newIn)

	out := new(big.Int).Sub(outReserve, newOut)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// MinOut applies a slippage haircut of slippageBps to an expected output and
// subtracts one wei to absorb rounding at the pool. Clamped at zero.
func MinOut(expected *big.Int, slippageBps int64) *big.Int {
	if expected.Sign() <= 0 {
		return new(big.Int)
	}
	m := new(big.Int).Mul(expected, big.NewInt(BpsBase-slippageBps))
	m.Div(m, bpsBase)
	m.Sub(m, one)
	if m.Sign() < 0 {
		return new(big.Int)
	}
	return m
}

// BuyQuote is the full buy-side computation: expected tokens out and the
// slippage-bounded minimum.
func BuyQuote(ethReserve, tokenReserve, ethIn *big.Int, slippageBps int64) (expected, minOut *big.Int) {
	expected = ExpectedBuyOut(ethReserve, tokenReserve, ethIn)
	return expected, MinOut(expected, slippageBps)
}

// SellQuote is the full sell-side computation: expected wei out and the
// slippage-bounded minimum.
func SellQuote(ethReserve, tokenReserve, tokenIn *big.Int, slippageBps int64) (expected, minOut *big.Int) {
	expected = ExpectedSellOut(ethReserve, tokenReserve, tokenIn)
	return expected, MinOut(expected, slippageBps)
}

// ApplyFeeBps deducts a basis-point fee from amount, returning the net amount
// and the fee. Used by the executor to model the custody fee before quoting:
// the pool never sees the fee portion.
func ApplyFeeBps(amount *big.Int, feeBps int64) (net, fee *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(feeBps))
	fee.Div(fee, bpsBase)
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}
