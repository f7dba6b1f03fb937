package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals of the USDs token.
const Decimals = 18

// Unit is 10^Decimals, the fixed-point scale of balances and credits per token.
var Unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// ResolutionIncrease is the extra scale of the high resolution credit figures
// (27 decimals instead of 18).
var ResolutionIncrease = big.NewInt(1_000_000_000)

// FromHighres truncates a high resolution credit figure to standard resolution.
func FromHighres(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(v, ResolutionIncrease)
}

// ToHighres scales a standard resolution credit figure up.
func ToHighres(v *big.Int) *big.Int {
	return new(big.Int).Mul(v, ResolutionIncrease)
}

// BalanceFromCredits converts a raw credit balance to token base units.
// A non-positive creditsPerToken yields zero.
func BalanceFromCredits(credits, creditsPerToken *big.Int) *big.Int {
	if credits == nil || creditsPerToken == nil || creditsPerToken.Sign() <= 0 {
		return new(big.Int)
	}
	balance := new(big.Int).Mul(credits, Unit)
	return balance.Quo(balance, creditsPerToken)
}

// YieldFromCreditsChange returns the base-unit balance gained by holding
// credits while creditsPerToken moved from atBaseline to now. Never negative.
func YieldFromCreditsChange(credits, atBaseline, now *big.Int) *big.Int {
	if atBaseline == nil || now == nil || atBaseline.Sign() <= 0 || now.Sign() <= 0 {
		return new(big.Int)
	}
	gain := BalanceFromCredits(credits, now)
	gain.Sub(gain, BalanceFromCredits(credits, atBaseline))
	if gain.Sign() < 0 {
		return new(big.Int)
	}
	return gain
}

// ToDecimal converts base units to a token-denominated decimal.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// FormatUnits renders base units as a token amount without trailing zeros.
func FormatUnits(v *big.Int) string {
	return ToDecimal(v).String()
}

// ParseUnits converts a token amount such as "12.5" into base units,
// truncating digits beyond the token precision.
func ParseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(Decimals).BigInt(), nil
}

// ParseInteger parses a base-10 integer string as stored for credits.
// Empty or malformed input parses as zero.
func ParseInteger(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
