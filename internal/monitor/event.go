package monitor

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/internal/yield"
)

var basisPoints = decimal.NewFromInt(10000)

// RebasePercentage returns the balance growth implied by credits per token
// moving from prev to next, in percent with 6 decimals. It is zero unless
// prev > next.
func RebasePercentage(prev, next *big.Int) decimal.Decimal {
	if prev == nil || next == nil || next.Sign() <= 0 || prev.Cmp(next) <= 0 {
		return decimal.Zero
	}
	change := decimal.NewFromBigInt(new(big.Int).Sub(prev, next), 0)
	bp := change.Mul(basisPoints).DivRound(decimal.NewFromBigInt(next, 0), 16)
	return bp.Div(decimal.NewFromInt(100)).Round(6)
}

// NewRebaseEvent normalizes a detection from any source into the stored
// event shape.
func NewRebaseEvent(source string, raw ledger.RawRebaseEvent, timestamp int64, prev *big.Int, periodsPerYear float64) *models.RebaseEvent {
	next := raw.CreditsPerToken
	if prev == nil {
		prev = next
	}

	pct := RebasePercentage(prev, next)
	pctText, apy := "0", "0"
	if pct.IsPositive() {
		pctText = pct.StringFixed(6)
		apy = yield.FormatPercent(yield.AnnualizeRate(pct.InexactFloat64()/100, periodsPerYear))
	}

	return &models.RebaseEvent{
		BlockNumber:             raw.BlockNumber,
		TxHash:                  raw.TxHash,
		Timestamp:               timestamp,
		PreviousCreditsPerToken: prev.String(),
		NewCreditsPerToken:      next.String(),
		RebasePercentage:        pctText,
		EstimatedAPY:            apy,
		Source:                  source,
	}
}
