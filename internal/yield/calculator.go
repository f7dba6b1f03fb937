// Package yield turns credit balances and the rebase timeline into yield and
// APY figures.
package yield

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	secondsPerDay  = 86400
	weekDays       = 7
	monthDays      = 30
	apyEventsLimit = 1000
)

// Ledger is the subset of ledger.Reader the calculator reads.
type Ledger interface {
	CreditsPerToken(ctx context.Context) (*big.Int, error)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	IsNonRebasingAccount(ctx context.Context, account common.Address) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number *big.Int) (int64, error)
}

// Store is the subset of storage.EventStore the calculator reads and writes.
type Store interface {
	GetPaymentsByAddress(ctx context.Context, address string) ([]*models.TrackedPayment, error)
	GetRebaseEvents(ctx context.Context, from, to int64, limit int) ([]*models.RebaseEvent, error)
	CountRebaseEvents(ctx context.Context, from, to int64) (int, error)
	GetLatestRebaseEvent(ctx context.Context) (*models.RebaseEvent, error)
	GetRebaseEventCount(ctx context.Context) (int64, error)
	GetSnapshotAtOrBefore(ctx context.Context, address string, timestamp int64) (*models.YieldHistoryPoint, error)
	SaveYieldSnapshot(ctx context.Context, point *models.YieldHistoryPoint) error
}

// Calculator computes yield figures from live ledger reads and stored history.
type Calculator struct {
	ledger         Ledger
	store          Store
	periodsPerYear float64
	fallbackAPY    float64
	logger         *logrus.Entry
	now            func() time.Time
}

// NewCalculator creates a calculator. Zero config values take the defaults.
func NewCalculator(l Ledger, store Store, cfg *config.YieldConfig) *Calculator {
	c := &Calculator{
		ledger:         l,
		store:          store,
		periodsPerYear: 365,
		fallbackAPY:    8.5,
		logger:         utils.ComponentLogger("yield"),
		now:            time.Now,
	}
	if cfg != nil {
		if cfg.PeriodsPerYear > 0 {
			c.periodsPerYear = cfg.PeriodsPerYear
		}
		if cfg.FallbackAPY > 0 {
			c.fallbackAPY = cfg.FallbackAPY
		}
	}
	return c
}

// PeriodsPerYear is the compounding frequency used for every APY figure.
func (c *Calculator) PeriodsPerYear() float64 {
	return c.periodsPerYear
}

// SumPayments totals the deposits and yield of rebasing payments at cpt.
// Payments to opted-out accounts contribute nothing.
func SumPayments(payments []*models.TrackedPayment, cpt *big.Int) (deposits, earned *big.Int) {
	deposits, earned = new(big.Int), new(big.Int)
	for _, p := range payments {
		if !p.IsRebasing {
			continue
		}
		if amount, err := ledger.ParseUnits(p.InitialAmount); err == nil {
			deposits.Add(deposits, amount)
		}
		earned.Add(earned, ledger.YieldFromCreditsChange(
			ledger.ParseInteger(p.InitialCredits),
			ledger.ParseInteger(p.InitialCreditsPerToken),
			cpt,
		))
	}
	return deposits, earned
}

// percentOf returns part/whole*100 truncated to basis points, with 4 decimals.
func percentOf(part, whole *big.Int) string {
	if whole.Sign() <= 0 {
		return "0"
	}
	bp := new(big.Int).Mul(part, big.NewInt(10000))
	bp.Quo(bp, whole)
	return decimal.NewFromBigInt(bp, -2).StringFixed(4)
}

// GetYieldInfo summarizes balance, deposits and earned yield for address.
func (c *Calculator) GetYieldInfo(ctx context.Context, address string) (*models.YieldInfo, error) {
	account := common.HexToAddress(address)

	balance, err := c.ledger.BalanceOf(ctx, account)
	if err != nil {
		return nil, err
	}
	nonRebasing, err := c.ledger.IsNonRebasingAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	cpt, err := c.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := c.store.GetPaymentsByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	deposits, earned := SumPayments(payments, cpt)

	apy, err := c.GetAPYInfo(ctx)
	if err != nil {
		return nil, err
	}

	return &models.YieldInfo{
		Address:              utils.NormalizeAddress(address),
		CurrentBalance:       ledger.FormatUnits(balance),
		IsRebasing:           !nonRebasing,
		TotalInitialDeposits: ledger.FormatUnits(deposits),
		TotalYieldEarned:     ledger.FormatUnits(earned),
		YieldPercentage:      percentOf(earned, deposits),
		PaymentCount:         len(payments),
		APY:                  apy,
	}, nil
}

// GetAPYInfo derives current, weekly and monthly APY from stored rebases.
func (c *Calculator) GetAPYInfo(ctx context.Context) (*models.APYInfo, error) {
	cpt, err := c.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := c.store.GetLatestRebaseEvent(ctx)
	if err != nil {
		return nil, err
	}
	total, err := c.store.GetRebaseEventCount(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now().Unix()
	// The upper bound is exclusive; include events stamped this second.
	weekly, err := c.store.GetRebaseEvents(ctx, now-weekDays*secondsPerDay, now+1, apyEventsLimit)
	if err != nil {
		return nil, err
	}
	monthly, err := c.store.GetRebaseEvents(ctx, now-monthDays*secondsPerDay, now+1, apyEventsLimit)
	if err != nil {
		return nil, err
	}

	weeklyAPY := c.CalculateAPYFromEvents(weekly, weekDays)
	info := &models.APYInfo{
		Current:         FormatPercent(weeklyAPY),
		WeeklyAverage:   FormatPercent(weeklyAPY),
		MonthlyAverage:  FormatPercent(c.CalculateAPYFromEvents(monthly, monthDays)),
		CreditsPerToken: cpt.String(),
		RebaseCount7d:   len(weekly),
		RebaseCount30d:  len(monthly),
		TotalRebases:    total,
	}
	if latest != nil {
		info.LastRebase = latest.Timestamp
	}
	return info, nil
}

// CalculateYieldBetween reports balance growth of address over [from, to)
// using the nearest snapshots at or before each boundary.
func (c *Calculator) CalculateYieldBetween(ctx context.Context, address string, from, to int64) (*models.YieldBetween, error) {
	if to < from {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid time range", "to is before from")
	}

	count, err := c.store.CountRebaseEvents(ctx, from, to)
	if err != nil {
		return nil, err
	}

	startBalance := "0"
	start, err := c.store.GetSnapshotAtOrBefore(ctx, address, from)
	if err != nil {
		return nil, err
	}
	if start != nil {
		startBalance = start.Balance
	}

	var endBalance string
	end, err := c.store.GetSnapshotAtOrBefore(ctx, address, to)
	if err != nil {
		return nil, err
	}
	if end != nil {
		endBalance = end.Balance
	} else {
		live, err := c.ledger.BalanceOf(ctx, common.HexToAddress(address))
		if err != nil {
			return nil, err
		}
		endBalance = ledger.FormatUnits(live)
	}

	startWei, err := ledger.ParseUnits(startBalance)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeProcessing, "Corrupt snapshot balance", startBalance)
	}
	endWei, err := ledger.ParseUnits(endBalance)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeProcessing, "Corrupt snapshot balance", endBalance)
	}
	earned := new(big.Int).Sub(endWei, startWei)
	if earned.Sign() < 0 {
		earned.SetInt64(0)
	}

	return &models.YieldBetween{
		Address:      utils.NormalizeAddress(address),
		From:         from,
		To:           to,
		StartBalance: startBalance,
		EndBalance:   endBalance,
		YieldEarned:  ledger.FormatUnits(earned),
		RebaseCount:  count,
	}, nil
}

// EstimateFutureYield projects balance forward by days at the current APY.
func (c *Calculator) EstimateFutureYield(ctx context.Context, balance string, days int) (*models.FutureYield, error) {
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid balance", balance)
	}
	if days < 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid days", "days must not be negative")
	}

	info, err := c.GetAPYInfo(ctx)
	if err != nil {
		return nil, err
	}
	apy, err := decimal.NewFromString(info.Current)
	if err != nil {
		apy = decimal.NewFromFloat(c.fallbackAPY)
	}

	dailyRate := PeriodRateFromAPY(apy.InexactFloat64(), c.periodsPerYear)
	growth := decimal.NewFromFloat(math.Pow(1+dailyRate, float64(days)))
	projected := current.Mul(growth)

	return &models.FutureYield{
		CurrentBalance:   balance,
		Days:             days,
		APY:              info.Current,
		ProjectedBalance: projected.StringFixed(6),
		ProjectedYield:   projected.Sub(current).StringFixed(6),
	}, nil
}

// CalculatePaymentYield reports the realized yield of one payment.
func (c *Calculator) CalculatePaymentYield(ctx context.Context, payment *models.TrackedPayment) (*models.PaymentYield, error) {
	daysHeld := (c.now().Unix() - payment.Timestamp) / secondsPerDay
	if daysHeld < 1 {
		daysHeld = 1
	}

	result := &models.PaymentYield{
		Payment:         payment,
		OriginalAmount:  payment.InitialAmount,
		CurrentValue:    payment.InitialAmount,
		YieldEarned:     "0",
		YieldPercentage: "0",
		DaysHeld:        daysHeld,
		EffectiveAPY:    FormatPercent(0),
	}
	if !payment.IsRebasing {
		return result, nil
	}

	cpt, err := c.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}

	credits := ledger.ParseInteger(payment.InitialCredits)
	baseline := ledger.ParseInteger(payment.InitialCreditsPerToken)
	if baseline.Sign() <= 0 {
		return result, nil
	}
	initial := ledger.BalanceFromCredits(credits, baseline)
	earned := ledger.YieldFromCreditsChange(credits, baseline, cpt)
	pct := percentOf(earned, initial)

	pctValue, _ := decimal.NewFromString(pct)
	dailyRate := pctValue.InexactFloat64() / 100 / float64(daysHeld)

	result.CurrentValue = ledger.FormatUnits(ledger.BalanceFromCredits(credits, cpt))
	result.YieldEarned = ledger.FormatUnits(earned)
	result.YieldPercentage = pct
	result.EffectiveAPY = FormatPercent(AnnualizeRate(dailyRate, c.periodsPerYear))
	return result, nil
}

// RecordYieldSnapshot stores a snapshot of address at the latest block.
func (c *Calculator) RecordYieldSnapshot(ctx context.Context, address string) (*models.YieldHistoryPoint, error) {
	account := common.HexToAddress(address)

	balance, err := c.ledger.BalanceOf(ctx, account)
	if err != nil {
		return nil, err
	}
	cpt, err := c.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}
	block, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	timestamp, err := c.ledger.BlockTimestamp(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, err
	}
	payments, err := c.store.GetPaymentsByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	_, cumulative := SumPayments(payments, cpt)

	point := &models.YieldHistoryPoint{
		Address:         utils.NormalizeAddress(address),
		Timestamp:       timestamp,
		Balance:         ledger.FormatUnits(balance),
		CreditsPerToken: cpt.String(),
		CumulativeYield: ledger.FormatUnits(cumulative),
		BlockNumber:     block,
	}
	if err := c.store.SaveYieldSnapshot(ctx, point); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"address": point.Address,
		"balance": point.Balance,
		"block":   block,
	}).Debug("Recorded yield snapshot")
	return point, nil
}
