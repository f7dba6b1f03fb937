package yield

import (
	"math"
	"strconv"

	"github.com/smartdevs17/usds-yield-tracker/internal/models"
)

// AnnualizeRate compounds a per-period fractional rate over periods and
// returns the annual yield as a percentage.
func AnnualizeRate(periodRate, periods float64) float64 {
	return (math.Pow(1+periodRate, periods) - 1) * 100
}

// PeriodRateFromAPY inverts AnnualizeRate for an APY given in percent.
func PeriodRateFromAPY(apy, periods float64) float64 {
	return math.Pow(1+apy/100, 1/periods) - 1
}

// FormatPercent renders a percentage with two decimals.
func FormatPercent(v float64) string {
	if math.IsNaN(v) {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// CalculateAPYFromEvents annualizes the average daily rebase rate over a
// window of windowDays. An empty window yields the fallback APY.
func (c *Calculator) CalculateAPYFromEvents(events []*models.RebaseEvent, windowDays int) float64 {
	if len(events) == 0 || windowDays <= 0 {
		return c.fallbackAPY
	}

	var total float64
	for _, e := range events {
		pct, err := strconv.ParseFloat(e.RebasePercentage, 64)
		if err != nil {
			continue
		}
		total += pct
	}

	dailyRate := total / 100 / float64(windowDays)
	return math.Max(0, AnnualizeRate(dailyRate, c.periodsPerYear))
}
