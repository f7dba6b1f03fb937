package ledger

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func TestYieldFromCreditsChange(t *testing.T) {
	credits := bi("100000000000000000000")
	baseline := bi("1000000000000000000")

	t.Run("FivePercentRebase", func(t *testing.T) {
		y := YieldFromCreditsChange(credits, baseline, bi("950000000000000000"))
		assert.Equal(t, "5263157894736842105", y.String())
		assert.Equal(t, "5.263157894736842105", FormatUnits(y))
	})

	t.Run("IncreasingDenominatorFloorsAtZero", func(t *testing.T) {
		y := YieldFromCreditsChange(credits, baseline, bi("1100000000000000000"))
		assert.Equal(t, 0, y.Sign())
	})

	t.Run("ZeroDenominator", func(t *testing.T) {
		assert.Equal(t, 0, YieldFromCreditsChange(credits, big.NewInt(0), baseline).Sign())
		assert.Equal(t, 0, YieldFromCreditsChange(credits, baseline, big.NewInt(0)).Sign())
		assert.Equal(t, 0, YieldFromCreditsChange(credits, nil, baseline).Sign())
	})

	t.Run("Monotonic", func(t *testing.T) {
		prev := big.NewInt(0)
		cpt := new(big.Int).Set(baseline)
		step := bi("1000000000000000")
		for i := 0; i < 50; i++ {
			cpt.Sub(cpt, step)
			y := YieldFromCreditsChange(credits, baseline, cpt)
			require.True(t, y.Cmp(prev) >= 0, "yield decreased at step %d", i)
			prev = y
		}
	})
}

func TestBalanceFromCredits(t *testing.T) {
	assert.Equal(t, "100000000000000000000",
		BalanceFromCredits(bi("100000000000000000000"), Unit).String())
	assert.Equal(t, 0, BalanceFromCredits(big.NewInt(5), big.NewInt(-1)).Sign())
}

func TestUnits(t *testing.T) {
	v, err := ParseUnits("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12500000000000000000", v.String())
	assert.Equal(t, "12.5", FormatUnits(v))

	v, err = ParseUnits("0.0000000000000000019")
	require.NoError(t, err)
	assert.Equal(t, "1", v.String())

	_, err = ParseUnits("abc")
	assert.Error(t, err)

	assert.Equal(t, "0", FormatUnits(nil))
	assert.Equal(t, 0, ParseInteger("").Sign())
	assert.Equal(t, "42", ParseInteger("42").String())
}

func TestHighresConversion(t *testing.T) {
	assert.Equal(t, "950000000000000000", FromHighres(bi("950000000123456789000000000")).String())
	assert.Equal(t, "950000000000000000000000000", ToHighres(bi("950000000000000000")).String())
	assert.Equal(t, 0, FromHighres(nil).Sign())
}
