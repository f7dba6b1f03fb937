package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger/ledgertest"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

var holder = common.HexToAddress("0x1111111111111111111111111111111111111111")

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ledger.Unit)
}

func newReader() (*ledger.Reader, *ledgertest.Backend) {
	backend := ledgertest.NewBackend()
	return ledger.NewReader(backend, ledgertest.TokenAddress), backend
}

func TestCreditsPerToken(t *testing.T) {
	ctx := context.Background()

	t.Run("Highres", func(t *testing.T) {
		reader, backend := newReader()
		backend.SetGlobal(ledger.MethodCreditsPerTokenHighres, big.NewInt(7_000_000_123))
		backend.SetGlobal(ledger.MethodCreditsPerToken, big.NewInt(9))

		cpt, err := reader.CreditsPerToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), cpt.Int64())
	})

	t.Run("FallbackWhenHighresReverts", func(t *testing.T) {
		reader, backend := newReader()
		backend.Revert(ledger.MethodCreditsPerTokenHighres)
		backend.SetGlobal(ledger.MethodCreditsPerToken, big.NewInt(9))

		for i := 0; i < 3; i++ {
			cpt, err := reader.CreditsPerToken(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(9), cpt.Int64())
		}
		// The high resolution getter is not retried once it reverted.
		assert.Equal(t, 1, backend.Calls(ledger.MethodCreditsPerTokenHighres))
	})

	t.Run("TransportError", func(t *testing.T) {
		reader, backend := newReader()
		backend.FailCalls(errors.New("connection refused"))

		_, err := reader.CreditsPerToken(ctx)
		require.Error(t, err)
		assert.True(t, utils.IsRetryable(err))
	})
}

func TestAccountReads(t *testing.T) {
	ctx := context.Background()
	reader, backend := newReader()
	backend.SetHolder(holder, e18(100), ledger.Unit, false)

	credits, cpt, err := reader.CreditBalanceOf(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, e18(100).String(), credits.String())
	assert.Equal(t, ledger.Unit.String(), cpt.String())

	balance, err := reader.BalanceOf(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, e18(100).String(), balance.String())

	nonRebasing, err := reader.IsNonRebasingAccount(ctx, holder)
	require.NoError(t, err)
	assert.False(t, nonRebasing)

	t.Run("NoCreditBalanceIsSentinel", func(t *testing.T) {
		backend.Revert(ledger.MethodCreditBalanceOf)
		_, _, err := reader.CreditBalanceOf(ctx, holder)
		assert.ErrorIs(t, err, ledger.ErrNoCreditBalance)
		assert.False(t, utils.IsRetryable(err))
	})
}

func TestContractState(t *testing.T) {
	reader, backend := newReader()
	backend.SetGlobal(ledger.MethodTotalSupply, e18(1000))
	backend.SetGlobal(ledger.MethodNonRebasingSupply, e18(250))
	backend.SetGlobal(ledger.MethodRebasingCredits, e18(700))
	backend.SetCreditsPerToken(big.NewInt(950000000000000000))
	backend.SetBlock(42)

	state, err := reader.ContractState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000", state.TotalSupply)
	assert.Equal(t, "250", state.NonRebasingSupply)
	assert.Equal(t, "750", state.RebasingSupply)
	assert.Equal(t, "950000000000000000", state.CreditsPerToken)
	assert.Equal(t, "700000000000000000000", state.RebasingCredits)
	assert.Equal(t, uint64(42), state.BlockNumber)
}

func TestPastRebaseEvents(t *testing.T) {
	reader, backend := newReader()
	backend.AddRebaseLog(100, e18(1000), e18(990), big.NewInt(990000000000000000))
	backend.AddRebaseLog(25000, e18(1001), e18(990), big.NewInt(980000000000000000))
	backend.AddRebaseLog(60000, e18(1002), e18(990), big.NewInt(970000000000000000))

	events, err := reader.PastRebaseEvents(context.Background(), 50, 30000)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(100), events[0].BlockNumber)
	assert.Equal(t, "990000000000000000", events[0].CreditsPerToken.String())
	assert.Equal(t, uint64(25000), events[1].BlockNumber)
	// Three getLogs requests for a 29951 block window.
	assert.Equal(t, 3, backend.Calls("eth_getLogs"))

	ts, err := reader.BlockTimestamp(context.Background(), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(ledgertest.BaseTime+100), ts)
}

func TestSubscribeRebaseEvents(t *testing.T) {
	reader, backend := newReader()
	sink := make(chan ledger.RawRebaseEvent, 1)

	sub, err := reader.SubscribeRebaseEvents(context.Background(), sink)
	require.NoError(t, err)

	backend.EmitRebase(7, e18(10), e18(9), big.NewInt(900000000000000000))
	select {
	case ev := <-sink:
		assert.Equal(t, uint64(7), ev.BlockNumber)
		assert.Equal(t, "900000000000000000", ev.CreditsPerToken.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no live event delivered")
	}

	sub.Unsubscribe()
	assert.Eventually(t, func() bool { return backend.Subscribers() == 0 }, time.Second, 10*time.Millisecond)

	t.Run("Unsupported", func(t *testing.T) {
		reader, backend := newReader()
		backend.FailSubscriptions(errors.New("notifications not supported"))
		_, err := reader.SubscribeRebaseEvents(context.Background(), sink)
		assert.Error(t, err)
	})
}
