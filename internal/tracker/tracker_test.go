package tracker

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/usds-yield-tracker/internal/cache"
	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger/ledgertest"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/internal/storage"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000A11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0b")
)

const txHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ledger.Unit)
}

type env struct {
	tracker *YieldTracker
	backend *ledgertest.Backend
	store   storage.EventStore
	cache   *cache.MemoryStore
	metrics *metrics.Manager
}

func testConfig() *config.Config {
	return &config.Config{
		Chain:   config.ChainConfig{Network: config.NetworkMainnet},
		Monitor: config.MonitorConfig{PollInterval: time.Hour, EnableSubscription: true},
		Cache:   config.CacheConfig{Type: "memory", TTL: time.Hour},
	}
}

func newEnv(t *testing.T, wrap func(*ledger.Reader) Ledger) *env {
	t.Helper()
	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "tracker.db"),
	})
	require.NoError(t, err)

	backend := ledgertest.NewBackend()
	reader := ledger.NewReader(backend, ledgertest.TokenAddress)
	var l Ledger = reader
	if wrap != nil {
		l = wrap(reader)
	}

	e := &env{
		backend: backend,
		store:   store,
		cache:   cache.NewMemoryStore(),
		metrics: metrics.NewManager(),
	}
	e.tracker = New(testConfig(), l, store, e.cache, e.metrics)
	t.Cleanup(func() { e.tracker.Close() })
	return e
}

func (e *env) track(t *testing.T, account common.Address, amount string) *models.TrackedPayment {
	t.Helper()
	payment, err := e.tracker.TrackPayment(context.Background(), &models.TrackPaymentRequest{
		Address: account.Hex(),
		TxHash:  txHash,
		Amount:  amount,
	})
	require.NoError(t, err)
	return payment
}

func TestTrackPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.backend.SetHolder(alice, e18(100), ledger.Unit, false)
	e.backend.SetBlock(50)

	payment, err := e.tracker.TrackPayment(ctx, &models.TrackPaymentRequest{
		Address:     alice.Hex(),
		TxHash:      txHash,
		Amount:      "100",
		Description: "invoice 42",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, payment.ID)
	assert.Equal(t, strings.ToLower(alice.Hex()), payment.Address)
	assert.Equal(t, e18(100).String(), payment.InitialCredits)
	assert.Equal(t, ledger.Unit.String(), payment.InitialCreditsPerToken)
	assert.Equal(t, uint64(50), payment.BlockNumber)
	assert.Equal(t, int64(ledgertest.BaseTime+50), payment.Timestamp)
	assert.True(t, payment.IsRebasing)

	stored, err := e.tracker.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "invoice 42", stored.Description)

	history, err := e.tracker.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	require.Len(t, history.History, 1, "tracking records an initial snapshot")
	assert.Equal(t, "100", history.History[0].Balance)
	assert.Equal(t, payment.Timestamp, history.FirstTracked)
	assert.Equal(t, history.History[0].Timestamp, history.LastTracked)
	assert.Equal(t, "0.000000", history.TotalYieldEarned)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.GetPrometheusMetrics().PaymentsTrackedTotal))
}

func TestTrackPaymentWithoutCreditBalance(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.Revert(ledger.MethodCreditBalanceOf)
	e.backend.SetAccount(ledger.MethodIsNonRebasingAccount, bob, true)

	payment := e.track(t, bob, "5")
	assert.Equal(t, "0", payment.InitialCredits)
	assert.False(t, payment.IsRebasing)
}

func TestTrackPaymentTransportError(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.FailCalls(errors.New("dial tcp: i/o timeout"))

	_, err := e.tracker.TrackPayment(context.Background(), &models.TrackPaymentRequest{
		Address: alice.Hex(), TxHash: txHash, Amount: "1",
	})
	require.Error(t, err)

	addresses, err := e.store.GetTrackedAddresses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, addresses)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Close before Start", func(t *testing.T) {
		e := newEnv(t, nil)
		assert.Equal(t, StateCreated, e.tracker.State())
		require.NoError(t, e.tracker.Close())
		require.NoError(t, e.tracker.Close())
		assert.ErrorIs(t, e.tracker.Start(ctx), ErrClosed)
	})

	t.Run("Start Close", func(t *testing.T) {
		e := newEnv(t, nil)
		require.NoError(t, e.tracker.Start(ctx))
		require.NoError(t, e.tracker.Start(ctx))
		assert.True(t, e.tracker.IsRunning())
		assert.True(t, e.tracker.Monitor().IsRunning())

		status, err := e.tracker.GetStatus(ctx)
		require.NoError(t, err)
		assert.True(t, status.IsRunning)
		assert.Equal(t, config.NetworkMainnet, status.Network)
		assert.Equal(t, 0, status.TrackedAddresses)
		require.NotNil(t, status.Monitor)
		assert.Equal(t, "running", status.Monitor.State)

		require.NoError(t, e.tracker.Close())
		assert.Equal(t, StateStopped, e.tracker.State())
		assert.False(t, e.tracker.Monitor().IsRunning())
		assert.ErrorIs(t, e.tracker.Start(ctx), ErrClosed)
	})

	t.Run("Invalid schedule", func(t *testing.T) {
		e := newEnv(t, nil)
		e.tracker.snapshotSchedule = "every tuesday"
		err := e.tracker.Start(ctx)
		require.Error(t, err)
		assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
		assert.False(t, e.tracker.Monitor().IsRunning())
	})
}

func TestRebaseRefreshesSnapshotsAndCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.backend.SetHolder(alice, e18(100), ledger.Unit, false)
	e.track(t, alice, "100")

	require.NoError(t, e.tracker.Start(ctx))
	require.Eventually(t, func() bool { return e.backend.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	before, err := e.tracker.GetAPYInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.TotalRebases)
	assert.Equal(t, 1, e.cache.Len(), "apy cached")

	cpt := big.NewInt(950_000_000_000_000_000)
	e.backend.SetHolder(alice, e18(100), cpt, false)
	e.backend.EmitRebase(10, big.NewInt(0), big.NewInt(0), cpt)

	sweeps := e.metrics.GetPrometheusMetrics().SnapshotSweepsTotal.WithLabelValues(TriggerRebase)
	require.Eventually(t, func() bool { return testutil.ToFloat64(sweeps) == 1 }, 2*time.Second, 10*time.Millisecond)

	after, err := e.tracker.GetAPYInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.TotalRebases, "rebase invalidates the cached apy")

	history, err := e.tracker.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	require.Len(t, history.History, 2)
	assert.Equal(t, "5.263158", history.TotalYieldEarned)
	assert.Equal(t, "5.263157894736842105", history.History[0].CumulativeYield)
	assert.Equal(t, "105.263157894736842105", history.History[0].Balance)
}

type flakyLedger struct {
	*ledger.Reader
	broken common.Address
}

func (f flakyLedger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if account == f.broken {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "RPC call failed", "balanceOf")
	}
	return f.Reader.BalanceOf(ctx, account)
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyLedger
	e := newEnv(t, func(r *ledger.Reader) Ledger {
		flaky = &flakyLedger{Reader: r}
		return flaky
	})
	e.track(t, alice, "1")
	e.track(t, bob, "2")

	flaky.broken = alice
	require.NoError(t, e.tracker.UpdateAllSnapshots(ctx))

	aliceHistory, err := e.store.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	assert.Len(t, aliceHistory, 1)
	bobHistory, err := e.store.GetYieldHistory(ctx, bob.Hex(), 10)
	require.NoError(t, err)
	assert.Len(t, bobHistory, 2)

	pm := e.metrics.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SnapshotsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SnapshotsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.TrackedAddresses))
}

// gatedLedger holds balance reads after taking their value until gate is
// closed. A nil gate lets reads through.
type gatedLedger struct {
	*ledger.Reader
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedLedger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := g.Reader.BalanceOf(ctx, account)
	if g.gate != nil {
		g.entered <- struct{}{}
		<-g.gate
	}
	return balance, err
}

func TestRebaseDuringSweepGetsFollowUp(t *testing.T) {
	ctx := context.Background()
	var gated *gatedLedger
	e := newEnv(t, func(r *ledger.Reader) Ledger {
		gated = &gatedLedger{Reader: r}
		return gated
	})
	e.backend.SetHolder(alice, e18(100), ledger.Unit, false)
	e.track(t, alice, "100")

	gated.gate = make(chan struct{})
	gated.entered = make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() { done <- e.tracker.sweep(ctx, TriggerSchedule) }()
	<-gated.entered

	// The scheduled sweep already read the pre-rebase balance.
	cpt := big.NewInt(950_000_000_000_000_000)
	e.backend.SetHolder(alice, e18(100), cpt, false)
	e.backend.SetBlock(10)
	require.NoError(t, e.tracker.onRebase(ctx, &models.RebaseEvent{BlockNumber: 10, RebasePercentage: "5.263158"}))

	close(gated.gate)
	require.NoError(t, <-done)

	history, err := e.store.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "105.263157894736842105", history[0].Balance, "post-rebase snapshot")
	assert.Equal(t, "100", history[1].Balance)

	pm := e.metrics.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SnapshotSweepsTotal.WithLabelValues(TriggerSchedule)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SnapshotSweepsTotal.WithLabelValues(TriggerRebase)))
}

func TestQueuedSweepsCoalesce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.track(t, alice, "1")

	e.tracker.sweepMu.Lock()
	require.NoError(t, e.tracker.sweep(ctx, TriggerRebase))
	require.NoError(t, e.tracker.sweep(ctx, TriggerSchedule))
	e.tracker.sweepMu.Unlock()

	history, err := e.store.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "queued while another sweep holds the lock")

	// The next caller's sweep absorbs the queued requests.
	require.NoError(t, e.tracker.UpdateAllSnapshots(ctx))
	history, err = e.store.GetYieldHistory(ctx, alice.Hex(), 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	pm := e.metrics.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SnapshotSweepsTotal.WithLabelValues(TriggerRebase)))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.SnapshotSweepsTotal.WithLabelValues(TriggerManual)))
}

func TestYieldHistoryExcludesNonRebasingPayments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.backend.SetHolder(bob, e18(100), ledger.Unit, true)
	e.track(t, bob, "100")

	e.backend.SetCreditsPerToken(big.NewInt(950_000_000_000_000_000))

	history, err := e.tracker.GetYieldHistory(ctx, bob.Hex(), 10)
	require.NoError(t, err)
	assert.Equal(t, "0.000000", history.TotalYieldEarned)

	info, err := e.tracker.GetYieldInfo(ctx, bob.Hex())
	require.NoError(t, err)
	assert.Equal(t, "0", info.TotalYieldEarned)
}

func TestContractStateIsCached(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.backend.SetGlobal(ledger.MethodTotalSupply, e18(1000))

	first, err := e.tracker.GetContractState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", first.TotalSupply)

	calls := e.backend.Calls(ledger.MethodTotalSupply)
	e.backend.SetGlobal(ledger.MethodTotalSupply, e18(2000))

	second, err := e.tracker.GetContractState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", second.TotalSupply)
	assert.Equal(t, calls, e.backend.Calls(ledger.MethodTotalSupply))

	require.NoError(t, e.tracker.invalidateCache(ctx, &models.RebaseEvent{}))
	third, err := e.tracker.GetContractState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2000", third.TotalSupply)

	hits := e.metrics.GetPrometheusMetrics().CacheRequestsTotal.WithLabelValues(cacheKeyContractState, "hit")
	assert.Equal(t, 1.0, testutil.ToFloat64(hits))
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.backend.SetHolder(alice, e18(100), ledger.Unit, false)
	payment := e.track(t, alice, "100")

	payments, err := e.tracker.GetPayments(ctx, alice.Hex())
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, payment.ID, payments[0].ID)

	py, err := e.tracker.GetPaymentYield(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", py.CurrentValue)

	_, err = e.tracker.GetPaymentYield(ctx, "missing")
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

	missing, err := e.tracker.GetPayment(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	latest, err := e.tracker.GetLatestRebase(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	events, err := e.tracker.GetRebaseEvents(ctx, 0, time.Now().Unix())
	require.NoError(t, err)
	assert.Empty(t, events)

	estimate, err := e.tracker.EstimateFutureYield(ctx, "100", 30)
	require.NoError(t, err)
	assert.Equal(t, "8.50", estimate.APY)

	info, err := e.tracker.GetYieldInfo(ctx, alice.Hex())
	require.NoError(t, err)
	assert.Equal(t, "100", info.TotalInitialDeposits)
	assert.Equal(t, 1, info.PaymentCount)

	between, err := e.tracker.CalculateYieldBetween(ctx, alice.Hex(), 0, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, "100", between.EndBalance)
}
