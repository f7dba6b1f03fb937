package monitor

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger/ledgertest"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/internal/storage"
	"github.com/smartdevs17/usds-yield-tracker/internal/yield"
)

func cpt(milli int64) *big.Int {
	// milli thousandths of 1e18
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1_000_000_000_000_000))
}

type harness struct {
	monitor *RebaseMonitor
	backend *ledgertest.Backend
	store   storage.EventStore
	metrics *metrics.Manager
}

func newHarness(t *testing.T, l func(*ledger.Reader) Ledger, cfg config.MonitorConfig) *harness {
	t.Helper()
	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "monitor.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := ledgertest.NewBackend()
	reader := ledger.NewReader(backend, ledgertest.TokenAddress)
	var source Ledger = reader
	if l != nil {
		source = l(reader)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}

	m := metrics.NewManager()
	h := &harness{
		monitor: NewRebaseMonitor(source, store, &cfg, 365, m),
		backend: backend,
		store:   store,
		metrics: m,
	}
	t.Cleanup(func() { h.monitor.Stop() })
	return h
}

func (h *harness) count(t *testing.T) int64 {
	n, err := h.store.GetRebaseEventCount(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) events(t *testing.T) []*models.RebaseEvent {
	events, err := h.store.GetRebaseEvents(context.Background(), 0, 1<<62, 100)
	require.NoError(t, err)
	return events
}

func TestRebasePercentage(t *testing.T) {
	assert.Equal(t, "5.263158", RebasePercentage(cpt(1000), cpt(950)).StringFixed(6))
	assert.True(t, RebasePercentage(cpt(950), cpt(1000)).IsZero())
	assert.True(t, RebasePercentage(cpt(950), cpt(950)).IsZero())
	assert.True(t, RebasePercentage(cpt(950), big.NewInt(0)).IsZero())
}

func TestNewRebaseEvent(t *testing.T) {
	raw := ledger.RawRebaseEvent{BlockNumber: 9, TxHash: "0xab", CreditsPerToken: cpt(999)}

	ev := NewRebaseEvent(models.SourceLive, raw, 1234, cpt(1000), 365)
	assert.Equal(t, uint64(9), ev.BlockNumber)
	assert.Equal(t, "0xab", ev.TxHash)
	assert.Equal(t, int64(1234), ev.Timestamp)
	assert.Equal(t, cpt(1000).String(), ev.PreviousCreditsPerToken)
	assert.Equal(t, cpt(999).String(), ev.NewCreditsPerToken)
	assert.Equal(t, "0.100100", ev.RebasePercentage)
	assert.Equal(t, yield.FormatPercent(yield.AnnualizeRate(0.1001/100, 365)), ev.EstimatedAPY)
	assert.Equal(t, models.SourceLive, ev.Source)

	first := NewRebaseEvent(models.SourceBackfill, raw, 1234, nil, 365)
	assert.Equal(t, first.NewCreditsPerToken, first.PreviousCreditsPerToken)
	assert.Equal(t, "0", first.RebasePercentage)
	assert.Equal(t, "0", first.EstimatedAPY)
}

func TestStartBackfillsHistory(t *testing.T) {
	h := newHarness(t, nil, config.MonitorConfig{})
	h.backend.AddRebaseLog(10, big.NewInt(0), big.NewInt(0), cpt(990))
	h.backend.AddRebaseLog(20, big.NewInt(0), big.NewInt(0), cpt(980))
	h.backend.SetBlock(100)

	require.NoError(t, h.monitor.Start(context.Background()))
	assert.Equal(t, StateRunning, h.monitor.State())

	events := h.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(20), events[0].BlockNumber)
	assert.Equal(t, cpt(990).String(), events[0].PreviousCreditsPerToken)
	assert.Equal(t, int64(ledgertest.BaseTime+20), events[0].Timestamp)
	assert.Equal(t, "0", events[1].RebasePercentage, "first event chains from itself")

	assert.Equal(t, cpt(980).String(), h.monitor.LastCreditsPerToken().String())
	value, ok, err := h.store.GetGlobalState(context.Background(), models.StateLastCreditsPerToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cpt(980).String(), value)

	stored := h.metrics.GetPrometheusMetrics().RebasesDetectedTotal.WithLabelValues(models.SourceBackfill)
	assert.Equal(t, 2.0, testutil.ToFloat64(stored))

	require.NoError(t, h.monitor.Stop())
	assert.Equal(t, StateStopped, h.monitor.State())
	require.NoError(t, h.monitor.Stop())
}

func TestBackfillWindow(t *testing.T) {
	h := newHarness(t, nil, config.MonitorConfig{LookbackBlocks: 100})
	h.backend.AddRebaseLog(5, big.NewInt(0), big.NewInt(0), cpt(990))
	h.backend.AddRebaseLog(950, big.NewInt(0), big.NewInt(0), cpt(980))
	h.backend.SetBlock(1000)

	_, err := h.store.SaveRebaseEvent(context.Background(), &models.RebaseEvent{
		BlockNumber: 5, TxHash: "0x05", Timestamp: 5,
		PreviousCreditsPerToken: cpt(1000).String(), NewCreditsPerToken: cpt(990).String(),
		RebasePercentage: "1.010101", EstimatedAPY: "0",
	})
	require.NoError(t, err)

	require.NoError(t, h.monitor.Start(context.Background()))

	events := h.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(950), events[0].BlockNumber)
	assert.Equal(t, cpt(990).String(), events[0].PreviousCreditsPerToken, "chains from the stored rebase before the window")
	assert.Equal(t, "1.020408", events[0].RebasePercentage)
}

func TestLiveAndBackfillConverge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{EnableSubscription: true})
	h.backend.AddRebaseLog(10, big.NewInt(0), big.NewInt(0), cpt(990))
	h.backend.SetBlock(20)

	var mu sync.Mutex
	var seen []uint64
	h.monitor.OnRebase(func(_ context.Context, ev *models.RebaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.BlockNumber)
		return nil
	})

	require.NoError(t, h.monitor.Start(ctx))
	require.Eventually(t, func() bool { return h.backend.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	status, err := h.monitor.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Subscribed)
	assert.Equal(t, "running", status.State)

	h.backend.EmitRebase(30, big.NewInt(0), big.NewInt(0), cpt(970))
	require.Eventually(t, func() bool { return h.count(t) == 2 }, 2*time.Second, 10*time.Millisecond)

	// Redelivery of the same rebase is dropped.
	h.backend.EmitRebase(30, big.NewInt(0), big.NewInt(0), cpt(970))
	time.Sleep(50 * time.Millisecond)

	latest, err := h.store.GetLatestRebaseEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), latest.BlockNumber)
	assert.Equal(t, cpt(990).String(), latest.PreviousCreditsPerToken)
	assert.Equal(t, "2.061856", latest.RebasePercentage)

	mu.Lock()
	assert.Equal(t, []uint64{30}, seen, "backfilled events do not notify")
	mu.Unlock()

	// A restart backfills the live event again without a second row.
	require.NoError(t, h.monitor.Stop())
	assert.Equal(t, 0, h.backend.Subscribers())
	require.NoError(t, h.monitor.Start(ctx))
	assert.Equal(t, int64(2), h.count(t))
}

func TestPollDetection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{})
	h.backend.SetBlock(100)
	require.NoError(t, h.monitor.Start(ctx))
	assert.Equal(t, int64(0), h.count(t))

	var order []string
	h.monitor.OnRebase(func(context.Context, *models.RebaseEvent) error {
		order = append(order, "panics")
		panic("boom")
	})
	h.monitor.OnRebase(func(context.Context, *models.RebaseEvent) error {
		order = append(order, "fails")
		return errors.New("snapshot failed")
	})
	h.monitor.OnRebase(func(context.Context, *models.RebaseEvent) error {
		order = append(order, "ok")
		return nil
	})

	h.monitor.poll(ctx)
	assert.Equal(t, int64(0), h.count(t), "unchanged credits per token")

	h.backend.SetCreditsPerToken(cpt(999))
	h.backend.SetBlock(200)
	h.monitor.poll(ctx)
	h.monitor.poll(ctx)

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.PollingTxHash, events[0].TxHash)
	assert.Equal(t, uint64(200), events[0].BlockNumber)
	assert.Equal(t, int64(ledgertest.BaseTime+200), events[0].Timestamp)
	assert.Equal(t, cpt(1000).String(), events[0].PreviousCreditsPerToken)
	assert.Equal(t, []string{"panics", "fails", "ok"}, order)
	assert.Equal(t, StateRunning, h.monitor.State())
}

func TestConcurrentDetectionsStoreOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{})
	require.NoError(t, h.monitor.Start(ctx))

	var mu sync.Mutex
	calls := 0
	h.monitor.OnRebase(func(context.Context, *models.RebaseEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	raw := ledger.RawRebaseEvent{BlockNumber: 50, TxHash: "0x50", CreditsPerToken: cpt(995)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		source := models.SourceLive
		if i%2 == 1 {
			source = models.SourcePoll
		}
		go func() {
			defer wg.Done()
			h.monitor.detect(ctx, source, raw, 500)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.count(t))
	assert.Equal(t, 1, calls)
}

func TestDetectionAfterStopIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{})
	require.NoError(t, h.monitor.Start(ctx))
	require.NoError(t, h.monitor.Stop())

	h.monitor.detect(ctx, models.SourceLive, ledger.RawRebaseEvent{BlockNumber: 7, CreditsPerToken: cpt(900)}, 1)
	assert.Equal(t, int64(0), h.count(t))
}

func TestStartFailsWhenBaselineUnavailable(t *testing.T) {
	h := newHarness(t, nil, config.MonitorConfig{})
	h.backend.FailCalls(errors.New("dial tcp: connection refused"))

	require.Error(t, h.monitor.Start(context.Background()))
	assert.Equal(t, StateStopped, h.monitor.State())
}

type failingHistory struct {
	*ledger.Reader
}

func (failingHistory) PastRebaseEvents(context.Context, uint64, uint64) ([]ledger.RawRebaseEvent, error) {
	return nil, errors.New("getLogs: rate limited")
}

func TestBackfillErrorsDoNotStopMonitor(t *testing.T) {
	h := newHarness(t, func(r *ledger.Reader) Ledger { return failingHistory{r} }, config.MonitorConfig{})
	h.backend.FailSubscriptions(errors.New("notifications not supported"))

	require.NoError(t, h.monitor.Start(context.Background()))
	assert.True(t, h.monitor.IsRunning())

	errs := h.metrics.GetPrometheusMetrics().DetectionErrorsTotal.WithLabelValues("backfill")
	assert.Equal(t, 1.0, testutil.ToFloat64(errs))

	status, err := h.monitor.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
	assert.Equal(t, cpt(1000).String(), status.LastCreditsPerToken)
}

func TestPollLoopTicks(t *testing.T) {
	h := newHarness(t, nil, config.MonitorConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, h.monitor.Start(context.Background()))

	h.backend.SetCreditsPerToken(cpt(990))
	require.Eventually(t, func() bool { return h.count(t) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPollThenRestartStoresRebaseOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{})
	h.backend.SetBlock(100)
	require.NoError(t, h.monitor.Start(ctx))

	// The poll sees the rebase after its log block.
	h.backend.AddRebaseLog(150, big.NewInt(0), big.NewInt(0), cpt(990))
	h.backend.SetBlock(200)
	h.monitor.poll(ctx)
	require.Equal(t, int64(1), h.count(t))

	require.NoError(t, h.monitor.Stop())
	require.NoError(t, h.monitor.Start(ctx))

	events := h.events(t)
	require.Len(t, events, 1, "backfill recognises the polled rebase")
	assert.Equal(t, uint64(200), events[0].BlockNumber)
	assert.Equal(t, models.PollingTxHash, events[0].TxHash)
	assert.Equal(t, "1.010101", events[0].RebasePercentage)

	// A later rebase chains from the polled one.
	require.NoError(t, h.monitor.Stop())
	h.backend.AddRebaseLog(250, big.NewInt(0), big.NewInt(0), cpt(980))
	h.backend.SetBlock(300)
	require.NoError(t, h.monitor.Start(ctx))

	events = h.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(250), events[0].BlockNumber)
	assert.Equal(t, cpt(990).String(), events[0].PreviousCreditsPerToken)
	assert.Equal(t, "1.020408", events[0].RebasePercentage)
}

func TestRestartRecordsRebaseMissedWhileDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(r *ledger.Reader) Ledger { return failingHistory{r} }, config.MonitorConfig{})
	require.NoError(t, h.store.SetGlobalState(ctx, models.StateLastCreditsPerToken, cpt(1000).String()))
	h.backend.SetCreditsPerToken(cpt(990))
	h.backend.SetBlock(500)

	calls := 0
	h.monitor.OnRebase(func(context.Context, *models.RebaseEvent) error {
		calls++
		return nil
	})

	require.NoError(t, h.monitor.Start(ctx))

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(500), events[0].BlockNumber)
	assert.Equal(t, models.PollingTxHash, events[0].TxHash)
	assert.Equal(t, int64(ledgertest.BaseTime+500), events[0].Timestamp)
	assert.Equal(t, cpt(1000).String(), events[0].PreviousCreditsPerToken)
	assert.Equal(t, cpt(990).String(), events[0].NewCreditsPerToken)
	assert.Equal(t, "1.010101", events[0].RebasePercentage)
	assert.Equal(t, 1, calls)
	assert.Equal(t, cpt(990).String(), h.monitor.LastCreditsPerToken().String())

	require.NoError(t, h.monitor.Stop())
	require.NoError(t, h.monitor.Start(ctx))
	assert.Equal(t, int64(1), h.count(t))
	assert.Equal(t, 1, calls)
}

func TestRestartWithBackfilledRebaseAddsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, config.MonitorConfig{})
	require.NoError(t, h.store.SetGlobalState(ctx, models.StateLastCreditsPerToken, cpt(1000).String()))
	h.backend.AddRebaseLog(40, big.NewInt(0), big.NewInt(0), cpt(990))
	h.backend.SetBlock(100)

	require.NoError(t, h.monitor.Start(ctx))

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(40), events[0].BlockNumber)
	assert.Equal(t, cpt(1000).String(), events[0].PreviousCreditsPerToken, "chains from the persisted value")
	assert.Equal(t, "1.010101", events[0].RebasePercentage)
}
