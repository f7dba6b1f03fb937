// Package tracker wires the monitor, calculator and store into the yield
// tracking service.
package tracker

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/cache"
	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/internal/monitor"
	"github.com/smartdevs17/usds-yield-tracker/internal/storage"
	"github.com/smartdevs17/usds-yield-tracker/internal/yield"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	defaultSnapshotSchedule = "@every 6h"
	defaultSnapshotTimeout  = 10 * time.Minute
	defaultCacheTTL         = time.Minute

	cacheKeyAPY           = "apy"
	cacheKeyContractState = "contract_state"

	// Sweep triggers
	TriggerRebase   = "rebase"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// ErrClosed is returned by Start once the tracker has been closed.
var ErrClosed = errors.New("tracker: closed")

// Ledger is the chain access the tracker and its components need.
// *ledger.Reader satisfies it.
type Ledger interface {
	yield.Ledger
	monitor.Ledger
	CreditBalanceOf(ctx context.Context, account common.Address) (credits, creditsPerToken *big.Int, err error)
	ContractState(ctx context.Context) (*models.ContractState, error)
}

// State is the tracker lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "created"
	}
}

// YieldTracker is the yield tracking orchestrator.
type YieldTracker struct {
	// Dependencies
	ledger     Ledger
	store      storage.EventStore
	calculator *yield.Calculator
	monitor    *monitor.RebaseMonitor
	cache      cache.Store
	logger     *logrus.Entry

	// Configuration
	network          string
	snapshotSchedule string
	snapshotTimeout  time.Duration
	cacheTTL         time.Duration

	// State management
	mu        sync.Mutex
	state     State
	cron      *cron.Cron
	runCtx    context.Context
	cancel    context.CancelFunc
	sweepMu   sync.Mutex
	pendingMu sync.Mutex
	pending   string // trigger of a sweep requested while one ran
	closeOnce sync.Once
	closeErr  error

	metricsManager *metrics.Manager
}

// New builds a tracker and its monitor and calculator. c may be nil to
// disable caching.
func New(cfg *config.Config, l Ledger, store storage.EventStore, c cache.Store, metricsManager *metrics.Manager) *YieldTracker {
	t := &YieldTracker{
		ledger:           l,
		store:            store,
		cache:            c,
		logger:           utils.ComponentLogger("tracker"),
		network:          cfg.Chain.Network,
		snapshotSchedule: cfg.Tracker.SnapshotSchedule,
		snapshotTimeout:  cfg.Tracker.SnapshotTimeout,
		cacheTTL:         cfg.Cache.TTL,
		metricsManager:   metricsManager,
	}
	if t.snapshotSchedule == "" {
		t.snapshotSchedule = defaultSnapshotSchedule
	}
	if t.snapshotTimeout <= 0 {
		t.snapshotTimeout = defaultSnapshotTimeout
	}
	if t.cacheTTL <= 0 {
		t.cacheTTL = defaultCacheTTL
	}

	t.calculator = yield.NewCalculator(l, store, &cfg.Yield)
	t.monitor = monitor.NewRebaseMonitor(l, store, &cfg.Monitor, t.calculator.PeriodsPerYear(), metricsManager)
	t.monitor.OnRebase(t.invalidateCache)
	t.monitor.OnRebase(t.onRebase)
	return t
}

// Monitor returns the rebase monitor.
func (t *YieldTracker) Monitor() *monitor.RebaseMonitor {
	return t.monitor
}

// Calculator returns the yield calculator.
func (t *YieldTracker) Calculator() *yield.Calculator {
	return t.calculator
}

// OnRebase registers an extra rebase callback. It runs after cache
// invalidation and the snapshot refresh.
func (t *YieldTracker) OnRebase(cb monitor.Callback) {
	t.monitor.OnRebase(cb)
}

// State returns the lifecycle state.
func (t *YieldTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the tracker is started and not closed
func (t *YieldTracker) IsRunning() bool {
	return t.State() == StateRunning
}

// Start starts the monitor and arms the snapshot schedule. Every rebase
// invalidates the cache and refreshes all snapshots. Starting a running tracker is a
// no-op; a closed tracker cannot be restarted.
func (t *YieldTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateRunning:
		t.logger.Info("Already running")
		return nil
	case StateStopped:
		return ErrClosed
	}

	t.logger.Info("Starting yield tracker")

	if err := t.monitor.Start(ctx); err != nil {
		return err
	}

	t.runCtx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.cron = cron.New()
	runCtx := t.runCtx
	if _, err := t.cron.AddFunc(t.snapshotSchedule, func() {
		if err := t.sweep(runCtx, TriggerSchedule); err != nil {
			t.logger.WithError(err).Error("Scheduled snapshot sweep failed")
		}
	}); err != nil {
		t.cancel()
		t.monitor.Stop()
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid snapshot schedule", err.Error())
	}
	t.cron.Start()

	t.state = StateRunning
	t.logger.WithFields(logrus.Fields{
		"network":           t.network,
		"snapshot_schedule": t.snapshotSchedule,
	}).Info("Yield tracker started")
	return nil
}

// Close stops the schedule and the monitor and closes the store. It is safe
// to call before Start and more than once.
func (t *YieldTracker) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateStopped
		c, cancel := t.cron, t.cancel
		t.mu.Unlock()

		t.logger.Info("Stopping yield tracker")
		if c != nil {
			<-c.Stop().Done()
		}
		if cancel != nil {
			cancel()
		}
		t.monitor.Stop()

		if t.store != nil {
			t.closeErr = t.store.Close()
		}
		t.logger.Info("Yield tracker stopped")
	})
	return t.closeErr
}

// TrackPayment registers an inbound payment for yield tracking and records
// an initial snapshot of the receiving address. req must already be valid.
func (t *YieldTracker) TrackPayment(ctx context.Context, req *models.TrackPaymentRequest) (*models.TrackedPayment, error) {
	address := utils.NormalizeAddress(req.Address)
	account := common.HexToAddress(address)
	log := t.logger.WithField("address", address)
	log.Info("Tracking payment")

	cpt, err := t.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}
	credits, _, err := t.ledger.CreditBalanceOf(ctx, account)
	if errors.Is(err, ledger.ErrNoCreditBalance) {
		credits = big.NewInt(0)
	} else if err != nil {
		return nil, err
	}
	nonRebasing, err := t.ledger.IsNonRebasingAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	block, err := t.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	timestamp, err := t.ledger.BlockTimestamp(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, err
	}

	payment := &models.TrackedPayment{
		ID:                     utils.GenerateID(),
		Address:                address,
		InitialAmount:          req.Amount,
		InitialCredits:         credits.String(),
		InitialCreditsPerToken: cpt.String(),
		TxHash:                 req.TxHash,
		BlockNumber:            block,
		Timestamp:              timestamp,
		Description:            req.Description,
		IsRebasing:             !nonRebasing,
	}
	if err := t.store.SavePayment(ctx, payment); err != nil {
		return nil, err
	}

	if t.metricsManager != nil {
		t.metricsManager.GetPrometheusMetrics().PaymentsTrackedTotal.Inc()
	}

	if _, err := t.calculator.RecordYieldSnapshot(ctx, address); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"rebasing":   payment.IsRebasing,
	}).Info("Payment tracked")
	return payment, nil
}

// UpdateAllSnapshots records a snapshot for every tracked address.
func (t *YieldTracker) UpdateAllSnapshots(ctx context.Context) error {
	return t.sweep(ctx, TriggerManual)
}

// sweep snapshots every tracked address. Sweeps run one at a time; triggers
// arriving while one runs are coalesced into a single follow-up sweep run by
// the goroutine holding the lock, so a rebase always gets a later snapshot.
func (t *YieldTracker) sweep(ctx context.Context, trigger string) error {
	t.requestSweep(trigger)

	var err error
	for {
		if !t.sweepMu.TryLock() {
			t.logger.WithField("trigger", trigger).Debug("Snapshot sweep in progress, queued follow-up")
			return err
		}
		next := t.takeSweep()
		if next != "" {
			err = t.runSweep(ctx, next)
		}
		t.sweepMu.Unlock()

		if !t.sweepRequested() {
			return err
		}
	}
}

func (t *YieldTracker) requestSweep(trigger string) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	// A rebase outranks the label of other queued triggers.
	if t.pending != TriggerRebase {
		t.pending = trigger
	}
}

func (t *YieldTracker) takeSweep() string {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	trigger := t.pending
	t.pending = ""
	return trigger
}

func (t *YieldTracker) sweepRequested() bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return t.pending != ""
}

// runSweep snapshots every tracked address. Per-address failures are logged
// and counted. Callers hold sweepMu.
func (t *YieldTracker) runSweep(ctx context.Context, trigger string) error {
	ctx, cancel := context.WithTimeout(ctx, t.snapshotTimeout)
	defer cancel()

	start := time.Now()
	addresses, err := t.store.GetTrackedAddresses(ctx)
	if err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"trigger":   trigger,
		"addresses": len(addresses),
	}).Info("Updating yield snapshots")

	ok, failed := 0, 0
	for _, address := range addresses {
		if _, err := t.calculator.RecordYieldSnapshot(ctx, address); err != nil {
			failed++
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to update snapshot")
			continue
		}
		ok++
	}

	if t.metricsManager != nil {
		t.metricsManager.GetPrometheusMetrics().RecordSnapshotSweep(trigger, ok, failed, time.Since(start))
	}
	return nil
}

func (t *YieldTracker) onRebase(ctx context.Context, event *models.RebaseEvent) error {
	t.logger.WithFields(logrus.Fields{
		"block":      event.BlockNumber,
		"percentage": event.RebasePercentage,
	}).Info("Rebase detected, refreshing snapshots")
	return t.sweep(ctx, TriggerRebase)
}

func (t *YieldTracker) invalidateCache(ctx context.Context, _ *models.RebaseEvent) error {
	if t.cache == nil {
		return nil
	}
	return errors.Join(
		t.cache.Delete(ctx, cacheKeyAPY),
		t.cache.Delete(ctx, cacheKeyContractState),
	)
}

// cached loads key from the cache or computes and stores it.
func cached[T any](ctx context.Context, t *YieldTracker, key string, load func(context.Context) (*T, error)) (*T, error) {
	var v T
	hit, err := cache.GetJSON(ctx, t.cache, key, &v)
	if err != nil {
		t.logger.WithError(err).WithField("key", key).Warn("Cache read failed")
	}
	if t.cache != nil && t.metricsManager != nil {
		t.metricsManager.GetPrometheusMetrics().RecordCacheLookup(key, hit)
	}
	if hit {
		return &v, nil
	}

	out, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, t.cache, key, out, t.cacheTTL); err != nil {
		t.logger.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
	return out, nil
}

// GetYieldInfo returns the yield summary for address.
func (t *YieldTracker) GetYieldInfo(ctx context.Context, address string) (*models.YieldInfo, error) {
	return t.calculator.GetYieldInfo(ctx, address)
}

// GetYieldHistory returns up to limit snapshots of address, newest first,
// with the yield earned across its rebasing payments.
func (t *YieldTracker) GetYieldHistory(ctx context.Context, address string, limit int) (*models.YieldHistory, error) {
	history, err := t.store.GetYieldHistory(ctx, address, limit)
	if err != nil {
		return nil, err
	}
	payments, err := t.store.GetPaymentsByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	cpt, err := t.ledger.CreditsPerToken(ctx)
	if err != nil {
		return nil, err
	}

	_, total := yield.SumPayments(payments, cpt)
	var first int64
	for _, p := range payments {
		if first == 0 || p.Timestamp < first {
			first = p.Timestamp
		}
	}

	last := time.Now().Unix()
	if len(history) > 0 {
		last = history[0].Timestamp
	}
	if history == nil {
		history = []*models.YieldHistoryPoint{}
	}

	return &models.YieldHistory{
		Address:          utils.NormalizeAddress(address),
		History:          history,
		TotalYieldEarned: ledger.ToDecimal(total).StringFixed(6),
		FirstTracked:     first,
		LastTracked:      last,
	}, nil
}

// GetAPYInfo returns APY figures, cached until the next rebase or the TTL.
func (t *YieldTracker) GetAPYInfo(ctx context.Context) (*models.APYInfo, error) {
	info, err := cached(ctx, t, cacheKeyAPY, t.calculator.GetAPYInfo)
	if err != nil {
		return nil, err
	}
	if t.metricsManager != nil {
		if v, err := strconv.ParseFloat(info.Current, 64); err == nil {
			t.metricsManager.GetPrometheusMetrics().CurrentAPY.Set(v)
		}
	}
	return info, nil
}

// GetContractState returns the USDs supply state, cached like GetAPYInfo.
func (t *YieldTracker) GetContractState(ctx context.Context) (*models.ContractState, error) {
	return cached(ctx, t, cacheKeyContractState, t.ledger.ContractState)
}

// GetLatestRebase returns the newest stored rebase, or nil.
func (t *YieldTracker) GetLatestRebase(ctx context.Context) (*models.RebaseEvent, error) {
	return t.store.GetLatestRebaseEvent(ctx)
}

// GetRebaseEvents returns stored rebases with timestamps in [from, to).
func (t *YieldTracker) GetRebaseEvents(ctx context.Context, from, to int64) ([]*models.RebaseEvent, error) {
	return t.store.GetRebaseEvents(ctx, from, to, storage.DefaultLimit)
}

// GetPayments returns the tracked payments of address, newest first.
func (t *YieldTracker) GetPayments(ctx context.Context, address string) ([]*models.TrackedPayment, error) {
	return t.store.GetPaymentsByAddress(ctx, address)
}

// GetPayment returns the payment with id, or nil.
func (t *YieldTracker) GetPayment(ctx context.Context, id string) (*models.TrackedPayment, error) {
	return t.store.GetPayment(ctx, id)
}

// GetPaymentYield returns the realized yield of payment id.
func (t *YieldTracker) GetPaymentYield(ctx context.Context, id string) (*models.PaymentYield, error) {
	payment, err := t.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Payment not found", id)
	}
	return t.calculator.CalculatePaymentYield(ctx, payment)
}

// EstimateFutureYield projects balance over days at the current APY.
func (t *YieldTracker) EstimateFutureYield(ctx context.Context, balance string, days int) (*models.FutureYield, error) {
	return t.calculator.EstimateFutureYield(ctx, balance, days)
}

// CalculateYieldBetween returns the snapshot yield of address over [from, to).
func (t *YieldTracker) CalculateYieldBetween(ctx context.Context, address string, from, to int64) (*models.YieldBetween, error) {
	return t.calculator.CalculateYieldBetween(ctx, address, from, to)
}

// GetStatus reports tracker and monitor state.
func (t *YieldTracker) GetStatus(ctx context.Context) (*models.TrackerStatus, error) {
	addresses, err := t.store.GetTrackedAddresses(ctx)
	if err != nil {
		return nil, err
	}
	monitorStatus, err := t.monitor.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &models.TrackerStatus{
		IsRunning:        t.IsRunning(),
		Network:          t.network,
		TrackedAddresses: len(addresses),
		Monitor:          monitorStatus,
	}, nil
}
