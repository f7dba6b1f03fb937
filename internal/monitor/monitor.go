// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	defaultPollInterval        = 60 * time.Second
	defaultLookbackBlocks      = 50000
	defaultBackfillConcurrency = 8
)

// Ledger is the chain access the monitor needs. *ledger.Reader satisfies it.
type Ledger interface {
	CreditsPerToken(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number *big.Int) (int64, error)
	PastRebaseEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.RawRebaseEvent, error)
	SubscribeRebaseEvents(ctx context.Context, sink chan<- ledger.RawRebaseEvent) (ethereum.Subscription, error)
}

// Store is the persistence the monitor needs.
type Store interface {
	SaveRebaseEvent(ctx context.Context, event *models.RebaseEvent) (bool, error)
	GetLatestRebaseEvent(ctx context.Context) (*models.RebaseEvent, error)
	GetRebaseEventByCreditsPerToken(ctx context.Context, cpt string) (*models.RebaseEvent, error)
	GetRebaseEventCount(ctx context.Context) (int64, error)
	GetGlobalState(ctx context.Context, key string) (string, bool, error)
	SetGlobalState(ctx context.Context, key, value string) error
}

// State is the monitor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Callback is invoked once for every newly stored rebase event.
type Callback func(ctx context.Context, event *models.RebaseEvent) error

// RebaseMonitor detects changes of rebasing credits per token through a
// backfill, a live log subscription and a periodic poll, and stores each
// rebase once.
type RebaseMonitor struct {
	// Dependencies
	ledger Ledger
	store  Store
	logger *logrus.Entry

	// Configuration
	config         config.MonitorConfig
	periodsPerYear float64

	// State management
	mu         sync.RWMutex
	state      State
	lastCPT    *big.Int
	subscribed bool
	callbacks  []Callback
	stopChan   chan struct{}
	stopOnce   *sync.Once
	wg         sync.WaitGroup

	// held while a detection is stored and its callbacks run
	detectMu sync.Mutex

	metricsManager *metrics.Manager
}

// NewRebaseMonitor creates a stopped monitor.
func NewRebaseMonitor(l Ledger, store Store, cfg *config.MonitorConfig, periodsPerYear float64, metricsManager *metrics.Manager) *RebaseMonitor {
	var c config.MonitorConfig
	if cfg != nil {
		c = *cfg
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = defaultLookbackBlocks
	}
	if c.BackfillConcurrency <= 0 {
		c.BackfillConcurrency = defaultBackfillConcurrency
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 365
	}

	return &RebaseMonitor{
		ledger:         l,
		store:          store,
		logger:         utils.ComponentLogger("monitor"),
		config:         c,
		periodsPerYear: periodsPerYear,
		metricsManager: metricsManager,
	}
}

// Start reads the baseline, backfills recent history, records a change of
// credits per token that happened while the process was down and starts the
// live detectors. Starting a monitor that is not stopped is a no-op.
func (m *RebaseMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStarting
	m.stopChan = make(chan struct{})
	m.stopOnce = new(sync.Once)
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info("Starting rebase monitor")

	persisted := m.persistedCPT(ctx)

	cpt, err := m.ledger.CreditsPerToken(ctx)
	if err != nil {
		m.Stop()
		return err
	}

	m.backfill(ctx, persisted)

	m.detectMu.Lock()
	m.catchUp(ctx, persisted, cpt)
	m.setLastCPT(ctx, cpt)
	m.detectMu.Unlock()

	m.mu.Lock()
	if m.state != StateStarting {
		// Stopped while backfilling.
		m.mu.Unlock()
		return nil
	}
	m.state = StateRunning
	m.mu.Unlock()

	// In-flight reads outlive Stop; their results are discarded.
	runCtx := context.WithoutCancel(ctx)
	if m.config.EnableSubscription {
		m.subscribe(runCtx, stop)
	}

	m.wg.Add(1)
	go m.pollLoop(runCtx, stop)

	m.logger.WithFields(logrus.Fields{
		"poll_interval":   m.config.PollInterval,
		"lookback_blocks": m.config.LookbackBlocks,
		"subscribed":      m.isSubscribed(),
		"credits":         cpt.String(),
	}).Info("Rebase monitor started")
	return nil
}

// Stop halts the detectors and waits for their goroutines. Safe to call in
// any state.
func (m *RebaseMonitor) Stop() error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.logger.Info("Stopping rebase monitor")
	m.state = StateStopped
	m.subscribed = false
	stopOnce, stop := m.stopOnce, m.stopChan
	m.mu.Unlock()

	stopOnce.Do(func() {
		close(stop)
	})

	m.wg.Wait()

	m.logger.Info("Rebase monitor stopped")
	return nil
}

// State returns the lifecycle state.
func (m *RebaseMonitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsRunning returns whether the live detectors are active
func (m *RebaseMonitor) IsRunning() bool {
	return m.State() == StateRunning
}

// OnRebase registers a callback. Callbacks run in registration order.
func (m *RebaseMonitor) OnRebase(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// LastCreditsPerToken returns the last observed credits per token, or nil
// before the first start.
func (m *RebaseMonitor) LastCreditsPerToken() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastCPT == nil {
		return nil
	}
	return new(big.Int).Set(m.lastCPT)
}

// Status reports monitor bookkeeping.
func (m *RebaseMonitor) Status(ctx context.Context) (*models.MonitorStatus, error) {
	latest, err := m.store.GetLatestRebaseEvent(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.store.GetRebaseEventCount(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	status := &models.MonitorStatus{
		State:        m.state.String(),
		IsRunning:    m.state == StateRunning,
		LastRebase:   latest,
		TotalRebases: total,
		Subscribed:   m.subscribed,
	}
	if m.lastCPT != nil {
		status.LastCreditsPerToken = m.lastCPT.String()
	}
	return status, nil
}

func (m *RebaseMonitor) isSubscribed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribed
}

// setLastCPT updates the in-memory and persisted last credits per token.
// Callers hold detectMu.
func (m *RebaseMonitor) setLastCPT(ctx context.Context, cpt *big.Int) {
	m.mu.Lock()
	m.lastCPT = new(big.Int).Set(cpt)
	m.mu.Unlock()

	if err := m.store.SetGlobalState(ctx, models.StateLastCreditsPerToken, cpt.String()); err != nil {
		m.logger.WithError(err).Warn("Failed to persist last credits per token")
	}
	if m.metricsManager != nil {
		f, _ := new(big.Float).SetInt(cpt).Float64()
		m.metricsManager.GetPrometheusMetrics().CreditsPerToken.Set(f)
	}
}

// persistedCPT returns the credits per token saved by the previous run, or
// nil.
func (m *RebaseMonitor) persistedCPT(ctx context.Context) *big.Int {
	value, ok, err := m.store.GetGlobalState(ctx, models.StateLastCreditsPerToken)
	if err != nil {
		m.recordError("restore", err)
		return nil
	}
	if !ok {
		return nil
	}
	v := ledger.ParseInteger(value)
	if v.Sign() <= 0 {
		return nil
	}
	return v
}

// catchUp stores one poll-sourced event when credits per token moved from
// persisted to live while the process was down and no stored event reaches
// live, as when the rebase fell outside the look-back window or the backfill
// failed. Callers hold detectMu.
func (m *RebaseMonitor) catchUp(ctx context.Context, persisted, live *big.Int) {
	if persisted == nil || persisted.Cmp(live) == 0 {
		return
	}
	known, err := m.store.GetRebaseEventByCreditsPerToken(ctx, live.String())
	if err != nil {
		m.recordError("restore", err)
		return
	}
	if known != nil {
		return
	}

	block, err := m.ledger.BlockNumber(ctx)
	if err != nil {
		m.recordError("restore", err)
		return
	}
	ts, err := m.ledger.BlockTimestamp(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		m.recordError("restore", err)
		return
	}

	raw := ledger.RawRebaseEvent{BlockNumber: block, TxHash: models.PollingTxHash, CreditsPerToken: live}
	m.record(ctx, models.SourcePoll, raw, ts, persisted)
}

func (m *RebaseMonitor) recordError(stage string, err error) {
	m.logger.WithFields(logrus.Fields{
		"stage": stage,
		"error": err,
	}).Warn("Rebase detection step failed")
	if m.metricsManager != nil {
		m.metricsManager.GetPrometheusMetrics().RecordDetectionError(stage)
	}
}

// subscribe opens the live log subscription. Endpoints without push support
// leave the poll as the only live detector.
func (m *RebaseMonitor) subscribe(ctx context.Context, stop chan struct{}) {
	sink := make(chan ledger.RawRebaseEvent, 16)
	sub, err := m.ledger.SubscribeRebaseEvents(ctx, sink)
	if err != nil {
		m.logger.WithError(err).Warn("Live rebase subscription unavailable, relying on polling")
		if m.metricsManager != nil {
			m.metricsManager.GetPrometheusMetrics().RecordDetectionError("subscribe")
		}
		return
	}

	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	m.subscribed = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.subscriptionLoop(ctx, sub, sink, stop)
}

func (m *RebaseMonitor) subscriptionLoop(ctx context.Context, sub ethereum.Subscription, sink <-chan ledger.RawRebaseEvent, stop chan struct{}) {
	defer m.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case raw := <-sink:
			m.logger.WithField("block", raw.BlockNumber).Info("Live rebase event received")
			ts, err := m.ledger.BlockTimestamp(ctx, new(big.Int).SetUint64(raw.BlockNumber))
			if err != nil {
				m.recordError("live", err)
				continue
			}
			m.detect(ctx, models.SourceLive, raw, ts)
		case err := <-sub.Err():
			if err != nil {
				m.recordError("subscription", err)
			}
			m.mu.Lock()
			m.subscribed = false
			m.mu.Unlock()
			return
		case <-stop:
			return
		}
	}
}

// detect stores a detection and notifies callbacks. Detections are handled
// one at a time, and are dropped once the monitor has stopped or when credits
// per token did not change.
func (m *RebaseMonitor) detect(ctx context.Context, source string, raw ledger.RawRebaseEvent, timestamp int64) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()

	if !m.IsRunning() {
		m.logger.WithField("source", source).Debug("Discarding detection from stopped monitor")
		return
	}

	prev := m.LastCreditsPerToken()
	if prev != nil && prev.Cmp(raw.CreditsPerToken) == 0 {
		return
	}

	if m.record(ctx, source, raw, timestamp, prev) {
		m.setLastCPT(ctx, raw.CreditsPerToken)
	}
}

// record stores a detection chained from prev and runs the callbacks when
// a row was written. It reports whether the store accepted the event.
// Callers hold detectMu.
func (m *RebaseMonitor) record(ctx context.Context, source string, raw ledger.RawRebaseEvent, timestamp int64, prev *big.Int) bool {
	event := NewRebaseEvent(source, raw, timestamp, prev, m.periodsPerYear)
	inserted, err := m.store.SaveRebaseEvent(ctx, event)
	if err != nil {
		m.recordError("store", err)
		return false
	}
	if m.metricsManager != nil {
		m.metricsManager.GetPrometheusMetrics().RecordRebaseDetected(source, inserted, event.BlockNumber)
	}

	m.logger.WithFields(logrus.Fields{
		"source":     source,
		"block":      event.BlockNumber,
		"percentage": event.RebasePercentage,
		"apy":        event.EstimatedAPY,
		"inserted":   inserted,
	}).Info("Rebase detected")

	if inserted {
		m.runCallbacks(ctx, event)
	}
	return true
}

func (m *RebaseMonitor) runCallbacks(ctx context.Context, event *models.RebaseEvent) {
	m.mu.RLock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.RUnlock()

	for i, cb := range callbacks {
		m.invoke(ctx, i, cb, event)
	}
}

func (m *RebaseMonitor) invoke(ctx context.Context, index int, cb Callback, event *models.RebaseEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"callback": index,
				"block":    event.BlockNumber,
				"panic":    r,
			}).Error("Rebase callback panicked")
		}
	}()

	if err := cb(ctx, event); err != nil {
		m.logger.WithFields(logrus.Fields{
			"callback": index,
			"block":    event.BlockNumber,
			"error":    err,
		}).Warn("Rebase callback failed")
	}
}
