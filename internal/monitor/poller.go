// File: internal/monitor/poller.go
package monitor

import (
	"context"
	"math/big"
	"time"

	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
)

// pollLoop compares credits per token against the last observed value on
// every tick, and reopens a dropped subscription.
func (m *RebaseMonitor) pollLoop(ctx context.Context, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.config.EnableSubscription && !m.isSubscribed() {
				m.subscribe(ctx, stop)
			}
			m.poll(ctx)
		}
	}
}

// poll runs one poll cycle. Errors are recorded and retried on the next tick.
func (m *RebaseMonitor) poll(ctx context.Context) {
	if !m.IsRunning() {
		return
	}

	cpt, err := m.ledger.CreditsPerToken(ctx)
	if err != nil {
		m.recordError("poll", err)
		return
	}
	if last := m.LastCreditsPerToken(); last != nil && last.Cmp(cpt) == 0 {
		return
	}

	m.logger.WithField("credits", cpt.String()).Info("Detected credits per token change via polling")

	block, err := m.ledger.BlockNumber(ctx)
	if err != nil {
		m.recordError("poll", err)
		return
	}
	ts, err := m.ledger.BlockTimestamp(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		m.recordError("poll", err)
		return
	}

	m.detect(ctx, models.SourcePoll, ledger.RawRebaseEvent{
		BlockNumber:     block,
		TxHash:          models.PollingTxHash,
		CreditsPerToken: cpt,
	}, ts)
}
