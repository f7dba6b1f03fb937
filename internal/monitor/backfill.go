package monitor

import (
	"context"
	"math/big"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
)

// backfill stores the rebases of the look-back window in block order. The
// previous credits per token of each event is the one before it; the first
// event chains from the newest stored rebase, or from persisted when none is
// stored. A log whose credits per token
// is already stored, as when the poll recorded it at a later block, is
// skipped. Failures are recorded and leave startup to continue.
func (m *RebaseMonitor) backfill(ctx context.Context, persisted *big.Int) {
	current, err := m.ledger.BlockNumber(ctx)
	if err != nil {
		m.recordError("backfill", err)
		return
	}
	var from uint64
	if current > m.config.LookbackBlocks {
		from = current - m.config.LookbackBlocks
	}

	log := m.logger.WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   current,
	})
	log.Info("Syncing historical rebase events")

	raws, err := m.ledger.PastRebaseEvents(ctx, from, current)
	if err != nil {
		m.recordError("backfill", err)
		return
	}
	if len(raws) == 0 {
		log.Info("No historical rebase events found")
		return
	}

	timestamps, err := m.blockTimestamps(ctx, raws)
	if err != nil {
		m.recordError("backfill", err)
		return
	}

	prev := persisted
	if latest, err := m.store.GetLatestRebaseEvent(ctx); err != nil {
		m.recordError("backfill", err)
	} else if latest != nil {
		if v := ledger.ParseInteger(latest.NewCreditsPerToken); v.Sign() > 0 {
			prev = v
		}
	}

	stored, known := 0, 0
	for _, raw := range raws {
		existing, err := m.store.GetRebaseEventByCreditsPerToken(ctx, raw.CreditsPerToken.String())
		if err != nil {
			m.recordError("backfill", err)
		} else if existing != nil {
			known++
			prev = raw.CreditsPerToken
			continue
		}

		event := NewRebaseEvent(models.SourceBackfill, raw, timestamps[raw.BlockNumber], prev, m.periodsPerYear)
		inserted, err := m.store.SaveRebaseEvent(ctx, event)
		if err != nil {
			m.recordError("backfill", err)
		} else {
			if inserted {
				stored++
			}
			if m.metricsManager != nil {
				m.metricsManager.GetPrometheusMetrics().RecordRebaseDetected(models.SourceBackfill, inserted, raw.BlockNumber)
			}
		}
		prev = raw.CreditsPerToken
	}

	log.WithFields(logrus.Fields{
		"found":  len(raws),
		"known":  known,
		"stored": stored,
	}).Info("Historical rebase sync complete")
}

// blockTimestamps fetches the timestamp of every distinct block in raws with
// bounded parallelism.
func (m *RebaseMonitor) blockTimestamps(ctx context.Context, raws []ledger.RawRebaseEvent) (map[uint64]int64, error) {
	blocks := make([]uint64, 0, len(raws))
	seen := make(map[uint64]bool, len(raws))
	for _, raw := range raws {
		if !seen[raw.BlockNumber] {
			seen[raw.BlockNumber] = true
			blocks = append(blocks, raw.BlockNumber)
		}
	}

	results := make([]int64, len(blocks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.BackfillConcurrency)
	for i, block := range blocks {
		i, block := i, block
		g.Go(func() error {
			ts, err := m.ledger.BlockTimestamp(gctx, new(big.Int).SetUint64(block))
			if err != nil {
				return err
			}
			results[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	timestamps := make(map[uint64]int64, len(blocks))
	for i, block := range blocks {
		timestamps[block] = results[i]
	}
	return timestamps, nil
}
