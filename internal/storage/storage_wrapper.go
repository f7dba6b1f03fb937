package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	EventStore
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage EventStore, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		EventStore:     storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, err, time.Since(start))
}

// SavePayment saves a payment and records metrics
func (s *StorageWithMetrics) SavePayment(ctx context.Context, payment *models.TrackedPayment) error {
	start := time.Now()
	err := s.EventStore.SavePayment(ctx, payment)
	s.record("insert", "payments", start, err)
	return err
}

// GetPaymentsByAddress retrieves payments and records metrics
func (s *StorageWithMetrics) GetPaymentsByAddress(ctx context.Context, address string) ([]*models.TrackedPayment, error) {
	start := time.Now()
	payments, err := s.EventStore.GetPaymentsByAddress(ctx, address)
	s.record("select", "payments", start, err)
	return payments, err
}

// SaveRebaseEvent saves a rebase event and records metrics
func (s *StorageWithMetrics) SaveRebaseEvent(ctx context.Context, event *models.RebaseEvent) (bool, error) {
	start := time.Now()
	inserted, err := s.EventStore.SaveRebaseEvent(ctx, event)
	s.record("insert", "rebase_events", start, err)
	return inserted, err
}

// GetRebaseEvents retrieves rebase events and records metrics
func (s *StorageWithMetrics) GetRebaseEvents(ctx context.Context, from, to int64, limit int) ([]*models.RebaseEvent, error) {
	start := time.Now()
	events, err := s.EventStore.GetRebaseEvents(ctx, from, to, limit)
	s.record("select", "rebase_events", start, err)
	return events, err
}

// SaveYieldSnapshot saves a snapshot and records metrics
func (s *StorageWithMetrics) SaveYieldSnapshot(ctx context.Context, point *models.YieldHistoryPoint) error {
	start := time.Now()
	err := s.EventStore.SaveYieldSnapshot(ctx, point)
	s.record("insert", "yield_history", start, err)
	return err
}

// GetYieldHistory retrieves snapshots and records metrics
func (s *StorageWithMetrics) GetYieldHistory(ctx context.Context, address string, limit int) ([]*models.YieldHistoryPoint, error) {
	start := time.Now()
	history, err := s.EventStore.GetYieldHistory(ctx, address, limit)
	s.record("select", "yield_history", start, err)
	return history, err
}

// SetGlobalState upserts a key and records metrics
func (s *StorageWithMetrics) SetGlobalState(ctx context.Context, key, value string) error {
	start := time.Now()
	err := s.EventStore.SetGlobalState(ctx, key, value)
	s.record("upsert", "global_state", start, err)
	return err
}
