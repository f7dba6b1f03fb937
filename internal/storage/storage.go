// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/usds-yield-tracker/internal/models"
)

// DefaultLimit applies when a query is given a non-positive limit.
const DefaultLimit = 100

// EventStore is durable storage for payments, rebase events, yield snapshots
// and monitor bookkeeping. Addresses are lower-cased by every method. Absent
// rows are reported as nil results, never as errors.
type EventStore interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Payments
	SavePayment(ctx context.Context, payment *models.TrackedPayment) error
	GetPayment(ctx context.Context, id string) (*models.TrackedPayment, error)
	GetPaymentsByAddress(ctx context.Context, address string) ([]*models.TrackedPayment, error)
	GetTrackedAddresses(ctx context.Context) ([]string, error)

	// Rebase events
	SaveRebaseEvent(ctx context.Context, event *models.RebaseEvent) (bool, error)
	GetRebaseEvents(ctx context.Context, from, to int64, limit int) ([]*models.RebaseEvent, error)
	CountRebaseEvents(ctx context.Context, from, to int64) (int, error)
	GetLatestRebaseEvent(ctx context.Context) (*models.RebaseEvent, error)
	GetRebaseEventByCreditsPerToken(ctx context.Context, cpt string) (*models.RebaseEvent, error)
	GetRebaseEventCount(ctx context.Context) (int64, error)

	// Yield snapshots
	SaveYieldSnapshot(ctx context.Context, point *models.YieldHistoryPoint) error
	GetYieldHistory(ctx context.Context, address string, limit int) ([]*models.YieldHistoryPoint, error)
	GetSnapshotAtOrBefore(ctx context.Context, address string, timestamp int64) (*models.YieldHistoryPoint, error)

	// Global state
	GetGlobalState(ctx context.Context, key string) (string, bool, error)
	SetGlobalState(ctx context.Context, key, value string) error
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
