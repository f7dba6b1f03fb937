// File: internal/storage/sql.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// dialect captures the few statements that differ between backends.
type dialect struct {
	name              string
	postgres          bool
	insertRebaseVerb  string
	insertRebaseTail  string
	migrations        []*Migration
	isUniqueViolation func(error) bool
}

// sqlStore implements EventStore over database/sql; queries are written with
// '?' placeholders and rebound per dialect.
type sqlStore struct {
	config  *StorageConfig
	dialect dialect
	logger  *logrus.Entry

	mu sync.RWMutex
	db *sql.DB
}

const paymentColumns = `id, address, initial_amount, initial_credits, initial_credits_per_token,
	tx_hash, block_number, timestamp, description, is_rebasing`

const rebaseColumns = `id, block_number, tx_hash, timestamp, previous_credits_per_token,
	new_credits_per_token, rebase_percentage, estimated_apy`

const snapshotColumns = `id, address, timestamp, balance, credits_per_token, cumulative_yield, block_number`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Storage not connected", s.dialect.name)
	}
	return s.db, nil
}

// setDB installs an opened database and applies the pool settings.
func (s *sqlStore) setDB(db *sql.DB) {
	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
		db.SetMaxIdleConns(s.config.MaxConnections)
	}
	if s.config.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(s.config.MaxIdleTime)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

// Close closes the database connection. Queries already holding the handle
// fail with the driver's closed-database error.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.Ping()
}

// Migrate applies pending schema migrations in version order.
func (s *sqlStore) Migrate() error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(migrationsTableSQL); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	for _, migration := range s.dialect.migrations {
		var count int
		row := db.QueryRow(s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), migration.Version)
		if err := row.Scan(&count); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read migration state", err.Error())
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin migration", err.Error())
		}
		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err.Error())
		}
		if _, err := tx.Exec(s.rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			migration.Version, migration.Description, time.Now().Unix()); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to record migration", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit migration", err.Error())
		}

		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applied migration")
	}
	return nil
}

// SavePayment inserts a payment. A duplicate id is a CONFLICT error.
func (s *sqlStore) SavePayment(ctx context.Context, payment *models.TrackedPayment) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	payment.Address = utils.NormalizeAddress(payment.Address)

	query := s.rebind(`INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = db.ExecContext(ctx, query,
		payment.ID, payment.Address, payment.InitialAmount, payment.InitialCredits,
		payment.InitialCreditsPerToken, payment.TxHash, int64(payment.BlockNumber),
		payment.Timestamp, payment.Description, payment.IsRebasing)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return utils.NewAppError(utils.ErrCodeConflict, "Payment already exists", payment.ID)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save payment", err.Error())
	}
	return nil
}

func scanPayment(row rowScanner) (*models.TrackedPayment, error) {
	var p models.TrackedPayment
	var block int64
	var description sql.NullString
	if err := row.Scan(&p.ID, &p.Address, &p.InitialAmount, &p.InitialCredits,
		&p.InitialCreditsPerToken, &p.TxHash, &block, &p.Timestamp, &description, &p.IsRebasing); err != nil {
		return nil, err
	}
	p.BlockNumber = uint64(block)
	p.Description = description.String
	return &p, nil
}

// GetPayment retrieves a payment by id, or nil when absent.
func (s *sqlStore) GetPayment(ctx context.Context, id string) (*models.TrackedPayment, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get payment", err.Error())
	}
	return payment, nil
}

// GetPaymentsByAddress returns all payments to an address, newest first.
func (s *sqlStore) GetPaymentsByAddress(ctx context.Context, address string) ([]*models.TrackedPayment, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.rebind(`SELECT `+paymentColumns+` FROM payments
		WHERE address = ? ORDER BY timestamp DESC, id`), utils.NormalizeAddress(address))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query payments", err.Error())
	}
	defer rows.Close()

	payments := make([]*models.TrackedPayment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan payment", err.Error())
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read payments", err.Error())
	}
	return payments, nil
}

// GetTrackedAddresses returns the distinct addresses with at least one payment.
func (s *sqlStore) GetTrackedAddresses(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT address FROM payments ORDER BY address`)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query tracked addresses", err.Error())
	}
	defer rows.Close()

	addresses := make([]string, 0)
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan address", err.Error())
		}
		addresses = append(addresses, address)
	}
	return addresses, rows.Err()
}

// SaveRebaseEvent inserts a rebase event unless one already exists for its
// block. The returned bool reports whether a row was written.
func (s *sqlStore) SaveRebaseEvent(ctx context.Context, event *models.RebaseEvent) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	query := s.rebind(s.dialect.insertRebaseVerb + ` INTO rebase_events (block_number, tx_hash, timestamp,
		previous_credits_per_token, new_credits_per_token, rebase_percentage, estimated_apy)
		VALUES (?, ?, ?, ?, ?, ?, ?)` + s.dialect.insertRebaseTail)
	result, err := db.ExecContext(ctx, query,
		int64(event.BlockNumber), event.TxHash, event.Timestamp, event.PreviousCreditsPerToken,
		event.NewCreditsPerToken, event.RebasePercentage, event.EstimatedAPY)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to save rebase event", err.Error())
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read insert result", err.Error())
	}
	return affected > 0, nil
}

func scanRebase(row rowScanner) (*models.RebaseEvent, error) {
	var e models.RebaseEvent
	var block int64
	if err := row.Scan(&e.ID, &block, &e.TxHash, &e.Timestamp, &e.PreviousCreditsPerToken,
		&e.NewCreditsPerToken, &e.RebasePercentage, &e.EstimatedAPY); err != nil {
		return nil, err
	}
	e.BlockNumber = uint64(block)
	return &e, nil
}

// GetRebaseEvents returns events with from <= timestamp < to, newest first.
func (s *sqlStore) GetRebaseEvents(ctx context.Context, from, to int64, limit int) ([]*models.RebaseEvent, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := db.QueryContext(ctx, s.rebind(`SELECT `+rebaseColumns+` FROM rebase_events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp DESC, block_number DESC LIMIT ?`), from, to, limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query rebase events", err.Error())
	}
	defer rows.Close()

	events := make([]*models.RebaseEvent, 0)
	for rows.Next() {
		event, err := scanRebase(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan rebase event", err.Error())
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read rebase events", err.Error())
	}
	return events, nil
}

// CountRebaseEvents counts events with from <= timestamp < to.
func (s *sqlStore) CountRebaseEvents(ctx context.Context, from, to int64) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int
	row := db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM rebase_events
		WHERE timestamp >= ? AND timestamp < ?`), from, to)
	if err := row.Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rebase events", err.Error())
	}
	return count, nil
}

// GetLatestRebaseEvent returns the event with the highest block, or nil.
func (s *sqlStore) GetLatestRebaseEvent(ctx context.Context) (*models.RebaseEvent, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+rebaseColumns+` FROM rebase_events
		ORDER BY block_number DESC LIMIT 1`)
	event, err := scanRebase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest rebase event", err.Error())
	}
	return event, nil
}

// GetRebaseEventByCreditsPerToken returns the earliest event that moved
// credits per token to cpt, or nil.
func (s *sqlStore) GetRebaseEventByCreditsPerToken(ctx context.Context, cpt string) (*models.RebaseEvent, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+rebaseColumns+` FROM rebase_events
		WHERE new_credits_per_token = ? ORDER BY block_number ASC LIMIT 1`), cpt)
	event, err := scanRebase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rebase event by credits per token", err.Error())
	}
	return event, nil
}

// GetRebaseEventCount returns the total number of stored events.
func (s *sqlStore) GetRebaseEventCount(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rebase_events`).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rebase events", err.Error())
	}
	return count, nil
}

// SaveYieldSnapshot appends a snapshot row.
func (s *sqlStore) SaveYieldSnapshot(ctx context.Context, point *models.YieldHistoryPoint) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	point.Address = utils.NormalizeAddress(point.Address)

	_, err = db.ExecContext(ctx, s.rebind(`INSERT INTO yield_history
		(address, timestamp, balance, credits_per_token, cumulative_yield, block_number)
		VALUES (?, ?, ?, ?, ?, ?)`),
		point.Address, point.Timestamp, point.Balance, point.CreditsPerToken,
		point.CumulativeYield, int64(point.BlockNumber))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save yield snapshot", err.Error())
	}
	return nil
}

func scanSnapshot(row rowScanner) (*models.YieldHistoryPoint, error) {
	var p models.YieldHistoryPoint
	var block int64
	if err := row.Scan(&p.ID, &p.Address, &p.Timestamp, &p.Balance, &p.CreditsPerToken,
		&p.CumulativeYield, &block); err != nil {
		return nil, err
	}
	p.BlockNumber = uint64(block)
	return &p, nil
}

// GetYieldHistory returns snapshots for an address, newest first.
func (s *sqlStore) GetYieldHistory(ctx context.Context, address string, limit int) ([]*models.YieldHistoryPoint, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := db.QueryContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM yield_history
		WHERE address = ? ORDER BY timestamp DESC, id DESC LIMIT ?`),
		utils.NormalizeAddress(address), limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query yield history", err.Error())
	}
	defer rows.Close()

	history := make([]*models.YieldHistoryPoint, 0)
	for rows.Next() {
		point, err := scanSnapshot(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan yield snapshot", err.Error())
		}
		history = append(history, point)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read yield history", err.Error())
	}
	return history, nil
}

// GetSnapshotAtOrBefore returns the newest snapshot with timestamp <= the
// given time, or nil.
func (s *sqlStore) GetSnapshotAtOrBefore(ctx context.Context, address string, timestamp int64) (*models.YieldHistoryPoint, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM yield_history
		WHERE address = ? AND timestamp <= ? ORDER BY timestamp DESC, id DESC LIMIT 1`),
		utils.NormalizeAddress(address), timestamp)
	point, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get yield snapshot", err.Error())
	}
	return point, nil
}

// GetGlobalState returns the stored value and whether the key exists.
func (s *sqlStore) GetGlobalState(ctx context.Context, key string) (string, bool, error) {
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, s.rebind(`SELECT value FROM global_state WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get global state", err.Error())
	}
	return value, true, nil
}

// SetGlobalState upserts a key.
func (s *sqlStore) SetGlobalState(ctx context.Context, key, value string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.rebind(`INSERT INTO global_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, time.Now().Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set global state", err.Error())
	}
	return nil
}
