// File: internal/storage/postgres.go
package storage

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// PostgreSQLStorage implements EventStore using PostgreSQL
type PostgreSQLStorage struct {
	*sqlStore
}

const pqUniqueViolation = pq.ErrorCode("23505")

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: &sqlStore{
			config: config,
			logger: utils.ComponentLogger("storage.postgres"),
			dialect: dialect{
				name:              "postgres",
				postgres:          true,
				insertRebaseVerb:  "INSERT",
				insertRebaseTail:  " ON CONFLICT (block_number) DO NOTHING",
				migrations:        GetPostgresMigrations(),
				isUniqueViolation: isPostgresUniqueViolation,
			},
		},
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.setDB(db)
	p.logger.WithFields(logrus.Fields{"driver": "postgres"}).Info("PostgreSQL database connected")
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
