package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// ConnectionManager dials Arbitrum RPC nodes with failover across the
// primary and backup URLs.
type ConnectionManager struct {
	config          *config.ChainConfig
	expectedChainID uint64
	urls            []string
	currentIndex    int
	client          *ethclient.Client
	mu              sync.RWMutex
	logger          *logrus.Entry
	stats           ConnectionStats
	lastHealthCheck time.Time
	healthy         bool
	metricsManager  *metrics.Manager
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Reconnects      uint64    `json:"reconnects"`
	FailedDials     uint64    `json:"failed_dials"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager. metricsManager may be nil.
func NewConnectionManager(cfg *config.ChainConfig, metricsManager *metrics.Manager) *ConnectionManager {
	urls := append([]string{cfg.RPCURL}, cfg.BackupNodes...)

	return &ConnectionManager{
		config:          cfg,
		expectedChainID: cfg.NetworkInfo().ChainID,
		urls:            urls,
		logger:          utils.ComponentLogger("connection"),
		stats:           ConnectionStats{CurrentURL: cfg.RPCURL},
		metricsManager:  metricsManager,
	}
}

// GetClient returns a connected client, dialing or re-dialing as needed.
func (cm *ConnectionManager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	healthy := cm.healthy
	stale := time.Since(cm.lastHealthCheck) > time.Minute
	cm.mu.RUnlock()

	if client == nil || !healthy {
		return cm.reconnect(ctx)
	}

	if stale {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	return client, nil
}

// MarkUnhealthy forces the next GetClient to reconnect.
func (cm *ConnectionManager) MarkUnhealthy(reason error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.healthy {
		cm.logger.WithError(reason).WithField("url", cm.stats.CurrentURL).Warn("Marking RPC connection unhealthy")
	}
	cm.healthy = false
	cm.stats.IsHealthy = false
}

func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Another caller may have reconnected while we waited for the lock.
	if cm.client != nil && cm.healthy {
		return cm.client, nil
	}
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
		cm.stats.Reconnects++
	}

	attempts := cm.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		for offset := range cm.urls {
			i := (cm.currentIndex + offset) % len(cm.urls)
			url := cm.urls[i]
			log := cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1})
			log.Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				log.WithError(err).Warn("Connection failed")
				cm.stats.FailedDials++
				cm.recordConnectionError(url, "dial_failed")
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				log.WithError(err).Warn("Health check failed after connection")
				cm.recordConnectionError(url, "health_check_failed")
				continue
			}

			cm.client = client
			cm.currentIndex = i
			cm.healthy = true
			cm.lastHealthCheck = time.Now()
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.stats.IsHealthy = true

			log.Info("Connected to Arbitrum RPC node")
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any RPC node",
		"All connection attempts exhausted")
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.requestTimeout())
	defer cancel()
	return ethclient.DialContext(dialCtx, url)
}

func (cm *ConnectionManager) requestTimeout() time.Duration {
	if cm.config.RequestTimeout > 0 {
		return cm.config.RequestTimeout
	}
	return 30 * time.Second
}

func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.BlockNumber(checkCtx)
	return err
}

// HealthCheck verifies the node is reachable and serves the configured chain.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		cm.MarkUnhealthy(err)
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get chain ID", err.Error())
	}
	if cm.expectedChainID != 0 && chainID.Uint64() != cm.expectedChainID {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.expectedChainID, chainID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.MarkUnhealthy(err)
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get latest block", err.Error())
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"chain_id":     chainID.Uint64(),
		"latest_block": blockNumber,
		"url":          cm.stats.CurrentURL,
	}).Info("Health check passed")

	return nil
}

// IsConnected returns whether the manager holds a healthy client
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.healthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.healthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

func (cm *ConnectionManager) recordConnectionError(url, kind string) {
	if cm.metricsManager != nil {
		cm.metricsManager.GetPrometheusMetrics().RecordConnectionError(url, kind)
	}
}
