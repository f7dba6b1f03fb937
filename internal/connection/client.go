package connection

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
)

// Client routes chain reads through the connection manager, recording RPC
// metrics and dropping the connection on transport failures. It implements
// ledger.Backend.
type Client struct {
	manager        *ConnectionManager
	metricsManager *metrics.Manager
}

// NewClient creates a client over manager. metricsManager may be nil.
func NewClient(manager *ConnectionManager, metricsManager *metrics.Manager) *Client {
	return &Client{manager: manager, metricsManager: metricsManager}
}

func (c *Client) do(ctx context.Context, method string, fn func(*ethclient.Client) error) error {
	start := time.Now()

	client, err := c.manager.GetClient(ctx)
	if err == nil {
		err = fn(client)
		if err != nil && isTransportError(err) {
			c.manager.MarkUnhealthy(err)
		}
	}

	if c.metricsManager != nil {
		c.metricsManager.GetPrometheusMetrics().RecordRPCRequest(method, err, time.Since(start))
	}
	return err
}

// CallContract executes an eth_call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// FilterLogs executes eth_getLogs.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// SubscribeFilterLogs opens an eth_subscribe logs subscription. HTTP
// endpoints return rpc.ErrNotificationsUnsupported.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.do(ctx, "eth_subscribe", func(client *ethclient.Client) error {
		var err error
		sub, err = client.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	return sub, err
}

// BlockNumber executes eth_blockNumber.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(client *ethclient.Client) error {
		var err error
		n, err = client.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber executes eth_getBlockByNumber without transactions.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// isTransportError separates node-side answers (reverts, unsupported
// methods, missing data) from failures of the connection itself.
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) ||
		errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return false
	}
	return !strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
