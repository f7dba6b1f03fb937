// Package ledgertest provides an in-memory ledger backend that answers USDs
// calls with ABI-encoded values, for tests of code built on ledger.Reader.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
)

// BaseTime is the timestamp of block 0; each block adds one second unless set.
const BaseTime = 1_700_000_000

// ErrReverted mimics a node reporting a reverted eth_call.
var ErrReverted = errors.New("execution reverted")

// TokenAddress is the default token address used by NewBackend.
var TokenAddress = common.HexToAddress("0xD74f5255D557944cf7Dd0E45FF521520002D5748")

type subscriber struct {
	ch   chan<- types.Log
	done chan struct{}
}

// Backend implements ledger.Backend in memory.
type Backend struct {
	mu      sync.Mutex
	token   common.Address
	results map[string][]interface{}
	reverts map[string]bool
	logs    []types.Log
	block   uint64
	times   map[uint64]uint64
	subs    []*subscriber
	callErr error
	subErr  error
	calls   map[string]int
	txNonce uint64
}

// NewBackend returns a backend at block 1 with credits per token set to 1e18.
func NewBackend() *Backend {
	b := &Backend{
		token:   TokenAddress,
		results: make(map[string][]interface{}),
		reverts: make(map[string]bool),
		times:   make(map[uint64]uint64),
		calls:   make(map[string]int),
		block:   1,
	}
	b.SetCreditsPerToken(new(big.Int).Set(ledger.Unit))
	b.SetGlobal(ledger.MethodTotalSupply, big.NewInt(0))
	b.SetGlobal(ledger.MethodNonRebasingSupply, big.NewInt(0))
	b.SetGlobal(ledger.MethodRebasingCredits, big.NewInt(0))
	return b
}

func key(method string, account *common.Address) string {
	if account == nil {
		return method
	}
	return method + ":" + strings.ToLower(account.Hex())
}

// SetGlobal sets the outputs of an argument-less view method.
func (b *Backend) SetGlobal(method string, outputs ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[key(method, nil)] = outputs
}

// SetAccount sets the outputs of a view method taking a single address.
func (b *Backend) SetAccount(method string, account common.Address, outputs ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[key(method, &account)] = outputs
}

// SetCreditsPerToken sets both credits per token getters from a standard
// resolution value.
func (b *Backend) SetCreditsPerToken(cpt *big.Int) {
	b.SetGlobal(ledger.MethodCreditsPerToken, cpt)
	b.SetGlobal(ledger.MethodCreditsPerTokenHighres, ledger.ToHighres(cpt))
}

// SetHolder configures balanceOf, creditBalanceOf and isNonRebasingAccount
// for a rebasing holder of credits at cpt.
func (b *Backend) SetHolder(account common.Address, credits, cpt *big.Int, nonRebasing bool) {
	b.SetAccount(ledger.MethodCreditBalanceOf, account, credits, cpt)
	b.SetAccount(ledger.MethodBalanceOf, account, ledger.BalanceFromCredits(credits, cpt))
	b.SetAccount(ledger.MethodIsNonRebasingAccount, account, nonRebasing)
}

// Revert makes every call to method revert.
func (b *Backend) Revert(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reverts[method] = true
}

// FailCalls makes every call fail with err until cleared with nil.
func (b *Backend) FailCalls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// FailSubscriptions makes SubscribeFilterLogs return err.
func (b *Backend) FailSubscriptions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subErr = err
}

// SetBlock sets the latest block number.
func (b *Backend) SetBlock(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = n
}

// SetBlockTime sets the timestamp of block n.
func (b *Backend) SetBlockTime(n, ts uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.times[n] = ts
}

// BlockTime returns the timestamp the backend reports for block n.
func (b *Backend) BlockTime(n uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockTimeLocked(n)
}

func (b *Backend) blockTimeLocked(n uint64) uint64 {
	if ts, ok := b.times[n]; ok {
		return ts
	}
	return BaseTime + n
}

// Calls returns how many times method was called.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Subscribers returns the number of live subscriptions.
func (b *Backend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// EmitRebase appends a TotalSupplyUpdatedHighres log at block and delivers it
// to live subscribers. The backend's credits per token is updated to cpt.
func (b *Backend) EmitRebase(block uint64, totalSupply, credits, cpt *big.Int) types.Log {
	l := b.AddRebaseLog(block, totalSupply, credits, cpt)

	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- l:
		case <-s.done:
		}
	}
	return l
}

// AddRebaseLog stores a rebase log without notifying subscribers and updates
// credits per token to cpt. credits and cpt are standard resolution and are
// emitted at high resolution.
func (b *Backend) AddRebaseLog(block uint64, totalSupply, credits, cpt *big.Int) types.Log {
	ev := ledger.ContractABI.Events[ledger.EventTotalSupplyUpdatedHighres]
	data, err := ev.Inputs.NonIndexed().Pack(totalSupply, ledger.ToHighres(credits), ledger.ToHighres(cpt))
	if err != nil {
		panic(fmt.Sprintf("ledgertest: pack rebase log: %v", err))
	}

	b.mu.Lock()
	b.txNonce++
	l := types.Log{
		Address:     b.token,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(b.txNonce)),
	}
	b.logs = append(b.logs, l)
	if block > b.block {
		b.block = block
	}
	b.mu.Unlock()

	b.SetCreditsPerToken(cpt)
	return l
}

// CallContract implements ethereum.ContractCaller.
func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(call.Data) < 4 {
		return nil, errors.New("ledgertest: short calldata")
	}
	method, err := ledger.ContractABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	var account *common.Address
	if len(method.Inputs) == 1 {
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		addr := args[0].(common.Address)
		account = &addr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method.Name]++

	if b.callErr != nil {
		return nil, b.callErr
	}
	if b.reverts[method.Name] {
		return nil, ErrReverted
	}

	outputs, ok := b.results[key(method.Name, account)]
	if !ok {
		// Unknown accounts read as empty rebasing holders.
		switch method.Name {
		case ledger.MethodBalanceOf:
			outputs = []interface{}{big.NewInt(0)}
		case ledger.MethodCreditBalanceOf:
			outputs = []interface{}{big.NewInt(0), b.results[ledger.MethodCreditsPerToken][0]}
		case ledger.MethodIsNonRebasingAccount:
			outputs = []interface{}{false}
		default:
			return nil, nil
		}
	}
	return method.Outputs.Pack(outputs...)
}

// FilterLogs implements ethereum.LogFilterer.
func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["eth_getLogs"]++
	if b.callErr != nil {
		return nil, b.callErr
	}

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// SubscribeFilterLogs implements ethereum.LogFilterer.
func (b *Backend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	if b.subErr != nil {
		err := b.subErr
		b.mu.Unlock()
		return nil, err
	}
	s := &subscriber{ch: ch, done: make(chan struct{})}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		close(s.done)
		b.mu.Lock()
		for i, other := range b.subs {
			if other == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		return nil
	}), nil
}

// BlockNumber returns the latest block number.
func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callErr != nil {
		return 0, b.callErr
	}
	return b.block, nil
}

// HeaderByNumber returns a header carrying only number and time.
func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["eth_getBlockByNumber"]++
	if b.callErr != nil {
		return nil, b.callErr
	}
	n := b.block
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: b.blockTimeLocked(n)}, nil
}

var _ ledger.Backend = (*Backend)(nil)
