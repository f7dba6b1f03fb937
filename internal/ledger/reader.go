package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// ErrNoCreditBalance is returned when the token has no credit balance concept
// for an account (the call reverts or returns nothing). It is not a transport error.
var ErrNoCreditBalance = errors.New("ledger: account has no credit balance")

// maxLogRange bounds a single eth_getLogs request.
const maxLogRange = 10000

// Backend is the chain access the reader needs. *ethclient.Client and
// *connection.Client satisfy it.
type Backend interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RawRebaseEvent is a decoded TotalSupplyUpdatedHighres log.
type RawRebaseEvent struct {
	BlockNumber     uint64
	TxHash          string
	TotalSupply     *big.Int
	RebasingCredits *big.Int
	CreditsPerToken *big.Int
}

// Reader provides read-only access to USDs state. All methods are safe for
// concurrent use.
type Reader struct {
	backend Backend
	token   common.Address
	logger  *logrus.Entry

	// set once the high resolution getter is known to revert
	noHighres atomic.Bool
}

// NewReader creates a reader for the USDs token at token.
func NewReader(backend Backend, token common.Address) *Reader {
	return &Reader{
		backend: backend,
		token:   token,
		logger:  utils.ComponentLogger("ledger").WithField("token", token.Hex()),
	}
}

// Token returns the token address.
func (r *Reader) Token() common.Address {
	return r.token
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to pack call", method+": "+err.Error())
	}

	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.token, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return nil, &revertError{method: method, err: err}
		}
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Contract call failed", method+": "+err.Error())
	}
	if len(out) == 0 {
		return nil, &revertError{method: method, err: errors.New("empty result")}
	}

	values, err := ContractABI.Unpack(method, out)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Malformed contract response", method+": "+err.Error())
	}
	return values, nil
}

func (r *Reader) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected return type", method)
	}
	return v, nil
}

// CreditsPerToken reads the global rebasing credits per token at standard
// resolution, the scale creditBalanceOf reports. The high resolution getter is
// preferred and truncated.
func (r *Reader) CreditsPerToken(ctx context.Context) (*big.Int, error) {
	if !r.noHighres.Load() {
		cpt, err := r.callUint(ctx, MethodCreditsPerTokenHighres)
		if err == nil {
			return FromHighres(cpt), nil
		}
		var rev *revertError
		if errors.As(err, &rev) {
			r.noHighres.Store(true)
			r.logger.Debug("High resolution credits per token unavailable, using standard getter")
		}
	}
	return r.callUint(ctx, MethodCreditsPerToken)
}

// BalanceOf returns the token balance of account in base units.
func (r *Reader) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return r.callUint(ctx, MethodBalanceOf, account)
}

// CreditBalanceOf returns the raw credit balance of account and the credits
// per token applied to it. ErrNoCreditBalance is returned if the account has none.
func (r *Reader) CreditBalanceOf(ctx context.Context, account common.Address) (credits, creditsPerToken *big.Int, err error) {
	values, err := r.call(ctx, MethodCreditBalanceOf, account)
	if err != nil {
		var rev *revertError
		if errors.As(err, &rev) {
			return nil, nil, ErrNoCreditBalance
		}
		return nil, nil, err
	}
	credits, ok1 := values[0].(*big.Int)
	creditsPerToken, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected return type", MethodCreditBalanceOf)
	}
	return credits, creditsPerToken, nil
}

// IsNonRebasingAccount reports whether account opted out of rebasing.
func (r *Reader) IsNonRebasingAccount(ctx context.Context, account common.Address) (bool, error) {
	values, err := r.call(ctx, MethodIsNonRebasingAccount, account)
	if err != nil {
		return false, err
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected return type", MethodIsNonRebasingAccount)
	}
	return v, nil
}

// TotalSupply returns the token total supply in base units.
func (r *Reader) TotalSupply(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, MethodTotalSupply)
}

// NonRebasingSupply returns the supply held by opted-out accounts.
func (r *Reader) NonRebasingSupply(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, MethodNonRebasingSupply)
}

// RebasingCredits returns the total credits of rebasing accounts.
func (r *Reader) RebasingCredits(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, MethodRebasingCredits)
}

// ContractState reads the global supply figures. Supplies are formatted in
// token units; credit figures are raw integers.
func (r *Reader) ContractState(ctx context.Context) (*models.ContractState, error) {
	total, err := r.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	nonRebasing, err := r.NonRebasingSupply(ctx)
	if err != nil {
		return nil, err
	}
	cpt, err := r.callUint(ctx, MethodCreditsPerToken)
	if err != nil {
		return nil, err
	}
	credits, err := r.RebasingCredits(ctx)
	if err != nil {
		return nil, err
	}
	block, err := r.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	rebasing := new(big.Int).Sub(total, nonRebasing)
	return &models.ContractState{
		TotalSupply:       FormatUnits(total),
		NonRebasingSupply: FormatUnits(nonRebasing),
		RebasingSupply:    FormatUnits(rebasing),
		CreditsPerToken:   cpt.String(),
		RebasingCredits:   credits.String(),
		BlockNumber:       block,
	}, nil
}

// BlockNumber returns the latest block number.
func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to get block number", err.Error())
	}
	return n, nil
}

// BlockTimestamp returns the unix timestamp of block number, or of the latest
// block when number is nil.
func (r *Reader) BlockTimestamp(ctx context.Context, number *big.Int) (int64, error) {
	header, err := r.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to get block header", err.Error())
	}
	return int64(header.Time), nil
}

func (r *Reader) rebaseQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{r.token},
		Topics:    [][]common.Hash{{ContractABI.Events[EventTotalSupplyUpdatedHighres].ID}},
	}
}

// PastRebaseEvents returns the rebase logs in the inclusive block range, in
// block order.
func (r *Reader) PastRebaseEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RawRebaseEvent, error) {
	var events []RawRebaseEvent

	for start := fromBlock; start <= toBlock; start += maxLogRange {
		end := start + maxLogRange - 1
		if end > toBlock {
			end = toBlock
		}

		logs, err := r.backend.FilterLogs(ctx, r.rebaseQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to filter rebase logs",
				fmt.Sprintf("blocks %d-%d: %v", start, end, err))
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := DecodeRebaseLog(l)
			if err != nil {
				r.logger.WithError(err).WithField("block", l.BlockNumber).Warn("Skipping undecodable rebase log")
				continue
			}
			events = append(events, ev)
		}

		if end == toBlock {
			break
		}
	}

	return events, nil
}

// SubscribeRebaseEvents streams live rebase logs into sink until the returned
// subscription is unsubscribed or fails. Endpoints without push support
// return an error immediately.
func (r *Reader) SubscribeRebaseEvents(ctx context.Context, sink chan<- RawRebaseEvent) (ethereum.Subscription, error) {
	logs := make(chan types.Log, 16)
	sub, err := r.backend.SubscribeFilterLogs(ctx, r.rebaseQuery(nil, nil), logs)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to subscribe to rebase logs", err.Error())
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Removed {
					continue
				}
				ev, err := DecodeRebaseLog(l)
				if err != nil {
					r.logger.WithError(err).Warn("Skipping undecodable live rebase log")
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// DecodeRebaseLog decodes a TotalSupplyUpdatedHighres log. Credit figures are
// converted to standard resolution.
func DecodeRebaseLog(l types.Log) (RawRebaseEvent, error) {
	values, err := ContractABI.Unpack(EventTotalSupplyUpdatedHighres, l.Data)
	if err != nil {
		return RawRebaseEvent{}, err
	}
	if len(values) != 3 {
		return RawRebaseEvent{}, fmt.Errorf("expected 3 fields, got %d", len(values))
	}
	supply, ok1 := values[0].(*big.Int)
	credits, ok2 := values[1].(*big.Int)
	cpt, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return RawRebaseEvent{}, errors.New("unexpected field types")
	}
	return RawRebaseEvent{
		BlockNumber:     l.BlockNumber,
		TxHash:          l.TxHash.Hex(),
		TotalSupply:     supply,
		RebasingCredits: FromHighres(credits),
		CreditsPerToken: FromHighres(cpt),
	}, nil
}

type revertError struct {
	method string
	err    error
}

func (e *revertError) Error() string {
	return fmt.Sprintf("%s reverted: %v", e.method, e.err)
}

func (e *revertError) Unwrap() error { return e.err }

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
