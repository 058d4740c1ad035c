// Package reader performs the read-only contract calls the keeper needs: paging
// through margin accounts with the Reader contract and inspecting perpetuals on
// the liquidity pool.
package reader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-perpetual-keeper/abi"
	"github.com/ethereum/go-ethereum"
	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const (
	// defaultRPCTimeout bounds every individual eth_call.
	defaultRPCTimeout     = 10 * time.Second
	defaultMaxConcurrency = 32

	perpetualCountOutput = 6
)

// ErrUnexpectedOutput is returned when a call decodes into an unexpected shape.
var ErrUnexpectedOutput = errors.New("unexpected contract output")

// Caller is the subset of an Ethereum client used for contract reads.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Account is one row returned by getAccountsInfo. Amounts are 18-decimal fixed point.
type Account struct {
	Address       common.Address
	AvailableCash *big.Int
	Position      *big.Int
	Margin        *big.Int
	IsSafe        bool
}

// accountInfo mirrors the tuple returned by the Reader contract.
type accountInfo struct {
	Account       common.Address
	AvailableCash *big.Int
	Position      *big.Int
	Margin        *big.Int
	IsSafe        bool
}

// PerpetualInfo is the subset of getPerpetualInfo the keeper uses.
type PerpetualInfo struct {
	State  uint8
	Oracle common.Address
}

// Config tunes how the Reader talks to the node.
type Config struct {
	// ReaderAddress is the deployed Reader contract.
	ReaderAddress common.Address
	// MaxConcurrentCalls caps in-flight eth_calls across all callers.
	MaxConcurrentCalls int
	// RequestsPerSecond throttles eth_calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// CallTimeout bounds each eth_call. Defaults to 10s.
	CallTimeout time.Duration
}

// Reader issues contract reads with bounded concurrency and rate.
type Reader struct {
	client      Caller
	address     common.Address
	semaphore   chan struct{}
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// New creates a Reader over client.
func New(client Caller, cfg Config) (*Reader, error) {
	if client == nil {
		return nil, errors.New("reader: client is required")
	}
	if cfg.ReaderAddress == (common.Address{}) {
		return nil, errors.New("reader: reader contract address is required")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = defaultMaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultRPCTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxConcurrentCalls
	}

	return &Reader{
		client:      client,
		address:     cfg.ReaderAddress,
		semaphore:   make(chan struct{}, cfg.MaxConcurrentCalls),
		limiter:     rate.NewLimiter(limit, burst),
		callTimeout: cfg.CallTimeout,
	}, nil
}

// ListAccounts returns the accounts with index in [begin, end) of a perpetual's
// active account list, as evaluated by the Reader contract.
func (r *Reader) ListAccounts(ctx context.Context, pool common.Address, perpetualIndex, begin, end uint64) ([]Account, error) {
	out, err := r.call(ctx, r.address, abi.ReaderABI, "getAccountsInfo",
		pool, new(big.Int).SetUint64(perpetualIndex), new(big.Int).SetUint64(begin), new(big.Int).SetUint64(end))
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("%w: getAccountsInfo returned %d values", ErrUnexpectedOutput, len(out))
	}

	rows := *gethabi.ConvertType(out[1], new([]accountInfo)).(*[]accountInfo)
	accounts := make([]Account, len(rows))
	for i, row := range rows {
		accounts[i] = Account{
			Address:       row.Account,
			AvailableCash: row.AvailableCash,
			Position:      row.Position,
			Margin:        row.Margin,
			IsSafe:        row.IsSafe,
		}
	}
	return accounts, nil
}

// PerpetualCount returns the number of perpetuals in a liquidity pool.
func (r *Reader) PerpetualCount(ctx context.Context, pool common.Address) (uint64, error) {
	out, err := r.call(ctx, pool, abi.LiquidityPoolABI, "getLiquidityPoolInfo")
	if err != nil {
		return 0, err
	}
	if len(out) <= perpetualCountOutput {
		return 0, fmt.Errorf("%w: getLiquidityPoolInfo returned %d values", ErrUnexpectedOutput, len(out))
	}
	count, ok := out[perpetualCountOutput].(*big.Int)
	if !ok || !count.IsUint64() {
		return 0, fmt.Errorf("%w: perpetual count", ErrUnexpectedOutput)
	}
	return count.Uint64(), nil
}

// PerpetualInfo returns the state and oracle of one perpetual.
func (r *Reader) PerpetualInfo(ctx context.Context, pool common.Address, perpetualIndex uint64) (PerpetualInfo, error) {
	out, err := r.call(ctx, pool, abi.LiquidityPoolABI, "getPerpetualInfo", new(big.Int).SetUint64(perpetualIndex))
	if err != nil {
		return PerpetualInfo{}, err
	}
	if len(out) < 2 {
		return PerpetualInfo{}, fmt.Errorf("%w: getPerpetualInfo returned %d values", ErrUnexpectedOutput, len(out))
	}
	state, ok := out[0].(uint8)
	if !ok {
		return PerpetualInfo{}, fmt.Errorf("%w: perpetual state", ErrUnexpectedOutput)
	}
	oracle, ok := out[1].(common.Address)
	if !ok {
		return PerpetualInfo{}, fmt.Errorf("%w: perpetual oracle", ErrUnexpectedOutput)
	}
	return PerpetualInfo{State: state, Oracle: oracle}, nil
}

// AccountCount returns the number of active accounts of a perpetual.
func (r *Reader) AccountCount(ctx context.Context, pool common.Address, perpetualIndex uint64) (uint64, error) {
	out, err := r.call(ctx, pool, abi.LiquidityPoolABI, "getActiveAccountCount", new(big.Int).SetUint64(perpetualIndex))
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: getActiveAccountCount returned %d values", ErrUnexpectedOutput, len(out))
	}
	count, ok := out[0].(*big.Int)
	if !ok || !count.IsUint64() {
		return 0, fmt.Errorf("%w: active account count", ErrUnexpectedOutput)
	}
	return count.Uint64(), nil
}

// call packs method, waits for a concurrency slot and the rate limiter, and
// performs a single eth_call bounded by the call timeout.
func (r *Reader) call(parentCtx context.Context, to common.Address, contract gethabi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	select {
	case r.semaphore <- struct{}{}:
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}
	defer func() { <-r.semaphore }()

	if err := r.limiter.Wait(parentCtx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.callTimeout)
	defer cancel()

	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call for %s failed on %s: %w", method, to.Hex(), err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s from %s: %w", method, to.Hex(), err)
	}
	return out, nil
}
