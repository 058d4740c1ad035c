// Package liquidator builds, signs and sends liquidateByAMM transactions and
// polls for their receipts.
package liquidator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-perpetual-keeper/abi"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	defaultPollInterval = time.Second
	// gasLimitBufferPct is the percentage added to the gas estimate.
	gasLimitBufferPct = 20
)

// Backend is the subset of an Ethereum client needed to submit transactions.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Liquidator submits liquidations against liquidity pools.
type Liquidator struct {
	backend      Backend
	signer       types.Signer
	pollInterval time.Duration
}

// New creates a Liquidator signing for chainID.
func New(backend Backend, chainID *big.Int, pollInterval time.Duration) (*Liquidator, error) {
	if backend == nil {
		return nil, errors.New("liquidator: backend is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("liquidator: chain id is required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Liquidator{
		backend:      backend,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: pollInterval,
	}, nil
}

// LiquidateByAMM estimates, signs and sends pool.liquidateByAMM(perpetualIndex, trader)
// from the account owning key, and returns the transaction hash. A failed gas
// estimate means the call would revert and nothing is sent.
func (l *Liquidator) LiquidateByAMM(ctx context.Context, pool common.Address, perpetualIndex uint64, trader common.Address, key *ecdsa.PrivateKey, gasPrice *big.Int) (common.Hash, error) {
	data, err := abi.LiquidityPoolABI.Pack("liquidateByAMM", new(big.Int).SetUint64(perpetualIndex), trader)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack liquidateByAMM: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &pool,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas for liquidateByAMM on %s: %w", pool.Hex(), err)
	}
	gas += gas * gasLimitBufferPct / 100

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &pool,
		Data:     data,
	}), l.signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign liquidateByAMM: %w", err)
	}

	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send liquidateByAMM on %s: %w", pool.Hex(), err)
	}
	return tx.Hash(), nil
}

// WaitReceipt polls for the receipt of txHash until it is mined or ctx is done.
// A missing receipt is not an error; any other RPC error is returned at once.
func (l *Liquidator) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
