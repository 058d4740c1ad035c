package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Confirmation describes the mined outcome of a liquidation transaction.
type Confirmation struct {
	Perpetual PerpetualKey
	Trader    common.Address
	Keeper    common.Address
	TxHash    common.Hash
	Receipt   *types.Receipt
	Success   bool
}

type pendingLiquidation struct {
	perpetual PerpetualKey
	trader    common.Address
}

type pendingSubmission struct {
	hash      common.Hash
	submitted time.Time
}

// LiquidationDispatcher submits liquidations through the key pool and waits for
// their receipts in the background.
type LiquidationDispatcher struct {
	pool         *KeyPool
	submit       SubmitLiquidationFunc
	waitReceipt  WaitReceiptFunc
	onConfirmed  ConfirmationHandlerFunc
	gasPrice     *big.Int
	txTimeout    time.Duration
	maxAttempts  int
	errorHandler ErrorHandlerFunc
	metrics      *Metrics
	logger       Logger

	// confirmCtx outlives scan rounds; it is cancelled only on shutdown.
	confirmCtx    context.Context
	cancelConfirm context.CancelFunc

	// pending suppresses resubmission for one txTimeout window after a
	// submission, while its receipt is still being awaited.
	mu      sync.Mutex
	pending map[pendingLiquidation]pendingSubmission
	wg      sync.WaitGroup
}

// Liquidate acquires a keeper account, submits the liquidation and releases the
// account right after submission. The receipt is awaited in a separate goroutine.
// Errors are reported through the error handler; nothing is returned to the scan.
func (d *LiquidationDispatcher) Liquidate(ctx context.Context, key PerpetualKey, account MarginAccount) {
	id := pendingLiquidation{perpetual: key, trader: account.Trader}
	if hash, ok := d.pendingTx(id); ok {
		d.logger.Debug("Liquidation already awaiting confirmation", "perpetual", key.String(), "trader", account.Trader.Hex(), "txHash", hash.Hex())
		return
	}

	start := time.Now()
	keeperAccount, err := d.pool.Acquire(ctx)
	d.metrics.KeyAcquireWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if isShutdown(err) {
			d.logger.Debug("Liquidation dropped on shutdown", "perpetual", key.String(), "trader", account.Trader.Hex())
		} else {
			d.logger.Warn("Could not acquire keeper account", "perpetual", key.String(), "trader", account.Trader.Hex(), "error", err)
		}
		return
	}

	txHash, err := d.submit(ctx, key, account.Trader, keeperAccount, d.gasPrice)
	d.pool.Release(keeperAccount)
	if err != nil {
		d.errorHandler(&SubmissionError{Perpetual: key, Trader: account.Trader, Keeper: keeperAccount.Address, Err: err})
		return
	}

	d.metrics.LiquidationsSubmitted.Inc()
	d.logger.Info("Liquidation submitted", "perpetual", key.String(), "trader", account.Trader.Hex(), "keeper", keeperAccount.Address.Hex(), "txHash", txHash.Hex())

	if !d.markPending(id, txHash) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.clearPending(id, txHash)
		d.awaitConfirmation(d.confirmCtx, key, account.Trader, keeperAccount.Address, txHash)
	}()
}

// awaitConfirmation polls for the receipt up to maxAttempts times, each attempt
// bounded by txTimeout. Any error counts as a retry. Running out of attempts
// gives up quietly.
func (d *LiquidationDispatcher) awaitConfirmation(ctx context.Context, key PerpetualKey, trader, keeperAddr common.Address, txHash common.Hash) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.txTimeout)
		receipt, err := d.waitReceipt(attemptCtx, txHash)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil || receipt == nil {
			d.logger.Debug("Receipt not available yet", "txHash", txHash.Hex(), "attempt", attempt, "error", err)
			continue
		}

		confirmation := Confirmation{
			Perpetual: key,
			Trader:    trader,
			Keeper:    keeperAddr,
			TxHash:    txHash,
			Receipt:   receipt,
			Success:   receipt.Status == types.ReceiptStatusSuccessful,
		}
		if confirmation.Success {
			d.metrics.LiquidationsConfirmed.WithLabelValues("success").Inc()
			d.logger.Info("Liquidation confirmed", "perpetual", key.String(), "trader", trader.Hex(), "txHash", txHash.Hex(), "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
		} else {
			d.metrics.LiquidationsConfirmed.WithLabelValues("failed").Inc()
			d.errorHandler(&ConfirmationError{Perpetual: key, Trader: trader, TxHash: txHash, Err: ErrTransactionFailed})
		}
		d.onConfirmed(confirmation)
		return
	}
	d.logger.Debug("Gave up waiting for liquidation receipt", "txHash", txHash.Hex(), "attempts", d.maxAttempts)
}

// Wait blocks until every confirmation goroutine has returned.
func (d *LiquidationDispatcher) Wait() {
	d.wg.Wait()
}

// stop abandons outstanding confirmation waits and blocks until they return.
func (d *LiquidationDispatcher) stop() {
	d.cancelConfirm()
	d.wg.Wait()
}

func (d *LiquidationDispatcher) pendingTx(id pendingLiquidation) (common.Hash, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, ok := d.pending[id]
	if !ok || time.Since(tx.submitted) >= d.txTimeout {
		return common.Hash{}, false
	}
	return tx.hash, true
}

// markPending records txHash for id. It returns false if another submission
// for id is still inside its window.
func (d *LiquidationDispatcher) markPending(id pendingLiquidation, txHash common.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx, ok := d.pending[id]; ok && time.Since(tx.submitted) < d.txTimeout {
		return false
	}
	d.pending[id] = pendingSubmission{hash: txHash, submitted: time.Now()}
	return true
}

// clearPending forgets id unless a later submission has replaced txHash.
func (d *LiquidationDispatcher) clearPending(id pendingLiquidation, txHash common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx, ok := d.pending[id]; ok && tx.hash == txHash {
		delete(d.pending, id)
	}
}

// isShutdown reports whether err came from the keeper shutting down.
func isShutdown(err error) bool {
	return errors.Is(err, ErrKeyPoolClosed) || errors.Is(err, context.Canceled)
}
