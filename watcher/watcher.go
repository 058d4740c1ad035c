// Package watcher drives the keeper: it follows the chain head and a price
// ticker and calls the registered syncers on every tick.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultPriceInterval     = 3 * time.Second
	defaultResubscribePeriod = time.Minute
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// HeadSource is the subset of an Ethereum client used to follow the chain head.
// *ethclient.Client satisfies it.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	// PollInterval is the BlockNumber polling period used while no head
	// subscription is available.
	PollInterval time.Duration
	// PriceInterval is the period of the price syncers.
	PriceInterval time.Duration
	// ResubscribePeriod is how long the watcher polls before trying to
	// subscribe again.
	ResubscribePeriod time.Duration
	Logger            Logger
}

// Watcher calls block syncers once per new head and price syncers once per
// price tick. Syncers of the same kind run one after another on a single
// goroutine; heads that arrive while a round is running are coalesced so the
// next round sees only the latest block.
type Watcher struct {
	client            HeadSource
	pollInterval      time.Duration
	priceInterval     time.Duration
	resubscribePeriod time.Duration
	logger            Logger

	mu           sync.Mutex
	blockSyncers []func(ctx context.Context, blockNumber uint64)
	priceSyncers []func(ctx context.Context)
}

func New(client HeadSource, cfg Config) (*Watcher, error) {
	if client == nil {
		return nil, errors.New("watcher: head source is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("watcher: logger is required")
	}
	w := &Watcher{
		client:            client,
		pollInterval:      cfg.PollInterval,
		priceInterval:     cfg.PriceInterval,
		resubscribePeriod: cfg.ResubscribePeriod,
		logger:            cfg.Logger,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.priceInterval <= 0 {
		w.priceInterval = defaultPriceInterval
	}
	if w.resubscribePeriod <= 0 {
		w.resubscribePeriod = defaultResubscribePeriod
	}
	return w, nil
}

// AddBlockSyncer registers fn to be called with every new block number.
func (w *Watcher) AddBlockSyncer(fn func(ctx context.Context, blockNumber uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blockSyncers = append(w.blockSyncers, fn)
}

// AddPriceSyncer registers fn to be called on every price tick.
func (w *Watcher) AddPriceSyncer(fn func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.priceSyncers = append(w.priceSyncers, fn)
}

// Run blocks until ctx is cancelled and every running syncer has returned.
func (w *Watcher) Run(ctx context.Context) {
	heads := make(chan uint64, 1)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.followHead(ctx, heads)
	}()
	go func() {
		defer wg.Done()
		w.runBlockSyncers(ctx, heads)
	}()
	go func() {
		defer wg.Done()
		w.runPriceSyncers(ctx)
	}()
	wg.Wait()
}

func (w *Watcher) runBlockSyncers(ctx context.Context, heads <-chan uint64) {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-heads:
			if n <= last {
				continue
			}
			last = n
			w.mu.Lock()
			syncers := append([]func(context.Context, uint64){}, w.blockSyncers...)
			w.mu.Unlock()
			for _, fn := range syncers {
				fn(ctx, n)
			}
		}
	}
}

func (w *Watcher) runPriceSyncers(ctx context.Context) {
	ticker := time.NewTicker(w.priceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			syncers := append([]func(context.Context){}, w.priceSyncers...)
			w.mu.Unlock()
			for _, fn := range syncers {
				fn(ctx)
			}
		}
	}
}

// followHead feeds head numbers into heads, preferring a subscription and
// falling back to polling while the subscription is unavailable.
func (w *Watcher) followHead(ctx context.Context, heads chan uint64) {
	for ctx.Err() == nil {
		err := w.subscribe(ctx, heads)
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("Head subscription unavailable, polling block number", "error", err, "retryIn", w.resubscribePeriod)
		w.poll(ctx, heads)
	}
}

func (w *Watcher) subscribe(ctx context.Context, heads chan uint64) error {
	ch := make(chan *types.Header, 16)
	sub, err := w.client.SubscribeNewHead(ctx, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	w.logger.Info("Subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("head subscription ended")
			}
			return err
		case hdr := <-ch:
			if hdr == nil || hdr.Number == nil {
				continue
			}
			offer(heads, hdr.Number.Uint64())
		}
	}
}

func (w *Watcher) poll(ctx context.Context, heads chan uint64) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.resubscribePeriod)
	defer deadline.Stop()

	for {
		n, err := w.client.BlockNumber(ctx)
		if err != nil {
			w.logger.Warn("Failed to read block number", "error", err)
		} else {
			offer(heads, n)
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// offer replaces any undelivered head number in ch with n.
func offer(ch chan uint64, n uint64) {
	for {
		select {
		case ch <- n:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
