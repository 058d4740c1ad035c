package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MarketReader is the read side of the pool and reader contracts.
type MarketReader interface {
	ListAccounts(ctx context.Context, pool common.Address, perpetualIndex, begin, end uint64) ([]MarginAccount, error)
	PerpetualCount(ctx context.Context, pool common.Address) (uint64, error)
	PerpetualStatus(ctx context.Context, pool common.Address, perpetualIndex uint64) (PerpetualStatus, error)
	PerpetualOracle(ctx context.Context, pool common.Address, perpetualIndex uint64) (common.Address, error)
	AccountCount(ctx context.Context, pool common.Address, perpetualIndex uint64) (uint64, error)
}

// Scheduler delivers block and price ticks to registered callbacks.
type Scheduler interface {
	AddBlockSyncer(fn func(ctx context.Context, blockNumber uint64))
	AddPriceSyncer(fn func(ctx context.Context))
}

// --- Function Type Definitions for Dependencies ---

type DiscoverPerpetualsFunc func(ctx context.Context) ([]DiscoveredPerpetual, error)
type FetchPriceFunc func(ctx context.Context, oracle string) (float64, error)
type SubmitLiquidationFunc func(ctx context.Context, key PerpetualKey, trader common.Address, signer *KeeperAccount, gasPrice *big.Int) (common.Hash, error)
type WaitReceiptFunc func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
type ConfirmationHandlerFunc func(c Confirmation)
type ErrorHandlerFunc func(err error)

const (
	defaultPageSize             = 100
	defaultScanConcurrency      = 16
	defaultMaxPageErrors        = 3
	defaultConfirmationAttempts = 10
	defaultTxTimeout            = 300 * time.Second
)

// Config holds all the dependencies and settings for the Keeper.
type Config struct {
	Name          string
	PrometheusReg prometheus.Registerer
	Reader        MarketReader

	// UseWhitelist selects whitelist mode. Whitelist maps "pool-index" keys, or
	// bare pool addresses, to an oracle id; an empty oracle is read from the pool.
	UseWhitelist bool
	Whitelist    map[string]string
	// DiscoverPerpetuals queries the indexer. Required in discovery mode.
	DiscoverPerpetuals DiscoverPerpetualsFunc
	// Blacklist holds pool addresses excluded from discovery, in any case.
	Blacklist []string

	FetchPrice        FetchPriceFunc
	SubmitLiquidation SubmitLiquidationFunc
	WaitReceipt       WaitReceiptFunc
	OnConfirmed       ConfirmationHandlerFunc
	ErrorHandler      ErrorHandlerFunc

	KeeperAccounts []*KeeperAccount
	GasPrice       *big.Int

	PageSize             int
	ScanConcurrency      int
	MaxCachedAccounts    int
	MaxPageErrors        int
	TxTimeout            time.Duration
	ConfirmationAttempts int

	Logger Logger
}

// validate checks that all essential fields are provided and fills defaults.
func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("keeper name is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("prometheus registerer is required")
	}
	if c.Reader == nil {
		return errors.New("market reader is required")
	}
	if c.UseWhitelist && len(c.Whitelist) == 0 {
		return errors.New("whitelist mode requires at least one perpetual")
	}
	if !c.UseWhitelist && c.DiscoverPerpetuals == nil {
		return errors.New("discover perpetuals function is required in discovery mode")
	}
	if c.FetchPrice == nil {
		return errors.New("fetch price function is required")
	}
	if c.SubmitLiquidation == nil {
		return errors.New("submit liquidation function is required")
	}
	if c.WaitReceipt == nil {
		return errors.New("wait receipt function is required")
	}
	if c.ErrorHandler == nil {
		return errors.New("error handler function is required")
	}
	if len(c.KeeperAccounts) == 0 {
		return ErrNoKeeperAccounts
	}
	if c.GasPrice == nil || c.GasPrice.Sign() <= 0 {
		return errors.New("gas price must be positive")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PageSize < 0 || c.ScanConcurrency < 0 || c.MaxCachedAccounts < 0 || c.MaxPageErrors < 0 || c.ConfirmationAttempts < 0 || c.TxTimeout < 0 {
		return errors.New("numeric settings cannot be negative")
	}

	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.ScanConcurrency == 0 {
		c.ScanConcurrency = defaultScanConcurrency
	}
	if c.MaxPageErrors == 0 {
		c.MaxPageErrors = defaultMaxPageErrors
	}
	if c.ConfirmationAttempts == 0 {
		c.ConfirmationAttempts = defaultConfirmationAttempts
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = defaultTxTimeout
	}
	if c.OnConfirmed == nil {
		c.OnConfirmed = func(Confirmation) {}
	}
	return nil
}

// Keeper composes market discovery, account scanning, oracle watching and
// liquidation dispatch, and exposes them as scheduler callbacks.
type Keeper struct {
	name            string
	scanConcurrency int
	registry        *MarketRegistry
	scanner         *AccountScanner
	oracles         *OracleWatcher
	pool            *KeyPool
	dispatcher      *LiquidationDispatcher
	errorHandler    ErrorHandlerFunc
	metrics         *Metrics
	logger          Logger
}

// New constructs a Keeper. In whitelist mode the whitelist is resolved here and
// any failure is returned, since the keeper cannot run without its markets.
func New(ctx context.Context, cfg *Config) (*Keeper, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid keeper configuration: %w", err)
	}

	metrics := NewMetrics(cfg.PrometheusReg, cfg.Name)

	errorHandler := func(err error) {
		errorType := determineErrorType(err)
		if errorType == "submission" {
			cfg.Logger.Error("Keeper error", "keeper", cfg.Name, "type", errorType, "severity", "fatal", "error", err)
		} else {
			cfg.Logger.Warn("Keeper error", "keeper", cfg.Name, "type", errorType, "error", err)
		}
		metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
		cfg.ErrorHandler(err)
	}

	pool, err := NewKeyPool(cfg.KeeperAccounts)
	if err != nil {
		return nil, err
	}
	pool.onChange = func(inUse int) { metrics.KeepersInUse.Set(float64(inUse)) }

	confirmCtx, cancelConfirm := context.WithCancel(context.Background())
	dispatcher := &LiquidationDispatcher{
		pool:          pool,
		submit:        cfg.SubmitLiquidation,
		waitReceipt:   cfg.WaitReceipt,
		onConfirmed:   cfg.OnConfirmed,
		gasPrice:      new(big.Int).Set(cfg.GasPrice),
		txTimeout:     cfg.TxTimeout,
		maxAttempts:   cfg.ConfirmationAttempts,
		errorHandler:  errorHandler,
		metrics:       metrics,
		logger:        cfg.Logger,
		confirmCtx:    confirmCtx,
		cancelConfirm: cancelConfirm,
		pending:       make(map[pendingLiquidation]pendingSubmission),
	}

	registry := newMarketRegistry(cfg, errorHandler)
	if cfg.UseWhitelist {
		if err := registry.loadWhitelist(ctx); err != nil {
			cancelConfirm()
			return nil, err
		}
	}

	scanner := &AccountScanner{
		reader:          cfg.Reader,
		pageSize:        uint64(cfg.PageSize),
		maxCached:       cfg.MaxCachedAccounts,
		maxPageErrors:   cfg.MaxPageErrors,
		useAccountCount: cfg.UseWhitelist,
		liquidate:       dispatcher.Liquidate,
		errorHandler:    errorHandler,
		metrics:         metrics,
		logger:          cfg.Logger,
	}

	oracles := &OracleWatcher{
		prices:       make(map[string]float64),
		fetch:        cfg.FetchPrice,
		registry:     registry,
		recheck:      scanner.Recheck,
		concurrency:  cfg.ScanConcurrency,
		errorHandler: errorHandler,
		metrics:      metrics,
		logger:       cfg.Logger,
	}
	oracles.Sync(registry.Snapshot().Oracles())

	k := &Keeper{
		name:            cfg.Name,
		scanConcurrency: cfg.ScanConcurrency,
		registry:        registry,
		scanner:         scanner,
		oracles:         oracles,
		pool:            pool,
		dispatcher:      dispatcher,
		errorHandler:    errorHandler,
		metrics:         metrics,
		logger:          cfg.Logger,
	}
	k.metrics.PerpetualsTracked.Set(float64(registry.Snapshot().Len()))
	k.logger.Info("Keeper started", "keeper", k.name, "whitelist", cfg.UseWhitelist, "keeperAccounts", pool.Size(), "perpetuals", registry.Snapshot().Len())
	return k, nil
}

// Register installs the block and price callbacks on the scheduler.
func (k *Keeper) Register(s Scheduler) {
	s.AddBlockSyncer(k.OnNewBlock)
	s.AddPriceSyncer(k.OnPriceTick)
}

// OnNewBlock refreshes the market registry and scans every scannable perpetual,
// one task per perpetual, returning once all tasks have finished.
func (k *Keeper) OnNewBlock(ctx context.Context, blockNumber uint64) {
	timer := prometheus.NewTimer(k.metrics.ScanRoundDur)
	defer timer.ObserveDuration()

	round := uuid.NewString()
	start := time.Now()

	snapshot := k.registry.Refresh(ctx)
	k.oracles.Sync(snapshot.Oracles())
	k.metrics.PerpetualsTracked.Set(float64(snapshot.Len()))

	perpetuals := snapshot.Perpetuals()
	runBounded(ctx, k.scanConcurrency, perpetuals, func(ctx context.Context, p *Perpetual) {
		k.scanner.Scan(ctx, p)
	})

	cached := 0
	for _, p := range perpetuals {
		cached += len(p.Accounts())
	}
	k.metrics.AccountsCached.Set(float64(cached))
	k.metrics.LastScannedBlock.Set(float64(blockNumber))
	k.logger.Info("Check all perpetuals end", "round", round, "block", blockNumber, "perpetuals", len(perpetuals), "cachedAccounts", cached, "duration", time.Since(start))
}

// OnPriceTick polls every oracle and re-checks the perpetuals whose price moved.
func (k *Keeper) OnPriceTick(ctx context.Context) {
	timer := prometheus.NewTimer(k.metrics.OracleRoundDur)
	defer timer.ObserveDuration()

	round := uuid.NewString()
	triggered := k.oracles.PollAndTrigger(ctx)
	if triggered > 0 {
		k.logger.Info("Check triggered perpetuals end", "round", round, "perpetuals", triggered)
	}
}

// Perpetuals returns a summary of every tracked perpetual.
func (k *Keeper) Perpetuals() []PerpetualView {
	perpetuals := k.registry.Snapshot().Perpetuals()
	views := make([]PerpetualView, 0, len(perpetuals))
	for _, p := range perpetuals {
		views = append(views, p.view())
	}
	return views
}

// Perpetual returns the summary of one tracked perpetual by its "pool-index" id.
func (k *Keeper) Perpetual(id string) (PerpetualView, error) {
	key, err := ParsePerpetualKey(id)
	if err != nil {
		return PerpetualView{}, err
	}
	p, ok := k.registry.Snapshot().Get(key)
	if !ok {
		return PerpetualView{}, fmt.Errorf("%w: %s", ErrUnknownPerpetual, key)
	}
	return p.view(), nil
}

// Snapshot returns the current market registry snapshot.
func (k *Keeper) Snapshot() *MarketSnapshot {
	return k.registry.Snapshot()
}

// Close stops handing out keeper accounts and abandons pending confirmation waits.
func (k *Keeper) Close() {
	k.pool.Close()
	k.dispatcher.stop()
	k.logger.Info("Keeper stopped", "keeper", k.name)
}
