package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Infrastructure ---

type listCall struct {
	key        PerpetualKey
	begin, end uint64
}

// mockReader simulates the pool and reader contracts.
type mockReader struct {
	mu        sync.Mutex
	accounts  map[PerpetualKey][]MarginAccount
	status    map[PerpetualKey]PerpetualStatus
	statusErr error
	pageErr   func(key PerpetualKey, begin uint64) error
	counts    map[common.Address]uint64
	oracles   map[PerpetualKey]common.Address
	active    map[PerpetualKey]uint64
	listCalls []listCall
}

func newMockReader() *mockReader {
	return &mockReader{
		accounts: make(map[PerpetualKey][]MarginAccount),
		status:   make(map[PerpetualKey]PerpetualStatus),
		counts:   make(map[common.Address]uint64),
		oracles:  make(map[PerpetualKey]common.Address),
		active:   make(map[PerpetualKey]uint64),
	}
}

func (r *mockReader) setAccounts(key PerpetualKey, accounts []MarginAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[key] = accounts
}

func (r *mockReader) setStatus(key PerpetualKey, s PerpetualStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[key] = s
}

func (r *mockReader) calls(key PerpetualKey) []listCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []listCall
	for _, c := range r.listCalls {
		if c.key == key {
			out = append(out, c)
		}
	}
	return out
}

func (r *mockReader) ListAccounts(ctx context.Context, pool common.Address, perpetualIndex, begin, end uint64) ([]MarginAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := PerpetualKey{Pool: pool, Index: perpetualIndex}
	r.listCalls = append(r.listCalls, listCall{key: key, begin: begin, end: end})
	if r.pageErr != nil {
		if err := r.pageErr(key, begin); err != nil {
			return nil, err
		}
	}
	all := r.accounts[key]
	if begin >= uint64(len(all)) {
		return nil, nil
	}
	end = min(end, uint64(len(all)))
	out := make([]MarginAccount, end-begin)
	copy(out, all[begin:end])
	return out, nil
}

func (r *mockReader) PerpetualCount(ctx context.Context, pool common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.counts[pool]
	if !ok {
		return 0, errors.New("mock: unknown pool")
	}
	return count, nil
}

func (r *mockReader) PerpetualStatus(ctx context.Context, pool common.Address, perpetualIndex uint64) (PerpetualStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return StatusInvalid, r.statusErr
	}
	if s, ok := r.status[PerpetualKey{Pool: pool, Index: perpetualIndex}]; ok {
		return s, nil
	}
	return StatusNormal, nil
}

func (r *mockReader) PerpetualOracle(ctx context.Context, pool common.Address, perpetualIndex uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oracle, ok := r.oracles[PerpetualKey{Pool: pool, Index: perpetualIndex}]
	if !ok {
		return common.Address{}, errors.New("mock: unknown perpetual")
	}
	return oracle, nil
}

func (r *mockReader) AccountCount(ctx context.Context, pool common.Address, perpetualIndex uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[PerpetualKey{Pool: pool, Index: perpetualIndex}], nil
}

type submission struct {
	key      PerpetualKey
	trader   common.Address
	keeper   common.Address
	gasPrice *big.Int
	txHash   common.Hash
}

// mockChain simulates liquidation submission and receipt polling.
type mockChain struct {
	mu            sync.Mutex
	counter       int64
	submitted     []submission
	submitErr     error
	receiptStatus uint64
	// receiptMisses is the number of polls per tx that report the receipt as missing.
	receiptMisses int
	polls         map[common.Hash]int
}

func newMockChain() *mockChain {
	return &mockChain{receiptStatus: types.ReceiptStatusSuccessful, polls: make(map[common.Hash]int)}
}

func (c *mockChain) Submit(ctx context.Context, key PerpetualKey, trader common.Address, signer *KeeperAccount, gasPrice *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return common.Hash{}, c.submitErr
	}
	c.counter++
	hash := common.BigToHash(big.NewInt(c.counter))
	c.submitted = append(c.submitted, submission{key: key, trader: trader, keeper: signer.Address, gasPrice: gasPrice, txHash: hash})
	return hash, nil
}

func (c *mockChain) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[txHash]++
	if c.polls[txHash] <= c.receiptMisses {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: c.receiptStatus, TxHash: txHash, BlockNumber: big.NewInt(1)}, nil
}

func (c *mockChain) submissions() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]submission, len(c.submitted))
	copy(out, c.submitted)
	return out
}

func (c *mockChain) pollCount(txHash common.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[txHash]
}

// mockPrices serves oracle prices from a map.
type mockPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func newMockPrices() *mockPrices {
	return &mockPrices{prices: make(map[string]float64), errs: make(map[string]error)}
}

func (p *mockPrices) set(oracle string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[oracle] = price
}

func (p *mockPrices) Fetch(ctx context.Context, oracle string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[oracle]; err != nil {
		return 0, err
	}
	return p.prices[oracle], nil
}

// errorSink collects errors passed to an error handler.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) get() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// confirmationSink collects confirmations.
type confirmationSink struct {
	mu   sync.Mutex
	list []Confirmation
}

func (s *confirmationSink) add(c Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, c)
}

func (s *confirmationSink) get() []Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Confirmation, len(s.list))
	copy(out, s.list)
	return out
}

// --- Test Helper Functions ---

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}

func testKeeperAccounts(t *testing.T, n int) []*KeeperAccount {
	t.Helper()
	accounts := make([]*KeeperAccount, n)
	for i := range accounts {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		accounts[i] = NewKeeperAccount(key)
	}
	return accounts
}

func testTrader(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(n) + 0x1000))
}

func testAccount(n int, position int64, safe bool) MarginAccount {
	return MarginAccount{
		Trader:        testTrader(n),
		Position:      big.NewInt(position),
		AvailableCash: big.NewInt(0),
		Margin:        new(big.Int).Mul(big.NewInt(position), big.NewInt(1e17)),
		IsSafe:        safe,
	}
}

// testAccounts returns n safe accounts with positions 1..n.
func testAccounts(n int) []MarginAccount {
	out := make([]MarginAccount, n)
	for i := range out {
		out[i] = testAccount(i, int64(i+1), true)
	}
	return out
}

func testPerpetualKey(pool string, index uint64) PerpetualKey {
	return PerpetualKey{Pool: common.HexToAddress(pool), Index: index}
}

func testPerpetual(key PerpetualKey, oracle string) *Perpetual {
	return &Perpetual{Key: key, Oracle: oracle, book: newAccountBook(StatusNormal)}
}

// --- Test Setup Helper ---

type keeperTestConfig struct {
	useWhitelist bool
	whitelist    map[string]string
	discover     DiscoverPerpetualsFunc
	blacklist    []string
	keys         int
}

type testKeeper struct {
	Keeper        *Keeper
	Reader        *mockReader
	Chain         *mockChain
	Prices        *mockPrices
	Errors        *errorSink
	Confirmations *confirmationSink
}

func testSetupKeeper(t *testing.T, cfg *keeperTestConfig) *testKeeper {
	t.Helper()
	if cfg == nil {
		cfg = &keeperTestConfig{}
	}
	if cfg.keys == 0 {
		cfg.keys = 2
	}
	if !cfg.useWhitelist && cfg.discover == nil {
		cfg.discover = func(ctx context.Context) ([]DiscoveredPerpetual, error) { return nil, nil }
	}

	tk := &testKeeper{
		Reader:        newMockReader(),
		Chain:         newMockChain(),
		Prices:        newMockPrices(),
		Errors:        &errorSink{},
		Confirmations: &confirmationSink{},
	}

	k, err := New(context.Background(), &Config{
		Name:                 "test",
		PrometheusReg:        prometheus.NewRegistry(),
		Reader:               tk.Reader,
		UseWhitelist:         cfg.useWhitelist,
		Whitelist:            cfg.whitelist,
		DiscoverPerpetuals:   cfg.discover,
		Blacklist:            cfg.blacklist,
		FetchPrice:           tk.Prices.Fetch,
		SubmitLiquidation:    tk.Chain.Submit,
		WaitReceipt:          tk.Chain.WaitReceipt,
		OnConfirmed:          tk.Confirmations.add,
		ErrorHandler:         tk.Errors.add,
		KeeperAccounts:       testKeeperAccounts(t, cfg.keys),
		GasPrice:             big.NewInt(1e9),
		TxTimeout:            time.Second,
		ConfirmationAttempts: 3,
		Logger:               testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(k.Close)
	tk.Keeper = k
	return tk
}

type fakeScheduler struct {
	blockSyncers []func(ctx context.Context, blockNumber uint64)
	priceSyncers []func(ctx context.Context)
}

func (s *fakeScheduler) AddBlockSyncer(fn func(ctx context.Context, blockNumber uint64)) {
	s.blockSyncers = append(s.blockSyncers, fn)
}

func (s *fakeScheduler) AddPriceSyncer(fn func(ctx context.Context)) {
	s.priceSyncers = append(s.priceSyncers, fn)
}

// --- Test Suite ---

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Name:               "test",
			PrometheusReg:      prometheus.NewRegistry(),
			Reader:             newMockReader(),
			DiscoverPerpetuals: func(ctx context.Context) ([]DiscoveredPerpetual, error) { return nil, nil },
			FetchPrice:         newMockPrices().Fetch,
			SubmitLiquidation:  newMockChain().Submit,
			WaitReceipt:        newMockChain().WaitReceipt,
			ErrorHandler:       func(error) {},
			KeeperAccounts:     testKeeperAccounts(t, 1),
			GasPrice:           big.NewInt(1),
			Logger:             testLogger(),
		}
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }, errMsg: "keeper name is required"},
		{name: "missing reader", mutate: func(c *Config) { c.Reader = nil }, errMsg: "market reader is required"},
		{name: "empty whitelist", mutate: func(c *Config) { c.UseWhitelist = true }, errMsg: "whitelist mode requires"},
		{name: "missing discovery", mutate: func(c *Config) { c.DiscoverPerpetuals = nil }, errMsg: "discover perpetuals function is required"},
		{name: "missing price feed", mutate: func(c *Config) { c.FetchPrice = nil }, errMsg: "fetch price function is required"},
		{name: "no keeper accounts", mutate: func(c *Config) { c.KeeperAccounts = nil }, errMsg: ErrNoKeeperAccounts.Error()},
		{name: "zero gas price", mutate: func(c *Config) { c.GasPrice = big.NewInt(0) }, errMsg: "gas price must be positive"},
		{name: "negative page size", mutate: func(c *Config) { c.PageSize = -1 }, errMsg: "cannot be negative"},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }, errMsg: "logger is required"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.validate())
		assert.Equal(t, defaultPageSize, cfg.PageSize)
		assert.Equal(t, defaultScanConcurrency, cfg.ScanConcurrency)
		assert.Equal(t, defaultMaxPageErrors, cfg.MaxPageErrors)
		assert.Equal(t, defaultConfirmationAttempts, cfg.ConfirmationAttempts)
		assert.Equal(t, defaultTxTimeout, cfg.TxTimeout)
		assert.NotNil(t, cfg.OnConfirmed)
	})
}

func TestKeeper(t *testing.T) {
	keyA := testPerpetualKey("0x00000000000000000000000000000000000000a1", 0)
	keyB := testPerpetualKey("0x00000000000000000000000000000000000000b2", 1)
	oracle1 := "0x00000000000000000000000000000000000000e1"
	oracle2 := "0x00000000000000000000000000000000000000e2"

	discovered := func(ctx context.Context) ([]DiscoveredPerpetual, error) {
		return []DiscoveredPerpetual{
			{ID: keyA.String(), Oracle: oracle1},
			{ID: keyB.String(), Oracle: oracle2},
		}, nil
	}

	t.Run("NewBlock_ScansAndLiquidates", func(t *testing.T) {
		tk := testSetupKeeper(t, &keeperTestConfig{discover: discovered})

		accountsA := testAccounts(150)
		accountsA[3].IsSafe = false
		accountsA[120].IsSafe = false
		tk.Reader.setAccounts(keyA, accountsA)
		tk.Reader.setAccounts(keyB, testAccounts(10))

		tk.Keeper.OnNewBlock(context.Background(), 42)

		subs := tk.Chain.submissions()
		require.Len(t, subs, 2)
		traders := []common.Address{subs[0].trader, subs[1].trader}
		assert.ElementsMatch(t, []common.Address{accountsA[3].Trader, accountsA[120].Trader}, traders)
		for _, s := range subs {
			assert.Equal(t, keyA, s.key)
			assert.Equal(t, 0, s.gasPrice.Cmp(big.NewInt(1e9)))
		}

		require.Eventually(t, func() bool { return len(tk.Confirmations.get()) == 2 }, time.Second, 5*time.Millisecond)
		for _, c := range tk.Confirmations.get() {
			assert.True(t, c.Success)
		}

		views := tk.Keeper.Perpetuals()
		require.Len(t, views, 2)
		assert.Equal(t, keyA.String(), views[0].ID)
		assert.Equal(t, 150, views[0].CachedAccounts)
		assert.Equal(t, oracle1, views[0].Oracle)
		assert.Equal(t, 10, views[1].CachedAccounts)

		assert.Equal(t, float64(42), testutil.ToFloat64(tk.Keeper.metrics.LastScannedBlock))
		assert.Equal(t, float64(2), testutil.ToFloat64(tk.Keeper.metrics.PerpetualsTracked))
		assert.Equal(t, float64(160), testutil.ToFloat64(tk.Keeper.metrics.AccountsCached))
		assert.Equal(t, float64(2), testutil.ToFloat64(tk.Keeper.metrics.LiquidationsSubmitted))
		assert.Empty(t, tk.Errors.get())
	})

	t.Run("NewBlock_DiscoveryFailureKeepsSnapshot", func(t *testing.T) {
		fail := false
		var mu sync.Mutex
		tk := testSetupKeeper(t, &keeperTestConfig{discover: func(ctx context.Context) ([]DiscoveredPerpetual, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("indexer down")
			}
			return discovered(ctx)
		}})

		tk.Keeper.OnNewBlock(context.Background(), 1)
		require.Equal(t, 2, tk.Keeper.Snapshot().Len())

		mu.Lock()
		fail = true
		mu.Unlock()
		tk.Keeper.OnNewBlock(context.Background(), 2)

		assert.Equal(t, 2, tk.Keeper.Snapshot().Len())
		errs := tk.Errors.get()
		require.Len(t, errs, 1)
		var discoveryErr *DiscoveryError
		require.ErrorAs(t, errs[0], &discoveryErr)
		assert.Equal(t, float64(1), testutil.ToFloat64(tk.Keeper.metrics.ErrorsTotal.WithLabelValues("discovery")))
	})

	t.Run("PriceTick_RechecksBoundPerpetuals", func(t *testing.T) {
		tk := testSetupKeeper(t, &keeperTestConfig{discover: discovered})
		tk.Reader.setAccounts(keyA, testAccounts(5))
		tk.Reader.setAccounts(keyB, testAccounts(5))
		tk.Keeper.OnNewBlock(context.Background(), 1)

		tk.Prices.set(oracle1, 100)
		tk.Keeper.OnPriceTick(context.Background())
		assert.Equal(t, float64(1), testutil.ToFloat64(tk.Keeper.metrics.OracleTriggeredRechecks))

		// Same price again: nothing is triggered.
		tk.Keeper.OnPriceTick(context.Background())
		assert.Equal(t, float64(1), testutil.ToFloat64(tk.Keeper.metrics.OracleTriggeredRechecks))

		tk.Prices.set(oracle1, 101)
		tk.Prices.set(oracle2, 7)
		tk.Keeper.OnPriceTick(context.Background())
		assert.Equal(t, float64(3), testutil.ToFloat64(tk.Keeper.metrics.OracleTriggeredRechecks))
	})

	t.Run("Whitelist_LoadedAtStartup", func(t *testing.T) {
		reader := newMockReader()
		pool := common.HexToAddress("0x00000000000000000000000000000000000000c3")
		reader.counts[pool] = 2
		reader.oracles[PerpetualKey{Pool: pool, Index: 0}] = common.HexToAddress(oracle1)
		reader.oracles[PerpetualKey{Pool: pool, Index: 1}] = common.HexToAddress(oracle2)

		k, err := New(context.Background(), &Config{
			Name:              "test",
			PrometheusReg:     prometheus.NewRegistry(),
			Reader:            reader,
			UseWhitelist:      true,
			Whitelist:         map[string]string{pool.Hex(): "", keyA.String(): oracle1},
			FetchPrice:        newMockPrices().Fetch,
			SubmitLiquidation: newMockChain().Submit,
			WaitReceipt:       newMockChain().WaitReceipt,
			ErrorHandler:      func(error) {},
			KeeperAccounts:    testKeeperAccounts(t, 1),
			GasPrice:          big.NewInt(1),
			Logger:            testLogger(),
		})
		require.NoError(t, err)
		defer k.Close()

		assert.Equal(t, 3, k.Snapshot().Len())
		assert.Equal(t, []string{oracle1, oracle2}, k.Snapshot().Oracles())

		// Whitelist mode never re-queries discovery.
		k.OnNewBlock(context.Background(), 5)
		assert.Equal(t, 3, k.Snapshot().Len())
	})

	t.Run("Whitelist_StartupFailure", func(t *testing.T) {
		_, err := New(context.Background(), &Config{
			Name:              "test",
			PrometheusReg:     prometheus.NewRegistry(),
			Reader:            newMockReader(),
			UseWhitelist:      true,
			Whitelist:         map[string]string{"0x00000000000000000000000000000000000000c3": ""},
			FetchPrice:        newMockPrices().Fetch,
			SubmitLiquidation: newMockChain().Submit,
			WaitReceipt:       newMockChain().WaitReceipt,
			ErrorHandler:      func(error) {},
			KeeperAccounts:    testKeeperAccounts(t, 1),
			GasPrice:          big.NewInt(1),
			Logger:            testLogger(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "perpetual count")
	})

	t.Run("PerpetualLookup", func(t *testing.T) {
		tk := testSetupKeeper(t, &keeperTestConfig{discover: discovered})
		tk.Keeper.OnNewBlock(context.Background(), 1)

		view, err := tk.Keeper.Perpetual(keyB.String())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), view.Index)
		assert.Equal(t, "normal", view.Status)

		_, err = tk.Keeper.Perpetual("0x00000000000000000000000000000000000000ff-0")
		assert.ErrorIs(t, err, ErrUnknownPerpetual)

		_, err = tk.Keeper.Perpetual("not-a-key")
		assert.ErrorIs(t, err, ErrInvalidPerpetualKey)
	})

	t.Run("Register", func(t *testing.T) {
		tk := testSetupKeeper(t, nil)
		s := &fakeScheduler{}
		tk.Keeper.Register(s)
		assert.Len(t, s.blockSyncers, 1)
		assert.Len(t, s.priceSyncers, 1)
	})

	t.Run("Close_DropsNewLiquidations", func(t *testing.T) {
		tk := testSetupKeeper(t, &keeperTestConfig{discover: discovered, keys: 1})
		tk.Keeper.Close()

		accounts := testAccounts(3)
		accounts[0].IsSafe = false
		tk.Reader.setAccounts(keyA, accounts)
		tk.Keeper.OnNewBlock(context.Background(), 1)

		assert.Empty(t, tk.Chain.submissions())
	})
}
