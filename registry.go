package keeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// DiscoveredPerpetual is one record returned by the market indexer.
type DiscoveredPerpetual struct {
	// ID is the "pool-index" identifier of the perpetual.
	ID string
	// Oracle is the address of the price oracle bound to the perpetual.
	Oracle string
}

// MarketSnapshot is an immutable view of the tracked perpetuals. A refresh builds
// a new snapshot and swaps it in, so scan tasks never see a half-built registry.
type MarketSnapshot struct {
	perpetuals map[PerpetualKey]*Perpetual
	ordered    []*Perpetual
	oracles    []string
}

func newMarketSnapshot(perpetuals []*Perpetual) *MarketSnapshot {
	s := &MarketSnapshot{
		perpetuals: make(map[PerpetualKey]*Perpetual, len(perpetuals)),
		ordered:    make([]*Perpetual, 0, len(perpetuals)),
	}
	oracles := make(map[string]struct{})
	for _, p := range perpetuals {
		if _, dup := s.perpetuals[p.Key]; dup {
			continue
		}
		s.perpetuals[p.Key] = p
		s.ordered = append(s.ordered, p)
		if p.Oracle != "" {
			oracles[p.Oracle] = struct{}{}
		}
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		return s.ordered[i].Key.String() < s.ordered[j].Key.String()
	})
	s.oracles = make([]string, 0, len(oracles))
	for o := range oracles {
		s.oracles = append(s.oracles, o)
	}
	sort.Strings(s.oracles)
	return s
}

func (s *MarketSnapshot) Len() int { return len(s.ordered) }

func (s *MarketSnapshot) Get(key PerpetualKey) (*Perpetual, bool) {
	p, ok := s.perpetuals[key]
	return p, ok
}

// Perpetuals returns the tracked perpetuals ordered by key.
func (s *MarketSnapshot) Perpetuals() []*Perpetual {
	out := make([]*Perpetual, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Oracles returns the distinct oracle ids bound to tracked perpetuals.
func (s *MarketSnapshot) Oracles() []string {
	out := make([]string, len(s.oracles))
	copy(out, s.oracles)
	return out
}

// BoundTo returns every perpetual whose oracle matches the given id.
func (s *MarketSnapshot) BoundTo(oracle string) []*Perpetual {
	var out []*Perpetual
	for _, p := range s.ordered {
		if p.Oracle == oracle {
			out = append(out, p)
		}
	}
	return out
}

// MarketRegistry resolves the set of perpetuals to scan, either from a static
// whitelist or from the market indexer.
type MarketRegistry struct {
	useWhitelist bool
	whitelist    map[string]string
	discover     DiscoverPerpetualsFunc
	reader       MarketReader
	blacklist    map[string]struct{}
	snapshot     atomic.Pointer[MarketSnapshot]
	errorHandler ErrorHandlerFunc
	logger       Logger
}

func newMarketRegistry(cfg *Config, errorHandler ErrorHandlerFunc) *MarketRegistry {
	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, addr := range cfg.Blacklist {
		blacklist[normalizeAddress(addr)] = struct{}{}
	}
	r := &MarketRegistry{
		useWhitelist: cfg.UseWhitelist,
		whitelist:    cfg.Whitelist,
		discover:     cfg.DiscoverPerpetuals,
		reader:       cfg.Reader,
		blacklist:    blacklist,
		errorHandler: errorHandler,
		logger:       cfg.Logger,
	}
	r.snapshot.Store(newMarketSnapshot(nil))
	return r
}

// Snapshot returns the current registry snapshot. This operation is lock-free.
func (r *MarketRegistry) Snapshot() *MarketSnapshot {
	return r.snapshot.Load()
}

// Refresh re-queries the indexer in discovery mode and returns the resulting
// snapshot. On failure the previous snapshot is kept and returned. In whitelist
// mode it returns the snapshot built at startup.
func (r *MarketRegistry) Refresh(ctx context.Context) *MarketSnapshot {
	if r.useWhitelist {
		return r.Snapshot()
	}

	records, err := r.discover(ctx)
	if err != nil {
		r.errorHandler(&DiscoveryError{Err: err})
		return r.Snapshot()
	}

	prev := r.Snapshot()
	perpetuals := make([]*Perpetual, 0, len(records))
	for _, rec := range records {
		key, err := ParsePerpetualKey(rec.ID)
		if err != nil {
			r.logger.Warn("Skipping unparsable perpetual from indexer", "id", rec.ID, "error", err)
			continue
		}
		if r.isBlacklisted(key.Pool.Hex()) {
			r.logger.Info("Pool in blacklist", "pool", key.Pool.Hex())
			continue
		}
		perpetuals = append(perpetuals, r.carryOver(prev, key, normalizeAddress(rec.Oracle), StatusNormal))
	}

	next := newMarketSnapshot(perpetuals)
	r.snapshot.Store(next)
	return next
}

// loadWhitelist parses the configured whitelist. Entries are "pool-index" keys or
// bare pool addresses, the latter expanding to every perpetual of the pool. An
// empty oracle is looked up from the pool contract.
func (r *MarketRegistry) loadWhitelist(ctx context.Context) error {
	ids := make([]string, 0, len(r.whitelist))
	for id := range r.whitelist {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var perpetuals []*Perpetual
	for _, id := range ids {
		oracle := normalizeAddress(r.whitelist[id])

		var keys []PerpetualKey
		if common.IsHexAddress(strings.TrimSpace(id)) {
			pool := common.HexToAddress(strings.TrimSpace(id))
			count, err := r.reader.PerpetualCount(ctx, pool)
			if err != nil {
				return fmt.Errorf("whitelist pool %s: perpetual count: %w", pool.Hex(), err)
			}
			for i := uint64(0); i < count; i++ {
				keys = append(keys, PerpetualKey{Pool: pool, Index: i})
			}
		} else {
			key, err := ParsePerpetualKey(id)
			if err != nil {
				return fmt.Errorf("whitelist entry: %w", err)
			}
			keys = append(keys, key)
		}

		for _, key := range keys {
			keyOracle := oracle
			if keyOracle == "" {
				addr, err := r.reader.PerpetualOracle(ctx, key.Pool, key.Index)
				if err != nil {
					return fmt.Errorf("whitelist perpetual %s: oracle lookup: %w", key, err)
				}
				keyOracle = normalizeAddress(addr.Hex())
			}
			perpetuals = append(perpetuals, &Perpetual{Key: key, Oracle: keyOracle, book: newAccountBook(StatusNormal)})
		}
	}

	r.snapshot.Store(newMarketSnapshot(perpetuals))
	r.logger.Info("Loaded perpetual whitelist", "perpetuals", len(perpetuals))
	return nil
}

// carryOver reuses the account book of a perpetual already tracked by the
// previous snapshot so its cached accounts survive the refresh.
func (r *MarketRegistry) carryOver(prev *MarketSnapshot, key PerpetualKey, oracle string, status PerpetualStatus) *Perpetual {
	if old, ok := prev.Get(key); ok {
		return &Perpetual{Key: key, Oracle: oracle, book: old.book}
	}
	return &Perpetual{Key: key, Oracle: oracle, book: newAccountBook(status)}
}

func (r *MarketRegistry) isBlacklisted(pool string) bool {
	_, ok := r.blacklist[normalizeAddress(pool)]
	return ok
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
