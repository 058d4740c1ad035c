package keeper

import (
	"context"
	"sort"
	"sync"
)

// OracleWatcher remembers the last price seen for every oracle and re-checks the
// cached accounts of the perpetuals bound to an oracle whose price moved.
type OracleWatcher struct {
	mu           sync.Mutex
	prices       map[string]float64
	fetch        FetchPriceFunc
	registry     *MarketRegistry
	recheck      func(ctx context.Context, p *Perpetual) int
	concurrency  int
	errorHandler ErrorHandlerFunc
	metrics      *Metrics
	logger       Logger
}

// Sync makes the tracked oracle set match oracles. New oracles start at price 0
// (unknown); oracles still tracked keep their last price.
func (o *OracleWatcher) Sync(oracles []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make(map[string]float64, len(oracles))
	for _, id := range oracles {
		next[id] = o.prices[id]
	}
	o.prices = next
}

// LastPrice returns the last observed price of an oracle, 0 when unknown.
func (o *OracleWatcher) LastPrice(oracle string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prices[oracle]
}

// PollAndTrigger fetches the price of every tracked oracle and, for each one
// whose price is positive and differs from the last seen value, re-checks all
// perpetuals bound to it. It blocks until every re-check has finished and
// returns how many were run.
func (o *OracleWatcher) PollAndTrigger(ctx context.Context) int {
	oracles := o.known()
	if len(oracles) == 0 {
		return 0
	}

	changed := make([]bool, len(oracles))
	indices := make([]int, len(oracles))
	for i := range indices {
		indices[i] = i
	}
	runBounded(ctx, o.concurrency, indices, func(ctx context.Context, i int) {
		price, err := o.fetch(ctx, oracles[i])
		if err != nil {
			o.errorHandler(&PriceError{Oracle: oracles[i], Err: err})
			return
		}
		changed[i] = o.observe(oracles[i], price)
	})

	snapshot := o.registry.Snapshot()
	var targets []*Perpetual
	for i, oracle := range oracles {
		if !changed[i] {
			continue
		}
		bound := snapshot.BoundTo(oracle)
		o.logger.Debug("Oracle price changed", "oracle", oracle, "price", o.LastPrice(oracle), "perpetuals", len(bound))
		targets = append(targets, bound...)
	}
	if len(targets) == 0 {
		return 0
	}

	o.metrics.OracleTriggeredRechecks.Add(float64(len(targets)))
	runBounded(ctx, o.concurrency, targets, func(ctx context.Context, p *Perpetual) {
		o.recheck(ctx, p)
	})
	return len(targets)
}

// observe records price and reports whether it is a usable change.
func (o *OracleWatcher) observe(oracle string, price float64) bool {
	if price <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.prices[oracle]; !ok || last == price {
		return false
	}
	o.prices[oracle] = price
	return true
}

func (o *OracleWatcher) known() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.prices))
	for id := range o.prices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
