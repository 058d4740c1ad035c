package keeper

import (
	"context"
	"sort"
)

// AccountScanner pages through the margin accounts of a perpetual, dispatches
// liquidations for unsafe accounts as soon as they are seen, and rebuilds the
// perpetual's cache of open positions.
type AccountScanner struct {
	reader        MarketReader
	pageSize      uint64
	maxCached     int
	maxPageErrors int
	// useAccountCount bounds error skipping by the on-chain account count.
	// It is only enabled in whitelist mode.
	useAccountCount bool
	liquidate       func(ctx context.Context, key PerpetualKey, account MarginAccount)
	errorHandler    ErrorHandlerFunc
	metrics         *Metrics
	logger          Logger
}

// Scan requests pages [i*N, (i+1)*N) for i = 0, 1, ... until a page shorter than
// N is returned. A page that fails to load counts as empty and the scan moves on
// to the next index, unless maxPageErrors pages in a row have failed, in which
// case the scan is abandoned and the cached accounts are left untouched. It
// returns the number of accounts visited.
func (s *AccountScanner) Scan(ctx context.Context, p *Perpetual) int {
	if !p.tryBegin() {
		s.logger.Debug("Skipping perpetual scan, previous round still running", "perpetual", p.Key.String())
		return 0
	}
	defer p.end()

	if !s.refreshStatus(ctx, p) {
		return 0
	}

	var expected uint64
	if s.useAccountCount {
		count, err := s.reader.AccountCount(ctx, p.Key.Pool, p.Key.Index)
		if err != nil {
			s.logger.Debug("Could not read active account count", "perpetual", p.Key.String(), "error", err)
		} else {
			expected = count
		}
	}

	var (
		cached   []MarginAccount
		visited  int
		failures int
	)
	for page := uint64(0); ; page++ {
		if ctx.Err() != nil {
			// Abandoned mid-way: keep the previous cache rather than a partial one.
			return visited
		}

		begin, end := page*s.pageSize, (page+1)*s.pageSize
		accounts, err := s.reader.ListAccounts(ctx, p.Key.Pool, p.Key.Index, begin, end)
		s.metrics.PagesFetched.Inc()
		if err != nil {
			s.errorHandler(&ScanError{Perpetual: p.Key, Begin: begin, End: end, Err: err})
			failures++
			if failures >= s.maxPageErrors {
				// Abandoned: the previous cache stays until a scan completes.
				s.logger.Warn("Stopping perpetual scan after page errors", "perpetual", p.Key.String(), "pages", page+1, "consecutiveFailures", failures)
				return visited
			}
			if expected > 0 && end >= expected {
				break
			}
			continue
		}
		failures = 0

		for _, account := range accounts {
			visited++
			s.check(ctx, p.Key, account)
			cached = insertByPosition(cached, account, s.maxCached)
		}

		if uint64(len(accounts)) < s.pageSize {
			break
		}
	}

	p.saveAccounts(cached)
	s.logger.Debug("Scanned perpetual", "perpetual", p.Key.String(), "visited", visited, "cached", len(cached), "expected", expected)
	return visited
}

// Recheck runs the unsafe-account check over the cached accounts of a perpetual
// without fetching pages again. It returns the number of unsafe accounts found.
func (s *AccountScanner) Recheck(ctx context.Context, p *Perpetual) int {
	if !p.tryBegin() {
		s.logger.Debug("Skipping perpetual re-check, previous round still running", "perpetual", p.Key.String())
		return 0
	}
	defer p.end()

	if !p.Status().Scannable() {
		return 0
	}

	unsafe := 0
	for _, account := range p.Accounts() {
		if ctx.Err() != nil {
			break
		}
		if s.check(ctx, p.Key, account) {
			unsafe++
		}
	}
	return unsafe
}

func (s *AccountScanner) check(ctx context.Context, key PerpetualKey, account MarginAccount) bool {
	if account.IsSafe {
		return false
	}
	s.metrics.UnsafeAccounts.Inc()
	s.logger.Info(
		"Account unsafe",
		"perpetual", key.String(),
		"trader", account.Trader.Hex(),
		"margin", account.MarginDecimal().String(),
		"position", account.PositionDecimal().String(),
	)
	s.liquidate(ctx, key, account)
	return true
}

// refreshStatus reads the current perpetual state. On a read failure the last
// known state is used. It reports whether the perpetual should be scanned.
func (s *AccountScanner) refreshStatus(ctx context.Context, p *Perpetual) bool {
	status, err := s.reader.PerpetualStatus(ctx, p.Key.Pool, p.Key.Index)
	if err != nil {
		s.errorHandler(&StatusError{Perpetual: p.Key, Err: err})
		status = p.Status()
	} else {
		p.setStatus(status)
	}

	if !status.Scannable() {
		s.logger.Debug("Skipping perpetual in non-scannable state", "perpetual", p.Key.String(), "status", status.String())
		p.saveAccounts(nil)
		return false
	}
	return true
}

// insertByPosition inserts a into accounts, kept sorted by descending absolute
// position. Zero positions are never cached and accounts with equal positions
// keep discovery order. With limit > 0 only the limit largest are retained.
func insertByPosition(accounts []MarginAccount, a MarginAccount, limit int) []MarginAccount {
	if !a.HasPosition() {
		return accounts
	}
	i := sort.Search(len(accounts), func(j int) bool {
		return cmpAbsPosition(accounts[j], a) < 0
	})
	if limit > 0 && i >= limit {
		return accounts
	}
	accounts = append(accounts, MarginAccount{})
	copy(accounts[i+1:], accounts[i:])
	accounts[i] = a
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts
}
