package keeper

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// wadExponent is the fixed-point exponent of every on-chain amount (1e18).
const wadExponent = -18

var (
	// ErrInvalidPerpetualKey is returned when a "pool-index" identifier cannot be parsed.
	ErrInvalidPerpetualKey = errors.New("invalid perpetual key")
	// ErrUnknownPerpetual is returned when a perpetual is not part of the current snapshot.
	ErrUnknownPerpetual = errors.New("perpetual not found in registry")
)

// PerpetualStatus mirrors the on-chain perpetual state enum.
type PerpetualStatus uint8

const (
	StatusInvalid PerpetualStatus = iota
	StatusInitializing
	StatusNormal
	StatusEmergency
	StatusCleared
)

func (s PerpetualStatus) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusInitializing:
		return "initializing"
	case StatusNormal:
		return "normal"
	case StatusEmergency:
		return "emergency"
	case StatusCleared:
		return "cleared"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Scannable reports whether accounts of a perpetual in this state can be liquidated.
func (s PerpetualStatus) Scannable() bool {
	return s == StatusNormal || s == StatusEmergency
}

// PerpetualKey identifies a perpetual by its pool and index inside the pool.
type PerpetualKey struct {
	Pool  common.Address
	Index uint64
}

// String renders the key in the indexer's "pool-index" form with a lowercase pool.
func (k PerpetualKey) String() string {
	return strings.ToLower(k.Pool.Hex()) + "-" + strconv.FormatUint(k.Index, 10)
}

// ParsePerpetualKey parses a "pool-index" identifier such as "0xabc...-0".
func ParsePerpetualKey(s string) (PerpetualKey, error) {
	pool, index, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return PerpetualKey{}, fmt.Errorf("%w: %q has no index", ErrInvalidPerpetualKey, s)
	}
	if !common.IsHexAddress(pool) {
		return PerpetualKey{}, fmt.Errorf("%w: %q is not a pool address", ErrInvalidPerpetualKey, pool)
	}
	idx, err := strconv.ParseUint(index, 10, 64)
	if err != nil {
		return PerpetualKey{}, fmt.Errorf("%w: bad index %q: %v", ErrInvalidPerpetualKey, index, err)
	}
	return PerpetualKey{Pool: common.HexToAddress(pool), Index: idx}, nil
}

// MarginAccount is an immutable snapshot of a trader's account in one perpetual.
// IsSafe is computed by the pool contract; the keeper never recomputes it.
type MarginAccount struct {
	Trader        common.Address
	Position      *big.Int
	AvailableCash *big.Int
	Margin        *big.Int
	IsSafe        bool
}

// HasPosition reports whether the account holds a non-zero position.
func (a MarginAccount) HasPosition() bool {
	return a.Position != nil && a.Position.Sign() != 0
}

func (a MarginAccount) PositionDecimal() decimal.Decimal { return wadToDecimal(a.Position) }
func (a MarginAccount) MarginDecimal() decimal.Decimal   { return wadToDecimal(a.Margin) }

func wadToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, wadExponent)
}

// cmpAbsPosition compares |a.Position| with |b.Position|.
func cmpAbsPosition(a, b MarginAccount) int {
	x, y := a.Position, b.Position
	if x == nil {
		x = new(big.Int)
	}
	if y == nil {
		y = new(big.Int)
	}
	return x.CmpAbs(y)
}

// accountBook is the mutable state attached to a perpetual. It survives registry
// refreshes so the cached account list is not lost when a new snapshot is swapped in.
type accountBook struct {
	accounts atomic.Pointer[[]MarginAccount]
	status   atomic.Uint32
	busy     atomic.Bool
}

func newAccountBook(status PerpetualStatus) *accountBook {
	b := &accountBook{}
	b.accounts.Store(&[]MarginAccount{})
	b.status.Store(uint32(status))
	return b
}

// Perpetual is a scan target. Key and Oracle are fixed for the lifetime of a
// snapshot; the cached accounts and status live in the shared accountBook.
type Perpetual struct {
	Key    PerpetualKey
	Oracle string
	book   *accountBook
}

// Accounts returns the cached accounts, sorted by descending absolute position.
func (p *Perpetual) Accounts() []MarginAccount {
	return *p.book.accounts.Load()
}

func (p *Perpetual) Status() PerpetualStatus {
	return PerpetualStatus(p.book.status.Load())
}

func (p *Perpetual) setStatus(s PerpetualStatus) {
	p.book.status.Store(uint32(s))
}

func (p *Perpetual) saveAccounts(accounts []MarginAccount) {
	p.book.accounts.Store(&accounts)
}

// tryBegin marks the perpetual as being worked on. It returns false if a scan or
// re-check of the same perpetual is still running from an earlier round.
func (p *Perpetual) tryBegin() bool { return p.book.busy.CompareAndSwap(false, true) }
func (p *Perpetual) end()           { p.book.busy.Store(false) }

// PerpetualView is a read-only summary of a perpetual used by status endpoints.
type PerpetualView struct {
	ID              string `json:"id"`
	Pool            string `json:"pool"`
	Index           uint64 `json:"index"`
	Oracle          string `json:"oracle"`
	Status          string `json:"status"`
	CachedAccounts  int    `json:"cachedAccounts"`
	LargestPosition string `json:"largestPosition"`
}

func (p *Perpetual) view() PerpetualView {
	accounts := p.Accounts()
	largest := decimal.Zero
	if len(accounts) > 0 {
		largest = accounts[0].PositionDecimal()
	}
	return PerpetualView{
		ID:              p.Key.String(),
		Pool:            p.Key.Pool.Hex(),
		Index:           p.Key.Index,
		Oracle:          p.Oracle,
		Status:          p.Status().String(),
		CachedAccounts:  len(accounts),
		LargestPosition: largest.String(),
	}
}
