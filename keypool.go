package keeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNoKeeperAccounts is returned when a key pool is built without identities.
	ErrNoKeeperAccounts = errors.New("no keeper accounts configured")
	// ErrKeyPoolClosed is returned by Acquire once the pool has been closed.
	ErrKeyPoolClosed = errors.New("keeper key pool closed")
)

// KeeperAccount is a signing identity used to submit liquidations.
type KeeperAccount struct {
	Address common.Address
	Key     *ecdsa.PrivateKey

	inUse bool
}

// NewKeeperAccount derives the account address from the private key.
func NewKeeperAccount(key *ecdsa.PrivateKey) *KeeperAccount {
	return &KeeperAccount{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
}

// KeyPool hands out keeper accounts exclusively: an account is held by at most
// one caller between Acquire and Release. Callers that find no free account wait
// in FIFO order and are handed the next released account directly.
type KeyPool struct {
	mu       sync.Mutex
	accounts []*KeeperAccount
	next     int
	waiters  []chan *KeeperAccount
	inUse    int
	closed   bool
	onChange func(inUse int)
}

// NewKeyPool builds a pool over the given accounts. Duplicate addresses are dropped.
func NewKeyPool(accounts []*KeeperAccount) (*KeyPool, error) {
	seen := make(map[common.Address]struct{}, len(accounts))
	unique := make([]*KeeperAccount, 0, len(accounts))
	for _, a := range accounts {
		if a == nil {
			continue
		}
		if _, dup := seen[a.Address]; dup {
			continue
		}
		seen[a.Address] = struct{}{}
		a.inUse = false
		unique = append(unique, a)
	}
	if len(unique) == 0 {
		return nil, ErrNoKeeperAccounts
	}
	return &KeyPool{accounts: unique, onChange: func(int) {}}, nil
}

// Size returns the number of identities in the pool.
func (p *KeyPool) Size() int { return len(p.accounts) }

// InUse returns the number of identities currently held.
func (p *KeyPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Acquire returns a free account, waiting until one is released if necessary.
// There is no upper bound on the wait other than ctx.
func (p *KeyPool) Acquire(ctx context.Context) (*KeeperAccount, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrKeyPoolClosed
	}
	// Only take a free account directly when nobody is queued, so waiters keep their turn.
	if len(p.waiters) == 0 {
		if a := p.takeFreeLocked(); a != nil {
			p.mu.Unlock()
			return a, nil
		}
	}
	w := make(chan *KeeperAccount, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case a, ok := <-w:
		if !ok {
			return nil, ErrKeyPoolClosed
		}
		return a, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.removeWaiterLocked(w) {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// A release raced with cancellation and already handed us an account.
		if a, ok := <-w; ok {
			p.Release(a)
		}
		return nil, ctx.Err()
	}
}

// Release returns an account to the pool, handing it to the oldest waiter if any.
func (p *KeyPool) Release(a *KeeperAccount) {
	if a == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !a.inUse {
		return
	}
	if len(p.waiters) > 0 && !p.closed {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- a
		return
	}
	a.inUse = false
	p.inUse--
	p.onChange(p.inUse)
}

// Close wakes every waiter with ErrKeyPoolClosed. Held accounts can still be released.
func (p *KeyPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// takeFreeLocked scans round-robin from the last handed out position so load is
// spread across identities. Must be called with p.mu held.
func (p *KeyPool) takeFreeLocked() *KeeperAccount {
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		a := p.accounts[idx]
		if !a.inUse {
			a.inUse = true
			p.inUse++
			p.next = (idx + 1) % n
			p.onChange(p.inUse)
			return a
		}
	}
	return nil
}

func (p *KeyPool) removeWaiterLocked(w chan *KeeperAccount) bool {
	for i, c := range p.waiters {
		if c == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
