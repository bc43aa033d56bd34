// Package noncemgr assigns strictly increasing per-signer nonces to
// outbound transactions and recovers nonces whose transactions are no
// longer in flight, the way chainlink's EthBroadcaster/EthConfirmer pair
// tracks unconfirmed eth_tx nonces, collapsed here into spec §4.2's single
// NonceState contract.
package noncemgr

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainrelay/relayer-core/errs"
)

// TransactionID identifies the outbound transaction a nonce was assigned
// to; opaque to this package.
type TransactionID string

// NewTransactionID mints an opaque id for callers with no natural
// message-derived key to reuse (e.g. a UTXO sweep's fee-input spend,
// which isn't itself tied to one message).
func NewTransactionID() TransactionID { return TransactionID(uuid.New().String()) }

// TrackedTx is an in-flight (or recently-finalized) transaction's bookkeeping.
type TrackedTx struct {
	ID         TransactionID
	AssignedAt time.Time
	Dropped    bool
}

// trackedBound caps how many in-flight nonces the manager keeps detailed
// bookkeeping for at once; Sweep is the age-based complement to this
// size-based bound.
const trackedBound = 4096

// Manager tracks NonceState for one signer on one chain. The lock covers
// only the in-memory assign-or-bump bookkeeping, never a suspension point, per
// spec §5's concurrency rule.
type Manager struct {
	mu sync.Mutex

	finalized uint64
	upper     uint64
	tracked   *lru.Cache[uint64, TrackedTx]
}

// New constructs a Manager with finalized == upper == 0.
func New() *Manager {
	cache, err := lru.New[uint64, TrackedTx](trackedBound)
	if err != nil {
		// Only returns an error for a non-positive size, which trackedBound
		// never is; a panic here would indicate a programmer error.
		panic(err)
	}
	return &Manager{tracked: cache}
}

// AssignNonce returns a nonce for txID, idempotent per txID: calling it
// again with a txID that already has a tracked, non-dropped slot returns
// that same nonce. Prefers reusing a free slot in [finalized, upper) over
// growing upper.
func (m *Manager) AssignNonce(txID TransactionID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.tracked.Keys() {
		if tx, ok := m.tracked.Peek(n); ok && tx.ID == txID && !tx.Dropped {
			return n
		}
	}

	for n := m.finalized; n < m.upper; n++ {
		tx, ok := m.tracked.Peek(n)
		if !ok || tx.Dropped {
			m.tracked.Add(n, TrackedTx{ID: txID, AssignedAt: time.Now()})
			return n
		}
	}

	n := m.upper
	m.tracked.Add(n, TrackedTx{ID: txID, AssignedAt: time.Now()})
	m.upper++
	return n
}

// MarkDropped records that the transaction tracked at n is no longer in
// flight, freeing the slot for reuse by a future AssignNonce call.
func (m *Manager) MarkDropped(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.tracked.Peek(n); ok {
		tx.Dropped = true
		m.tracked.Add(n, tx)
	}
}

// ChainNonceSource supplies the chain's next expected nonce for this
// signer, e.g. eth_getTransactionCount(addr, "latest").
type ChainNonceSource func() (uint64, error)

// UpdateBoundaries pulls the chain's next nonce and sets finalized =
// chainNextNonce - 1. If finalized has caught up to or passed upper, upper
// is bumped to finalized+1. Non-fatal on RPC failure: boundaries are left
// at their last-known values.
func (m *Manager) UpdateBoundaries(source ChainNonceSource) error {
	chainNext, err := source()
	if err != nil {
		return errs.Transport("update_boundaries", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if chainNext == 0 {
		m.finalized = 0
	} else {
		m.finalized = chainNext - 1
	}
	if m.finalized >= m.upper {
		m.upper = m.finalized + 1
	}
	return nil
}

// ResetUpper is an operator command: sets upper = max(newUpper,
// finalized+1). Used when the operator knows tracked transactions between
// the old and new upper have been dropped and will never land.
func (m *Manager) ResetUpper(newUpper uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newUpper < m.finalized+1 {
		newUpper = m.finalized + 1
	}
	m.upper = newUpper
}

// Snapshot is the metrics-facing view of NonceState (spec §5 supplement).
type Snapshot struct {
	Finalized   uint64
	Upper       uint64
	TrackedSize int
}

// NonceSnapshot returns the current boundaries and tracked-set size for
// metrics export.
func (m *Manager) NonceSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Finalized: m.finalized, Upper: m.upper, TrackedSize: m.tracked.Len()}
}

// Sweep drops tracked entries older than maxAge without touching upper or
// finalized; used to shed stale bookkeeping after a ResetUpper.
func (m *Manager) Sweep(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, n := range m.tracked.Keys() {
		tx, ok := m.tracked.Peek(n)
		if ok && tx.AssignedAt.Before(cutoff) {
			m.tracked.Remove(n)
			removed++
		}
	}
	return removed
}
