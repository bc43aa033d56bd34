// Package store defines the origin key-value store contract the indexer
// and pending-operation pipeline depend on (spec §6); concrete backends
// live in subpackages (store/leveldb).
package store

import (
	"github.com/chainrelay/relayer-core/domain"
)

// OriginStore is the per-origin persistence contract. StoreMessages and
// StoreLatestValidMessageRangeStartBlock are separate calls and are not
// atomic with each other: an interruption between the indexer's two
// calls can leave one written without the other.
type OriginStore interface {
	// StoreMessages persists records and returns the highest nonce stored
	// across the whole set (records need not already be sorted).
	StoreMessages(records []domain.MessageRecord) (uint32, error)

	// RetrieveLatestNonce returns the highest nonce ever stored, or
	// (0, false) if none has been stored yet.
	RetrieveLatestNonce() (uint32, bool, error)

	// StoreLatestValidMessageRangeStartBlock persists the indexer's
	// BlockCursor.
	StoreLatestValidMessageRangeStartBlock(block uint64) error

	// RetrieveLatestValidMessageRangeStartBlock returns the last
	// persisted BlockCursor, or (0, false) if none exists.
	RetrieveLatestValidMessageRangeStartBlock() (uint64, bool, error)

	// StoreProcessedByNonce marks a message's terminal delivery state.
	StoreProcessedByNonce(nonce uint32, processed bool) error

	// RetrieveProcessedByNonce reports whether nonce has been marked
	// processed; false, false if never recorded.
	RetrieveProcessedByNonce(nonce uint32) (bool, bool, error)

	// StorePendingMessageRetryCount persists num_retries for id so it
	// survives a relayer restart.
	StorePendingMessageRetryCount(id domain.MessageID, count int) error

	// RetrievePendingMessageRetryCount returns the last persisted retry
	// count for id, or (0, false) if never recorded.
	RetrievePendingMessageRetryCount(id domain.MessageID) (int, bool, error)

	Close() error
}
