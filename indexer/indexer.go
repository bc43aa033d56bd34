// Package indexer tails a Mailbox-style dispatch log on one origin chain
// in bounded block ranges, classifies each window with package continuity,
// and persists validated messages to the origin store (spec §4.1).
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/continuity"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/errs"
	"github.com/chainrelay/relayer-core/store"
)

// Source is the origin indexer contract (spec §6).
type Source interface {
	// FinalizedBlockNumber returns the chain's latest finalized height.
	FinalizedBlockNumber(ctx context.Context) (uint64, error)

	// FetchSortedMessages returns messages dispatched in [from, to],
	// ordered by nonce ascending, with no duplicate nonce in one call.
	FetchSortedMessages(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error)
}

// SequenceSource is an alternative Source for chains whose RPC scans by
// contiguous on-chain nonce range rather than block range (index.mode =
// "sequence"; recovered from the Sealevel/Radix/Sovereign-style adapters).
type SequenceSource interface {
	// FinalizedNonce returns one past the highest nonce the chain has
	// finalized.
	FinalizedNonce(ctx context.Context) (uint64, error)

	// FetchByNonceRange returns messages with nonce in [from, to],
	// ordered by nonce ascending.
	FetchByNonceRange(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error)
}

// pollInterval is the sleep applied when the chain tip hasn't advanced
// past the indexer's current position (spec §4.1 step 1).
const pollInterval = time.Second

// Indexer drives the continuity-checked scan loop for one origin.
type Indexer struct {
	Origin domain.DomainID
	Store  store.OriginStore
	Source Source
	Mode   config.IndexMode
	Seq    SequenceSource

	ChunkSize uint64
	Log       log.Logger

	MissedEvents int
}

// New constructs an Indexer in block mode; use NewSequence for sequence mode.
func New(origin domain.DomainID, st store.OriginStore, src Source, chunkSize uint64, logger log.Logger) *Indexer {
	return &Indexer{Origin: origin, Store: st, Source: src, Mode: config.IndexModeBlock, ChunkSize: chunkSize, Log: logger}
}

// NewSequence constructs an Indexer in sequence mode.
func NewSequence(origin domain.DomainID, st store.OriginStore, seq SequenceSource, chunkSize uint64, logger log.Logger) *Indexer {
	return &Indexer{Origin: origin, Store: st, Seq: seq, Mode: config.IndexModeSequence, ChunkSize: chunkSize, Log: logger}
}

// Run executes sync_dispatched_messages as a continuous loop starting at
// fromBlock (or fromNonce in sequence mode), returning only when ctx is
// cancelled or a fatal (database) error occurs.
func (ix *Indexer) Run(ctx context.Context, from uint64) error {
	lastValidRangeStart := from

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tip, err := ix.tip(ctx)
		if err != nil {
			// Block-number RPC failure retries without sleeping (spec §4.1
			// "Failure semantics").
			ix.Log.Warn("fetch tip", "origin", ix.Origin, "err", err)
			continue
		}
		if tip <= from {
			if sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		to := tip
		if from+ix.ChunkSize < to {
			to = from + ix.ChunkSize
		}
		fullChunkFrom := uint64(0)
		if to > ix.ChunkSize {
			fullChunkFrom = to - ix.ChunkSize
		}

		records, err := ix.fetch(ctx, fullChunkFrom, to)
		if err != nil {
			return fmt.Errorf("indexer(%s): fetch_sorted_messages: %w", ix.Origin, err)
		}

		lastNonce, hasLast, err := ix.Store.RetrieveLatestNonce()
		if err != nil {
			return errs.Database("retrieve_latest_nonce", err)
		}

		records = dropAtOrBelow(records, lastNonce, hasLast)

		nonces := make([]uint32, len(records))
		for i, r := range records {
			nonces[i] = r.Message.Nonce
		}

		var lastPtr *uint32
		if hasLast {
			lastPtr = &lastNonce
		}

		switch continuity.Validate(lastPtr, nonces) {
		case continuity.Valid:
			if _, err := ix.Store.StoreMessages(records); err != nil {
				return errs.Database("store_messages", err)
			}
			if err := ix.Store.StoreLatestValidMessageRangeStartBlock(fullChunkFrom); err != nil {
				return errs.Database("store_cursor", err)
			}
			lastValidRangeStart = fullChunkFrom
			from = to + 1

		case continuity.Empty:
			// No evidence the range was complete; do not advance the cursor.
			from = to + 1

		case continuity.ContainsGaps:
			ix.MissedEvents++
			// from is left unchanged: re-index the same window.

		case continuity.InvalidContinuation:
			ix.MissedEvents++
			from = lastValidRangeStart
		}
	}
}

func (ix *Indexer) tip(ctx context.Context) (uint64, error) {
	if ix.Mode == config.IndexModeSequence {
		return ix.Seq.FinalizedNonce(ctx)
	}
	return ix.Source.FinalizedBlockNumber(ctx)
}

func (ix *Indexer) fetch(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error) {
	if ix.Mode == config.IndexModeSequence {
		return ix.Seq.FetchByNonceRange(ctx, from, to)
	}
	return ix.Source.FetchSortedMessages(ctx, from, to)
}

func dropAtOrBelow(records []domain.MessageRecord, lastNonce uint32, hasLast bool) []domain.MessageRecord {
	if !hasLast {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if r.Message.Nonce > lastNonce {
			out = append(out, r)
		}
	}
	return out
}

// sleepCtx sleeps for d or returns early (true) if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
